package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalValid = `
bind = "127.0.0.1:5353"

[upstreams.a]
address = "1.1.1.1"
network = "udp"
`

func TestLoadMinimalValid(t *testing.T) {
	path := writeTemp(t, minimalValid)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5353", cfg.Bind)
	assert.True(t, cfg.Upstreams["a"].isDefault())
}

func TestLoadMissingBindIsFatal(t *testing.T) {
	path := writeTemp(t, `
[upstreams.a]
address = "1.1.1.1"
network = "udp"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadNoDefaultUpstreamIsFatal(t *testing.T) {
	path := writeTemp(t, `
bind = "127.0.0.1:5353"

[upstreams.a]
address = "1.1.1.1"
network = "udp"
default = false
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default upstream")
}

func TestLoadUnknownUpstreamInRequestRuleIsFatal(t *testing.T) {
	path := writeTemp(t, minimalValid+`
[[requests]]
upstreams = ["missing"]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUnknownGroupInResponseRuleIsFatal(t *testing.T) {
	path := writeTemp(t, minimalValid+`
[[responses]]
ranges = ["missing"]
action = "drop"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidActionIsFatal(t *testing.T) {
	path := writeTemp(t, minimalValid+`
[[responses]]
action = "maybe"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMalformedTOMLIsFatal(t *testing.T) {
	path := writeTemp(t, "bind = [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBuildWiresUpstreamsAndRules(t *testing.T) {
	path := writeTemp(t, minimalValid+`
[domains.ads]
list = ["ads.example.com"]

[[requests]]
domains = ["ads"]
upstreams = ["a"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rt, err := Build(cfg, nil)
	require.NoError(t, err)
	assert.Contains(t, rt.Upstreams, "a")
	assert.Equal(t, []string{"a"}, rt.Engine.Defaults)
	assert.Len(t, rt.Engine.Requests, 1)
	assert.True(t, rt.Engine.Requests[0].Domains.IsMatch("ads.example.com."))
}

func TestNormalizeAddressAppliesDefaultPort(t *testing.T) {
	addr, err := normalizeAddress("1.1.1.1", "udp")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:53", addr)

	addr, err = normalizeAddress("1.1.1.1", "tls")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:853", addr)

	addr, err = normalizeAddress("1.1.1.1:5353", "udp")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:5353", addr)
}
