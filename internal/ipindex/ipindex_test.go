package ipindex

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIdempotent(t *testing.T) {
	a := New()
	require.NoError(t, a.Add("10.0.0.0/24"))
	require.NoError(t, a.Add("10.0.0.0/24"))
	a.Simplify()

	b := New()
	require.NoError(t, b.Add("10.0.0.0/24"))
	b.Simplify()

	ip := net.ParseIP("10.0.0.5")
	assert.Equal(t, b.Contains(ip), a.Contains(ip))
	assert.False(t, a.Contains(net.ParseIP("10.0.1.1")))
}

func TestSubsumption(t *testing.T) {
	a := New()
	require.NoError(t, a.Add("10.0.0.0/24")) // a ⊂ b
	require.NoError(t, a.Add("10.0.0.0/16")) // b
	a.Simplify()

	b := New()
	require.NoError(t, b.Add("10.0.0.0/16"))
	b.Simplify()

	for _, ipStr := range []string{"10.0.0.1", "10.0.5.1", "10.1.0.1"} {
		ip := net.ParseIP(ipStr)
		assert.Equal(t, b.Contains(ip), a.Contains(ip), ipStr)
	}
}

func TestSubsumptionReverseOrder(t *testing.T) {
	a := New()
	require.NoError(t, a.Add("10.0.0.0/16"))
	require.NoError(t, a.Add("10.0.0.0/24"))
	a.Simplify()

	assert.True(t, a.Contains(net.ParseIP("10.0.5.1")))
}

func TestMembership(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("192.168.1.0/24"))
	r.Simplify()

	assert.True(t, r.Contains(net.ParseIP("192.168.1.0")))
	assert.True(t, r.Contains(net.ParseIP("192.168.1.255")))
	assert.False(t, r.Contains(net.ParseIP("192.168.2.1")))
}

func TestSiblingMerge(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("10.0.0.0/25"))
	require.NoError(t, r.Add("10.0.0.128/25"))
	r.Simplify()

	assert.True(t, r.Contains(net.ParseIP("10.0.0.10")))
	assert.True(t, r.Contains(net.ParseIP("10.0.0.200")))

	direct := New()
	require.NoError(t, direct.Add("10.0.0.0/24"))
	direct.Simplify()
	assert.Equal(t, direct.Contains(net.ParseIP("10.0.1.1")), r.Contains(net.ParseIP("10.0.1.1")))
}

func TestIPv6(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("2001:db8::/32"))
	r.Simplify()

	assert.True(t, r.Contains(net.ParseIP("2001:db8::1")))
	assert.False(t, r.Contains(net.ParseIP("2001:db9::1")))
}

func TestBareIPHostRoute(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("1.2.3.4"))
	r.Simplify()

	assert.True(t, r.Contains(net.ParseIP("1.2.3.4")))
	assert.False(t, r.Contains(net.ParseIP("1.2.3.5")))
}

func TestInvalidCIDR(t *testing.T) {
	r := New()
	assert.Error(t, r.Add("not-a-cidr/99"))
	assert.Error(t, r.Add(""))
}
