package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextStdout(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewJSONStderr(t *testing.T) {
	logger, err := New(&Config{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.Equal(t, "info", logger.cfg.Level)
}

func TestParseLevelUnknownDefaultsToInfo(t *testing.T) {
	assert.Equal(t, parseLevel("bogus"), parseLevel("info"))
}
