package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigErrorFormatting(t *testing.T) {
	err := &ConfigError{Field: "bind", Message: "required"}
	assert.Equal(t, "bind: required", err.Error())

	bare := &ConfigError{Message: "malformed TOML"}
	assert.Equal(t, "malformed TOML", bare.Error())
}

func TestResolveErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ResolveError{Upstream: "a", Kind: KindIO, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "io")
}

func TestNoAcceptableAnswerWithoutLastErr(t *testing.T) {
	err := &NoAcceptableAnswer{}
	assert.Equal(t, "no acceptable answer", err.Error())
}
