//go:build (linux || windows) && (amd64 || arm64)

package jithook

import (
	"testing"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrampoline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	target := purego.NewCallback(func(a, b uintptr) uintptr {
		return a*10 + b
	})

	tramp, err := newTrampoline(target)
	require.NoError(err)
	require.NotZero(tramp.Addr())

	var call func(a, b uintptr) uintptr
	purego.RegisterFunc(&call, tramp.Addr())
	assert.Equal(uintptr(42), call(4, 2))

	tramp.Free()
	assert.Nil(tramp.code)
}

func TestTrampoline_NilTarget(t *testing.T) {
	_, err := newTrampoline(0)
	assert.Error(t, err)
}
