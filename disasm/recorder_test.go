//go:build linux && (amd64 || arm64)

package disasm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pboyd/jithook"
	"github.com/pboyd/jithook/disasm"
	"github.com/pboyd/jithook/internal/fakejit"
)

const (
	addHandle = 0x1000
	mulHandle = 0x2000
	scope     = 0x10000
)

func TestRecorder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c, err := fakejit.New()
	require.NoError(err)
	t.Cleanup(c.Close)

	c.Define(fakejit.Method{Handle: addHandle, Scope: scope, Code: fakejit.AddCode()})
	c.Define(fakejit.Method{Handle: mulHandle, Scope: scope, Code: fakejit.MulCode()})

	logger := zaptest.NewLogger(t)
	var out bytes.Buffer
	rec := disasm.NewRecorder(disasm.ForMethod(addHandle),
		disasm.WithOutput(&out),
		disasm.WithLogger(logger))

	engine, err := jithook.New(rec,
		jithook.WithModule(fakejit.ModuleName),
		jithook.WithLoader(c.Loader()),
		jithook.WithLogger(logger))
	require.NoError(err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(engine.Init())

	add, err := c.Compile(addHandle)
	require.NoError(err)
	require.Equal(jithook.StatusOK, add.Status)

	_, err = c.Compile(mulHandle)
	require.NoError(err)

	listings := rec.Listings()
	require.Len(listings, 1)

	l := listings[0]
	assert.Equal(uintptr(addHandle), l.Method)
	assert.Equal(add.Entry, l.Entry)
	assert.NotEmpty(l.Instructions)
	assert.Equal(add.Entry, l.Instructions[0].PC)

	var code []byte
	for _, in := range l.Instructions {
		code = append(code, in.Bytes...)
	}
	assert.Equal(fakejit.AddCode(), code)

	// Recording doesn't change anything.
	assert.Equal(uintptr(4), fakejit.Invoke(add.Entry, 2, 2))

	assert.Contains(out.String(), "native instructions")
	assert.Equal(len(l.Instructions)+1, bytes.Count(out.Bytes(), []byte("\n")))
}
