package jithook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestTrampolineCode(t *testing.T) {
	const target = 0x7f1234567890

	code, err := trampolineCode(target)
	require.NoError(t, err)
	assert.Len(t, code, 12)

	mov, err := x86asm.Decode(code, 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, mov.Op)
	assert.Equal(t, x86asm.RAX, mov.Args[0])
	assert.Equal(t, x86asm.Imm(target), mov.Args[1])
	assert.Equal(t, 10, mov.Len)
	assert.Equal(t, trampolineAddrOffset, mov.Len-8)

	jmp, err := x86asm.Decode(code[mov.Len:], 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JMP, jmp.Op)
	assert.Equal(t, x86asm.RAX, jmp.Args[0])
	assert.Equal(t, len(code), mov.Len+jmp.Len)
}
