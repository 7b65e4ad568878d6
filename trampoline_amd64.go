package jithook

import "encoding/binary"

const (
	opcodeINT3      = 0xcc
	opcodeMOV_imm_r = 0xb8 // MOV imm64, r64 (+r)
	opcodeJMP_rm    = 0xff // JMP r/m64 (/4)

	prefixREXW    = 0x48
	regModeDirect = 3
	registerAX    = 0

	// Offset of the imm64 in the trampoline.
	trampolineAddrOffset = 2

	padByte = opcodeINT3
)

// trampolineCode returns the x86-64 machine code equivalent of:
//
//	MOVQ $target, AX
//	JMP AX
//
// A direct JMP only has a 32-bit displacement, which can't reach an
// arbitrary 64-bit address.
func trampolineCode(target uintptr) ([]byte, error) {
	buf := make([]byte, 12)
	i := 0

	buf[i] = prefixREXW
	i++
	buf[i] = opcodeMOV_imm_r | registerAX
	i++

	binary.LittleEndian.PutUint64(buf[i:], uint64(target))
	i += 8

	buf[i] = opcodeJMP_rm
	i++
	buf[i] = regModeDirect<<6 | 4<<3 | registerAX

	return buf, nil
}
