package jithook

import "encoding/binary"

const (
	// LDR X16, #8 (load the literal two instructions ahead)
	_LDR_X16_lit = uint32(0x58000000 | 2<<5 | 16)
	// BR X16
	_BR_X16 = uint32(0xd61f0000 | 16<<5)

	// Offset of the 64-bit literal in the trampoline.
	trampolineAddrOffset = 8

	padByte = 0
)

// trampolineCode returns the arm64 machine code equivalent of:
//
//	LDR X16, target
//	BR X16
//	target: .quad <target>
//
// X16 is the intra-procedure-call scratch register, so clobbering it is
// allowed between a call and the callee's first instruction.
func trampolineCode(target uintptr) ([]byte, error) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], _LDR_X16_lit)
	binary.LittleEndian.PutUint32(buf[4:], _BR_X16)
	binary.LittleEndian.PutUint64(buf[trampolineAddrOffset:], uint64(target))
	return buf, nil
}
