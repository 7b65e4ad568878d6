// Package disasm decodes the native code the JIT produced and builds byte
// signatures from it.
package disasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded machine instruction.
type Instruction struct {
	PC    uintptr
	Bytes []byte

	// Mask is true for bytes that encode an address relative to PC. They
	// change whenever the method is compiled at a different address.
	Mask []bool

	Text string
}

// Pattern returns the instruction bytes in hex with masked bytes as "??".
func (in *Instruction) Pattern() string {
	parts := make([]string, len(in.Bytes))
	for i, b := range in.Bytes {
		if in.Mask[i] {
			parts[i] = "??"
		} else {
			parts[i] = fmt.Sprintf("%02X", b)
		}
	}
	return strings.Join(parts, " ")
}

// Decode disassembles code, which is (or was) located at pc. arch is a
// GOARCH value; amd64 and arm64 are supported.
func Decode(code []byte, pc uintptr, arch string) ([]Instruction, error) {
	switch arch {
	case "amd64":
		return decodeAMD64(code, pc)
	case "arm64":
		return decodeARM64(code, pc), nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

func decodeAMD64(code []byte, pc uintptr) ([]Instruction, error) {
	var insts []Instruction

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return insts, fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		if inst.Op == 0 {
			// x86asm returns lone prefixes as instructions without an opcode.
			return insts, fmt.Errorf("decode error at offset %d: no opcode", i)
		}

		raw := code[i : i+inst.Len]
		in := Instruction{
			PC:    pc + uintptr(i),
			Bytes: raw,
			Mask:  make([]bool, len(raw)),
			Text:  x86asm.IntelSyntax(inst, uint64(pc)+uint64(i), nil),
		}

		for _, arg := range inst.Args {
			switch a := arg.(type) {
			case x86asm.Mem:
				if a.Base == x86asm.RIP {
					maskValue(&in, uint32(int32(a.Disp)))
				}
			case x86asm.Rel:
				// Only rel32 can leave the method. rel8 won't be found.
				maskValue(&in, uint32(int32(a)))
			}
		}

		insts = append(insts, in)
		i += inst.Len
	}

	return insts, nil
}

// maskValue masks the first 32-bit little endian copy of v after the opcode.
func maskValue(in *Instruction, v uint32) {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], v)

	if len(in.Bytes) < 1+len(le) {
		return
	}
	idx := bytes.Index(in.Bytes[1:], le[:])
	if idx < 0 {
		return
	}
	for j := range le {
		in.Mask[1+idx+j] = true
	}
}

func decodeARM64(code []byte, pc uintptr) []Instruction {
	var insts []Instruction

	for i := 0; i+4 <= len(code); i += 4 {
		raw := code[i : i+4]
		in := Instruction{
			PC:    pc + uintptr(i),
			Bytes: raw,
			Mask:  make([]bool, 4),
		}

		inst, err := arm64asm.Decode(raw)
		if err != nil {
			in.Text = fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(raw))
			insts = append(insts, in)
			continue
		}
		in.Text = inst.String()

		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				// The offset is spread across the word, mask all of it.
				for j := range in.Mask {
					in.Mask[j] = true
				}
			}
		}

		insts = append(insts, in)
	}

	return insts
}
