//go:build linux && (amd64 || arm64)

package fakejit

import "runtime"

// AddCode returns native code for func Add(x, y int32) int32 on GOARCH.
func AddCode() []byte {
	switch runtime.GOARCH {
	case "amd64":
		return []byte{
			0x55,             // push rbp
			0x48, 0x89, 0xe5, // mov rbp, rsp
			0x8d, 0x04, 0x37, // lea eax, [rdi+rsi]
			0x5d, // pop rbp
			0xc3, // ret
		}
	case "arm64":
		return []byte{
			0xfd, 0x7b, 0xbf, 0xa9, // stp x29, x30, [sp, #-16]!
			0x00, 0x00, 0x01, 0x0b, // add w0, w0, w1
			0xfd, 0x7b, 0xc1, 0xa8, // ldp x29, x30, [sp], #16
			0xc0, 0x03, 0x5f, 0xd6, // ret
		}
	}
	return nil
}

// BrokenAddCode returns code that adds one more than it should.
func BrokenAddCode() []byte {
	switch runtime.GOARCH {
	case "amd64":
		return []byte{
			0x01, 0xf7, // add edi, esi
			0x89, 0xf8, // mov eax, edi
			0xff, 0xc0, // inc eax
			0xc3, // ret
		}
	case "arm64":
		return []byte{
			0x00, 0x00, 0x01, 0x0b, // add w0, w0, w1
			0x00, 0x04, 0x00, 0x11, // add w0, w0, #1
			0xc0, 0x03, 0x5f, 0xd6, // ret
		}
	}
	return nil
}

// MulCode returns native code for func Mul(x, y int32) int32 on GOARCH.
func MulCode() []byte {
	switch runtime.GOARCH {
	case "amd64":
		return []byte{
			0x89, 0xf8, // mov eax, edi
			0x0f, 0xaf, 0xc6, // imul eax, esi
			0xc3, // ret
		}
	case "arm64":
		return []byte{
			0x00, 0x7c, 0x01, 0x1b, // mul w0, w0, w1
			0xc0, 0x03, 0x5f, 0xd6, // ret
		}
	}
	return nil
}
