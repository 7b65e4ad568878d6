//go:build !amd64 && !arm64

package jithook

const padByte = 0

func trampolineCode(uintptr) ([]byte, error) {
	return nil, ErrUnsupported
}
