package jithook

import (
	"errors"
	"unsafe"
)

// trampoline is a stub in executable memory that jumps to an absolute
// address. Calling the stub is the same as calling the target with whatever
// convention the caller used.
type trampoline struct {
	code []byte
}

func newTrampoline(target uintptr) (*trampoline, error) {
	if target == 0 {
		return nil, errors.New("trampoline target is nil")
	}

	code, err := trampolineCode(target)
	if err != nil {
		return nil, err
	}

	buf, err := AllocateExecutable(len(code), code)
	if err != nil {
		return nil, err
	}
	return &trampoline{code: buf}, nil
}

// Addr returns the entry point of the stub.
func (t *trampoline) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(t.code)))
}

// Free releases the stub. It must not be called while anything could still
// be executing it.
func (t *trampoline) Free() error {
	err := FreeExecutable(t.code)
	t.code = nil
	return err
}
