package jithook

import (
	"errors"
	"syscall"
	"unsafe"
)

// Protection is a page protection mode in the platform's own encoding.
type Protection int

// pageRange rounds [addr, addr+size) out to whole pages.
func pageRange(addr uintptr, size int) (uintptr, int) {
	pageSize := uintptr(syscall.Getpagesize())

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := addr &^ (pageSize - 1)

	// Round up to cover complete pages, including the offset from
	// pageStart to addr.
	total := int(addr-pageStart) + size
	regionSize := (total + int(pageSize) - 1) &^ (int(pageSize) - 1)

	return pageStart, regionSize
}

// WithProtection changes the protection of the pages covering size bytes at
// addr to prot, calls fn, and then puts the previous protection back. The
// previous protection is restored even if fn panics.
func WithProtection(addr uintptr, size int, prot Protection, fn func()) (err error) {
	old, err := SetProtection(addr, size, prot)
	if err != nil {
		return err
	}
	defer func() {
		_, restoreErr := SetProtection(addr, size, old)
		err = errors.Join(err, restoreErr)
	}()

	fn()
	return nil
}

// WriteCode copies code over the machine instructions at addr.
//
// Nothing stops another thread from executing the instructions while they
// are being written.
func WriteCode(addr uintptr, code []byte) error {
	if addr == 0 {
		return errors.New("nil code address")
	}
	if len(code) == 0 {
		return nil
	}

	dest := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))
	return WithProtection(addr, len(code), ProtReadWriteExec, func() {
		copy(dest, code)
		cacheflush(dest)
	})
}
