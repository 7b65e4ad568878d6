//go:build windows

package jithook

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const (
	ProtRead          = Protection(windows.PAGE_READONLY)
	ProtReadWrite     = Protection(windows.PAGE_READWRITE)
	ProtReadExec      = Protection(windows.PAGE_EXECUTE_READ)
	ProtReadWriteExec = Protection(windows.PAGE_EXECUTE_READWRITE)

	// Passed to the malloc mmap backend.
	mprotectExec = windows.PAGE_EXECUTE
	mprotectRX   = windows.PAGE_EXECUTE_READ
	mprotectRWX  = windows.PAGE_EXECUTE_READWRITE
)

// SetProtection changes the protection of the pages covering size bytes at
// addr and returns the protection the first of those pages had before.
func SetProtection(addr uintptr, size int, prot Protection) (Protection, error) {
	pageStart, regionSize := pageRange(addr, size)

	var old uint32
	err := windows.VirtualProtect(pageStart, uintptr(regionSize), uint32(prot), &old)
	if err != nil {
		return 0, fmt.Errorf("%w at %#x: %w", ErrProtection, addr, err)
	}

	return Protection(old), nil
}
