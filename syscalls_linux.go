//go:build linux

package jithook

import (
	"fmt"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const (
	ProtRead          = Protection(unix.PROT_READ)
	ProtReadWrite     = Protection(unix.PROT_READ | unix.PROT_WRITE)
	ProtReadExec      = Protection(unix.PROT_READ | unix.PROT_EXEC)
	ProtReadWriteExec = Protection(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC)

	// Passed to the malloc mmap backend.
	mprotectExec = unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// SetProtection changes the protection of the pages covering size bytes at
// addr and returns the protection the first of those pages had before.
func SetProtection(addr uintptr, size int, prot Protection) (Protection, error) {
	pageStart, regionSize := pageRange(addr, size)

	// mprotect doesn't report the old mode, so look it up first.
	old, err := currentProtection(pageStart)
	if err != nil {
		return 0, fmt.Errorf("%w at %#x: %w", ErrProtection, addr, err)
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	err = unix.Mprotect(region, int(prot))
	if err != nil {
		return 0, fmt.Errorf("%w at %#x: %w", ErrProtection, addr, err)
	}

	return old, nil
}

// currentProtection reads the protection of the mapping containing addr
// from /proc/self/maps.
func currentProtection(addr uintptr) (Protection, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return 0, err
	}

	for _, m := range maps {
		if addr < m.StartAddr || addr >= m.EndAddr {
			continue
		}

		var prot Protection
		if m.Perms.Read {
			prot |= unix.PROT_READ
		}
		if m.Perms.Write {
			prot |= unix.PROT_WRITE
		}
		if m.Perms.Execute {
			prot |= unix.PROT_EXEC
		}
		return prot, nil
	}

	return 0, fmt.Errorf("no mapping contains %#x", addr)
}
