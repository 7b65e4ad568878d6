//go:build !linux && !windows

package jithook

const (
	ProtRead Protection = 1 << iota
	ProtReadWrite
	ProtReadExec
	ProtReadWriteExec

	mprotectExec = 0
	mprotectRX   = 0
	mprotectRWX  = 0
)

func SetProtection(uintptr, int, Protection) (Protection, error) {
	return 0, ErrUnsupported
}
