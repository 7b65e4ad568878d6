//go:build unix

package corinfo

import "golang.org/x/sys/unix"

func bytePtrToString(p *byte) string {
	return unix.BytePtrToString(p)
}
