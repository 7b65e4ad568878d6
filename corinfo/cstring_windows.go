//go:build windows

package corinfo

import "golang.org/x/sys/windows"

func bytePtrToString(p *byte) string {
	return windows.BytePtrToString(p)
}
