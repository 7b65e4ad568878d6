//go:build !linux && !windows

package jithook

// Nothing can be hooked here, so every thread shares one counter.
func threadID() uint64 {
	return 0
}
