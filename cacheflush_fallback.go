//go:build !arm64

package jithook

// x86 keeps the instruction cache coherent with data writes.
func cacheflush(buf []byte) {}
