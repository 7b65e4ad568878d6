//go:build arm64 && !cgo

package jithook

// arm64 requires a C compiler to flush the instruction cache, otherwise a
// trampoline may execute stale bytes. Build with CGO_ENABLED=1.
func cacheflush(buf []byte) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}
