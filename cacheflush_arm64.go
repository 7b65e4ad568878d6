//go:build arm64 && cgo

package jithook

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush makes freshly written instructions visible to the instruction
// fetcher. Needed after writing a trampoline or patching compiled code.
func cacheflush(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Add(start, len(buf))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
