package jithook

// SetProtectFunc replaces the protection window used for slot writes.
func SetProtectFunc(e *Engine, protect func(addr uintptr, size int, prot Protection, fn func()) error) {
	e.table.protect = protect
}
