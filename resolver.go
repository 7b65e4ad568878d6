package jithook

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// dispatchTable is the located compileMethod slot.
type dispatchTable struct {
	module  uintptr
	service uintptr // ICorJitCompiler*
	base    uintptr // first entry of the service's dispatch table
	slot    int

	// original is the slot's value before anything touched it. It is the
	// only value ever written back.
	original uintptr

	// protect opens the write window around a slot store.
	protect func(addr uintptr, size int, prot Protection, fn func()) error
}

// resolveDispatchTable finds the module, calls its factory export and reads
// the original pointer from the dispatch table.
func resolveDispatchTable(cfg *config) (*dispatchTable, error) {
	if cfg.slot < 0 {
		return nil, fmt.Errorf("invalid slot index %d", cfg.slot)
	}

	module, err := cfg.loader.FindModule(cfg.module)
	if err != nil {
		return nil, err
	}

	dt, err := readDispatchTable(cfg, module)
	if err != nil {
		cfg.loader.Release(module)
		return nil, err
	}
	return dt, nil
}

func readDispatchTable(cfg *config, module uintptr) (*dispatchTable, error) {
	factory, err := cfg.loader.ResolveSymbol(module, cfg.factory)
	if err != nil {
		return nil, err
	}

	// ICorJitCompiler* getJit()
	var getJit func() uintptr
	purego.RegisterFunc(&getJit, factory)

	service := getJit()
	if service == 0 {
		return nil, fmt.Errorf("%w: %s returned null", ErrServiceUnavailable, cfg.factory)
	}

	// The first word of the compiler object is its dispatch table.
	base := *(*uintptr)(unsafe.Pointer(service))
	if base == 0 {
		return nil, fmt.Errorf("%w: null dispatch table", ErrServiceUnavailable)
	}

	dt := &dispatchTable{
		module:  module,
		service: service,
		base:    base,
		slot:    cfg.slot,
		protect: WithProtection,
	}
	dt.original = dt.load()
	if dt.original == 0 {
		return nil, fmt.Errorf("%w: slot %d is empty", ErrServiceUnavailable, cfg.slot)
	}
	return dt, nil
}

func (dt *dispatchTable) slotAddr() uintptr {
	return dt.base + uintptr(dt.slot*ptrSize)
}

// load reads the live slot value.
func (dt *dispatchTable) load() uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(dt.slotAddr())))
}

// store writes fn into the slot inside a read-write window. The store itself
// is a single atomic word write so concurrent callers see either the old or
// the new pointer.
//
// written reports whether the slot was changed. It can be true along with an
// error when only restoring the protection failed.
func (dt *dispatchTable) store(fn uintptr) (written bool, err error) {
	addr := dt.slotAddr()
	err = dt.protect(addr, ptrSize, ProtReadWrite, func() {
		atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), fn)
		written = true
	})
	return written, err
}
