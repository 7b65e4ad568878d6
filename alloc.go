package jithook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// No placement constraints. Trampolines jump to absolute addresses.
const mmapFlags = 0

type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(mmapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

// BeginMutate makes the arena writable. It can be called before the first
// allocation.
func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

// EndMutate seals the arena as read+execute.
func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(max(size, minArenaSize))
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

const minArenaSize = 64 * 1024

var (
	execAllocator = &allocator{}

	// execMu is held for a whole mutate window, from BeginMutate to
	// EndMutate, so no caller seals the arena while another is writing.
	execMu sync.Mutex
)

// AllocateExecutable returns size bytes of executable memory starting with a
// copy of code. Any space after code is filled with trap instructions. The
// memory is read+execute when AllocateExecutable returns.
func AllocateExecutable(size int, code []byte) (buf []byte, err error) {
	if size < len(code) {
		size = len(code)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocation, size)
	}

	execMu.Lock()
	defer execMu.Unlock()

	err = execAllocator.BeginMutate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtection, err)
	}
	defer func() {
		endErr := execAllocator.EndMutate()
		if endErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrProtection, endErr))
			buf = nil
		}
	}()

	buf, err = execAllocator.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	n := copy(buf, code)
	for i := n; i < len(buf); i++ {
		buf[i] = padByte
	}
	cacheflush(buf)

	return buf, nil
}

// FreeExecutable releases memory from AllocateExecutable.
func FreeExecutable(buf []byte) (err error) {
	if buf == nil {
		return nil
	}

	execMu.Lock()
	defer execMu.Unlock()

	err = execAllocator.BeginMutate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtection, err)
	}
	defer func() {
		endErr := execAllocator.EndMutate()
		if endErr != nil {
			err = fmt.Errorf("%w: %w", ErrProtection, endErr)
		}
	}()

	execAllocator.Free(buf)
	return nil
}
