package jithook

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// DepthTracker counts how deeply the current OS thread is nested inside the
// replacement compileMethod. The JIT calls compileMethod on its own worker
// threads and may call it again from inside a compilation, so the count has
// to follow the thread and not the goroutine.
type DepthTracker struct {
	// OS thread id -> *atomic.Int32. Each counter is only changed by its
	// own thread, and is removed when it drops back to 0.
	depths sync.Map
}

// Enter increments the calling thread's depth and returns the new value
// along with a function that undoes it. The goroutine stays locked to its
// thread until leave is called, so callers should defer leave immediately:
//
//	depth, leave := tracker.Enter()
//	defer leave()
func (d *DepthTracker) Enter() (depth int32, leave func()) {
	runtime.LockOSThread()

	tid := threadID()
	counter := d.counter(tid)
	depth = counter.Add(1)

	return depth, func() {
		if counter.Add(-1) == 0 {
			d.depths.Delete(tid)
		}
		runtime.UnlockOSThread()
	}
}

// Depth returns the calling thread's depth. The answer is only meaningful if
// the goroutine is locked to its thread.
func (d *DepthTracker) Depth() int32 {
	v, ok := d.depths.Load(threadID())
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (d *DepthTracker) counter(tid uint64) *atomic.Int32 {
	if v, ok := d.depths.Load(tid); ok {
		return v.(*atomic.Int32)
	}
	v, _ := d.depths.LoadOrStore(tid, new(atomic.Int32))
	return v.(*atomic.Int32)
}
