package jithook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// State is whether the dispatch table currently points at the replacement.
type State int

const (
	Unhooked State = iota
	Hooked
)

func (s State) String() string {
	if s == Hooked {
		return "hooked"
	}
	return "unhooked"
}

// Engine owns one interception of compileMethod.
type Engine struct {
	// mu serializes slot writes. Strategies may share it for state that is
	// written rarely and read from JIT threads (see Locker).
	mu sync.Mutex

	cfg      config
	log      *zap.Logger
	table    *dispatchTable
	strategy Strategy
	depth    DepthTracker

	// original calls the saved compileMethod. Bound once in New and never
	// reassigned, so JIT threads can read it without the lock.
	original compileMethodFunc

	// call is original with Go out parameters, for Compile.
	call compileOutFunc

	// replacement is the native entry point of e.compileMethod.
	replacement uintptr

	// active is raised before the slot points at the replacement and
	// lowered after the original is back. The replacement only forwards
	// while it is set.
	active atomic.Bool

	// detached is set when the replacement is still in the slot after a
	// failed uninstall. It keeps forwarding but the strategy is skipped.
	detached atomic.Bool

	hooked bool
	closed bool
}

// New locates the JIT's compileMethod in the current process. Nothing is
// modified until Init or Install.
//
// New fails if the module isn't loaded, the factory export is missing or the
// factory returns no compiler.
func New(strategy Strategy, opts ...Option) (*Engine, error) {
	if strategy == nil {
		return nil, errors.New("nil strategy")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	table, err := resolveDispatchTable(&cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.logger,
		table:    table,
		strategy: strategy,
	}
	if a, ok := strategy.(Attacher); ok {
		a.Attach(&e.mu)
	}
	purego.RegisterFunc(&e.original, table.original)
	purego.RegisterFunc(&e.call, table.original)

	e.log.Debug("resolved compileMethod",
		zap.String("module", cfg.module),
		zap.Uintptr("service", table.service),
		zap.Uintptr("table", table.base),
		zap.Int("slot", table.slot),
		zap.Uintptr("original", table.original))

	return e, nil
}

// Init installs the hook. It is the same as Install.
func (e *Engine) Init() error {
	return e.Install()
}

// Install points the compileMethod slot at the replacement. Before touching
// the table the replacement is called once through a trampoline with a null
// request to make sure it is callable with the native convention.
//
// Installing a hooked engine returns ErrAlreadyHooked and changes nothing.
// If the protection change fails before the slot is written the table and
// state are left unchanged. If only restoring the protection afterwards
// fails, the engine is hooked and the error is still returned.
func (e *Engine) Install() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.hooked {
		return ErrAlreadyHooked
	}

	if e.replacement == 0 {
		e.replacement = purego.NewCallback(e.compileMethod)
	}

	err := e.selfTest()
	if err != nil {
		return err
	}

	wasDetached := e.detached.Load()
	e.active.Store(true)
	e.detached.Store(false)

	written, err := e.table.store(e.replacement)
	if err != nil && !written {
		e.detached.Store(wasDetached)
		e.active.Store(e.table.load() == e.replacement)
		return fmt.Errorf("install hook: %w", err)
	}
	e.hooked = true

	if err != nil {
		// The slot points at the replacement, so the engine is hooked even
		// though the table is left writable.
		e.log.Warn("compileMethod hooked but protection not restored",
			zap.Uintptr("slot", e.table.slotAddr()),
			zap.Error(err))
		return fmt.Errorf("install hook: %w", err)
	}

	e.log.Info("compileMethod hooked",
		zap.Uintptr("slot", e.table.slotAddr()),
		zap.Uintptr("replacement", e.replacement))
	return nil
}

// Uninstall writes the original pointer back. It does nothing if the engine
// isn't hooked.
//
// If the protection change fails the error is returned, but the engine still
// considers itself unhooked and a second call is a no-op. When the slot could
// not be written the replacement stays in it and forwards every request
// without calling the strategy.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uninstall()
}

func (e *Engine) uninstall() error {
	if !e.hooked {
		return nil
	}

	written, err := e.table.store(e.table.original)
	e.hooked = false
	if written {
		e.active.Store(false)
	} else {
		// The replacement is still in the slot and must keep forwarding.
		e.detached.Store(true)
	}

	if err != nil {
		e.log.Warn("unable to restore compileMethod", zap.Error(err))
		return fmt.Errorf("uninstall hook: %w", err)
	}

	e.log.Info("compileMethod restored", zap.Uintptr("original", e.table.original))
	return nil
}

// Close uninstalls the hook and releases the module handle. It can be called
// any number of times.
//
// Calls that entered the replacement before Close still forward to the
// original; callers must not let the runtime unload the JIT while they run.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	err := e.uninstall()

	// purego callbacks can't be freed, just forget it.
	e.replacement = 0

	releaseErr := e.cfg.loader.Release(e.table.module)
	if releaseErr != nil {
		releaseErr = fmt.Errorf("release module: %w", releaseErr)
	}
	return errors.Join(err, releaseErr)
}

// State reports whether the hook is installed.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hooked {
		return Hooked
	}
	return Unhooked
}

// Original returns the address of the original compileMethod.
func (e *Engine) Original() uintptr {
	return e.table.original
}

// Replacement returns the address installed in the dispatch table, or 0 if
// Install has not been called.
func (e *Engine) Replacement() uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replacement
}

// Locker returns the lock that guards the hook state. Strategies may use it
// for small caches that are written rarely. It must never be held while
// compiling.
func (e *Engine) Locker() sync.Locker {
	return &e.mu
}

// Depth returns how many compileMethod calls the calling thread is inside.
func (e *Engine) Depth() int32 {
	return e.depth.Depth()
}

// Compile forwards a request to the original compileMethod without going
// through the dispatch table and without calling the strategy.
func (e *Engine) Compile(req Request) Result {
	entry := new(uintptr)
	size := new(uint32)
	status := e.call(req.Service, req.JitInfo, req.Method, req.Flags, entry, size)
	return Result{Status: status, Entry: *entry, Size: *size}
}

// selfTest calls the replacement through a trampoline with a null request,
// which must come back inert without forwarding.
func (e *Engine) selfTest() error {
	tramp, err := newTrampoline(e.replacement)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	defer func() {
		err := tramp.Free()
		if err != nil {
			e.log.Warn("unable to free trampoline", zap.Error(err))
		}
	}()

	var dryRun compileOutFunc
	purego.RegisterFunc(&dryRun, tramp.Addr())

	info := new(MethodInfo)
	entry := new(uintptr)
	size := new(uint32)
	*entry = ^uintptr(0)
	*size = ^uint32(0)

	status := dryRun(0, 0, info, 0, entry, size)
	if status != StatusOK || *entry != 0 || *size != 0 {
		return fmt.Errorf("%w: got status %#x entry %#x size %d", ErrSelfTest, uint32(status), *entry, *size)
	}

	e.log.Debug("self-test passed", zap.Uintptr("trampoline", tramp.Addr()))
	return nil
}

// compileMethod is installed in the dispatch table. The JIT calls it on its
// own threads with the native convention.
func (e *Engine) compileMethod(service, jitInfo, info uintptr, flags uint32, entry, size uintptr) uintptr {
	depth, leave := e.depth.Enter()
	defer leave()

	if service == 0 || !e.active.Load() {
		if entry != 0 {
			*(*uintptr)(unsafe.Pointer(entry)) = 0
		}
		if size != 0 {
			*(*uint32)(unsafe.Pointer(size)) = 0
		}
		return uintptr(StatusOK)
	}

	status := e.original(service, jitInfo, info, flags, entry, size)

	if depth == 1 && !e.detached.Load() {
		c := &Compilation{
			Request: Request{
				Service: service,
				JitInfo: jitInfo,
				Method:  (*MethodInfo)(unsafe.Pointer(info)),
				Flags:   flags,
			},
			Result: Result{Status: status},
		}
		if entry != 0 {
			c.Entry = *(*uintptr)(unsafe.Pointer(entry))
		}
		if size != 0 {
			c.Size = *(*uint32)(unsafe.Pointer(size))
		}
		e.afterCompile(c)
	}

	// CorJitResult is a 32-bit int; the caller only looks at the low half.
	return uintptr(uint32(status))
}

func (e *Engine) afterCompile(c *Compilation) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("strategy panicked",
				zap.Uintptr("method", methodHandle(c)),
				zap.Any("panic", r))
		}
	}()

	err := e.strategy.AfterCompile(c)
	if err != nil {
		e.log.Warn("strategy failed",
			zap.Uintptr("method", methodHandle(c)),
			zap.Error(err))
	}
}

func methodHandle(c *Compilation) uintptr {
	if c.Method == nil {
		return 0
	}
	return c.Method.Method
}
