//go:build linux && (amd64 || arm64)

package jithook_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pboyd/jithook"
	"github.com/pboyd/jithook/internal/fakejit"
)

const (
	addHandle   = 0x1000
	mulHandle   = 0x2000
	outerHandle = 0x3000
	brokenInner = 0x4000
	scope       = 0x10000
)

func newCompiler(t *testing.T) *fakejit.Compiler {
	t.Helper()

	c, err := fakejit.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)

	c.Define(fakejit.Method{Handle: addHandle, Scope: scope, Token: 0x06000001, Code: fakejit.AddCode()})
	c.Define(fakejit.Method{Handle: mulHandle, Scope: scope, Token: 0x06000002, Code: fakejit.MulCode()})
	return c
}

func newEngine(t *testing.T, c *fakejit.Compiler, strategy jithook.Strategy, opts ...jithook.Option) *jithook.Engine {
	t.Helper()

	opts = append([]jithook.Option{
		jithook.WithModule(fakejit.ModuleName),
		jithook.WithLoader(c.Loader()),
		jithook.WithLogger(zaptest.NewLogger(t)),
	}, opts...)

	e, err := jithook.New(strategy, opts...)
	require.NoError(t, err)
	// Registered after the compiler's cleanup so it runs first.
	t.Cleanup(func() { e.Close() })
	return e
}

type countingStrategy struct {
	calls atomic.Int64
	last  atomic.Pointer[jithook.Compilation]
}

func (s *countingStrategy) AfterCompile(c *jithook.Compilation) error {
	s.calls.Add(1)
	cp := *c
	s.last.Store(&cp)
	return nil
}

func TestNew(t *testing.T) {
	c := newCompiler(t)
	original := c.Slot()

	e := newEngine(t, c, &countingStrategy{})
	assert.Equal(t, original, e.Original())
	assert.Equal(t, jithook.Unhooked, e.State())
	assert.Zero(t, e.Replacement())

	// New doesn't touch the table.
	assert.Equal(t, original, c.Slot())
}

func TestNew_ResolutionErrors(t *testing.T) {
	c := newCompiler(t)
	strategy := &countingStrategy{}

	t.Run("module not loaded", func(t *testing.T) {
		_, err := jithook.New(strategy, jithook.WithLoader(c.Loader()), jithook.WithModule("libmissing.so"))
		assert.ErrorIs(t, err, jithook.ErrModuleNotFound)
		assert.True(t, jithook.IsResolutionError(err))
	})

	t.Run("missing factory", func(t *testing.T) {
		_, err := jithook.New(strategy,
			jithook.WithLoader(c.Loader()),
			jithook.WithModule(fakejit.ModuleName),
			jithook.WithFactory("getJitPlease"))
		assert.ErrorIs(t, err, jithook.ErrSymbolNotFound)
		assert.True(t, jithook.IsResolutionError(err))
	})

	t.Run("null service", func(t *testing.T) {
		c.SetNullService(true)
		defer c.SetNullService(false)

		releases := c.Releases()
		_, err := jithook.New(strategy, jithook.WithLoader(c.Loader()), jithook.WithModule(fakejit.ModuleName))
		assert.ErrorIs(t, err, jithook.ErrServiceUnavailable)
		assert.True(t, jithook.IsResolutionError(err))
		assert.Equal(t, releases+1, c.Releases(), "module handle leaked")
	})

	t.Run("empty slot", func(t *testing.T) {
		_, err := jithook.New(strategy,
			jithook.WithLoader(c.Loader()),
			jithook.WithModule(fakejit.ModuleName),
			jithook.WithSlot(3))
		assert.ErrorIs(t, err, jithook.ErrServiceUnavailable)
	})

	t.Run("nil strategy", func(t *testing.T) {
		_, err := jithook.New(nil, jithook.WithLoader(c.Loader()), jithook.WithModule(fakejit.ModuleName))
		assert.Error(t, err)
	})
}

func TestInstallUninstall(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)
	original := c.Slot()
	e := newEngine(t, c, &countingStrategy{})

	require.NoError(e.Init())
	assert.Equal(jithook.Hooked, e.State())
	assert.NotZero(e.Replacement())
	assert.Equal(e.Replacement(), c.Slot())
	assert.NotEqual(original, c.Slot())

	require.NoError(e.Uninstall())
	assert.Equal(jithook.Unhooked, e.State())
	assert.Equal(original, c.Slot())

	// The replacement is reused when installing again.
	replacement := e.Replacement()
	require.NoError(e.Install())
	assert.Equal(replacement, c.Slot())
	require.NoError(e.Uninstall())
	assert.Equal(original, c.Slot())
}

func TestInstall_Twice(t *testing.T) {
	c := newCompiler(t)
	e := newEngine(t, c, &countingStrategy{})

	require.NoError(t, e.Install())
	slot := c.Slot()

	assert.ErrorIs(t, e.Install(), jithook.ErrAlreadyHooked)
	assert.Equal(t, jithook.Hooked, e.State())
	assert.Equal(t, slot, c.Slot())
}

func TestUninstall_Idempotent(t *testing.T) {
	assert := assert.New(t)

	c := newCompiler(t)
	original := c.Slot()
	e := newEngine(t, c, &countingStrategy{})

	assert.NoError(e.Uninstall(), "uninstall before install")
	assert.Equal(original, c.Slot())

	assert.NoError(e.Install())
	assert.NoError(e.Uninstall())
	assert.NoError(e.Uninstall())
	assert.Equal(original, c.Slot())
	assert.Equal(jithook.Unhooked, e.State())
}

func TestClose(t *testing.T) {
	assert := assert.New(t)

	c := newCompiler(t)
	original := c.Slot()
	e := newEngine(t, c, &countingStrategy{})

	assert.NoError(e.Install())
	assert.NoError(e.Close())
	assert.Equal(original, c.Slot())
	assert.Equal(jithook.Unhooked, e.State())
	assert.Zero(e.Replacement())
	assert.Equal(int64(1), c.Releases())

	assert.NoError(e.Close())
	assert.Equal(int64(1), c.Releases())

	assert.ErrorIs(e.Install(), jithook.ErrClosed)
	assert.Equal(original, c.Slot())
}

func TestClose_NeverInstalled(t *testing.T) {
	c := newCompiler(t)
	original := c.Slot()
	e := newEngine(t, c, &countingStrategy{})

	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
	assert.Equal(t, original, c.Slot())
}

func TestTransparentForwarding(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)

	before, err := c.Compile(addHandle)
	require.NoError(err)
	require.Equal(jithook.StatusOK, before.Status)

	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)
	require.NoError(e.Install())

	after, err := c.Compile(addHandle)
	require.NoError(err)
	assert.Equal(before, after)
	assert.Equal(int64(1), strategy.calls.Load())

	last := strategy.last.Load()
	require.NotNil(last)
	assert.Equal(c.Service(), last.Service)
	assert.Equal(c.JitInfo(), last.JitInfo)
	assert.Equal(before.Entry, last.Entry)
	assert.Equal(before.Size, last.Size)
	assert.Equal(fakejit.AddCode(), last.Code())

	// Unknown methods fail the same way hooked or not.
	failed, err := c.Compile(0xbad)
	require.NoError(err)
	assert.Equal(jithook.StatusBadCode, failed.Status)

	// The code still runs normally.
	assert.Equal(uintptr(4), fakejit.Invoke(after.Entry, 2, 2))
}

func TestCompile(t *testing.T) {
	c := newCompiler(t)
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)
	require.NoError(t, e.Install())

	info := &jithook.MethodInfo{Method: mulHandle, Scope: scope}
	res := e.Compile(jithook.Request{Service: c.Service(), JitInfo: c.JitInfo(), Method: info})
	assert.Equal(t, jithook.StatusOK, res.Status)
	assert.Equal(t, uint32(len(fakejit.MulCode())), res.Size)
	assert.Equal(t, uintptr(12), fakejit.Invoke(res.Entry, 3, 4))

	// Compile bypasses the strategy.
	assert.Zero(t, strategy.calls.Load())
}

func TestOutermostOnly(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)
	c.Define(fakejit.Method{Handle: outerHandle, Scope: scope, Code: fakejit.AddCode(), Inner: []uintptr{mulHandle}})

	var (
		mu   sync.Mutex
		seen []uintptr
	)
	e := newEngine(t, c, jithook.StrategyFunc(func(comp *jithook.Compilation) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, comp.Method.Method)
		return nil
	}))
	require.NoError(e.Install())

	res, err := c.Compile(outerHandle)
	require.NoError(err)
	assert.Equal(jithook.StatusOK, res.Status)

	// The fake ran for both the outer and the nested request.
	assert.Equal(int64(2), c.Calls())
	assert.Equal([]uintptr{outerHandle}, seen)

	// Compiling the nested method on its own is an outermost call.
	_, err = c.Compile(mulHandle)
	require.NoError(err)
	assert.Equal([]uintptr{outerHandle, mulHandle}, seen)
}

func TestDepthBalance(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)
	c.Define(fakejit.Method{Handle: brokenInner, Scope: scope, Status: jithook.StatusBadCode})
	c.Define(fakejit.Method{
		Handle: outerHandle,
		Scope:  scope,
		Code:   fakejit.AddCode(),
		Inner:  []uintptr{brokenInner, brokenInner},
	})

	var calls atomic.Int64
	e := newEngine(t, c, jithook.StrategyFunc(func(*jithook.Compilation) error {
		calls.Add(1)
		panic("strategy bug")
	}))
	require.NoError(e.Install())

	for i := 0; i < 3; i++ {
		res, err := c.Compile(outerHandle)
		require.NoError(err)
		assert.Equal(jithook.StatusOK, res.Status)
		assert.Equal(uintptr(5), fakejit.Invoke(res.Entry, 2, 3))
	}
	assert.Equal(int64(3), calls.Load())
	assert.Equal(int32(0), e.Depth())

	res, err := c.Compile(brokenInner)
	require.NoError(err)
	assert.Equal(jithook.StatusBadCode, res.Status)
	assert.Equal(int64(4), calls.Load())
	assert.Equal(int32(0), e.Depth())
}

func TestStrategyError(t *testing.T) {
	c := newCompiler(t)

	want, err := c.Compile(addHandle)
	require.NoError(t, err)

	e := newEngine(t, c, jithook.StrategyFunc(func(*jithook.Compilation) error {
		return errors.New("unable to resolve method")
	}))
	require.NoError(t, e.Install())

	got, err := c.Compile(addHandle)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConcurrentCompiles(t *testing.T) {
	c := newCompiler(t)
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)
	require.NoError(t, e.Install())

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			handle := uintptr(addHandle)
			if w%2 == 1 {
				handle = mulHandle
			}
			for i := 0; i < perWorker; i++ {
				res, err := c.Compile(handle)
				if assert.NoError(t, err) {
					assert.Equal(t, jithook.StatusOK, res.Status)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), strategy.calls.Load())
}

func TestUninstalledEngineIsInert(t *testing.T) {
	c := newCompiler(t)
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)

	require.NoError(t, e.Install())
	require.NoError(t, e.Uninstall())

	res, err := c.Compile(addHandle)
	require.NoError(t, err)
	assert.Equal(t, jithook.StatusOK, res.Status)
	assert.Zero(t, strategy.calls.Load())
}

type attachingStrategy struct {
	countingStrategy
	mu sync.Locker
}

func (s *attachingStrategy) Attach(mu sync.Locker) {
	s.mu = mu
}

func TestNew_Attach(t *testing.T) {
	c := newCompiler(t)
	strategy := &attachingStrategy{}
	e := newEngine(t, c, strategy)

	require.NotNil(t, strategy.mu)
	assert.Same(t, e.Locker(), strategy.mu)
}

func failBeforeWrite(uintptr, int, jithook.Protection, func()) error {
	return jithook.ErrProtection
}

func failRestore(addr uintptr, size int, prot jithook.Protection, fn func()) error {
	err := jithook.WithProtection(addr, size, prot, fn)
	if err != nil {
		return err
	}
	return jithook.ErrProtection
}

func TestInstall_ProtectionError(t *testing.T) {
	assert := assert.New(t)

	c := newCompiler(t)
	original := c.Slot()
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)

	jithook.SetProtectFunc(e, failBeforeWrite)
	assert.ErrorIs(e.Install(), jithook.ErrProtection)
	assert.Equal(jithook.Unhooked, e.State())
	assert.Equal(original, c.Slot())

	jithook.SetProtectFunc(e, jithook.WithProtection)
	assert.NoError(e.Install())
	assert.Equal(e.Replacement(), c.Slot())
}

func TestInstall_RestoreError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)
	original := c.Slot()
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)

	jithook.SetProtectFunc(e, failRestore)
	assert.ErrorIs(e.Install(), jithook.ErrProtection)

	// The slot was written, so the engine is hooked and working.
	assert.Equal(jithook.Hooked, e.State())
	assert.Equal(e.Replacement(), c.Slot())

	res, err := c.Compile(addHandle)
	require.NoError(err)
	assert.Equal(jithook.StatusOK, res.Status)
	assert.NotZero(res.Entry)
	assert.Equal(int64(1), strategy.calls.Load())

	jithook.SetProtectFunc(e, jithook.WithProtection)
	require.NoError(e.Uninstall())
	assert.Equal(original, c.Slot())
}

func TestUninstall_ProtectionError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCompiler(t)
	original := c.Slot()
	strategy := &countingStrategy{}
	e := newEngine(t, c, strategy)
	require.NoError(e.Install())

	jithook.SetProtectFunc(e, failBeforeWrite)
	assert.ErrorIs(e.Uninstall(), jithook.ErrProtection)
	assert.Equal(jithook.Unhooked, e.State())
	assert.NoError(e.Uninstall())

	// The replacement is stuck in the slot. It keeps forwarding but the
	// strategy is no longer called.
	assert.Equal(e.Replacement(), c.Slot())
	res, err := c.Compile(addHandle)
	require.NoError(err)
	assert.Equal(jithook.StatusOK, res.Status)
	assert.Equal(uintptr(4), fakejit.Invoke(res.Entry, 2, 2))
	assert.Zero(strategy.calls.Load())

	jithook.SetProtectFunc(e, jithook.WithProtection)
	require.NoError(e.Install())
	_, err = c.Compile(mulHandle)
	require.NoError(err)
	assert.Equal(int64(1), strategy.calls.Load())

	require.NoError(e.Uninstall())
	assert.Equal(original, c.Slot())
}

func TestUninstall_RestoreError(t *testing.T) {
	c := newCompiler(t)
	original := c.Slot()
	e := newEngine(t, c, &countingStrategy{})
	require.NoError(t, e.Install())

	jithook.SetProtectFunc(e, failRestore)
	assert.ErrorIs(t, e.Uninstall(), jithook.ErrProtection)
	assert.Equal(t, jithook.Unhooked, e.State())
	assert.Equal(t, original, c.Slot())
	assert.NoError(t, e.Uninstall())

	jithook.SetProtectFunc(e, jithook.WithProtection)
}

func TestNew_NilLoader(t *testing.T) {
	_, err := jithook.New(&countingStrategy{}, jithook.WithLoader(nil), jithook.WithModule("libmissing.so"))
	assert.ErrorIs(t, err, jithook.ErrModuleNotFound)
}
