//go:build linux && (amd64 || arm64)

// Package fakejit is a stand-in for the CoreCLR JIT that can be hooked like
// the real one. The compiler object and its dispatch table live in read-only
// mmap'd pages and every entry point is a native callback.
package fakejit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/pboyd/jithook"
)

const (
	// ModuleName is the name the fake JIT is found under.
	ModuleName = "libfakejit.so"

	// ICorJitInfo slots the fake answers, see corinfo.DefaultSlots.
	slotModuleAssembly      = 48
	slotAssemblyName        = 49
	slotMethodDefFromMethod = 116

	ptrSize = int(unsafe.Sizeof(uintptr(0)))
)

// Method is a method the fake can compile.
type Method struct {
	Handle uintptr // CORINFO_METHOD_HANDLE
	Scope  uintptr // CORINFO_MODULE_HANDLE, see AddAssembly
	Token  uint32

	// Code is the native code produced for the method.
	Code []byte

	// Inner methods are compiled through the live compileMethod slot
	// before this one, the way the JIT compiles inlinees and helpers.
	Inner []uintptr

	// Status is returned instead of compiling when non-zero.
	Status int32
}

type compiled struct {
	entry uintptr
	size  uint32
}

// Compiler is a fake ICorJitCompiler and ICorJitInfo.
type Compiler struct {
	mu         sync.Mutex
	methods    map[uintptr]*Method
	compiled   map[uintptr]compiled
	assemblies map[uintptr]uintptr // scope -> C string
	pages      [][]byte

	service      []byte
	table        []byte
	jitInfo      []byte
	jitInfoTable []byte
	getJitFn     uintptr

	nullService atomic.Bool
	calls       atomic.Int64
	nameLookups atomic.Int64
	releases    atomic.Int64
}

// New builds a fake compiler.
func New() (*Compiler, error) {
	c := &Compiler{
		methods:    map[uintptr]*Method{},
		compiled:   map[uintptr]compiled{},
		assemblies: map[uintptr]uintptr{},
	}

	c.getJitFn = purego.NewCallback(c.getJit)

	var err error
	c.table, err = c.page()
	if err != nil {
		return nil, err
	}
	putWord(c.table, 0, purego.NewCallback(c.compileMethod))

	c.service, err = c.page()
	if err != nil {
		return nil, err
	}
	putWord(c.service, 0, addr(c.table))

	c.jitInfoTable, err = c.page()
	if err != nil {
		return nil, err
	}
	putWord(c.jitInfoTable, slotModuleAssembly, purego.NewCallback(c.getModuleAssembly))
	putWord(c.jitInfoTable, slotAssemblyName, purego.NewCallback(c.getAssemblyName))
	putWord(c.jitInfoTable, slotMethodDefFromMethod, purego.NewCallback(c.getMethodDefFromMethod))

	c.jitInfo, err = c.page()
	if err != nil {
		return nil, err
	}
	putWord(c.jitInfo, 0, addr(c.jitInfoTable))

	// Like the real thing, the compiler's dispatch table is read-only.
	for _, p := range [][]byte{c.table, c.service, c.jitInfoTable} {
		err = unix.Mprotect(p, unix.PROT_READ)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// Close unmaps everything. Nothing may call into the fake afterwards.
func (c *Compiler) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pages {
		unix.Munmap(p)
	}
	c.pages = nil
}

// Define adds a method.
func (c *Compiler) Define(m Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[m.Handle] = &m
}

// AddAssembly names the assembly of module scope.
func (c *Compiler) AddAssembly(scope uintptr, name string) error {
	p, err := c.page()
	if err != nil {
		return err
	}
	copy(p, name)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.assemblies[scope] = addr(p)
	return nil
}

// Loader returns a jithook.Loader that finds the fake under ModuleName.
func (c *Compiler) Loader() jithook.Loader {
	return loader{c}
}

// SetNullService makes getJit return null.
func (c *Compiler) SetNullService(null bool) {
	c.nullService.Store(null)
}

// Service returns the ICorJitCompiler.
func (c *Compiler) Service() uintptr {
	return addr(c.service)
}

// JitInfo returns the ICorJitInfo passed to compileMethod.
func (c *Compiler) JitInfo() uintptr {
	return addr(c.jitInfo)
}

// Slot returns the live compileMethod pointer.
func (c *Compiler) Slot() uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr(c.table))))
}

// SlotAddr returns the address of the compileMethod slot.
func (c *Compiler) SlotAddr() uintptr {
	return addr(c.table)
}

// Calls returns how many times the fake compileMethod ran.
func (c *Compiler) Calls() int64 {
	return c.calls.Load()
}

// NameLookups returns how many times getAssemblyName ran.
func (c *Compiler) NameLookups() int64 {
	return c.nameLookups.Load()
}

// Releases returns how many module handles were released.
func (c *Compiler) Releases() int64 {
	return c.releases.Load()
}

// Compile asks for method the way the runtime does: through whatever is in
// the compileMethod slot.
func (c *Compiler) Compile(method uintptr) (jithook.Result, error) {
	return c.compileThroughSlot(method)
}

// Invoke calls native code with integer arguments and returns the integer
// result.
func Invoke(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}

// request is a compileMethod argument block in native memory.
type request struct {
	info  jithook.MethodInfo
	entry uintptr
	size  uint32
}

func (c *Compiler) compileThroughSlot(method uintptr) (jithook.Result, error) {
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return jithook.Result{}, err
	}
	defer unix.Munmap(mem)

	req := (*request)(unsafe.Pointer(unsafe.SliceData(mem)))
	req.info.Method = method

	c.mu.Lock()
	if m, ok := c.methods[method]; ok {
		req.info.Scope = m.Scope
	}
	c.mu.Unlock()

	r1, _, _ := purego.SyscallN(c.Slot(),
		c.Service(),
		c.JitInfo(),
		uintptr(unsafe.Pointer(&req.info)),
		0,
		uintptr(unsafe.Pointer(&req.entry)),
		uintptr(unsafe.Pointer(&req.size)))

	return jithook.Result{
		Status: int32(uint32(r1)),
		Entry:  req.entry,
		Size:   req.size,
	}, nil
}

func (c *Compiler) compileMethod(service, jitInfo, info uintptr, flags uint32, entry, size uintptr) uintptr {
	c.calls.Add(1)

	if service != c.Service() || info == 0 {
		return result(jithook.StatusInternalError)
	}
	mi := (*jithook.MethodInfo)(unsafe.Pointer(info))

	c.mu.Lock()
	m, ok := c.methods[mi.Method]
	c.mu.Unlock()
	if !ok {
		return result(jithook.StatusBadCode)
	}

	for _, inner := range m.Inner {
		c.compileThroughSlot(inner)
	}

	if m.Status != 0 {
		return result(m.Status)
	}

	out, err := c.emit(m)
	if err != nil {
		return result(jithook.StatusOutOfMemory)
	}

	*(*uintptr)(unsafe.Pointer(entry)) = out.entry
	*(*uint32)(unsafe.Pointer(size)) = out.size
	return result(jithook.StatusOK)
}

// result widens a CorJitResult for a native return register.
func result(status int32) uintptr {
	return uintptr(uint32(status))
}

// emit returns the method's code, writing it on first use. Later requests
// get the same address, as the runtime only compiles a method once.
func (c *Compiler) emit(m *Method) (compiled, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if out, ok := c.compiled[m.Handle]; ok {
		return out, nil
	}

	p, err := c.pageLocked()
	if err != nil {
		return compiled{}, err
	}
	copy(p, m.Code)
	err = unix.Mprotect(p, unix.PROT_READ|unix.PROT_EXEC)
	if err != nil {
		return compiled{}, err
	}

	out := compiled{entry: addr(p), size: uint32(len(m.Code))}
	c.compiled[m.Handle] = out
	return out, nil
}

func (c *Compiler) getModuleAssembly(jitInfo, scope uintptr) uintptr {
	// The fake's assembly handle is the module handle.
	return scope
}

func (c *Compiler) getAssemblyName(jitInfo, assembly uintptr) uintptr {
	c.nameLookups.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assemblies[assembly]
}

func (c *Compiler) getMethodDefFromMethod(jitInfo, method uintptr) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.methods[method]; ok {
		return uintptr(m.Token)
	}
	return 0
}

func (c *Compiler) getJit() uintptr {
	if c.nullService.Load() {
		return 0
	}
	return c.Service()
}

func (c *Compiler) page() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageLocked()
}

func (c *Compiler) pageLocked() ([]byte, error) {
	p, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	c.pages = append(c.pages, p)
	return p, nil
}

func addr(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}

func putWord(p []byte, index int, v uintptr) {
	*(*uintptr)(unsafe.Pointer(&p[index*ptrSize])) = v
}

type loader struct {
	c *Compiler
}

func (l loader) FindModule(name string) (uintptr, error) {
	if name != ModuleName {
		return 0, fmt.Errorf("%w: %s", jithook.ErrModuleNotFound, name)
	}
	return l.c.Service(), nil
}

func (l loader) ResolveSymbol(module uintptr, name string) (uintptr, error) {
	if module != l.c.Service() || name != jithook.DefaultFactory {
		return 0, fmt.Errorf("%w: %s", jithook.ErrSymbolNotFound, name)
	}
	return l.c.getJitFn, nil
}

func (l loader) Release(uintptr) error {
	l.c.releases.Add(1)
	return nil
}
