// Package corinfo identifies the method being compiled by asking the
// runtime through the ICorJitInfo interface the JIT receives.
package corinfo

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Slots are ICorJitInfo dispatch table indices. They change between runtime
// versions.
type Slots struct {
	// mdMethodDef getMethodDefFromMethod(CORINFO_METHOD_HANDLE)
	MethodDefFromMethod int
	// CORINFO_ASSEMBLY_HANDLE getModuleAssembly(CORINFO_MODULE_HANDLE)
	ModuleAssembly int
	// const char* getAssemblyName(CORINFO_ASSEMBLY_HANDLE)
	AssemblyName int
}

// DefaultSlots match the .NET 6 and 7 ICorJitInfo layout.
var DefaultSlots = Slots{
	MethodDefFromMethod: 116,
	ModuleAssembly:      48,
	AssemblyName:        49,
}

// ErrNoJitInfo means there is no ICorJitInfo to ask.
var ErrNoJitInfo = errors.New("no ICorJitInfo")

const ptrSize = unsafe.Sizeof(uintptr(0))

// Identity names a method independently of the process.
type Identity struct {
	Method   uintptr // CORINFO_METHOD_HANDLE
	Token    uint32  // mdMethodDef metadata token
	Assembly string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s!%#08x", id.Assembly, id.Token)
}

// Resolver turns method handles into identities. Assembly names are cached
// per assembly handle.
type Resolver struct {
	slots Slots

	// mu guards assemblies. It is usually the hook engine's lock.
	mu         sync.Locker
	assemblies map[uintptr]string
}

// NewResolver returns a Resolver that guards its cache with mu. A nil mu
// gets a private mutex.
func NewResolver(mu sync.Locker, slots Slots) *Resolver {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Resolver{
		slots:      slots,
		mu:         mu,
		assemblies: map[uintptr]string{},
	}
}

// Resolve identifies method, which belongs to the module scope, using the
// ICorJitInfo at jitInfo. It must be called on the JIT thread that owns
// jitInfo, during the compilation.
func (r *Resolver) Resolve(jitInfo, method, scope uintptr) (Identity, error) {
	if jitInfo == 0 {
		return Identity{}, ErrNoJitInfo
	}
	if method == 0 {
		return Identity{}, errors.New("no method handle")
	}

	table := *(*uintptr)(unsafe.Pointer(jitInfo))
	if table == 0 {
		return Identity{}, fmt.Errorf("%w: null dispatch table", ErrNoJitInfo)
	}

	token, _, _ := purego.SyscallN(entry(table, r.slots.MethodDefFromMethod), jitInfo, method)
	assembly, _, _ := purego.SyscallN(entry(table, r.slots.ModuleAssembly), jitInfo, scope)
	if assembly == 0 {
		return Identity{}, fmt.Errorf("no assembly for module %#x", scope)
	}

	name, err := r.assemblyName(table, jitInfo, assembly)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Method:   method,
		Token:    uint32(token),
		Assembly: name,
	}, nil
}

// Attach replaces the cache lock. It must not be called while Resolve may
// be running.
func (r *Resolver) Attach(mu sync.Locker) {
	if mu != nil {
		r.mu = mu
	}
}

// Cached returns the number of cached assembly names.
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assemblies)
}

func (r *Resolver) assemblyName(table, jitInfo, assembly uintptr) (string, error) {
	r.mu.Lock()
	name, ok := r.assemblies[assembly]
	r.mu.Unlock()
	if ok {
		return name, nil
	}

	// Ask the runtime without holding the lock, another thread may be
	// waiting on it to finish its own compilation.
	p, _, _ := purego.SyscallN(entry(table, r.slots.AssemblyName), jitInfo, assembly)
	if p == 0 {
		return "", fmt.Errorf("no name for assembly %#x", assembly)
	}
	name = bytePtrToString((*byte)(unsafe.Pointer(p)))
	if name == "" {
		return "", fmt.Errorf("empty name for assembly %#x", assembly)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.assemblies[assembly]; ok {
		return existing, nil
	}
	r.assemblies[assembly] = name
	return name, nil
}

func entry(table uintptr, index int) uintptr {
	return *(*uintptr)(unsafe.Pointer(table + uintptr(index)*ptrSize))
}
