package jithook

import (
	"sync"
	"unsafe"
)

// CorJitResult values returned by compileMethod.
const (
	StatusOK            int32 = 0
	StatusBadCode       int32 = -0x7fffffff // 0x80000001
	StatusOutOfMemory   int32 = -0x7ffffffe // 0x80000002
	StatusInternalError int32 = -0x7ffffffd // 0x80000003
	StatusSkipped       int32 = -0x7ffffffc // 0x80000004
)

// MethodInfo mirrors CORINFO_METHOD_INFO.
type MethodInfo struct {
	Method     uintptr // CORINFO_METHOD_HANDLE
	Scope      uintptr // CORINFO_MODULE_HANDLE
	ILCode     uintptr
	ILCodeSize uint32
	MaxStack   uint32
	EHCount    uint32
	Options    uint32
	RegionKind uint32
	Args       SigInfo
	Locals     SigInfo
}

// IL returns the method's IL bytes. They belong to the runtime.
func (mi *MethodInfo) IL() []byte {
	if mi.ILCode == 0 || mi.ILCodeSize == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(mi.ILCode)), mi.ILCodeSize)
}

// SigInfo mirrors CORINFO_SIG_INFO.
type SigInfo struct {
	CallConv        uint32
	RetTypeClass    uintptr
	RetTypeSigClass uintptr
	RetType         uint8
	Flags           uint8
	NumArgs         uint16
	SigInst         SigInst
	Args            uintptr
	Sig             uintptr
	SigSize         uint32
	Scope           uintptr
	Token           uint32
	_               uint64
}

// SigInst mirrors CORINFO_SIG_INST.
type SigInst struct {
	ClassInstCount  uint32
	ClassInst       uintptr
	MethodInstCount uint32
	MethodInst      uintptr
}

// Request holds the arguments of one compileMethod call.
type Request struct {
	// Service is the ICorJitCompiler the runtime called.
	Service uintptr
	// JitInfo is the ICorJitInfo the JIT uses to query the runtime.
	JitInfo uintptr
	Method  *MethodInfo
	Flags   uint32
}

// Result holds what the original compileMethod produced.
type Result struct {
	Status int32
	Entry  uintptr
	Size   uint32
}

// Compilation is a forwarded compileMethod call.
type Compilation struct {
	Request
	Result
}

// Code returns the generated native code. It is executable memory owned by
// the runtime; writes must go through WriteCode.
func (c *Compilation) Code() []byte {
	if c.Status != StatusOK || c.Entry == 0 || c.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(c.Entry)), c.Size)
}

// Strategy decides what happens to a compiled method.
//
// AfterCompile is only called for the outermost compileMethod call on a
// thread, after the original compileMethod returned. It runs on the JIT's
// thread and blocks the compilation. Errors and panics are logged and
// otherwise ignored; the runtime always receives the original result.
type Strategy interface {
	AfterCompile(c *Compilation) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(c *Compilation) error

func (f StrategyFunc) AfterCompile(c *Compilation) error {
	return f(c)
}

// Attacher is implemented by strategies that keep caches guarded by the
// engine's lock. New calls Attach once, before the hook can be installed.
type Attacher interface {
	Attach(mu sync.Locker)
}

// compileMethodFunc is the native compileMethod signature:
//
//	CorJitResult compileMethod(ICorJitCompiler *this, ICorJitInfo *comp,
//	    CORINFO_METHOD_INFO *info, unsigned flags,
//	    uint8_t **nativeEntry, uint32_t *nativeSizeOfCode)
//
// The arguments are native memory, so they are passed as uintptr.
type compileMethodFunc func(service, jitInfo, info uintptr, flags uint32, entry, size uintptr) int32

// compileOutFunc is compileMethodFunc with Go-allocated out parameters, used for
// the self-test.
type compileOutFunc func(service, jitInfo uintptr, info *MethodInfo, flags uint32, entry *uintptr, size *uint32) int32
