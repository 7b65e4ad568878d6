//go:build linux

package jithook

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// DefaultModule is the CoreCLR JIT library name.
const DefaultModule = "libclrjit.so"

// RTLD_NOLOAD from glibc's dlfcn.h. purego doesn't export it.
const rtldNoload = 0x4

func (OSLoader) FindModule(name string) (uintptr, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|rtldNoload)
	if err != nil || handle == 0 {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return handle, nil
}

func (OSLoader) ResolveSymbol(module uintptr, name string) (uintptr, error) {
	addr, err := purego.Dlsym(module, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr, nil
}

func (OSLoader) Release(module uintptr) error {
	return purego.Dlclose(module)
}
