//go:build windows

package jithook

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// DefaultModule is the CoreCLR JIT library name.
const DefaultModule = "clrjit.dll"

func (OSLoader) FindModule(name string) (uintptr, error) {
	namep, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}

	// GetModuleHandleEx only returns modules that are already mapped and,
	// without GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, takes a
	// reference that Release gives back.
	var handle windows.Handle
	err = windows.GetModuleHandleEx(0, namep, &handle)
	if err != nil || handle == 0 {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return uintptr(handle), nil
}

func (OSLoader) ResolveSymbol(module uintptr, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(module), name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr, nil
}

func (OSLoader) Release(module uintptr) error {
	return windows.FreeLibrary(windows.Handle(module))
}
