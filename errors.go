package jithook

import "errors"

var (
	// ErrModuleNotFound means the JIT module is not loaded in this process.
	ErrModuleNotFound = errors.New("module not loaded")
	// ErrSymbolNotFound means the factory export could not be resolved.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrServiceUnavailable means the factory returned a null compiler.
	ErrServiceUnavailable = errors.New("compiler service unavailable")

	// ErrProtection means a page protection change failed.
	ErrProtection = errors.New("unable to change memory protection")
	// ErrAllocation means executable memory could not be allocated.
	ErrAllocation = errors.New("unable to allocate executable memory")
	// ErrSelfTest means the replacement did not answer the dry run correctly.
	ErrSelfTest = errors.New("replacement self-test failed")

	// ErrAlreadyHooked is returned by Install on a hooked engine.
	ErrAlreadyHooked = errors.New("already hooked")
	// ErrClosed is returned by Install after Close.
	ErrClosed = errors.New("engine closed")
	// ErrUnsupported means the platform has no implementation.
	ErrUnsupported = errors.New("unsupported platform")
)

// IsResolutionError reports whether err came from locating the dispatch
// table. These errors are fatal to New.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrModuleNotFound) ||
		errors.Is(err, ErrSymbolNotFound) ||
		errors.Is(err, ErrServiceUnavailable)
}
