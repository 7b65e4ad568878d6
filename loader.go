package jithook

// Loader finds modules that are already loaded in the current process and
// resolves their exports.
type Loader interface {
	// FindModule returns a handle for a loaded module. It must not load
	// the module if it is absent.
	FindModule(name string) (uintptr, error)

	// ResolveSymbol returns the address of an exported symbol.
	ResolveSymbol(module uintptr, name string) (uintptr, error)

	// Release drops the reference taken by FindModule.
	Release(module uintptr) error
}

// OSLoader is the Loader backed by the platform's dynamic linker.
type OSLoader struct{}
