//go:build !linux && !windows

package jithook

// DefaultModule is empty where the JIT can't be hooked.
const DefaultModule = ""

func (OSLoader) FindModule(string) (uintptr, error) {
	return 0, ErrUnsupported
}

func (OSLoader) ResolveSymbol(uintptr, string) (uintptr, error) {
	return 0, ErrUnsupported
}

func (OSLoader) Release(uintptr) error {
	return nil
}
