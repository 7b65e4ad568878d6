package jithook

import "go.uber.org/zap"

const (
	// DefaultFactory is the export that returns the ICorJitCompiler.
	DefaultFactory = "getJit"

	// CompileMethodSlot is the index of compileMethod in the
	// ICorJitCompiler dispatch table.
	CompileMethodSlot = 0
)

type config struct {
	module  string
	factory string
	slot    int
	loader  Loader
	logger  *zap.Logger
}

func defaultConfig() config {
	return config{
		module:  DefaultModule,
		factory: DefaultFactory,
		slot:    CompileMethodSlot,
		loader:  OSLoader{},
		logger:  zap.NewNop(),
	}
}

// Option configures an Engine.
type Option func(*config)

// WithModule sets the name of the JIT module to look for. It must already be
// loaded.
func WithModule(name string) Option {
	return func(c *config) {
		c.module = name
	}
}

// WithFactory sets the name of the export that returns the compiler object.
func WithFactory(name string) Option {
	return func(c *config) {
		c.factory = name
	}
}

// WithSlot sets the dispatch table index of the entry point to intercept.
func WithSlot(index int) Option {
	return func(c *config) {
		c.slot = index
	}
}

// WithLoader replaces the operating system loader. A nil loader is ignored.
func WithLoader(l Loader) Option {
	return func(c *config) {
		if l != nil {
			c.loader = l
		}
	}
}

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
