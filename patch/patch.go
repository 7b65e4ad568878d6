// Package patch overwrites the native code the JIT produced for chosen
// methods.
package patch

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pboyd/jithook"
	"github.com/pboyd/jithook/corinfo"
)

// ErrCodeTooLarge means the replacement doesn't fit in the compiled method.
var ErrCodeTooLarge = errors.New("replacement code is larger than the compiled method")

// Identifier resolves the method being compiled. *corinfo.Resolver
// implements it.
type Identifier interface {
	Resolve(jitInfo, method, scope uintptr) (corinfo.Identity, error)
}

// Strategy is a jithook.Strategy that applies rules to compiled methods.
type Strategy struct {
	rules []Rule
	ident Identifier
	arch  string
	log   *zap.Logger
	write func(addr uintptr, code []byte) error

	applied atomic.Int64
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Strategy) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithArch matches rules against arch instead of runtime.GOARCH.
func WithArch(arch string) Option {
	return func(s *Strategy) {
		s.arch = arch
	}
}

// New returns a Strategy that applies the first matching rule to each
// compiled method.
func New(ident Identifier, rules []Rule, opts ...Option) *Strategy {
	s := &Strategy{
		rules: rules,
		ident: ident,
		arch:  runtime.GOARCH,
		log:   zap.NewNop(),
		write: jithook.WriteCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach hands mu to the Identifier if it keeps a cache.
func (s *Strategy) Attach(mu sync.Locker) {
	if a, ok := s.ident.(jithook.Attacher); ok {
		a.Attach(mu)
	}
}

// Applied returns how many methods have been patched.
func (s *Strategy) Applied() int64 {
	return s.applied.Load()
}

func (s *Strategy) AfterCompile(c *jithook.Compilation) error {
	if c.Status != jithook.StatusOK || c.Entry == 0 || c.Method == nil {
		return nil
	}

	id, err := s.ident.Resolve(c.JitInfo, c.Method.Method, c.Method.Scope)
	if err != nil {
		return fmt.Errorf("resolve method %#x: %w", c.Method.Method, err)
	}

	rule := s.match(id)
	if rule == nil {
		return nil
	}

	if len(rule.Code) > int(c.Size) {
		return fmt.Errorf("%w: rule %q has %d bytes, %s compiled to %d", ErrCodeTooLarge, rule.Name, len(rule.Code), id, c.Size)
	}

	err = s.write(c.Entry, rule.Code)
	if err != nil {
		return fmt.Errorf("patch %s: %w", id, err)
	}
	s.applied.Add(1)

	s.log.Info("patched method",
		zap.String("rule", rule.Name),
		zap.Stringer("method", id),
		zap.Uintptr("entry", c.Entry),
		zap.Int("bytes", len(rule.Code)))
	return nil
}

func (s *Strategy) match(id corinfo.Identity) *Rule {
	for i := range s.rules {
		if s.rules[i].Matches(id, s.arch) {
			return &s.rules[i]
		}
	}
	return nil
}
