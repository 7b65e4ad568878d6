package disasm

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pboyd/jithook"
)

// Listing is the decoded native code of one compiled method.
type Listing struct {
	Method       uintptr
	Entry        uintptr
	Arch         string
	Instructions []Instruction
}

// Signature returns the patterns of every instruction joined by spaces.
func (l *Listing) Signature() string {
	parts := make([]string, len(l.Instructions))
	for i := range l.Instructions {
		parts[i] = l.Instructions[i].Pattern()
	}
	return strings.Join(parts, " ")
}

// WriteTo prints the listing, one instruction per line.
func (l *Listing) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Method %#x - %d native instructions:\n", l.Method, len(l.Instructions))
	for i := range l.Instructions {
		in := &l.Instructions[i]
		fmt.Fprintf(&buf, "0x%08x\t%-30s| %s\n", in.PC, in.Pattern(), in.Text)
	}

	return buf.WriteTo(w)
}

// Matcher chooses which compilations are recorded.
type Matcher func(c *jithook.Compilation) bool

// ForMethod matches one CORINFO_METHOD_HANDLE.
func ForMethod(handle uintptr) Matcher {
	return func(c *jithook.Compilation) bool {
		return c.Method != nil && c.Method.Method == handle
	}
}

// Recorder is a jithook.Strategy that decodes the code of matching methods.
// It never modifies anything.
type Recorder struct {
	match Matcher
	arch  string
	out   io.Writer
	log   *zap.Logger

	mu       sync.Mutex
	listings []Listing
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithOutput prints every listing to w.
func WithOutput(w io.Writer) Option {
	return func(r *Recorder) {
		r.out = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.log = logger
		}
	}
}

// NewRecorder returns a Recorder for methods accepted by match.
func NewRecorder(match Matcher, opts ...Option) *Recorder {
	r := &Recorder{
		match: match,
		arch:  runtime.GOARCH,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) AfterCompile(c *jithook.Compilation) error {
	code := c.Code()
	if code == nil || !r.match(c) {
		return nil
	}

	// Copy, the runtime may reuse or patch the memory later.
	code = bytes.Clone(code)

	insts, err := Decode(code, c.Entry, r.arch)
	if err != nil {
		return err
	}

	l := Listing{
		Entry:        c.Entry,
		Arch:         r.arch,
		Instructions: insts,
	}
	if c.Method != nil {
		l.Method = c.Method.Method
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listings = append(r.listings, l)
	r.log.Debug("recorded method",
		zap.Uintptr("method", l.Method),
		zap.Uintptr("entry", l.Entry),
		zap.Int("instructions", len(insts)))

	if r.out != nil {
		_, err = l.WriteTo(r.out)
		return err
	}
	return nil
}

// Listings returns everything recorded so far.
func (r *Recorder) Listings() []Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Listing(nil), r.listings...)
}
