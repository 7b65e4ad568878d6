package patch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pboyd/jithook/corinfo"
)

// Rule replaces the native code of one method.
//
// In YAML:
//
//	rules:
//	  - name: Program.Add(int,int)
//	    assembly: BrokenAddition
//	    token: 0x06000002
//	    arch: amd64
//	    code: 01 f7 89 f8 ff c0 c3
type Rule struct {
	// Name is only used in log messages.
	Name string `yaml:"name"`

	// Assembly and Token select the method. An empty Assembly matches any
	// assembly and a zero Token matches any method, but not both.
	Assembly string `yaml:"assembly"`
	Token    uint32 `yaml:"token"`

	// Arch is a GOARCH value. Empty matches any architecture.
	Arch string `yaml:"arch"`

	Code Code `yaml:"code"`
}

// Validate reports whether the rule can be applied.
func (r *Rule) Validate() error {
	if len(r.Code) == 0 {
		return fmt.Errorf("rule %q: no code", r.Name)
	}
	if r.Assembly == "" && r.Token == 0 {
		return fmt.Errorf("rule %q: needs an assembly or a token", r.Name)
	}
	return nil
}

// Matches reports whether the rule applies to id on arch.
func (r *Rule) Matches(id corinfo.Identity, arch string) bool {
	if r.Arch != "" && r.Arch != arch {
		return false
	}
	if r.Assembly != "" && r.Assembly != id.Assembly {
		return false
	}
	if r.Token != 0 && r.Token != id.Token {
		return false
	}
	return true
}

// Code is machine code written as hex bytes. Whitespace is ignored.
type Code []byte

func (c *Code) UnmarshalYAML(value *yaml.Node) error {
	var s string
	err := value.Decode(&s)
	if err != nil {
		return err
	}

	buf, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return fmt.Errorf("line %d: invalid code: %w", value.Line, err)
	}
	*c = buf
	return nil
}

func (c Code) MarshalYAML() (any, error) {
	parts := make([]string, len(c))
	for i, b := range c {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, " "), nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f ruleFile
	err := dec.Decode(&f)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	errs := []error{}
	for i := range f.Rules {
		errs = append(errs, f.Rules[i].Validate())
	}
	err = errors.Join(errs...)
	if err != nil {
		return nil, err
	}

	return f.Rules, nil
}

// LoadRulesFile reads rules from path.
func LoadRulesFile(path string) ([]Rule, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	return LoadRules(fh)
}
