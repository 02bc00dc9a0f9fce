// Package permission evaluates the static policy table that decides which
// actor roles may call which tools at all. Policies are read-only once
// loaded.
package permission

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned when a policy document cannot be used.
var ErrInvalidPolicy = errors.New("invalid permission policy")

// Effect is the outcome a rule prescribes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule matches actor roles, tool origins and tool names with glob patterns.
// An empty Tools list matches every tool.
type Rule struct {
	Roles   []string `yaml:"roles" json:"roles"`
	Origins []string `yaml:"origins" json:"origins"`
	Tools   []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Effect  Effect   `yaml:"effect" json:"effect"`
	Reason  string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Policy is the table of rules plus the default effect.
type Policy struct {
	Default Effect `yaml:"default" json:"default"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// DefaultPolicy denies everything.
func DefaultPolicy() Policy {
	return Policy{Default: EffectDeny}
}

// Validate checks effects and glob syntax.
func (p Policy) Validate() error {
	if p.Default != EffectAllow && p.Default != EffectDeny {
		return fmt.Errorf("%w: default must be allow or deny, got %q", ErrInvalidPolicy, p.Default)
	}
	for i, r := range p.Rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fmt.Errorf("%w: rule %d: effect must be allow or deny, got %q", ErrInvalidPolicy, i, r.Effect)
		}
		if len(r.Roles) == 0 {
			return fmt.Errorf("%w: rule %d: at least one role pattern is required", ErrInvalidPolicy, i)
		}
		if len(r.Origins) == 0 {
			return fmt.Errorf("%w: rule %d: at least one origin pattern is required", ErrInvalidPolicy, i)
		}
		for _, group := range [][]string{r.Roles, r.Origins, r.Tools} {
			for _, pattern := range group {
				if _, err := path.Match(pattern, ""); err != nil {
					return fmt.Errorf("%w: rule %d: bad pattern %q: %v", ErrInvalidPolicy, i, pattern, err)
				}
			}
		}
	}
	return nil
}

// Parse decodes a YAML (or JSON) policy document.
func Parse(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	p.Default = Effect(strings.ToLower(string(p.Default)))
	for i := range p.Rules {
		p.Rules[i].Effect = Effect(strings.ToLower(string(p.Rules[i].Effect)))
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(filePath string) (Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", filePath, err)
	}
	return p, nil
}

func matchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if pattern == "*" || pattern == value {
			return true
		}
		if ok, _ := path.Match(pattern, value); ok {
			return true
		}
	}
	return false
}
