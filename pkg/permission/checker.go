package permission

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
)

// Decision is the result of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	Rule    int // index of the deciding rule, -1 for the default
}

// Evaluator is anything that can answer a permission check.
type Evaluator interface {
	Check(actor tool.Actor, desc tool.Descriptor) Decision
}

// Checker evaluates an immutable Policy. Deny rules override allow rules.
type Checker struct {
	policy Policy
}

// NewChecker validates p and wraps it.
func NewChecker(p Policy) (*Checker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rules := make([]Rule, len(p.Rules))
	copy(rules, p.Rules)
	return &Checker{policy: Policy{Default: p.Default, Rules: rules}}, nil
}

// Policy returns a copy of the evaluated policy.
func (c *Checker) Policy() Policy {
	rules := make([]Rule, len(c.policy.Rules))
	copy(rules, c.policy.Rules)
	return Policy{Default: c.policy.Default, Rules: rules}
}

// Check decides whether actor may call desc.
func (c *Checker) Check(actor tool.Actor, desc tool.Descriptor) Decision {
	origin := desc.Origin.String()
	name := desc.QualifiedName()

	allowedBy := -1
	for i, r := range c.policy.Rules {
		if !matchAny(r.Roles, actor.Role) || !matchAny(r.Origins, origin) {
			continue
		}
		if len(r.Tools) > 0 && !matchAny(r.Tools, name) {
			continue
		}
		if r.Effect == EffectDeny {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("role %q may not call %s from %s", actor.Role, name, origin)
			}
			log.Debug().
				Str("actor", actor.ID).
				Str("role", actor.Role).
				Str("tool", name).
				Int("rule", i).
				Msg("Permission denied by rule")
			return Decision{Allowed: false, Reason: reason, Rule: i}
		}
		if allowedBy < 0 {
			allowedBy = i
		}
	}

	if allowedBy >= 0 {
		return Decision{Allowed: true, Reason: "allowed by rule", Rule: allowedBy}
	}
	if c.policy.Default == EffectAllow {
		return Decision{Allowed: true, Reason: "allowed by default", Rule: -1}
	}
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("no rule allows role %q to call %s", actor.Role, name),
		Rule:    -1,
	}
}
