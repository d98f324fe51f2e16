package tools

import (
	"fmt"
	"regexp"
)

// Action is what a policy rule does to matching tool names.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	// ActionRequire enables the tool and forces the provider's tool choice
	// onto it.
	ActionRequire Action = "require"
)

// Rule matches tool names by regex. Rules are evaluated in order with
// last-match-wins.
type Rule struct {
	Match  *regexp.Regexp
	Action Action
}

// NewRule compiles a rule. The pattern is anchored: a rule for "bash" must
// not also catch "bash_background".
func NewRule(pattern string, action Action) (Rule, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return Rule{}, fmt.Errorf("tool policy pattern %q: %w", pattern, err)
	}
	return Rule{Match: re, Action: action}, nil
}

// MustRule is NewRule for statically known patterns.
func MustRule(pattern string, action Action) Rule {
	r, err := NewRule(pattern, action)
	if err != nil {
		panic(err)
	}
	return r
}

// Policy is an ordered rule sequence. The zero value enables everything.
type Policy []Rule

// Compose concatenates policies in evaluation order: later policies override
// earlier ones (agent ⧺ caller ⧺ system minion).
func Compose(policies ...Policy) Policy {
	var out Policy
	for _, p := range policies {
		out = append(out, p...)
	}
	return out
}

// ActionFor evaluates the policy for one tool name. Default is enable.
func (p Policy) ActionFor(name string) Action {
	action := ActionEnable
	for _, r := range p {
		if r.Match.MatchString(name) {
			action = r.Action
		}
	}
	return action
}

// Allowed reports whether a tool is usable under the policy.
func (p Policy) Allowed(name string) bool {
	return p.ActionFor(name) != ActionDisable
}

// Filter keeps only allowed names, preserving order.
func (p Policy) Filter(names []string) []string {
	var out []string
	for _, name := range names {
		if p.Allowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// Required returns the names whose effective action is require.
func (p Policy) Required(names []string) []string {
	var out []string
	for _, name := range names {
		if p.ActionFor(name) == ActionRequire {
			out = append(out, name)
		}
	}
	return out
}
