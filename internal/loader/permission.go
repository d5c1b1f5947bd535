package loader

import (
	"strings"

	"github.com/casys-ai/pml/internal/wire"
)

// PermissionAction is the outcome of evaluating a tool against the
// permission gate's rule list.
type PermissionAction string

const (
	PermissionAllow PermissionAction = "allow"
	PermissionDeny  PermissionAction = "deny"
	PermissionAsk   PermissionAction = "ask"
)

// PermissionRule matches a tool id by exact match or, when Pattern ends in
// "*", by prefix, and assigns it an Action.
type PermissionRule struct {
	Pattern string
	Action  PermissionAction
}

// PermissionDecision is the gate's verdict for one tool.
type PermissionDecision struct {
	Action PermissionAction
	Rule   string
}

// PermissionGate evaluates an ordered rule list against a tool id,
// first-match-wins, falling back to DefaultAction when nothing matches.
// Grounded on features/policy/basic/engine.go's allow/block-list
// filtering, generalized from a binary allow/block decision to the
// three-way allow/deny/ask the capability loader's client-routed pipeline
// requires (spec.md §4.E).
type PermissionGate struct {
	rules   []PermissionRule
	fallback PermissionAction
}

// NewPermissionGate builds a gate from rules, evaluated in order. fallback
// is returned when no rule matches; it defaults to PermissionAllow, the
// policy engine's own default when no allow/block list is configured.
func NewPermissionGate(rules []PermissionRule, fallback PermissionAction) *PermissionGate {
	if fallback == "" {
		fallback = PermissionAllow
	}
	return &PermissionGate{rules: rules, fallback: fallback}
}

// Decide returns the first rule matching tool, or the gate's fallback.
func (g *PermissionGate) Decide(tool wire.Ident) PermissionDecision {
	id := string(tool)
	for _, r := range g.rules {
		if matchPattern(r.Pattern, id) {
			return PermissionDecision{Action: r.Action, Rule: r.Pattern}
		}
	}
	return PermissionDecision{Action: g.fallback, Rule: ""}
}

func matchPattern(pattern, id string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(id, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == id
}
