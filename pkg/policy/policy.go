// Package policy resolves the effective approval policy for an artifact by
// merging its inline policy with bound PolicyTemplates across the scope
// specificity ladder (artifact, namespace, team, global), and gates
// approvals and downloads against the result.
package policy

import (
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// RuleSource names the scope and template that won out for one rule,
// surfaced on the effective-policy endpoint so operators can see why a
// particular constraint applies.
type RuleSource struct {
	Scope      store.PolicyScopeKind `json:"scope"`
	ScopeValue string                `json:"scopeValue,omitempty"`
	Template   string                `json:"template"`
}

// EffectivePolicy is the result of resolving every contributing policy for
// one artifact into a single rule set and enforcement level.
type EffectivePolicy struct {
	EnforcementLevel store.EnforcementLevel `json:"enforcementLevel"`
	Rules            store.PolicyRules      `json:"rules"`
	Sources          map[string]RuleSource  `json:"sources"`
}

var gradeRank = map[string]int{"A": 0, "B": 1, "C": 2, "D": 3, "F": 4}

// isStricterGrade reports whether grade a is strictly stricter than b (A is
// strictest); equal grades report false. An unrecognized grade ranks loosest
// so it never wins a compare.
func isStricterGrade(a, b string) bool {
	ra, ok := gradeRank[a]
	if !ok {
		ra = len(gradeRank)
	}
	rb, ok := gradeRank[b]
	if !ok {
		rb = len(gradeRank)
	}
	return ra < rb
}

var enforcementRank = map[store.EnforcementLevel]int{
	store.EnforcementBlock: 0,
	store.EnforcementWarn:  1,
	store.EnforcementAudit: 2,
}

// stricterEnforcement reports whether a is strictly stricter than b (block is
// strictest, audit is loosest); equal levels report false.
func stricterEnforcement(a, b store.EnforcementLevel) bool {
	return enforcementRank[a] < enforcementRank[b]
}
