package policy

import (
	"testing"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

func ptrInt(v int) *int       { return &v }
func ptrBool(v bool) *bool    { return &v }
func ptrStr(v string) *string { return &v }

// TestComputeEffective_ArtifactScopeWinsOverGlobal mirrors the spec's
// strictness scenario: two global policies disagree on minApprovers, and an
// inline artifact policy sets its own value. The artifact scope is the only
// source at its level, so it wins outright over both global policies.
func TestComputeEffective_ArtifactScopeWinsOverGlobal(t *testing.T) {
	scoped := []scopedPolicy{
		{scope: store.ScopeArtifact, template: "inline", rules: store.PolicyRules{MinApprovers: ptrInt(2)}, enforcement: store.EnforcementWarn},
		{scope: store.ScopeGlobal, template: "g1", rules: store.PolicyRules{MinApprovers: ptrInt(1)}, enforcement: store.EnforcementBlock},
		{scope: store.ScopeGlobal, template: "g2", rules: store.PolicyRules{MinApprovers: ptrInt(3)}, enforcement: store.EnforcementWarn},
	}

	eff := computeEffective(scoped)

	if eff.Rules.MinApprovers == nil || *eff.Rules.MinApprovers != 2 {
		t.Fatalf("expected effective minApprovers=2, got %v", eff.Rules.MinApprovers)
	}
	if src := eff.Sources["minApprovers"]; src.Scope != store.ScopeArtifact {
		t.Fatalf("expected minApprovers to be attributed to artifact scope, got %v", src.Scope)
	}
	if eff.EnforcementLevel != store.EnforcementBlock {
		t.Fatalf("expected strictest enforcement level block, got %s", eff.EnforcementLevel)
	}
}

// TestComputeEffective_WithinScopeStrictestWins covers each within-scope
// merge rule: max minApprovers, strictest scan grade, true-wins booleans,
// and false-wins autoApprovePatches.
func TestComputeEffective_WithinScopeStrictestWins(t *testing.T) {
	scoped := []scopedPolicy{
		{
			scope: store.ScopeTeam, scopeValue: "payments", template: "t1",
			rules: store.PolicyRules{
				MinApprovers:           ptrInt(1),
				RequiredScanGrade:      ptrStr("C"),
				RequirePassingTests:    ptrBool(false),
				RequirePassingValidate: ptrBool(false),
				AutoApprovePatches:     ptrBool(true),
			},
			enforcement: store.EnforcementAudit,
		},
		{
			scope: store.ScopeTeam, scopeValue: "payments", template: "t2",
			rules: store.PolicyRules{
				MinApprovers:           ptrInt(3),
				RequiredScanGrade:      ptrStr("A"),
				RequirePassingTests:    ptrBool(true),
				RequirePassingValidate: ptrBool(false),
				AutoApprovePatches:     ptrBool(false),
			},
			enforcement: store.EnforcementWarn,
		},
	}

	eff := computeEffective(scoped)

	if *eff.Rules.MinApprovers != 3 {
		t.Errorf("minApprovers: want 3 (max), got %d", *eff.Rules.MinApprovers)
	}
	if *eff.Rules.RequiredScanGrade != "A" {
		t.Errorf("requiredScanGrade: want A (strictest), got %s", *eff.Rules.RequiredScanGrade)
	}
	if !*eff.Rules.RequirePassingTests {
		t.Errorf("requirePassingTests: want true (true-wins), got false")
	}
	if *eff.Rules.RequirePassingValidate {
		t.Errorf("requirePassingValidate: want false, both sources false")
	}
	if *eff.Rules.AutoApprovePatches {
		t.Errorf("autoApprovePatches: want false (false-wins), got true")
	}
}

// TestComputeEffective_DifferentRulesDifferentScopes confirms that distinct
// rules may be won by distinct scopes, per "a rule set at artifact hides the
// same rule set at namespace/team/global; different rules may originate
// from different scopes."
func TestComputeEffective_DifferentRulesDifferentScopes(t *testing.T) {
	scoped := []scopedPolicy{
		{scope: store.ScopeArtifact, template: "inline", rules: store.PolicyRules{MinApprovers: ptrInt(2)}, enforcement: store.EnforcementBlock},
		{scope: store.ScopeTeam, scopeValue: "payments", template: "team-default", rules: store.PolicyRules{RequiredScanGrade: ptrStr("B")}, enforcement: store.EnforcementWarn},
	}

	eff := computeEffective(scoped)

	if *eff.Rules.MinApprovers != 2 {
		t.Errorf("minApprovers should come from artifact scope, got %v", eff.Rules.MinApprovers)
	}
	if *eff.Rules.RequiredScanGrade != "B" {
		t.Errorf("requiredScanGrade should come from team scope since artifact didn't set it, got %v", eff.Rules.RequiredScanGrade)
	}
	if eff.Sources["minApprovers"].Scope != store.ScopeArtifact {
		t.Errorf("minApprovers source should be artifact scope")
	}
	if eff.Sources["requiredScanGrade"].Scope != store.ScopeTeam {
		t.Errorf("requiredScanGrade source should be team scope")
	}
}

// TestComputeEffective_NoPoliciesDefaultsToBlock covers the spec's default:
// with no contributing policy at all, enforcement is block and rules empty.
func TestComputeEffective_NoPoliciesDefaultsToBlock(t *testing.T) {
	eff := computeEffective(nil)
	if eff.EnforcementLevel != store.EnforcementBlock {
		t.Fatalf("expected default enforcement block, got %s", eff.EnforcementLevel)
	}
	if eff.Rules.MinApprovers != nil {
		t.Fatalf("expected empty rules, got minApprovers=%v", eff.Rules.MinApprovers)
	}
}

// TestComputeEffective_Idempotent confirms calling computeEffective twice
// with the same input produces an equal result (no hidden state, no
// ordering nondeterminism from the scope grouping).
func TestComputeEffective_Idempotent(t *testing.T) {
	scoped := []scopedPolicy{
		{scope: store.ScopeNamespace, scopeValue: "infra", template: "n1", rules: store.PolicyRules{MinApprovers: ptrInt(2)}, enforcement: store.EnforcementWarn},
		{scope: store.ScopeGlobal, template: "g1", rules: store.PolicyRules{MinApprovers: ptrInt(1), AutoApprovePatches: ptrBool(true)}, enforcement: store.EnforcementAudit},
	}

	first := computeEffective(scoped)
	second := computeEffective(scoped)

	if *first.Rules.MinApprovers != *second.Rules.MinApprovers {
		t.Fatalf("non-idempotent minApprovers: %d vs %d", *first.Rules.MinApprovers, *second.Rules.MinApprovers)
	}
	if first.EnforcementLevel != second.EnforcementLevel {
		t.Fatalf("non-idempotent enforcement level: %s vs %s", first.EnforcementLevel, second.EnforcementLevel)
	}
}

func TestIsStricterGrade(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"A", "F", true},
		{"F", "A", false},
		{"B", "B", false},
		{"A", "A", false},
	}
	for _, c := range cases {
		if got := isStricterGrade(c.a, c.b); got != c.want {
			t.Errorf("isStricterGrade(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestStricterEnforcement(t *testing.T) {
	if !stricterEnforcement(store.EnforcementBlock, store.EnforcementWarn) {
		t.Error("block should be stricter than warn")
	}
	if stricterEnforcement(store.EnforcementAudit, store.EnforcementWarn) {
		t.Error("audit should not be stricter than warn")
	}
}
