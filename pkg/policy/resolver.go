package policy

import (
	"context"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Resolver computes the EffectivePolicy for an artifact. It is pure and
// side-effect free: every call reads Store state and returns a fresh result,
// with no retained state of its own, so resolving twice with no intervening
// writes always produces an equal result.
type Resolver struct {
	store *store.PostgresStore
}

// NewResolver builds a Resolver over the given Store.
func NewResolver(s *store.PostgresStore) *Resolver {
	return &Resolver{store: s}
}

// scopedPolicy is one contributing policy — either the artifact's inline
// policy or a PolicyTemplate reached through a PolicyBinding — tagged with
// the scope it was found at.
type scopedPolicy struct {
	scope       store.PolicyScopeKind
	scopeValue  string
	template    string
	rules       store.PolicyRules
	enforcement store.EnforcementLevel
}

// scopeOrder lists scope levels from most to least specific, per the scope
// specificity ladder: artifact > namespace > team > global.
var scopeOrder = []store.PolicyScopeKind{
	store.ScopeArtifact,
	store.ScopeNamespace,
	store.ScopeTeam,
	store.ScopeGlobal,
}

// Resolve implements the 5-step scope-merge algorithm: gather policies at
// every scope level, merge within a scope by strictest-wins per rule, merge
// across scopes by most-specific-scope-wins per rule, take the strictest
// enforcement level across every contributing source, and default to
// block/empty when nothing contributes.
func (r *Resolver) Resolve(ctx context.Context, artifact store.Artifact) (EffectivePolicy, error) {
	var scoped []scopedPolicy

	if artifact.ApprovalPolicy != nil {
		scoped = append(scoped, scopedPolicy{
			scope:       store.ScopeArtifact,
			scopeValue:  artifact.ID.String(),
			template:    "inline",
			rules:       artifact.ApprovalPolicy.Rules,
			enforcement: artifact.ApprovalPolicy.EnforcementLevel,
		})
	}

	if bound, ok, err := r.store.ListArtifactScopedPolicyBinding(ctx, artifact.ID); err != nil {
		return EffectivePolicy{}, err
	} else if ok {
		scoped = append(scoped, scopedPolicy{
			scope:       store.ScopeArtifact,
			scopeValue:  artifact.ID.String(),
			template:    bound.Template.Name,
			rules:       bound.Template.Rules,
			enforcement: bound.Template.EnforcementLevel,
		})
	}

	applicable, err := r.store.ListApplicablePolicyBindings(ctx, artifact.Namespace, artifact.Team)
	if err != nil {
		return EffectivePolicy{}, err
	}
	for _, a := range applicable {
		scoped = append(scoped, scopedPolicy{
			scope:       a.Binding.ScopeType,
			scopeValue:  a.Binding.ScopeValue,
			template:    a.Template.Name,
			rules:       a.Template.Rules,
			enforcement: a.Template.EnforcementLevel,
		})
	}

	return computeEffective(scoped), nil
}

// computeEffective runs the merge steps of the scope-merge algorithm
// (steps 2-5; step 1's gathering happens in Resolve) over an already
// assembled list of contributing policies. Split out from Resolve so the
// merge logic can be exercised directly without a Store.
func computeEffective(scoped []scopedPolicy) EffectivePolicy {
	if len(scoped) == 0 {
		return EffectivePolicy{
			EnforcementLevel: store.EnforcementBlock,
			Rules:            store.PolicyRules{},
			Sources:          map[string]RuleSource{},
		}
	}

	byLevel := make(map[store.PolicyScopeKind][]scopedPolicy, len(scopeOrder))
	for _, sp := range scoped {
		byLevel[sp.scope] = append(byLevel[sp.scope], sp)
	}

	var merged store.PolicyRules
	sources := map[string]RuleSource{}
	for _, level := range scopeOrder {
		group := byLevel[level]
		if len(group) == 0 {
			continue
		}
		levelRules, levelSources := mergeWithinScope(group)
		mergeAcrossScopes(&merged, sources, levelRules, levelSources)
	}

	strictest := scoped[0].enforcement
	for _, sp := range scoped[1:] {
		if stricterEnforcement(sp.enforcement, strictest) {
			strictest = sp.enforcement
		}
	}

	return EffectivePolicy{EnforcementLevel: strictest, Rules: merged, Sources: sources}
}

// mergeWithinScope combines every policy contributing at one scope level,
// per rule: minApprovers takes the maximum, requiredScanGrade the strictest
// grade, boolean require* flags true-wins, autoApprovePatches false-wins
// (the restrictive direction).
func mergeWithinScope(group []scopedPolicy) (store.PolicyRules, map[string]RuleSource) {
	var merged store.PolicyRules
	sources := map[string]RuleSource{}

	for _, sp := range group {
		src := RuleSource{Scope: sp.scope, ScopeValue: sp.scopeValue, Template: sp.template}
		rules := sp.rules

		if rules.MinApprovers != nil {
			if merged.MinApprovers == nil || *rules.MinApprovers > *merged.MinApprovers {
				merged.MinApprovers = rules.MinApprovers
				sources["minApprovers"] = src
			}
		}
		if rules.RequiredScanGrade != nil {
			if merged.RequiredScanGrade == nil || isStricterGrade(*rules.RequiredScanGrade, *merged.RequiredScanGrade) {
				merged.RequiredScanGrade = rules.RequiredScanGrade
				sources["requiredScanGrade"] = src
			}
		}
		if rules.RequirePassingTests != nil {
			if merged.RequirePassingTests == nil || (*rules.RequirePassingTests && !*merged.RequirePassingTests) {
				merged.RequirePassingTests = rules.RequirePassingTests
				sources["requirePassingTests"] = src
			}
		}
		if rules.RequirePassingValidate != nil {
			if merged.RequirePassingValidate == nil || (*rules.RequirePassingValidate && !*merged.RequirePassingValidate) {
				merged.RequirePassingValidate = rules.RequirePassingValidate
				sources["requirePassingValidate"] = src
			}
		}
		if rules.PreventSelfApproval != nil {
			if merged.PreventSelfApproval == nil || (*rules.PreventSelfApproval && !*merged.PreventSelfApproval) {
				merged.PreventSelfApproval = rules.PreventSelfApproval
				sources["preventSelfApproval"] = src
			}
		}
		if rules.AutoApprovePatches != nil {
			if merged.AutoApprovePatches == nil || (!*rules.AutoApprovePatches && *merged.AutoApprovePatches) {
				merged.AutoApprovePatches = rules.AutoApprovePatches
				sources["autoApprovePatches"] = src
			}
		}
	}

	return merged, sources
}

// mergeAcrossScopes fills any rule in acc that is still unset from level —
// called in most-to-least-specific order, so the first scope to define a
// rule wins it permanently; later, less specific scopes never overwrite it.
func mergeAcrossScopes(acc *store.PolicyRules, accSources map[string]RuleSource, level store.PolicyRules, levelSources map[string]RuleSource) {
	if acc.MinApprovers == nil && level.MinApprovers != nil {
		acc.MinApprovers = level.MinApprovers
		accSources["minApprovers"] = levelSources["minApprovers"]
	}
	if acc.RequiredScanGrade == nil && level.RequiredScanGrade != nil {
		acc.RequiredScanGrade = level.RequiredScanGrade
		accSources["requiredScanGrade"] = levelSources["requiredScanGrade"]
	}
	if acc.RequirePassingTests == nil && level.RequirePassingTests != nil {
		acc.RequirePassingTests = level.RequirePassingTests
		accSources["requirePassingTests"] = levelSources["requirePassingTests"]
	}
	if acc.RequirePassingValidate == nil && level.RequirePassingValidate != nil {
		acc.RequirePassingValidate = level.RequirePassingValidate
		accSources["requirePassingValidate"] = levelSources["requirePassingValidate"]
	}
	if acc.PreventSelfApproval == nil && level.PreventSelfApproval != nil {
		acc.PreventSelfApproval = level.PreventSelfApproval
		accSources["preventSelfApproval"] = levelSources["preventSelfApproval"]
	}
	if acc.AutoApprovePatches == nil && level.AutoApprovePatches != nil {
		acc.AutoApprovePatches = level.AutoApprovePatches
		accSources["autoApprovePatches"] = levelSources["autoApprovePatches"]
	}
}
