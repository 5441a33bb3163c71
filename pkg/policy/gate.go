package policy

import (
	"context"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
)

// Gate evaluates the effective policy at the two points the spec calls out:
// before an approval is recorded, and before a wire-protocol download is
// served. Every evaluation is appended to the PolicyEvaluation audit log.
type Gate struct {
	store    *store.PostgresStore
	resolver *Resolver
}

// NewGate builds a Gate over the given Store and Resolver.
func NewGate(s *store.PostgresStore, r *Resolver) *Gate {
	return &Gate{store: s, resolver: r}
}

// ApprovalContext carries the caller-supplied facts the gate cannot derive
// from Store alone — whether the module's tests/validate runs passed and
// what scan grade CI assigned. Those results live in systems outside this
// subsystem's data model (§3 has no CI-result entity); callers fetch them
// and pass the summary in.
type ApprovalContext struct {
	Approver        string
	PassingTests    bool
	PassingValidate bool
	ScanGrade       string // "" means no scan result is available
}

// GateResult is the outcome of one approval-gate evaluation.
type GateResult struct {
	Decision        store.PolicyDecision
	FailedRules     []string
	ApprovalCount   int
	ApprovalsNeeded int
	// Satisfied is true once every rule passes and minApprovers has been
	// met — the caller should proceed to the transactional ApproveVersion.
	Satisfied bool
}

// ApprovalGate evaluates and records one approval attempt against artifact's
// effective policy. It rejects self-approval outright (KindForbidden, never
// logged as a mere rule failure since it isn't conditional on enforcement
// level), records any other rule violations as a blocked evaluation, and
// otherwise records the approver's signature and reports whether
// minApprovers has now been met.
func (g *Gate) ApprovalGate(ctx context.Context, artifact store.Artifact, version store.Version, actx ApprovalContext) (GateResult, error) {
	eff, err := g.resolver.Resolve(ctx, artifact)
	if err != nil {
		return GateResult{}, err
	}

	preventSelf := true
	if eff.Rules.PreventSelfApproval != nil {
		preventSelf = *eff.Rules.PreventSelfApproval
	}
	if preventSelf && actx.Approver != "" && actx.Approver == version.PublishedBy {
		return GateResult{}, apierror.Forbidden("self-approval is not permitted for this artifact")
	}

	var failed []string
	if eff.Rules.RequirePassingTests != nil && *eff.Rules.RequirePassingTests && !actx.PassingTests {
		failed = append(failed, "requirePassingTests")
	}
	if eff.Rules.RequirePassingValidate != nil && *eff.Rules.RequirePassingValidate && !actx.PassingValidate {
		failed = append(failed, "requirePassingValidate")
	}
	if eff.Rules.RequiredScanGrade != nil {
		required := *eff.Rules.RequiredScanGrade
		if actx.ScanGrade == "" || (actx.ScanGrade != required && !isStricterGrade(actx.ScanGrade, required)) {
			failed = append(failed, "requiredScanGrade")
		}
	}

	if len(failed) > 0 {
		g.record(ctx, artifact.ID, &version.ID, "approve", eff.EnforcementLevel, store.DecisionBlock, failed, actx.Approver)
		return GateResult{Decision: store.DecisionBlock, FailedRules: failed}, nil
	}

	count, err := g.store.RecordApproval(ctx, version.ID, actx.Approver)
	if err != nil {
		return GateResult{}, err
	}

	minApprovers := 1
	if eff.Rules.MinApprovers != nil {
		minApprovers = *eff.Rules.MinApprovers
	}

	result := GateResult{
		Decision:        store.DecisionAllow,
		ApprovalCount:   count,
		ApprovalsNeeded: minApprovers,
		Satisfied:       count >= minApprovers,
	}
	g.record(ctx, artifact.ID, &version.ID, "approve", eff.EnforcementLevel, result.Decision, nil, actx.Approver)
	return result, nil
}

// DownloadGate evaluates whether a version may be served at the wire
// protocol download endpoint. Yanked or non-approved versions are always
// rejected regardless of enforcement level; otherwise block-level
// violations reject, warn-level violations proceed with a warning, and
// audit-level violations proceed silently.
func (g *Gate) DownloadGate(ctx context.Context, artifact store.Artifact, version store.Version) (GateResult, error) {
	if version.IsBad {
		return GateResult{Decision: store.DecisionBlock, FailedRules: []string{"yanked"}}, nil
	}
	if version.ApprovalStatus != store.ApprovalStatusApproved {
		return GateResult{Decision: store.DecisionBlock, FailedRules: []string{"notApproved"}}, nil
	}

	// Approval-time rules (tests, validate, scan grade) are checked once,
	// at approval; an approved version is presumed to satisfy them for the
	// life of the version. Download-time evaluation exists to log the
	// enforcement level that applied and to reject yanked/unapproved
	// versions unconditionally, as checked above.
	eff, err := g.resolver.Resolve(ctx, artifact)
	if err != nil {
		return GateResult{}, err
	}

	g.record(ctx, artifact.ID, &version.ID, "download", eff.EnforcementLevel, store.DecisionAllow, nil, "")
	return GateResult{Decision: store.DecisionAllow}, nil
}

func (g *Gate) record(ctx context.Context, artifactID uuid.UUID, versionID *uuid.UUID, action string, level store.EnforcementLevel, decision store.PolicyDecision, failed []string, actor string) {
	telemetry.PolicyEvaluationsTotal.WithLabelValues(string(level), string(decision)).Inc()
	_, _ = g.store.RecordPolicyEvaluation(ctx, store.PolicyEvaluation{
		ArtifactID:       artifactID,
		VersionID:        versionID,
		Action:           action,
		EnforcementLevel: level,
		Decision:         decision,
		FailedRules:      failed,
		Actor:            actor,
	})
}
