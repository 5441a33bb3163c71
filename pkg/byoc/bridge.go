package byoc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/pkg/dag"
	"github.com/butlerdotdev/butler-registry/pkg/output"
)

// Bridge implements the BYOC runner protocol: claiming a queued run, issuing
// it a scoped callback token, and accepting the log/plan/output/status
// callbacks the runner sends back while it executes terraform/tofu itself.
type Bridge struct {
	store    *store.PostgresStore
	executor *dag.Executor
	resolver *output.Resolver
}

// NewBridge builds a Bridge over the given Store.
func NewBridge(s *store.PostgresStore) *Bridge {
	return &Bridge{store: s, executor: dag.NewExecutor(s), resolver: output.NewResolver(s)}
}

// ClaimNextRun dequeues the next queued run for a BYOC-mode module, mints a
// fresh brce_ callback token scoped to it, and returns both the run and the
// cleartext token — the only point at which the cleartext is ever visible.
func (b *Bridge) ClaimNextRun(ctx context.Context, moduleID uuid.UUID) (store.ModuleRun, string, error) {
	module, err := b.store.GetModule(ctx, moduleID)
	if err != nil {
		return store.ModuleRun{}, "", err
	}
	if module.ExecutionMode != store.ExecutionModeBYOC {
		return store.ModuleRun{}, "", apierror.Validation("module %s is not in byoc execution mode", moduleID)
	}

	// CreateModuleRun inserts straight into 'queued' when the module is
	// otherwise idle (the common single-run case), so check for that before
	// falling back to promoting a 'pending' run off the wait queue.
	run, found, err := b.store.GetQueuedModuleRun(ctx, moduleID)
	if err != nil {
		return store.ModuleRun{}, "", err
	}
	if !found {
		run, found, err = b.store.DequeueNextModuleRun(ctx, moduleID)
		if err != nil {
			return store.ModuleRun{}, "", err
		}
	}
	if !found {
		return store.ModuleRun{}, "", apierror.NotFound("no queued run for module %s", moduleID)
	}

	token, hash, err := GenerateToken(PrefixCallback)
	if err != nil {
		return store.ModuleRun{}, "", err
	}
	if err := b.store.SetCallbackTokenHash(ctx, run.ID, hash); err != nil {
		return store.ModuleRun{}, "", err
	}
	if err := b.store.MarkModuleRunStarted(ctx, run.ID); err != nil {
		return store.ModuleRun{}, "", err
	}

	run.CallbackTokenHash = hash
	return run, token, nil
}

// Authenticate resolves the run a brce_ callback token is scoped to,
// rejecting it outright if the token's prefix isn't a callback token, if the
// run doesn't exist, or if the token's hash doesn't match the run's stored
// hash (an unissued or forged token). The stored hash is not cleared when the
// run finishes, so a run's token keeps authenticating after completion.
func (b *Bridge) Authenticate(ctx context.Context, runID uuid.UUID, token string) (store.ModuleRun, error) {
	kind, ok := KindOf(token)
	if !ok || kind != reqctx.TokenKindCallback {
		return store.ModuleRun{}, apierror.Unauthorized("missing or malformed callback token")
	}
	run, err := b.store.GetModuleRun(ctx, runID)
	if err != nil {
		return store.ModuleRun{}, err
	}
	if !VerifyToken(token, run.CallbackTokenHash) {
		return store.ModuleRun{}, apierror.Unauthorized("callback token does not match this run")
	}
	return run, nil
}

// AppendLog records one log line from the runner.
func (b *Bridge) AppendLog(ctx context.Context, runID uuid.UUID, sequence int64, stream store.LogStream, content string) error {
	return b.store.AppendRunLog(ctx, store.AppendRunLogParams{
		RunID:    runID,
		Sequence: sequence,
		Stream:   stream,
		Content:  content,
	})
}

// RecordPlan stores a run's plan artifact in whichever of its JSON/text
// forms the runner posted — at least one is required.
func (b *Bridge) RecordPlan(ctx context.Context, runID uuid.UUID, planJSON, planText string) error {
	if planJSON == "" && planText == "" {
		return apierror.Validation("at least one of planJson or planText is required")
	}
	if planJSON != "" {
		if _, err := b.store.UpsertRunOutput(ctx, runID, store.OutputTypePlanJSON, planJSON); err != nil {
			return err
		}
	}
	if planText != "" {
		if _, err := b.store.UpsertRunOutput(ctx, runID, store.OutputTypePlanText, planText); err != nil {
			return err
		}
	}
	return nil
}

// TerraformOutput is one entry of the Terraform-style outputs map a runner
// posts back: `{ key: { value, type?, sensitive? } }`.
type TerraformOutput struct {
	Value     any    `json:"value"`
	Type      string `json:"type,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// RecordOutputs simplifies the runner's Terraform-style outputs map to
// `{ key: value }` for tf_outputs — the form a downstream module's
// upstreamOutputs projection reads back — and separately persists the raw,
// full map (types and sensitivity included) to a debug output row.
func (b *Bridge) RecordOutputs(ctx context.Context, runID uuid.UUID, outputs map[string]TerraformOutput) (store.ModuleRun, error) {
	simplified := make(map[string]any, len(outputs))
	for k, v := range outputs {
		simplified[k] = v.Value
	}
	run, err := b.store.SetTFOutputs(ctx, runID, simplified)
	if err != nil {
		return store.ModuleRun{}, err
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return store.ModuleRun{}, apierror.Internal(err, "marshaling raw outputs")
	}
	if _, err := b.store.UpsertRunOutput(ctx, runID, store.OutputTypeTFOutputs, string(raw)); err != nil {
		return store.ModuleRun{}, err
	}
	return run, nil
}

// ResolveConfig assembles a run's full execution descriptor — source,
// variables, env vars, upstream outputs, state backend, and callback URLs
// — for the GET .../config endpoint.
func (b *Bridge) ResolveConfig(ctx context.Context, run store.ModuleRun) (output.ExecutionConfig, error) {
	return b.resolver.ResolveExecutionConfig(ctx, run)
}

// ReportStatus applies a status callback, and — for a run that is part of an
// environment run — advances the DAG executor the moment the new status is
// terminal or planned, so a downstream module can be released or skipped
// without waiting for a separate poll. `planned` is included alongside the
// terminal statuses because a plan-all environment run's modules never reach
// `succeeded`: `planned` is their visible completion state, and the executor
// must progress past it just as it would past a success.
func (b *Bridge) ReportStatus(ctx context.Context, p store.ApplyCallbackStatusParams) (store.ModuleRun, error) {
	run, err := b.store.ApplyCallbackStatus(ctx, p)
	if err != nil {
		return store.ModuleRun{}, err
	}
	if run.EnvironmentRunID != nil && (isTerminal(run.Status) || run.Status == store.RunStatusPlanned) {
		if err := b.executor.AdvanceOnOutcome(ctx, *run.EnvironmentRunID, run.ModuleID, run.Status); err != nil {
			return store.ModuleRun{}, err
		}
	}
	return run, nil
}

func isTerminal(s store.RunStatus) bool {
	switch s {
	case store.RunStatusSucceeded, store.RunStatusFailed, store.RunStatusCancelled,
		store.RunStatusTimedOut, store.RunStatusDiscarded, store.RunStatusSkipped:
		return true
	default:
		return false
	}
}
