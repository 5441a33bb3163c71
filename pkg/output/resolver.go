// Package output resolves the variables and credentials a module run
// executes with: a three-layer merge (environment-bound variable sets, then
// module-bound variable sets, then the module's own direct variables), the
// cloud integration bound via internal/store/bindings.go, with sensitive values
// masked before anything is handed back for display or logging.
package output

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Resolver computes the effective variable/credential set for a target.
type Resolver struct {
	store *store.PostgresStore
}

// NewResolver builds a Resolver over the given Store.
func NewResolver(s *store.PostgresStore) *Resolver {
	return &Resolver{store: s}
}

// ResolveVariables returns the effective variable set for a module, merging
// three layers in ascending precedence: every variable set bound to its
// environment, every variable set bound to the module directly (within each
// layer, higher-priority bindings override lower-priority ones), and
// finally the module's own direct variables — the highest-precedence layer,
// since a module-local override always wins over anything inherited from a
// bound variable set.
func (r *Resolver) ResolveVariables(ctx context.Context, environmentID, moduleID uuid.UUID) ([]ResolvedVariable, error) {
	envLayer, err := r.layerEntries(ctx, store.BindingTargetEnvironment, environmentID)
	if err != nil {
		return nil, err
	}
	moduleLayer, err := r.layerEntries(ctx, store.BindingTargetModule, moduleID)
	if err != nil {
		return nil, err
	}
	direct, err := r.store.ListModuleVariables(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	directLayer := make([]mergeable, len(direct))
	for i, v := range direct {
		directLayer[i] = mergeable{Key: v.Key, Value: v.Value, Sensitive: v.Sensitive, SecretRef: v.SecretRef, Category: v.Category}
	}

	merged := mergeVariableEntries(toMergeable(envLayer), toMergeable(moduleLayer), directLayer)

	resolved := make([]ResolvedVariable, 0, len(merged))
	for _, e := range merged {
		resolved = append(resolved, ResolvedVariable{
			Key:          e.Key,
			Value:        e.Value,
			Sensitive:    e.Sensitive,
			CISecretName: e.CISecretName,
			SecretRef:    e.SecretRef,
			Category:     e.Category,
		})
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Key < resolved[j].Key })
	return resolved, nil
}

// mergeable is the common shape mergeVariableEntries operates over, letting
// VariableSetEntry (ci_secret_name) and ModuleVariable (secret_ref) layers
// merge through one code path.
type mergeable struct {
	Key          string
	Value        string
	Sensitive    bool
	CISecretName string
	SecretRef    string
	Category     store.VariableCategory
}

func toMergeable(entries []store.VariableSetEntry) []mergeable {
	out := make([]mergeable, len(entries))
	for i, e := range entries {
		out[i] = mergeable{Key: e.Key, Value: e.Value, Sensitive: e.Sensitive, CISecretName: e.CISecretName, Category: e.Category}
	}
	return out
}

// layerEntries returns every entry from every variable set bound to target,
// in ascending-priority order (lowest priority first) so a later entry with
// the same key in mergeVariableEntries correctly overrides an earlier one.
func (r *Resolver) layerEntries(ctx context.Context, targetKind store.BindingScopeKind, targetID uuid.UUID) ([]store.VariableSetEntry, error) {
	bindings, err := r.store.ListVariableSetBindingsForTarget(ctx, targetKind, targetID)
	if err != nil {
		return nil, err
	}
	// ListVariableSetBindingsForTarget orders priority DESC; reverse so the
	// lowest-priority binding's entries are applied (and overridden) first.
	for i, j := 0, len(bindings)-1; i < j; i, j = i+1, j-1 {
		bindings[i], bindings[j] = bindings[j], bindings[i]
	}

	var entries []store.VariableSetEntry
	for _, b := range bindings {
		set, err := r.store.ListVariableSetEntries(ctx, b.VariableSetID)
		if err != nil {
			return nil, fmt.Errorf("listing entries for variable set %s: %w", b.VariableSetID, err)
		}
		entries = append(entries, set...)
	}
	return entries, nil
}

// mergeVariableEntries applies each layer's entries in order, a later
// layer's entries overriding an earlier layer's entry of the same key. Kept
// separate from any Store access so it can be unit tested directly.
func mergeVariableEntries(layers ...[]mergeable) map[string]mergeable {
	merged := map[string]mergeable{}
	for _, layer := range layers {
		for _, e := range layer {
			merged[e.Key] = e
		}
	}
	return merged
}

// ResolvedCredential returns the effective cloud integration for a target —
// the module's highest-priority bound integration if it has one, else the
// environment's highest-priority bound integration, else nil. Unlike
// variables, credentials aren't merged key-by-key: a module binding
// entirely replaces the environment's, since a run authenticates against
// exactly one cloud provider configuration.
func (r *Resolver) ResolvedCredential(ctx context.Context, environmentID, moduleID uuid.UUID) (*store.CloudIntegration, error) {
	moduleBindings, err := r.store.ListCloudIntegrationBindingsForTarget(ctx, store.BindingTargetModule, moduleID)
	if err != nil {
		return nil, err
	}
	if len(moduleBindings) > 0 {
		c, err := r.store.GetCloudIntegration(ctx, moduleBindings[0].CloudIntegrationID)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}

	envBindings, err := r.store.ListCloudIntegrationBindingsForTarget(ctx, store.BindingTargetEnvironment, environmentID)
	if err != nil {
		return nil, err
	}
	if len(envBindings) == 0 {
		return nil, nil
	}
	c, err := r.store.GetCloudIntegration(ctx, envBindings[0].CloudIntegrationID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Split partitions resolved variables into terraform input variables and
// process environment variables, by their VariableCategory.
func Split(resolved []ResolvedVariable) (terraformVars, envVars map[string]string) {
	terraformVars = map[string]string{}
	envVars = map[string]string{}
	for _, v := range resolved {
		switch v.Category {
		case store.VariableCategoryEnv:
			envVars[v.Key] = v.Value
		default:
			terraformVars[v.Key] = v.Value
		}
	}
	return terraformVars, envVars
}

// ResolvedVariable is one variable after the three-layer merge. CISecretName
// is set when the value came from a variable-set entry delegated to the CI
// system's own secret store; SecretRef is set when it came from a module's
// direct variable carrying a runner-resolvable secret reference instead of a
// stored value. At most one of the two is ever set.
type ResolvedVariable struct {
	Key          string
	Value        string
	Sensitive    bool
	CISecretName string
	SecretRef    string
	Category     store.VariableCategory
}

// Masked returns a copy of v with its Value redacted for display/logging: a
// CI-delegated secret shows its reference (the registry never holds the
// real value), a merely Sensitive value shows a fixed placeholder.
func (v ResolvedVariable) Masked() ResolvedVariable {
	masked := v
	switch {
	case v.CISecretName != "":
		masked.Value = fmt.Sprintf("${secret_ref:%s}", v.CISecretName)
	case v.SecretRef != "":
		masked.Value = fmt.Sprintf("${secret_ref:%s}", v.SecretRef)
	case v.Sensitive:
		masked.Value = "(sensitive)"
	}
	return masked
}

// ForExecution returns a copy of v suitable for handing to a runner rather
// than a human: a CI-delegated secret's reference (the runner fetches the
// real value itself), an empty string for a merely Sensitive value with no
// delegated secret (so the runner knows to source it some other way), or
// the real value when v isn't sensitive at all.
func (v ResolvedVariable) ForExecution() ResolvedVariable {
	redacted := v
	switch {
	case v.CISecretName != "":
		redacted.Value = fmt.Sprintf("${secret_ref:%s}", v.CISecretName)
	case v.SecretRef != "":
		redacted.Value = fmt.Sprintf("${secret_ref:%s}", v.SecretRef)
	case v.Sensitive:
		redacted.Value = ""
	}
	return redacted
}

// MaskSensitive returns a copy of resolved with every sensitive or
// CI-delegated value redacted — the shape returned to a UI or logged by the
// run pipeline, never the shape handed to the actual terraform/tofu process.
func MaskSensitive(resolved []ResolvedVariable) []ResolvedVariable {
	masked := make([]ResolvedVariable, len(resolved))
	for i, v := range resolved {
		masked[i] = v.Masked()
	}
	return masked
}
