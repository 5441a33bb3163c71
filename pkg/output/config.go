package output

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

// SourceDescriptor is the config endpoint's resolved source location,
// derived in priority order: the module's own VCS trigger, then the
// artifact's source config, then the artifact's storage config.
type SourceDescriptor struct {
	Type             string `json:"type"`
	GitRepo          string `json:"gitRepo,omitempty"`
	GitRef           string `json:"gitRef,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// Callbacks are the relative URLs a runner posts its status, logs, plan,
// and outputs back to.
type Callbacks struct {
	Status  string `json:"status"`
	Logs    string `json:"logs"`
	Plan    string `json:"plan"`
	Outputs string `json:"outputs"`
}

// ExecutionConfig is the complete descriptor a BYOC runner fetches before
// invoking terraform/tofu against a claimed run.
type ExecutionConfig struct {
	Source          SourceDescriptor         `json:"source"`
	Variables       map[string]string        `json:"variables"`
	EnvVars         map[string]string        `json:"envVars"`
	UpstreamOutputs map[string]any           `json:"upstreamOutputs"`
	StateBackend    store.StateBackendConfig `json:"stateBackend"`
	Callbacks       Callbacks                `json:"callbacks"`
}

// ResolveExecutionConfig assembles the full execution descriptor for run,
// the largest single deliverable of the BYOC bridge: source location, the
// three-layer variable merge (redacted for a runner rather than a human),
// provider env vars from the run's bound cloud integration, every upstream
// module's outputs projected across the dependency graph, the state
// backend, and the callback URLs this run reports back to.
func (r *Resolver) ResolveExecutionConfig(ctx context.Context, run store.ModuleRun) (ExecutionConfig, error) {
	module, err := r.store.GetModule(ctx, run.ModuleID)
	if err != nil {
		return ExecutionConfig{}, err
	}
	artifact, err := r.store.GetArtifactByID(ctx, module.ArtifactID)
	if err != nil {
		return ExecutionConfig{}, err
	}

	resolved, err := r.ResolveVariables(ctx, module.EnvironmentID, module.ID)
	if err != nil {
		return ExecutionConfig{}, err
	}
	forExecution := make([]ResolvedVariable, len(resolved))
	for i, v := range resolved {
		forExecution[i] = v.ForExecution()
	}
	variables, categoryEnvVars := Split(forExecution)

	envVars := map[string]string{}
	cred, err := r.ResolvedCredential(ctx, module.EnvironmentID, module.ID)
	if err != nil {
		return ExecutionConfig{}, err
	}
	if cred != nil {
		for k, v := range CloudIntegrationEnvVars(*cred) {
			envVars[k] = v
		}
	}
	for k, v := range categoryEnvVars {
		envVars[k] = v
	}
	for k, v := range variables {
		envVars["TF_VAR_"+k] = v
	}

	upstreamOutputs, err := r.resolveUpstreamOutputs(ctx, module.ID)
	if err != nil {
		return ExecutionConfig{}, err
	}

	stateBackend := run.StateBackendSnapshot
	if stateBackend.Type == "" {
		stateBackend = module.StateBackend
	}

	return ExecutionConfig{
		Source:          resolveSource(module, artifact),
		Variables:       variables,
		EnvVars:         envVars,
		UpstreamOutputs: upstreamOutputs,
		StateBackend:    stateBackend,
		Callbacks:       callbacksFor(run.ID),
	}, nil
}

// resolveUpstreamOutputs walks module's outgoing dependency edges and, for
// each one carrying an output mapping, projects the upstream module's
// latest successful run's tf_outputs onto the named downstream variable. A
// dependency that has never succeeded contributes nothing — there's no
// output to project yet.
func (r *Resolver) resolveUpstreamOutputs(ctx context.Context, moduleID uuid.UUID) (map[string]any, error) {
	deps, err := r.store.ListModuleDependencies(ctx, moduleID)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{}
	for _, dep := range deps {
		if len(dep.OutputMappings) == 0 {
			continue
		}
		upstreamRun, ok, err := r.store.LatestSuccessfulModuleRun(ctx, dep.DependsOnID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, m := range dep.OutputMappings {
			if v, present := upstreamRun.TFOutputs[m.UpstreamOutput]; present {
				outputs[m.DownstreamVariable] = v
			}
		}
	}
	return outputs, nil
}

func resolveSource(module store.EnvironmentModule, artifact store.Artifact) SourceDescriptor {
	if module.VCSTrigger != nil && module.VCSTrigger.Repo != "" {
		return SourceDescriptor{
			Type:             "git",
			GitRepo:          module.VCSTrigger.Repo,
			GitRef:           module.VCSTrigger.Branch,
			WorkingDirectory: module.WorkingDirectory,
		}
	}
	if artifact.SourceConfig != nil && artifact.SourceConfig.GitRepo != "" {
		wd := artifact.SourceConfig.WorkingDirectory
		if wd == "" {
			wd = module.WorkingDirectory
		}
		return SourceDescriptor{
			Type:             "git",
			GitRepo:          artifact.SourceConfig.GitRepo,
			GitRef:           artifact.SourceConfig.GitRef,
			WorkingDirectory: wd,
		}
	}
	if artifact.StorageConfig.Type == store.StorageBackendGit {
		return SourceDescriptor{
			Type:             "git",
			GitRepo:          artifact.StorageConfig.GitRepo,
			GitRef:           artifact.StorageConfig.TagPrefix + module.PinnedVersion,
			WorkingDirectory: module.WorkingDirectory,
		}
	}
	return SourceDescriptor{Type: "none", WorkingDirectory: module.WorkingDirectory}
}

func callbacksFor(runID uuid.UUID) Callbacks {
	base := fmt.Sprintf("/byoc/runs/%s", runID)
	return Callbacks{
		Status:  base + "/status",
		Logs:    base + "/logs",
		Plan:    base + "/plan",
		Outputs: base + "/outputs",
	}
}
