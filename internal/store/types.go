// Package store is the sole owner of persisted state. Every other package
// reaches the database exclusively through PostgresStore's methods; callers
// hold transient references (ids), never raw rows.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactType enumerates the kinds of object the registry distributes.
type ArtifactType string

const (
	ArtifactTypeIaCModule    ArtifactType = "iac-module"
	ArtifactTypeIaCProvider  ArtifactType = "iac-provider"
	ArtifactTypeChart        ArtifactType = "chart"
	ArtifactTypePolicyBundle ArtifactType = "policy-bundle"
)

// ArtifactStatus is the lifecycle state of an Artifact.
type ArtifactStatus string

const (
	ArtifactStatusActive     ArtifactStatus = "active"
	ArtifactStatusDeprecated ArtifactStatus = "deprecated"
	ArtifactStatusArchived   ArtifactStatus = "archived"
)

// StorageBackendKind discriminates the StorageConfig tagged union.
type StorageBackendKind string

const (
	StorageBackendGit StorageBackendKind = "git"
	StorageBackendOCI StorageBackendKind = "oci"
)

// StorageConfig is a tagged union over the artifact's distribution backend.
// Unknown/forward fields are preserved in Raw so a round trip never loses data.
type StorageConfig struct {
	Type      StorageBackendKind `json:"type"`
	GitRepo   string             `json:"gitRepo,omitempty"`
	TagPrefix string             `json:"tagPrefix,omitempty"`
	OCIRef    string             `json:"ociRef,omitempty"`
	Raw       map[string]any     `json:"-"`
}

// ApprovalPolicy is the inline policy payload embeddable on an Artifact.
type ApprovalPolicy struct {
	EnforcementLevel EnforcementLevel `json:"enforcementLevel"`
	Rules            PolicyRules      `json:"rules"`
}

// PolicyRules is the structured rule set evaluated by the policy resolver.
type PolicyRules struct {
	MinApprovers           *int    `json:"minApprovers,omitempty"`
	RequiredScanGrade      *string `json:"requiredScanGrade,omitempty"`
	RequirePassingTests    *bool   `json:"requirePassingTests,omitempty"`
	RequirePassingValidate *bool   `json:"requirePassingValidate,omitempty"`
	PreventSelfApproval    *bool   `json:"preventSelfApproval,omitempty"`
	AutoApprovePatches     *bool   `json:"autoApprovePatches,omitempty"`
}

// EnforcementLevel orders strictness: Block is strictest, Audit is loosest.
type EnforcementLevel string

const (
	EnforcementBlock EnforcementLevel = "block"
	EnforcementWarn  EnforcementLevel = "warn"
	EnforcementAudit EnforcementLevel = "audit"
)

// SourceConfig optionally overrides the VCS source location for a module.
type SourceConfig struct {
	GitRepo          string `json:"gitRepo,omitempty"`
	GitRef           string `json:"gitRef,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// Artifact is a named, versioned object the registry distributes.
type Artifact struct {
	ID             uuid.UUID
	Namespace      string
	Name           string
	Provider       string // empty for non-provider artifacts
	Type           ArtifactType
	Team           string
	StorageConfig  StorageConfig
	ApprovalPolicy *ApprovalPolicy
	SourceConfig   *SourceConfig
	Tags           []string
	Category       string
	Status         ArtifactStatus
	DownloadCount  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalStatus is the lifecycle state of a Version.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// VersionMetadata is a tagged union over per-artifact-type metadata blobs.
type VersionMetadata struct {
	Kind      ArtifactType   `json:"kind"`
	Terraform *TFMetadata    `json:"terraform,omitempty"`
	Helm      *HelmMetadata  `json:"helm,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// TFMetadata holds Terraform/OpenTofu-module-specific version metadata.
type TFMetadata struct {
	Root         string   `json:"root,omitempty"`
	Submodules   []string `json:"submodules,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// HelmMetadata holds Helm-chart-specific version metadata.
type HelmMetadata struct {
	AppVersion string `json:"appVersion,omitempty"`
	Home       string `json:"home,omitempty"`
}

// Version is a child of Artifact, unique on (artifact_id, version).
type Version struct {
	ID             uuid.UUID
	ArtifactID     uuid.UUID
	Version        string
	Major          int
	Minor          int
	Patch          int
	Prerelease     string
	ApprovalStatus ApprovalStatus
	IsLatest       bool
	IsBad          bool
	YankReason     string
	PublishedBy    string
	Metadata       VersionMetadata
	StorageRef     string
	Examples       []string
	Dependencies   []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VersionApproval idempotently records one approver's signature.
type VersionApproval struct {
	ID        uuid.UUID
	VersionID uuid.UUID
	Actor     string
	CreatedAt time.Time
}

// EnvironmentStatus is the lifecycle state of an Environment.
type EnvironmentStatus string

const (
	EnvironmentStatusActive   EnvironmentStatus = "active"
	EnvironmentStatusArchived EnvironmentStatus = "archived"
)

// Environment is a team-scoped container of interdependent modules.
type Environment struct {
	ID             uuid.UUID
	Name           string
	Team           string
	Locked         bool
	LockedBy       string
	LockedAt       *time.Time
	LockReason     string
	Status         EnvironmentStatus
	ModuleCount    int
	TotalResources int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionMode selects how a module's runs are executed.
type ExecutionMode string

const (
	ExecutionModeManaged ExecutionMode = "managed"
	ExecutionModeBYOC    ExecutionMode = "byoc"
)

// VCSTrigger describes what VCS event should auto-trigger a plan.
type VCSTrigger struct {
	Repo   string   `json:"repo,omitempty"`
	Branch string   `json:"branch,omitempty"`
	Paths  []string `json:"paths,omitempty"`
}

// StateBackendConfig is a tagged union over Terraform state backend config.
type StateBackendConfig struct {
	Type string         `json:"type"`
	Raw  map[string]any `json:"raw,omitempty"`
}

// EnvironmentModule is an instance of an Artifact inside an Environment.
type EnvironmentModule struct {
	ID                     uuid.UUID
	EnvironmentID          uuid.UUID
	Name                   string
	ArtifactID             uuid.UUID
	ArtifactNamespace      string // denormalized for resilience
	ArtifactName           string
	PinnedVersion          string
	CurrentVersion         string
	ExecutionMode          ExecutionMode
	TFVersion              string
	WorkingDirectory       string
	StateBackend           StateBackendConfig
	AutoPlanOnModuleUpdate bool
	AutoPlanOnPush         bool
	VCSTrigger             *VCSTrigger
	ResourceCount          int
	LastRunID              *uuid.UUID
	LastRunStatus          string
	LastRunAt              *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// OutputMapping maps one upstream module output to a downstream variable.
type OutputMapping struct {
	UpstreamOutput     string `json:"upstreamOutput"`
	DownstreamVariable string `json:"downstreamVariable"`
}

// ModuleDependency is a directed edge within one environment's module DAG.
type ModuleDependency struct {
	ID             uuid.UUID
	ModuleID       uuid.UUID
	DependsOnID    uuid.UUID
	OutputMappings []OutputMapping
	CreatedAt      time.Time
}

// RunOperation enumerates the IaC operations a ModuleRun can perform.
type RunOperation string

const (
	OperationPlan     RunOperation = "plan"
	OperationApply    RunOperation = "apply"
	OperationDestroy  RunOperation = "destroy"
	OperationValidate RunOperation = "validate"
	OperationTest     RunOperation = "test"
)

// RunStatus is a ModuleRun or EnvironmentRun state machine state.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusPlanned     RunStatus = "planned"
	RunStatusConfirmed   RunStatus = "confirmed"
	RunStatusApplying    RunStatus = "applying"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusTimedOut    RunStatus = "timed_out"
	RunStatusDiscarded   RunStatus = "discarded"
	RunStatusSkipped     RunStatus = "skipped"
	RunStatusPartialFail RunStatus = "partial_failure"
	RunStatusExpired     RunStatus = "expired"
)

// RunPriority distinguishes user-initiated from cascade-triggered runs.
// User-priority runs dequeue ahead of cascade runs and never coalesce.
type RunPriority string

const (
	PriorityUser    RunPriority = "user"
	PriorityCascade RunPriority = "cascade"
)

// activeStatuses are the ModuleRun statuses counted toward the
// at-most-one-active-run-per-module invariant.
var activeStatuses = map[RunStatus]bool{
	RunStatusRunning:  true,
	RunStatusPlanned:  true,
	RunStatusApplying: true,
}

// IsActive reports whether status counts toward a module's single active run.
func (s RunStatus) IsActive() bool { return activeStatuses[s] }

// ModuleRun is the central orchestration state machine.
type ModuleRun struct {
	ID                   uuid.UUID
	ModuleID             uuid.UUID
	EnvironmentID        uuid.UUID
	EnvironmentRunID     *uuid.UUID
	Operation            RunOperation
	Mode                 ExecutionMode
	Status               RunStatus
	Priority             RunPriority
	QueuePosition        *int
	CallbackTokenHash    string
	VariablesSnapshot    map[string]any
	EnvVarsSnapshot      map[string]string
	StateBackendSnapshot StateBackendConfig
	TFOutputs            map[string]any
	ResourcesToAdd       int
	ResourcesToChange    int
	ResourcesToDestroy   int
	ResourceCountAfter   *int
	ConfirmedBy          string
	ConfirmedAt          *time.Time
	SkipReason           string
	QueuedAt             *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	DurationSeconds      *int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EnvironmentRunOperation enumerates environment-wide operations.
type EnvironmentRunOperation string

const (
	EnvOperationPlanAll    EnvironmentRunOperation = "plan-all"
	EnvOperationApplyAll   EnvironmentRunOperation = "apply-all"
	EnvOperationDestroyAll EnvironmentRunOperation = "destroy-all"
)

// EnvironmentRun is the parent of a set of ModuleRuns spawned together.
type EnvironmentRun struct {
	ID              uuid.UUID
	EnvironmentID   uuid.UUID
	Operation       EnvironmentRunOperation
	ExecutionOrder  []uuid.UUID
	Status          RunStatus
	TotalModules    int
	CompletedCount  int
	FailedCount     int
	SkippedCount    int
	PendingCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *int
}

// LogStream distinguishes stdout from stderr in ModuleRunLog rows.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// ModuleRunLog is one append-only line in a run's log stream.
type ModuleRunLog struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Sequence  int64
	Stream    LogStream
	Content   string
	CreatedAt time.Time
}

// OutputType enumerates the kinds of ModuleRunOutput row.
type OutputType string

const (
	OutputTypePlanText  OutputType = "plan_text"
	OutputTypePlanJSON  OutputType = "plan_json"
	OutputTypeTFOutputs OutputType = "tf_outputs"
)

// ModuleRunOutput is an upserted (run_id, output_type) blob.
type ModuleRunOutput struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	OutputType OutputType
	Content    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CredentialConfig is a tagged union over cloud-provider credential shape.
type CredentialConfig struct {
	Provider string         `json:"provider"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// CloudIntegration is a team-scoped, credential-producing record.
type CloudIntegration struct {
	ID         uuid.UUID
	Team       string
	Name       string
	Provider   string
	Credential CredentialConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VariableSet is a team-scoped, variable-producing record.
type VariableSet struct {
	ID        uuid.UUID
	Team      string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VariableCategory determines how a VariableSetEntry is exposed to runs.
type VariableCategory string

const (
	VariableCategoryTerraform VariableCategory = "terraform"
	VariableCategoryEnv       VariableCategory = "env"
)

// VariableSetEntry is one key/value pair within a VariableSet.
type VariableSetEntry struct {
	ID            uuid.UUID
	VariableSetID uuid.UUID
	Key           string
	Value         string
	Sensitive     bool
	CISecretName  string
	Category      VariableCategory
	CreatedAt     time.Time
}

// ModuleVariable is a variable set directly on one module — the highest
// precedence layer in the output resolver's three-layer merge, above
// variable-set bindings. A Sensitive variable carries SecretRef (the
// runner's own secret store reference) rather than Value; Value may be
// empty for a sensitive variable whose secret isn't registry-resolvable.
type ModuleVariable struct {
	ID        uuid.UUID
	ModuleID  uuid.UUID
	Key       string
	Value     string
	Sensitive bool
	SecretRef string
	Category  VariableCategory
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BindingScopeKind identifies what an environment/module binding targets.
type BindingScopeKind string

const (
	BindingTargetEnvironment BindingScopeKind = "environment"
	BindingTargetModule      BindingScopeKind = "module"
)

// CloudIntegrationBinding attaches a CloudIntegration to an environment or module.
type CloudIntegrationBinding struct {
	ID                 uuid.UUID
	CloudIntegrationID uuid.UUID
	TargetKind         BindingScopeKind
	TargetID           uuid.UUID
	Priority           int
	CreatedAt          time.Time
}

// VariableSetBinding attaches a VariableSet to an environment or module.
type VariableSetBinding struct {
	ID            uuid.UUID
	VariableSetID uuid.UUID
	TargetKind    BindingScopeKind
	TargetID      uuid.UUID
	Priority      int
	CreatedAt     time.Time
}

// ScanGrade orders CI security-scan results. A is strictest (best), F is worst.
type ScanGrade string

const (
	ScanGradeA ScanGrade = "A"
	ScanGradeB ScanGrade = "B"
	ScanGradeC ScanGrade = "C"
	ScanGradeD ScanGrade = "D"
	ScanGradeF ScanGrade = "F"
)

// PolicyTemplate is a named, reusable rule set.
type PolicyTemplate struct {
	ID               uuid.UUID
	Name             string
	EnforcementLevel EnforcementLevel
	Rules            PolicyRules
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PolicyScopeKind is the scope specificity ladder: artifact beats namespace
// beats team beats global.
type PolicyScopeKind string

const (
	ScopeArtifact  PolicyScopeKind = "artifact"
	ScopeNamespace PolicyScopeKind = "namespace"
	ScopeTeam      PolicyScopeKind = "team"
	ScopeGlobal    PolicyScopeKind = "global"
)

// PolicyBinding attaches a PolicyTemplate to a scope.
type PolicyBinding struct {
	ID         uuid.UUID
	TemplateID uuid.UUID
	ScopeType  PolicyScopeKind
	ScopeValue string // empty for global
	CreatedAt  time.Time
}

// PolicyDecision is the outcome of one policy evaluation.
type PolicyDecision string

const (
	DecisionAllow PolicyDecision = "allow"
	DecisionWarn  PolicyDecision = "warn"
	DecisionBlock PolicyDecision = "block"
)

// PolicyEvaluation is an append-only decision-log row.
type PolicyEvaluation struct {
	ID               uuid.UUID
	ArtifactID       uuid.UUID
	VersionID        *uuid.UUID
	Action           string // "approve" or "download"
	EnforcementLevel EnforcementLevel
	Decision         PolicyDecision
	FailedRules      []string
	Actor            string
	CreatedAt        time.Time
}

// TokenRole distinguishes the permission level a breg_ registry token grants.
type TokenRole string

const (
	TokenRoleReader TokenRole = "reader"
	TokenRoleWriter TokenRole = "writer"
	TokenRoleAdmin  TokenRole = "admin"
)

// RegistryToken is a breg_-prefixed bearer credential scoped to one team. The
// cleartext token is shown once at creation time; only its SHA-256 hash is
// ever persisted.
type RegistryToken struct {
	ID        uuid.UUID
	TokenHash string
	Team      string
	Role      TokenRole
	CreatedAt time.Time
	RevokedAt *time.Time
}
