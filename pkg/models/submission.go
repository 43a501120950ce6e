package models

// AuditScope selects which part of the workspace the judge examines.
type AuditScope string

// AuditScope values.
const (
	ScopeDiff      AuditScope = "diff"
	ScopePaths     AuditScope = "paths"
	ScopeWorkspace AuditScope = "workspace"
)

// ConfigOverride carries per-submission tuning extracted from the request
// payload or from an inline gan-config block inside the thought. Pointer
// fields distinguish "unset" from zero values; nil means inherit the
// session default.
type ConfigOverride struct {
	Task              string     `json:"task,omitempty" yaml:"task,omitempty"`
	Threshold         *int       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxCycles         *int       `json:"max_cycles,omitempty" yaml:"maxCycles,omitempty"`
	Scope             AuditScope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Paths             []string   `json:"paths,omitempty" yaml:"paths,omitempty"`
	StagnationSource  string     `json:"stagnation_source,omitempty" yaml:"stagnationSource,omitempty"`
	AuditTimeoutSecs  *int       `json:"audit_timeout_seconds,omitempty" yaml:"auditTimeoutSeconds,omitempty"`
	RepositoryRoot    string     `json:"repository_root,omitempty" yaml:"repositoryRoot,omitempty"`
	JudgeModel        string     `json:"judge_model,omitempty" yaml:"judgeModel,omitempty"`
	CriticalPersistOn *bool      `json:"critical_persist,omitempty" yaml:"criticalPersist,omitempty"`
}

// Submission is one inbound thought to audit. Transient: it exists only for
// the duration of one Submit call.
type Submission struct {
	SessionID     string          `json:"session_id"`
	Thought       string          `json:"thought"`
	ThoughtNumber int             `json:"thought_number"`
	TotalThoughts int             `json:"total_thoughts"`
	BranchID      string          `json:"branch_id,omitempty"`
	LoopID        string          `json:"loop_id,omitempty"`
	Config        *ConfigOverride `json:"config,omitempty"`
}
