package types

import "time"

// ExecutionStatus represents the current state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued      ExecutionStatus = "queued"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusNeedsReview ExecutionStatus = "needs_review"
	ExecutionStatusPaused      ExecutionStatus = "paused"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusCanceled    ExecutionStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	}
	return false
}

// StepStatus represents the current state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ExecError carries the human-readable and technical halves of a terminal
// error. The two are never conflated.
type ExecError struct {
	Human string `json:"human"`
	Tech  string `json:"tech,omitempty"`
	Code  string `json:"code,omitempty"`
}

// PipelineExecution is one run of a pipeline definition against one trigger
// payload. Mutated exclusively by the orchestrator; immutable once terminal.
type PipelineExecution struct {
	ID            string          `json:"id"`
	DefinitionID  string          `json:"definition_id"`
	Status        ExecutionStatus `json:"status"`
	CurrentNodeID string          `json:"current_node_id,omitempty"`
	TriggerData   map[string]interface{} `json:"trigger_data,omitempty"`
	Progress      int             `json:"progress"` // 0-100, monotonic while running
	LastError     *ExecError      `json:"last_error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// ReviewIssues holds the preflight findings that forced needs_review.
	ReviewIssues []PreflightIssue `json:"review_issues,omitempty"`

	// StopAfterPhase bounds a partial run. When set, the engine halts at the
	// phase boundary without side effects past it and marks PartialPhase.
	StopAfterPhase Phase `json:"stop_after_phase,omitempty"`
	PartialPhase   Phase `json:"partial_phase,omitempty"`

	// PhaseTimings records wall time spent per phase, informational only.
	PhaseTimings map[Phase]time.Duration `json:"phase_timings,omitempty"`

	// CancelRequested is consulted cooperatively at node boundaries and at
	// signal-resume time.
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PreflightSeverity tags a preflight issue as blocking or advisory.
type PreflightSeverity string

const (
	SeverityBlocking PreflightSeverity = "blocking"
	SeverityWarning  PreflightSeverity = "warning"
)

// PreflightIssue is one finding from the validation gate.
type PreflightIssue struct {
	Domain            string            `json:"domain"`
	Severity          PreflightSeverity `json:"severity"`
	NodeID            string            `json:"node_id,omitempty"`
	Field             string            `json:"field,omitempty"`
	Message           string            `json:"message"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
}

// StepRecord tracks one (execution, node) attempt history. At most one record
// per pair ever reaches succeeded; this is the idempotency anchor. Records are
// updated in place on retry and never deleted.
type StepRecord struct {
	ExecutionID    string                 `json:"execution_id"`
	NodeID         string                 `json:"node_id"`
	Status         StepStatus             `json:"status"`
	Attempts       int                    `json:"attempts"`
	InputSnapshot  map[string]interface{} `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]interface{} `json:"output_snapshot,omitempty"`

	// OutputRef points at an offloaded snapshot in the artifact store when
	// the output exceeded the inline size threshold.
	OutputRef string `json:"output_ref,omitempty"`

	ErrorHuman string     `json:"error_human,omitempty"`
	ErrorTech  string     `json:"error_tech,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PauseKind distinguishes what kind of external event a pause awaits.
type PauseKind string

const (
	PauseKindApproval  PauseKind = "approval"
	PauseKindSignature PauseKind = "signature"
)

// PauseRequest is a durable suspension awaiting an external decision or
// timeout. It is resolved exactly once, by a matching signal or by expiry.
type PauseRequest struct {
	ExecutionID    string                 `json:"execution_id"`
	NodeID         string                 `json:"node_id"`
	Kind           PauseKind              `json:"kind"`
	ExpectedSignal string                 `json:"expected_signal"`
	ExpiresAt      time.Time              `json:"expires_at"`
	AutoResolve    bool                   `json:"auto_resolve,omitempty"`
	Resolved       bool                   `json:"resolved"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	Resolution     map[string]interface{} `json:"resolution,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
