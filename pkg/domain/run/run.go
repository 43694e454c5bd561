// Package run defines the Run and RunStage entities: a single pipeline
// execution against a Document and its per-stage attempt history.
package run

import "time"

// Status is the Run state set. The terminal set is closed: no terminal to
// non-terminal transition is ever valid.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusRunning     Status = "RUNNING"
	StatusSuccess     Status = "SUCCESS"
	StatusWarn        Status = "WARN"
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether s forbids further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusWarn, StatusNeedsReview, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stage is one of the six named pipeline steps, in pipeline order.
type Stage string

const (
	StagePreprocess Stage = "PREPROCESS"
	StageOCR        Stage = "OCR"
	StageExtract    Stage = "EXTRACT"
	StageValidate   Stage = "VALIDATE"
	StagePersist    Stage = "PERSIST"
	StageExport     Stage = "EXPORT"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{StagePreprocess, StageOCR, StageExtract, StageValidate, StagePersist, StageExport}

// Retryable reports whether attempts of this stage may be retried on a
// retryable StageError, per the stage contract table.
func (s Stage) Retryable() bool {
	switch s {
	case StageOCR, StageExtract, StagePersist, StageExport:
		return true
	default:
		return false
	}
}

// ReviewDecision is ReviewPolicy's gate verdict.
type ReviewDecision string

const (
	DecisionAutoApproved ReviewDecision = "AUTO_APPROVED"
	DecisionNeedsReview  ReviewDecision = "NEEDS_REVIEW"
)

// ValidationIssue is a single finding from field/total validation.
type ValidationIssue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // "error" | "warning"
	Detail   string `json:"detail"`
}

// Run is a single pipeline execution against a Document.
type Run struct {
	ID                string
	DocumentID        string
	TenantID          string
	ReplayOfRunID     *string
	IdempotencyKey    *string
	Status            Status
	RequestedBy       string
	ModelName         *string
	RouteName         *string
	ErrorCode         *string
	ReviewDecision    *ReviewDecision
	ReviewReasonCodes []string
	DecisionLog       map[string]any
	Result            map[string]any
	ValidationIssues  []ValidationIssue
	CancelRequested   bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

// StageStatus is a RunStage row's own status, independent of Run.Status.
type StageStatus string

const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSuccess   StageStatus = "SUCCESS"
	StageStatusFailed    StageStatus = "FAILED"
	StageStatusCancelled StageStatus = "CANCELLED"
)

// RunStage is one attempt of one stage within a Run. (run_id, stage_name,
// attempt) is unique; attempts are strictly increasing starting at 1.
type RunStage struct {
	ID         int64
	RunID      string
	StageName  Stage
	Status     StageStatus
	Attempt    int
	ErrorCode  *string
	Details    map[string]any
	StartedAt  *time.Time
	FinishedAt *time.Time
}
