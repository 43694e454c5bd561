// Package repository defines Repository: tenant-scoped persistence for
// Document, Run, RunStage, and QuarantineItem. Two implementations are
// provided: impl_inmem (tests, local dev) and impl_postgres (pgx/sqlx).
package repository

import (
	"context"

	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/quarantine"
	"invoicerun/pkg/domain/run"
)

// NewDocument is the input to CreateDocument.
type NewDocument struct {
	TenantID       string
	Filename       string
	ContentType    string
	SizeBytes      int64
	StoragePath    string
	Language       document.Language
	IngestionState document.IngestionStatus
	QualityTier    *document.QualityTier
	QualityScore   *float64
}

// DocumentUpdate is a sparse patch; nil fields are left unchanged.
type DocumentUpdate struct {
	StoragePath    *string
	IngestionState *document.IngestionStatus
	QualityTier    *document.QualityTier
	QualityScore   *float64
}

// NewRun is the input to CreateRun.
type NewRun struct {
	DocumentID     string
	TenantID       string
	RequestedBy    string
	IdempotencyKey *string
	ReplayOfRunID  *string
}

// RunUpdate is a sparse patch applied to a terminal or in-flight Run.
type RunUpdate struct {
	Status            run.Status
	ErrorCode         *string
	ModelName         *string
	RouteName         *string
	ReviewDecision    *run.ReviewDecision
	ReviewReasonCodes []string
	DecisionLog       map[string]any
	Result            map[string]any
	ValidationIssues  []run.ValidationIssue
	Finished          bool
}

// UpsertStage is the input to UpsertRunStage: (run_id, stage_name, attempt)
// identifies the row; a second call with the same triple updates it in
// place rather than inserting a duplicate.
type UpsertStage struct {
	RunID     string
	StageName run.Stage
	Status    run.StageStatus
	Attempt   int
	ErrorCode *string
	Details   map[string]any
	Started   bool
	Finished  bool
}

// NewQuarantineItem is the input to CreateQuarantineItem.
type NewQuarantineItem struct {
	DocumentID  string
	TenantID    string
	Stage       quarantine.ContractStage
	Status      quarantine.Status
	ReasonCodes []string
	StoragePath string
	Details     map[string]any
}

// QuarantineFilter narrows ListQuarantineItems.
type QuarantineFilter struct {
	Status     quarantine.Status
	ReasonCode string
	Limit      int
}

// QuarantineReprocess is the input to MarkQuarantineReprocessed.
type QuarantineReprocess struct {
	Status      quarantine.Status
	ReasonCodes []string
	Details     map[string]any
	Resolved    bool
}

// Repository is tenant-scoped storage for the four persisted entities. A
// zero tenantID argument means "no tenant filter" and is reserved for
// worker/admin code paths that operate across tenants.
type Repository interface {
	CreateDocument(ctx context.Context, in NewDocument) (*document.Document, error)
	GetDocument(ctx context.Context, id, tenantID string) (*document.Document, error)
	UpdateDocument(ctx context.Context, id string, patch DocumentUpdate) (*document.Document, error)

	CreateRun(ctx context.Context, in NewRun) (*run.Run, error)
	GetRun(ctx context.Context, id, tenantID string) (*run.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*run.Run, error)
	UpdateRun(ctx context.Context, id string, patch RunUpdate) (*run.Run, error)
	SetRunCancelRequested(ctx context.Context, id string) error
	CountRunsByStatus(ctx context.Context, tenantID string, statuses []run.Status) (int, error)
	ListQueuedRuns(ctx context.Context, limit int) ([]*run.Run, error)

	UpsertRunStage(ctx context.Context, in UpsertStage) (*run.RunStage, error)
	ListRunStages(ctx context.Context, runID string) ([]*run.RunStage, error)

	CreateQuarantineItem(ctx context.Context, in NewQuarantineItem) (*quarantine.QuarantineItem, error)
	GetQuarantineItem(ctx context.Context, id, tenantID string) (*quarantine.QuarantineItem, error)
	ListQuarantineItems(ctx context.Context, tenantID string, filter QuarantineFilter) ([]*quarantine.QuarantineItem, error)
	GetLatestOpenQuarantineForDocument(ctx context.Context, documentID, tenantID string) (*quarantine.QuarantineItem, error)
	MarkQuarantineReprocessed(ctx context.Context, id string, patch QuarantineReprocess) (*quarantine.QuarantineItem, error)
}

// ErrNotFound is returned by Get*/Update* when the row doesn't exist (or
// isn't visible to the given tenant).
var ErrNotFound = repositoryNotFoundError{}

type repositoryNotFoundError struct{}

func (repositoryNotFoundError) Error() string { return "repository: not found" }
