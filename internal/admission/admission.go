// Package admission implements the ingress-side policy around creating and
// cancelling Runs: idempotency dedup, queue-depth backpressure/rejection,
// replay, and immediate-vs-flagged cancellation. It is deliberately
// transport-agnostic — cmd/invoicerund's HTTP handlers are thin wrappers
// around this package.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"invoicerun/internal/auditchain"
	"invoicerun/internal/config"
	"invoicerun/internal/metrics"
	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"
)

// ErrDocumentNotFound and friends are the sentinel outcomes CreateRun can
// return; callers map them onto transport-specific status codes.
var (
	ErrDocumentNotFound   = errors.New("admission: document not found")
	ErrDocumentQuarantined = errors.New("admission: document quarantined")
	ErrQueueOverloaded    = errors.New("admission: queue overloaded")
	ErrRunNotFound        = errors.New("admission: run not found")
	ErrRunNotExportable   = errors.New("admission: run not finalized for export")
)

// Dispatcher hands a freshly admitted run off for execution. In
// background/hybrid execution mode this is a goroutine wrapping
// Orchestrator.ProcessRun; in worker-only mode it's a no-op, since the
// polling Worker will pick the QUEUED row up on its own.
type Dispatcher func(runID, requestedBy string)

// Admission wires the admission policy to its collaborators.
type Admission struct {
	repo    repository.Repository
	audit   auditchain.Chain
	metrics *metrics.Registry
	cfg     *config.Settings
	dispatch Dispatcher

	// idempotencyLocks is an optional distributed lock guarding the
	// read-then-create idempotency-key race between concurrent requests
	// for the same key; nil disables it (the DB lookup alone still holds
	// for the common case, just not under a tight race).
	idempotencyLocks *redis.Client
}

func New(repo repository.Repository, audit auditchain.Chain, m *metrics.Registry, cfg *config.Settings, dispatch Dispatcher, locks *redis.Client) *Admission {
	return &Admission{repo: repo, audit: audit, metrics: m, cfg: cfg, dispatch: dispatch, idempotencyLocks: locks}
}

// CreateRunInput bundles a run-creation request.
type CreateRunInput struct {
	DocumentID     string
	TenantID       string
	RequestedBy    string
	IdempotencyKey string
}

// CreateRunOutcome is what CreateRun returns on success.
type CreateRunOutcome struct {
	Run           *run.Run
	Deduplicated  bool
	Backpressured bool
}

// CreateRun admits a new Run against documentID, honoring idempotency and
// queue-depth backpressure, per the run-admission contract.
func (a *Admission) CreateRun(ctx context.Context, in CreateRunInput) (*CreateRunOutcome, error) {
	doc, err := a.repo.GetDocument(ctx, in.DocumentID, in.TenantID)
	if err != nil {
		return nil, ErrDocumentNotFound
	}
	if doc.IngestionState != document.StatusAccepted {
		return nil, ErrDocumentQuarantined
	}
	if q, _ := a.repo.GetLatestOpenQuarantineForDocument(ctx, in.DocumentID, in.TenantID); q != nil {
		return nil, ErrDocumentQuarantined
	}

	if in.IdempotencyKey != "" {
		unlock := a.lockIdempotencyKey(ctx, in.TenantID, in.IdempotencyKey)
		defer unlock()

		if existing, err := a.repo.GetRunByIdempotencyKey(ctx, in.TenantID, in.IdempotencyKey); err == nil && existing != nil {
			a.syncQueueDepth(ctx, in.TenantID)
			return &CreateRunOutcome{Run: existing, Deduplicated: true}, nil
		}
	}

	queuedDepth, err := a.repo.CountRunsByStatus(ctx, in.TenantID, []run.Status{run.StatusQueued})
	if err != nil {
		return nil, err
	}
	if queuedDepth >= a.cfg.QueueRejectDepth {
		return nil, ErrQueueOverloaded
	}

	var idemKey *string
	if in.IdempotencyKey != "" {
		idemKey = &in.IdempotencyKey
	}
	r, err := a.repo.CreateRun(ctx, repository.NewRun{
		DocumentID: in.DocumentID, TenantID: in.TenantID, RequestedBy: in.RequestedBy, IdempotencyKey: idemKey,
	})
	if err != nil {
		return nil, err
	}

	a.audit.Append(ctx, "run_created", r.ID, map[string]any{
		"tenant_id": in.TenantID, "document_id": in.DocumentID,
		"requested_by": in.RequestedBy, "idempotency_key": in.IdempotencyKey,
	})
	a.metrics.RunCreated.Inc()
	a.syncQueueDepth(ctx, in.TenantID)

	if a.cfg.ExecutionMode == "background" || a.cfg.ExecutionMode == "hybrid" {
		a.dispatch(r.ID, in.RequestedBy)
	}

	return &CreateRunOutcome{Run: r, Backpressured: queuedDepth >= a.cfg.QueueWarnDepth}, nil
}

// Replay creates a fresh Run against the same document as an earlier one,
// bypassing idempotency (a replay is an explicit re-request) but still
// subject to queue-depth rejection.
func (a *Admission) Replay(ctx context.Context, runID, tenantID, requestedBy string) (*CreateRunOutcome, error) {
	old, err := a.repo.GetRun(ctx, runID, tenantID)
	if err != nil {
		return nil, ErrRunNotFound
	}

	queuedDepth, err := a.repo.CountRunsByStatus(ctx, tenantID, []run.Status{run.StatusQueued})
	if err != nil {
		return nil, err
	}
	if queuedDepth >= a.cfg.QueueRejectDepth {
		return nil, ErrQueueOverloaded
	}

	r, err := a.repo.CreateRun(ctx, repository.NewRun{
		DocumentID: old.DocumentID, TenantID: old.TenantID, RequestedBy: requestedBy, ReplayOfRunID: &old.ID,
	})
	if err != nil {
		return nil, err
	}

	a.audit.Append(ctx, "run_replayed", r.ID, map[string]any{
		"replay_of_run_id": old.ID, "requested_by": requestedBy, "tenant_id": old.TenantID,
	})
	a.metrics.RunCreated.Inc()
	a.syncQueueDepth(ctx, tenantID)

	if a.cfg.ExecutionMode == "background" || a.cfg.ExecutionMode == "hybrid" {
		a.dispatch(r.ID, requestedBy)
	}

	return &CreateRunOutcome{Run: r, Backpressured: queuedDepth >= a.cfg.QueueWarnDepth}, nil
}

// Cancel requests cancellation of runID: a QUEUED run is cancelled
// immediately (it was never dispatched), anything else is flagged for the
// Orchestrator to observe at its next stage boundary.
func (a *Admission) Cancel(ctx context.Context, runID, tenantID string) (*run.Run, error) {
	r, err := a.repo.GetRun(ctx, runID, tenantID)
	if err != nil {
		return nil, ErrRunNotFound
	}

	if r.Status == run.StatusQueued {
		updated, err := a.repo.UpdateRun(ctx, runID, repository.RunUpdate{Status: run.StatusCancelled, Finished: true})
		if err != nil {
			return nil, err
		}
		a.metrics.RunCancelled.Inc()
		a.audit.Append(ctx, "run_cancelled", runID, map[string]any{"cancelled_before_start": true, "tenant_id": r.TenantID})
		a.syncQueueDepth(ctx, r.TenantID)
		return updated, nil
	}

	if err := a.repo.SetRunCancelRequested(ctx, runID); err != nil {
		return nil, err
	}
	a.audit.Append(ctx, "run_cancel_requested", runID, map[string]any{"status": r.Status, "tenant_id": r.TenantID})
	return r, nil
}

// exportableStatuses is the set of terminal statuses Export will serve.
var exportableStatuses = map[run.Status]bool{run.StatusSuccess: true, run.StatusWarn: true, run.StatusNeedsReview: true}

// Export returns runID's result payload if it has reached a terminal,
// finished status eligible for export.
func (a *Admission) Export(ctx context.Context, runID, tenantID, requestedBy string, actorRoles []string) (*run.Run, error) {
	r, err := a.repo.GetRun(ctx, runID, tenantID)
	if err != nil {
		return nil, ErrRunNotFound
	}
	if !exportableStatuses[r.Status] {
		return nil, ErrRunNotExportable
	}
	a.audit.Append(ctx, "run_exported", runID, map[string]any{
		"tenant_id": r.TenantID, "requested_by": requestedBy, "actor_roles": actorRoles, "status": r.Status,
	})
	return r, nil
}

func (a *Admission) syncQueueDepth(ctx context.Context, tenantID string) {
	count, err := a.repo.CountRunsByStatus(ctx, tenantID, []run.Status{run.StatusQueued})
	if err != nil {
		return
	}
	a.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(count))
}

// lockIdempotencyKey takes a short-lived distributed lock on (tenantID,
// key) so two concurrent requests bearing the same Idempotency-Key can't
// both observe "no existing run" and double-create. Returns a no-op
// unlock func when no redis client is configured or the lock can't be
// acquired in time — idempotency then degrades to best-effort, same as
// skipping this step entirely.
func (a *Admission) lockIdempotencyKey(ctx context.Context, tenantID, key string) (unlock func()) {
	if a.idempotencyLocks == nil {
		return func() {}
	}
	lockKey := "invoicerun:idem:" + tenantID + ":" + key
	ok, err := a.idempotencyLocks.SetNX(ctx, lockKey, "1", 5*time.Second).Result()
	if err != nil || !ok {
		return func() {}
	}
	return func() { a.idempotencyLocks.Del(ctx, lockKey) }
}
