package orchestrator

import (
	"context"

	"invoicerun/internal/auditchain"
	"invoicerun/internal/blobstore"
	"invoicerun/internal/config"
	"invoicerun/internal/metrics"
	"invoicerun/internal/repository"
	"invoicerun/internal/review"
	"invoicerun/internal/stageexecutor"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"
	"invoicerun/pkg/errs"
)

// Orchestrator drives a single Run through the six pipeline stages. Its
// ProcessRun method is the routine both the HTTP ingress's background task
// and the polling Worker call — they are equivalent executors of it.
type Orchestrator struct {
	repo      repository.Repository
	executor  *stageexecutor.Executor
	audit     auditchain.Chain
	blobs     *blobstore.Store
	metrics   *metrics.Registry
	clock     clock.Clock
	cfg       *config.Settings
	ocr       stageexecutor.OCRProvider
	extraction stageexecutor.ExtractionProvider
}

// Deps bundles Orchestrator's collaborators.
type Deps struct {
	Repo       repository.Repository
	Executor   *stageexecutor.Executor
	Audit      auditchain.Chain
	Blobs      *blobstore.Store
	Metrics    *metrics.Registry
	Clock      clock.Clock
	Config     *config.Settings
	OCR        stageexecutor.OCRProvider
	Extraction stageexecutor.ExtractionProvider
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		repo: d.Repo, executor: d.Executor, audit: d.Audit, blobs: d.Blobs,
		metrics: d.Metrics, clock: d.Clock, cfg: d.Config, ocr: d.OCR, extraction: d.Extraction,
	}
}

// ProcessRun runs the pipeline for runID. Preconditions (run exists and is
// QUEUED) hold true, any other status is a silent no-op: it is not an error
// for two executors to race to pick up the same run.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID, workerID string) (*Result, error) {
	r, err := o.repo.GetRun(ctx, runID, "")
	if err != nil {
		o.syncQueueDepth(ctx, "")
		return &Result{RunID: runID, NoOp: true}, nil
	}
	if r.Status != run.StatusQueued {
		o.syncQueueDepth(ctx, r.TenantID)
		return &Result{RunID: runID, Status: r.Status, NoOp: true}, nil
	}

	if _, err := o.repo.UpdateRun(ctx, runID, repository.RunUpdate{Status: run.StatusRunning, RouteName: strPtr("ocr_llm_pipeline")}); err != nil {
		return nil, err
	}
	o.syncQueueDepth(ctx, r.TenantID)

	doc, err := o.repo.GetDocument(ctx, r.DocumentID, "")
	if err != nil {
		return o.failRun(ctx, r, string(errs.CodeDocumentNotFound)), nil
	}
	if doc.IngestionState != document.StatusAccepted {
		return o.failRun(ctx, r, string(errs.CodeDocumentQuarantine)), nil
	}

	rc := &runContext{
		reviewDecision: run.DecisionAutoApproved,
		workerID:       workerID,
	}
	if doc.QualityTier != nil {
		rc.qualityTier = string(*doc.QualityTier)
	}
	if doc.QualityScore != nil {
		rc.qualityScore = *doc.QualityScore
	}

	runStarted := o.clock.Now()

	for _, stage := range run.Stages {
		if cancelled, cerr := o.checkCancelled(ctx, runID, stage); cerr != nil {
			return nil, cerr
		} else if cancelled {
			return o.cancelRun(ctx, r), nil
		}
		if o.clock.Now().Sub(runStarted).Seconds() > float64(o.cfg.RunTimeoutSecs) {
			o.metrics.RunTimedOut.Inc()
			return o.failRun(ctx, r, string(errs.CodeRunTimeout)), nil
		}

		fn := o.stageFunc(stage, doc, r.ID, rc)
		outcome := o.executor.Run(ctx, stage, fn)
		o.recordAttempts(ctx, r.ID, stage, workerID, outcome)

		if outcome.Err != nil {
			return o.failRun(ctx, r, string(outcome.Err.Code)), nil
		}
	}

	status := finalStatus(rc)
	update := repository.RunUpdate{
		Status: status, Finished: true,
		ModelName: strPtrIfNotEmpty(rc.extraction.ModelName), RouteName: strPtrIfNotEmpty(rc.extraction.RouteName),
		ReviewDecision: &rc.reviewDecision, ReviewReasonCodes: rc.reasonCodes,
		DecisionLog: rc.decisionLog, Result: map[string]any{"record": rc.extraction.Record}, ValidationIssues: rc.issues,
	}
	if _, err := o.repo.UpdateRun(ctx, r.ID, update); err != nil {
		return nil, err
	}
	o.bumpTerminalMetric(status)

	o.audit.Append(ctx, "run_completed", r.ID, map[string]any{
		"status": status, "model_name": rc.extraction.ModelName, "route_name": rc.extraction.RouteName,
		"issue_count": len(rc.issues), "decision": rc.reviewDecision, "reason_codes": rc.reasonCodes,
		"decision_log_hash": snapshotHash(rc.decisionLog),
	})

	if rc.decisionLog != nil {
		o.blobs.SaveRunArtifact(r.ID, "quality_decision_log.json", toJSONBytes(rc.decisionLog))
	}
	if len(rc.reasonCodes) > 0 {
		o.blobs.SaveRunArtifact(r.ID, "quality_reason_codes.json", toJSONBytes(map[string]any{"reason_codes": rc.reasonCodes}))
	}

	o.syncQueueDepth(ctx, r.TenantID)
	return &Result{RunID: r.ID, Status: status}, nil
}

func (o *Orchestrator) stageFunc(stage run.Stage, doc *document.Document, runID string, rc *runContext) stageexecutor.StageFunc {
	switch stage {
	case run.StagePreprocess:
		return o.stagePreprocess(doc)
	case run.StageOCR:
		return o.stageOCR(runID, doc, rc)
	case run.StageExtract:
		return o.stageExtract(doc, rc)
	case run.StageValidate:
		return o.stageValidate(rc)
	case run.StagePersist:
		return o.stagePersist(runID, rc)
	case run.StageExport:
		return o.stageExport(runID, rc)
	default:
		return func(ctx context.Context, attempt int) (map[string]any, error) {
			return nil, errs.NewStageError(errs.CodeUnexpectedRuntime, "unknown stage "+string(stage), nil)
		}
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, runID string, stage run.Stage) (bool, error) {
	r, err := o.repo.GetRun(ctx, runID, "")
	if err != nil {
		return false, err
	}
	if !r.CancelRequested {
		return false, nil
	}
	_, err = o.repo.UpsertRunStage(ctx, repository.UpsertStage{
		RunID: runID, StageName: stage, Status: run.StageStatusCancelled, Attempt: 1,
		Finished: true, ErrorCode: strPtr(string(errs.CodeRunCancelled)),
	})
	return true, err
}

func (o *Orchestrator) cancelRun(ctx context.Context, r *run.Run) *Result {
	o.repo.UpdateRun(ctx, r.ID, repository.RunUpdate{Status: run.StatusCancelled, Finished: true})
	o.metrics.RunCancelled.Inc()
	o.audit.Append(ctx, "run_cancelled", r.ID, map[string]any{"error_code": errs.CodeRunCancelled})
	o.syncQueueDepth(ctx, r.TenantID)
	return &Result{RunID: r.ID, Status: run.StatusCancelled, ErrorCode: string(errs.CodeRunCancelled)}
}

func (o *Orchestrator) failRun(ctx context.Context, r *run.Run, code string) *Result {
	o.repo.UpdateRun(ctx, r.ID, repository.RunUpdate{Status: run.StatusFailed, ErrorCode: &code, Finished: true})
	o.metrics.RunFailed.Inc()
	o.audit.Append(ctx, "run_failed", r.ID, map[string]any{"error_code": code})
	o.syncQueueDepth(ctx, r.TenantID)
	return &Result{RunID: r.ID, Status: run.StatusFailed, ErrorCode: code}
}

func (o *Orchestrator) recordAttempts(ctx context.Context, runID string, stage run.Stage, workerID string, outcome stageexecutor.Outcome) {
	for _, att := range outcome.Attempts {
		o.repo.UpsertRunStage(ctx, repository.UpsertStage{
			RunID: runID, StageName: stage, Attempt: att.Number, Status: run.StageStatusRunning, Started: true,
			Details: map[string]any{"worker_id": workerID},
		})

		status := run.StageStatusSuccess
		var errorCode *string
		details := map[string]any{"worker_id": workerID, "duration_ms": att.Ended.Sub(att.StartedAt).Milliseconds()}
		if att.Err != nil {
			status = run.StageStatusFailed
			code := string(att.Err.Code)
			errorCode = &code
			details["detail"] = att.Err.Detail
			o.metrics.StageRetried.Inc()
		} else if outcome.Details != nil {
			for k, v := range outcome.Details {
				details[k] = v
			}
		}

		o.repo.UpsertRunStage(ctx, repository.UpsertStage{
			RunID: runID, StageName: stage, Attempt: att.Number, Status: status, Finished: true,
			ErrorCode: errorCode, Details: details,
		})
	}
}

func (o *Orchestrator) bumpTerminalMetric(status run.Status) {
	switch status {
	case run.StatusSuccess:
		o.metrics.RunSucceeded.Inc()
	case run.StatusWarn:
		o.metrics.RunWarn.Inc()
	case run.StatusNeedsReview:
		o.metrics.RunNeedsReview.Inc()
	}
}

func (o *Orchestrator) syncQueueDepth(ctx context.Context, tenantID string) {
	count, err := o.repo.CountRunsByStatus(ctx, tenantID, []run.Status{run.StatusQueued})
	if err != nil {
		return
	}
	o.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(count))
}

func strPtr(s string) *string { return &s }

func strPtrIfNotEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func snapshotHash(decisionLog map[string]any) string {
	snap, ok := decisionLog["inputs_snapshot"]
	if !ok {
		return ""
	}
	if s, ok := snap.(review.Snapshot); ok {
		return s.Hash
	}
	return ""
}
