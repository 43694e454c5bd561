package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"invoicerun/internal/auditchain/impl_file"
	"invoicerun/internal/blobstore"
	"invoicerun/internal/config"
	"invoicerun/internal/metrics"
	"invoicerun/internal/repository"
	"invoicerun/internal/repository/impl_inmem"
	"invoicerun/internal/stageexecutor"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"

	"github.com/prometheus/client_golang/prometheus"
)

func testSettings() *config.Settings {
	s := config.Defaults()
	s.MaxStageAttempts = 2
	s.StageTimeoutSecs = 5
	s.RunTimeoutSecs = 60
	return &s
}

type harness struct {
	orch  *Orchestrator
	repo  *impl_inmem.Store
	blobs *blobstore.Store
	clk   clock.Clock
}

func newHarness(t *testing.T, cfg *config.Settings, c clock.Clock) *harness {
	t.Helper()
	dir := t.TempDir()

	repo := impl_inmem.New(c)
	chain := impl_file.New(dir+"/events.log", c, cfg.AuditMaskFields)
	blobs := blobstore.New(dir, c)
	reg := metrics.New(prometheus.NewRegistry())
	executor := stageexecutor.New(cfg, c)

	ocr := stageexecutor.NewOCRChain(stageexecutor.PlainTextOCRProvider{}, stageexecutor.DeterministicOCRProvider{})
	orch := New(Deps{
		Repo: repo, Executor: executor, Audit: chain, Blobs: blobs, Metrics: reg,
		Clock: c, Config: cfg, OCR: ocr, Extraction: stageexecutor.HeuristicExtractionProvider{},
	})
	return &harness{orch: orch, repo: repo, blobs: blobs, clk: c}
}

func mustCreateDocument(t *testing.T, repo *impl_inmem.Store, state document.IngestionStatus) *document.Document {
	t.Helper()
	doc, err := repo.CreateDocument(context.Background(), repository.NewDocument{
		TenantID: "tenant-a", Filename: "invoice.txt", ContentType: "text/plain",
		SizeBytes: 64, StoragePath: t.TempDir() + "/invoice.txt",
		Language: document.LanguageEN, IngestionState: state,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return doc
}

func mustWriteDocumentFile(t *testing.T, doc *document.Document, text string) {
	t.Helper()
	if err := os.WriteFile(doc.StoragePath, []byte(text), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
}

func mustCreateRun(t *testing.T, repo *impl_inmem.Store, documentID string) *run.Run {
	t.Helper()
	r, err := repo.CreateRun(context.Background(), repository.NewRun{
		DocumentID: documentID, TenantID: "tenant-a", RequestedBy: "user-1",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

func TestProcessRun_SuccessPath(t *testing.T) {
	cfg := testSettings()
	c := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newHarness(t, cfg, c)

	doc := mustCreateDocument(t, h.repo, document.StatusAccepted)
	mustWriteDocumentFile(t, doc, "Acme Corp\nInvoice Number: INV-1\nDate: 2026-01-15\nSubtotal: 100.00\nTax: 8.00\nTotal: 108.00")
	r := mustCreateRun(t, h.repo, doc.ID)

	result, err := h.orch.ProcessRun(context.Background(), r.ID, "worker-1")
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	if result.NoOp {
		t.Fatalf("expected a real run, got no-op")
	}
	if result.Status != run.StatusSuccess && result.Status != run.StatusWarn {
		t.Fatalf("status = %v, want SUCCESS or WARN", result.Status)
	}

	stored, err := h.repo.GetRun(context.Background(), r.ID, "tenant-a")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != result.Status {
		t.Fatalf("stored status = %v, want %v", stored.Status, result.Status)
	}
	if stored.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}

	stages, err := h.repo.ListRunStages(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("ListRunStages: %v", err)
	}
	if len(stages) == 0 {
		t.Fatal("expected stage rows to be recorded")
	}
}

func TestProcessRun_DocumentQuarantinedFailsRun(t *testing.T) {
	cfg := testSettings()
	c := clock.NewFixed(time.Now())
	h := newHarness(t, cfg, c)

	doc := mustCreateDocument(t, h.repo, document.StatusQuarantined)
	r := mustCreateRun(t, h.repo, doc.ID)

	result, err := h.orch.ProcessRun(context.Background(), r.ID, "worker-1")
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	if result.Status != run.StatusFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}
	if result.ErrorCode != "DOCUMENT_QUARANTINED" {
		t.Fatalf("error code = %v, want DOCUMENT_QUARANTINED", result.ErrorCode)
	}
}

func TestProcessRun_NonQueuedRunIsNoOp(t *testing.T) {
	cfg := testSettings()
	c := clock.NewFixed(time.Now())
	h := newHarness(t, cfg, c)

	doc := mustCreateDocument(t, h.repo, document.StatusAccepted)
	mustWriteDocumentFile(t, doc, "Acme Corp\nTotal: 50.00")
	r := mustCreateRun(t, h.repo, doc.ID)

	if _, err := h.repo.UpdateRun(context.Background(), r.ID, repository.RunUpdate{Status: run.StatusRunning}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	result, err := h.orch.ProcessRun(context.Background(), r.ID, "worker-1")
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	if !result.NoOp {
		t.Fatal("expected a no-op for a non-QUEUED run")
	}
}

func TestProcessRun_CancelRequestedStopsAtNextBoundary(t *testing.T) {
	cfg := testSettings()
	c := clock.NewFixed(time.Now())
	h := newHarness(t, cfg, c)

	doc := mustCreateDocument(t, h.repo, document.StatusAccepted)
	mustWriteDocumentFile(t, doc, "Acme Corp\nTotal: 50.00")
	r := mustCreateRun(t, h.repo, doc.ID)

	if err := h.repo.SetRunCancelRequested(context.Background(), r.ID); err != nil {
		t.Fatalf("SetRunCancelRequested: %v", err)
	}

	result, err := h.orch.ProcessRun(context.Background(), r.ID, "worker-1")
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	if result.Status != run.StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED", result.Status)
	}
}

func TestProcessRun_RunTimeoutFailsRun(t *testing.T) {
	cfg := testSettings()
	cfg.RunTimeoutSecs = 60

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	elapsed := time.Duration(0)
	c := clock.NewFunc(func() time.Time {
		now := start.Add(elapsed)
		elapsed += 30 * time.Second
		return now
	})
	h := newHarness(t, cfg, c)

	doc := mustCreateDocument(t, h.repo, document.StatusAccepted)
	mustWriteDocumentFile(t, doc, "Acme Corp\nTotal: 50.00")
	r := mustCreateRun(t, h.repo, doc.ID)

	result, err := h.orch.ProcessRun(context.Background(), r.ID, "worker-1")
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	if result.Status != run.StatusFailed || result.ErrorCode != "RUN_TIMEOUT" {
		t.Fatalf("got status=%v code=%v, want FAILED/RUN_TIMEOUT", result.Status, result.ErrorCode)
	}
}
