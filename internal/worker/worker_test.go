package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"invoicerun/internal/metrics"
	"invoicerun/internal/orchestrator"
	"invoicerun/internal/repository"
	"invoicerun/internal/repository/impl_inmem"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
}

func (f *fakeProcessor) ProcessRun(ctx context.Context, runID, workerID string) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.processed = append(f.processed, runID)
	f.mu.Unlock()
	return &orchestrator.Result{RunID: runID, Status: run.StatusSuccess}, nil
}

func seedQueuedRun(t *testing.T, repo *impl_inmem.Store) string {
	t.Helper()
	doc, err := repo.CreateDocument(context.Background(), repository.NewDocument{
		TenantID: "tenant-a", Filename: "invoice.pdf", ContentType: "application/pdf",
		SizeBytes: 1, StoragePath: "/tmp/x.pdf", Language: document.LanguageEN, IngestionState: document.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	r, err := repo.CreateRun(context.Background(), repository.NewRun{DocumentID: doc.ID, TenantID: "tenant-a", RequestedBy: "user-1"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r.ID
}

func TestDrainOnce_ProcessesQueuedRuns(t *testing.T) {
	c := clock.NewReal()
	repo := impl_inmem.New(c)
	for i := 0; i < 3; i++ {
		seedQueuedRun(t, repo)
	}
	proc := &fakeProcessor{}
	reg := metrics.New(prometheus.NewRegistry())
	w := New(repo, proc, reg, "worker-test", 10, 10*time.Millisecond, 2)

	n, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("drained %d, want 3", n)
	}
	if len(proc.processed) != 3 {
		t.Fatalf("processed %d, want 3", len(proc.processed))
	}
}

func TestDrainOnce_EmptyQueueProcessesNothing(t *testing.T) {
	c := clock.NewReal()
	repo := impl_inmem.New(c)
	proc := &fakeProcessor{}
	reg := metrics.New(prometheus.NewRegistry())
	w := New(repo, proc, reg, "worker-test", 10, 10*time.Millisecond, 2)

	n, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("drained %d, want 0", n)
	}
}

func TestRunForever_StopsOnContextCancel(t *testing.T) {
	c := clock.NewReal()
	repo := impl_inmem.New(c)
	proc := &fakeProcessor{}
	reg := metrics.New(prometheus.NewRegistry())
	w := New(repo, proc, reg, "worker-test", 10, 5*time.Millisecond, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.RunForever(ctx)
	if err == nil {
		t.Fatal("expected RunForever to return the context error")
	}
}
