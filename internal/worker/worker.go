// Package worker polls for QUEUED runs and drives them through the same
// Orchestrator.ProcessRun used by the HTTP ingress's background task path.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"invoicerun/internal/metrics"
	"invoicerun/internal/orchestrator"
	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/run"
)

// Processor is the single-run entry point the worker drives; it is
// satisfied by *orchestrator.Orchestrator.
type Processor interface {
	ProcessRun(ctx context.Context, runID, workerID string) (*orchestrator.Result, error)
}

// Worker polls Repository.ListQueuedRuns and fans each batch out to
// Processor, one goroutine per run, bounded by concurrency.
type Worker struct {
	repo        repository.Repository
	proc        Processor
	metrics     *metrics.Registry
	workerID    string
	batchSize   int
	pollInterval time.Duration
	concurrency int
}

// New builds a Worker. workerID identifies this process in RunStage
// details_json, same as the upstream worker:<hostname> convention.
func New(repo repository.Repository, proc Processor, m *metrics.Registry, workerID string, batchSize int, pollInterval time.Duration, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		repo: repo, proc: proc, metrics: m, workerID: workerID,
		batchSize: batchSize, pollInterval: pollInterval, concurrency: concurrency,
	}
}

// DrainOnce processes up to one batch of QUEUED runs and returns how many
// it picked up, running them concurrently up to w.concurrency at a time.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	queued, err := w.repo.ListQueuedRuns(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	w.syncQueueDepth(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, r := range queued {
		r := r
		g.Go(func() error {
			_, err := w.proc.ProcessRun(gctx, r.ID, w.workerID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return len(queued), err
	}

	w.syncQueueDepth(ctx)
	return len(queued), nil
}

// RunForever polls in a loop, sleeping pollInterval after any cycle that
// drained nothing, until ctx is cancelled.
func (w *Worker) RunForever(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := w.DrainOnce(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.pollInterval):
			}
		}
	}
}

func (w *Worker) syncQueueDepth(ctx context.Context) {
	count, err := w.repo.CountRunsByStatus(ctx, "", []run.Status{run.StatusQueued})
	if err != nil {
		return
	}
	w.metrics.QueueDepth.WithLabelValues("").Set(float64(count))
}
