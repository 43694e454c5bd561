// Package metrics exposes the run pipeline's Prometheus counters and
// gauges: terminal-status counts, stage retries, quarantine events, and
// queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the counters the orchestrator, admission, and worker
// packages increment. A process constructs one Registry and shares it.
type Registry struct {
	RunCreated           prometheus.Counter
	RunSucceeded         prometheus.Counter
	RunWarn              prometheus.Counter
	RunNeedsReview       prometheus.Counter
	RunFailed            prometheus.Counter
	RunTimedOut          prometheus.Counter
	RunCancelled         prometheus.Counter
	StageRetried         prometheus.Counter
	QuarantineCreated    prometheus.Counter
	QuarantineReprocessed prometheus.Counter
	QueueDepth           *prometheus.GaugeVec
}

// New registers every metric against reg (pass prometheus.NewRegistry() in
// tests to avoid colliding with the default global registry).
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		RunCreated:            f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_created_total", Help: "Runs created via admission."}),
		RunSucceeded:          f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_succeeded_total", Help: "Runs that finished SUCCESS."}),
		RunWarn:               f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_warn_total", Help: "Runs that finished WARN."}),
		RunNeedsReview:        f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_needs_review_total", Help: "Runs that finished NEEDS_REVIEW."}),
		RunFailed:             f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_failed_total", Help: "Runs that finished FAILED."}),
		RunTimedOut:           f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_timed_out_total", Help: "Runs that failed on RUN_TIMEOUT."}),
		RunCancelled:          f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_run_cancelled_total", Help: "Runs that finished CANCELLED."}),
		StageRetried:          f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_stage_retried_total", Help: "Stage attempts that were retried."}),
		QuarantineCreated:     f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_quarantine_created_total", Help: "QuarantineItems created."}),
		QuarantineReprocessed: f.NewCounter(prometheus.CounterOpts{Name: "invoicerun_quarantine_reprocessed_total", Help: "QuarantineItems marked reprocessed."}),
		QueueDepth:            f.NewGaugeVec(prometheus.GaugeOpts{Name: "invoicerun_queue_depth", Help: "QUEUED runs, by tenant."}, []string{"tenant_id"}),
	}
}
