// Package stageexecutor runs a single pipeline stage under a deadline, with
// retry for retryable stages and a circuit breaker around the two stages
// that call out to OCR/extraction providers.
package stageexecutor

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"invoicerun/internal/config"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/run"
	"invoicerun/pkg/errs"
)

// StageFunc is one attempt at a stage's work. It must itself respect ctx's
// deadline and return a *errs.StageError on failure, not a bare error.
type StageFunc func(ctx context.Context, attempt int) (map[string]any, error)

// Attempt is one recorded attempt of a stage, independent of whether it
// ultimately succeeded.
type Attempt struct {
	Number    int
	Err       *errs.StageError
	StartedAt time.Time
	Ended     time.Time
}

// Outcome is everything the orchestrator needs to persist a RunStage row
// and decide what happens next.
type Outcome struct {
	Stage    run.Stage
	Details  map[string]any
	Attempts []Attempt
	Err      *errs.StageError
}

// Executor runs stages with per-stage timeout, retry, and circuit breaking.
type Executor struct {
	cfg      *config.Settings
	clock    clock.Clock
	breakers map[run.Stage]*gobreaker.CircuitBreaker
}

// breakerStages are the stages whose StageFunc calls out to an external
// provider (OCR engine, extraction model) and so warrant a circuit breaker.
var breakerStages = map[run.Stage]bool{
	run.StageOCR:     true,
	run.StageExtract: true,
}

// New builds an Executor. cfg must already be validated.
func New(cfg *config.Settings, c clock.Clock) *Executor {
	e := &Executor{cfg: cfg, clock: c, breakers: map[run.Stage]*gobreaker.CircuitBreaker{}}
	for stage := range breakerStages {
		stage := stage
		e.breakers[stage] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(stage),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return e
}

// Run executes stage via fn, retrying up to cfg.MaxStageAttempts times if
// the stage is retryable and the failure's StageError says so, with a
// cfg.StageTimeoutSecs deadline per attempt. It stops immediately on a
// non-retryable error, on ctx cancellation, or once attempts run out.
func (e *Executor) Run(ctx context.Context, stage run.Stage, fn StageFunc) Outcome {
	out := Outcome{Stage: stage}

	maxAttempts := 1
	if stage.Retryable() {
		maxAttempts = e.cfg.MaxStageAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			se := errs.NewStageError(errs.CodeCancelled, "context cancelled before attempt", ctx.Err())
			out.Attempts = append(out.Attempts, Attempt{Number: attempt, Err: se, StartedAt: e.clock.Now(), Ended: e.clock.Now()})
			out.Err = se
			return out
		}

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.StageTimeoutSecs)*time.Second)
		started := e.clock.Now()
		details, err := e.invoke(attemptCtx, stage, fn, attempt)
		ended := e.clock.Now()
		cancel()

		if err == nil {
			out.Attempts = append(out.Attempts, Attempt{Number: attempt, StartedAt: started, Ended: ended})
			out.Details = details
			return out
		}

		se := asStageErr(attemptCtx, stage, err)
		out.Attempts = append(out.Attempts, Attempt{Number: attempt, Err: se, StartedAt: started, Ended: ended})

		if !se.Retryable || attempt == maxAttempts {
			out.Err = se
			return out
		}

		backoff := time.Duration(float64(attempt)*0.2*float64(time.Second))
		select {
		case <-ctx.Done():
			out.Err = errs.NewStageError(errs.CodeCancelled, "context cancelled during backoff", ctx.Err())
			return out
		case <-time.After(backoff):
		}
	}

	return out
}

func (e *Executor) invoke(ctx context.Context, stage run.Stage, fn StageFunc, attempt int) (map[string]any, error) {
	breaker, wrapped := e.breakers[stage]
	if !wrapped {
		return fn(ctx, attempt)
	}

	result, err := breaker.Execute(func() (any, error) {
		details, err := fn(ctx, attempt)
		if err != nil {
			return nil, err
		}
		return details, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			code := errs.CodeOCREngineError
			if stage == run.StageExtract {
				code = errs.CodeExtractionError
			}
			return nil, errs.NewStageError(code, "circuit breaker open, provider unavailable", err)
		}
		return nil, err
	}
	details, _ := result.(map[string]any)
	return details, nil
}

// asStageErr normalizes err into a *errs.StageError: timeouts become the
// stage-specific <STAGE>_TIMEOUT code, anything else already wrapped as a
// StageError passes through, and everything unrecognized falls back to the
// non-retryable UNEXPECTED_RUNTIME_ERROR.
func asStageErr(ctx context.Context, stage run.Stage, err error) *errs.StageError {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.NewStageError(errs.TimeoutCodeFor(string(stage)), "stage exceeded its timeout", err)
	}
	if se, ok := errs.AsStageError(err); ok {
		return se
	}
	return errs.NewStageError(errs.CodeUnexpectedRuntime, err.Error(), err)
}
