package stageexecutor

import (
	"context"
	"testing"
	"time"

	"invoicerun/internal/config"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/run"
	"invoicerun/pkg/errs"
)

func testExecutor() *Executor {
	cfg := config.Defaults()
	cfg.StageTimeoutSecs = 1
	cfg.MaxStageAttempts = 3
	return New(&cfg, clock.NewReal())
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	e := testExecutor()
	calls := 0
	out := e.Run(context.Background(), run.StageExtract, func(ctx context.Context, attempt int) (map[string]any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	})
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(out.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(out.Attempts))
	}
}

func TestRun_RetriesRetryableStage(t *testing.T) {
	e := testExecutor()
	calls := 0
	out := e.Run(context.Background(), run.StageExtract, func(ctx context.Context, attempt int) (map[string]any, error) {
		calls++
		if attempt < 3 {
			return nil, errs.NewStageError(errs.CodeExtractionError, "transient", nil)
		}
		return map[string]any{"ok": true}, nil
	})
	if out.Err != nil {
		t.Fatalf("expected eventual success, got %v", out.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRun_NonRetryableStopsImmediately(t *testing.T) {
	e := testExecutor()
	calls := 0
	out := e.Run(context.Background(), run.StageValidate, func(ctx context.Context, attempt int) (map[string]any, error) {
		calls++
		return nil, errs.NewStageError(errs.CodeValidationCritical, "bad data", nil)
	})
	if out.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (VALIDATE is not retryable)", calls)
	}
}

func TestRun_NonRetryableErrorStopsRetryableStage(t *testing.T) {
	e := testExecutor()
	calls := 0
	out := e.Run(context.Background(), run.StageExtract, func(ctx context.Context, attempt int) (map[string]any, error) {
		calls++
		return nil, errs.NewStageError(errs.CodeMissingFields, "no fields", nil)
	})
	if out.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (MISSING_REQUIRED_FIELDS is not retryable)", calls)
	}
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	e := testExecutor()
	calls := 0
	out := e.Run(context.Background(), run.StageOCR, func(ctx context.Context, attempt int) (map[string]any, error) {
		calls++
		return nil, errs.NewStageError(errs.CodeOCREngineError, "down", nil)
	})
	if out.Err == nil || out.Err.Code != errs.CodeOCREngineError {
		t.Fatalf("expected exhausted OCR_ENGINE_ERROR, got %v", out.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRun_RespectsCancellation(t *testing.T) {
	e := testExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.Run(ctx, run.StageExtract, func(ctx context.Context, attempt int) (map[string]any, error) {
		t.Fatal("stage function should not run after cancellation")
		return nil, nil
	})
	if out.Err == nil || out.Err.Code != errs.CodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", out.Err)
	}
}

func TestRun_StageTimeoutMapsToTimeoutCode(t *testing.T) {
	cfg := config.Defaults()
	cfg.StageTimeoutSecs = 1
	cfg.MaxStageAttempts = 1
	e := New(&cfg, clock.NewReal())

	out := e.Run(context.Background(), run.StagePersist, func(ctx context.Context, attempt int) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
			return map[string]any{}, nil
		}
	})
	if out.Err == nil || out.Err.Code != errs.CodePersistTimeout {
		t.Fatalf("expected PERSIST_TIMEOUT, got %v", out.Err)
	}
}
