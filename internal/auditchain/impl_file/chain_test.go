package impl_file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/audit"
)

func newTestChain(t *testing.T) (*Chain, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	c := New(path, clock.NewFixed(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)), []string{"ssn", "token"})
	return c, path
}

func TestAppend_FirstEventLinksToGenesis(t *testing.T) {
	c, _ := newTestChain(t)
	ctx := context.Background()

	ev, err := c.Append(ctx, "RUN_CREATED", "run-1", map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if ev.PrevHash != "GENESIS" {
		t.Errorf("PrevHash = %q, want GENESIS", ev.PrevHash)
	}
	if ev.Hash == "" {
		t.Error("Hash should not be empty")
	}
}

func TestAppend_ChainsSequentialHashes(t *testing.T) {
	c, _ := newTestChain(t)
	ctx := context.Background()

	a, _ := c.Append(ctx, "A", "run-1", map[string]any{"i": 1.0})
	b, _ := c.Append(ctx, "B", "run-1", map[string]any{"i": 2.0})

	if b.PrevHash != a.Hash {
		t.Errorf("b.PrevHash = %q, want %q", b.PrevHash, a.Hash)
	}
}

func TestAppend_Deterministic(t *testing.T) {
	c1, _ := newTestChain(t)
	c2, _ := newTestChain(t)
	ctx := context.Background()

	ev1, _ := c1.Append(ctx, "RUN_CREATED", "run-1", map[string]any{"a": 1.0, "b": "x"})
	ev2, _ := c2.Append(ctx, "RUN_CREATED", "run-1", map[string]any{"a": 1.0, "b": "x"})

	if ev1.Hash != ev2.Hash {
		t.Errorf("identical inputs produced different hashes: %s vs %s", ev1.Hash, ev2.Hash)
	}
}

func TestAppend_MasksSensitiveFields(t *testing.T) {
	c, path := newTestChain(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "A", "run-1", map[string]any{"token": "secret-value", "name": "ok"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if containsBytes(raw, "secret-value") {
		t.Error("masked field leaked into the log file")
	}
	if !containsBytes(raw, "***MASKED***") {
		t.Error("expected mask marker in log file")
	}
}

func TestVerify_ValidChainPasses(t *testing.T) {
	c, _ := newTestChain(t)
	ctx := context.Background()

	c.Append(ctx, "A", "run-1", map[string]any{"i": 1.0})
	c.Append(ctx, "B", "run-1", map[string]any{"i": 2.0})
	c.Append(ctx, "C", "run-1", map[string]any{"i": 3.0})

	result, err := c.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got error %q at index %d", result.Error, result.FirstErrorIndex)
	}
	if result.EventsChecked != 3 {
		t.Errorf("EventsChecked = %d, want 3", result.EventsChecked)
	}
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	c, path := newTestChain(t)
	ctx := context.Background()

	c.Append(ctx, "A", "run-1", map[string]any{"i": 1.0})
	c.Append(ctx, "B", "run-1", map[string]any{"i": 2.0})
	c.Append(ctx, "C", "run-1", map[string]any{"i": 3.0})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	tampered := replaceOnce(raw, `"i":2`, `"i":9`)
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	fresh := New(path, clock.NewFixed(time.Now()), nil)
	result, err := fresh.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to fail verification")
	}
	if result.FirstErrorIndex != 1 {
		t.Errorf("FirstErrorIndex = %d, want 1", result.FirstErrorIndex)
	}
	if result.Error != "hash_mismatch" {
		t.Errorf("Error = %q, want hash_mismatch", result.Error)
	}
}

func TestHead_EmptyChainReturnsGenesis(t *testing.T) {
	c, _ := newTestChain(t)
	head, err := c.Head(context.Background())
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != "GENESIS" {
		t.Errorf("Head = %q, want GENESIS", head)
	}
}

func TestList_FiltersByRunID(t *testing.T) {
	c, _ := newTestChain(t)
	ctx := context.Background()
	c.Append(ctx, "A", "run-1", map[string]any{})
	c.Append(ctx, "B", "run-2", map[string]any{})
	c.Append(ctx, "C", "run-1", map[string]any{})

	events, err := c.List(ctx, audit.Filter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func containsBytes(haystack []byte, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, []byte(needle)) >= 0
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func replaceOnce(src []byte, old, new string) []byte {
	idx := indexOf(src, []byte(old))
	if idx < 0 {
		return src
	}
	out := make([]byte, 0, len(src))
	out = append(out, src[:idx]...)
	out = append(out, []byte(new)...)
	out = append(out, src[idx+len(old):]...)
	return out
}
