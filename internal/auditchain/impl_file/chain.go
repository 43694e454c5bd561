// Package impl_file is the file-backed implementation of auditchain.Chain:
// one JSON object per line in events.log, linked by SHA256 over a fixed
// five-key canonical projection.
package impl_file

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"invoicerun/internal/auditchain"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/audit"
)

// Chain is the file-backed audit chain. One Chain per events.log; callers
// must not run two Chains against the same path concurrently.
type Chain struct {
	mu         sync.Mutex
	path       string
	clock      clock.Clock
	maskFields map[string]bool
	lastHash   string
	loaded     bool
}

var _ auditchain.Chain = (*Chain)(nil)

// New returns a Chain writing to path, masking any dict key (case folded
// by caller) in maskFields wherever it appears, recursively.
func New(path string, c clock.Clock, maskFields []string) *Chain {
	masked := make(map[string]bool, len(maskFields))
	for _, f := range maskFields {
		masked[f] = true
	}
	return &Chain{path: path, clock: c, maskFields: masked}
}

func (c *Chain) Append(ctx context.Context, eventType, runID string, payload map[string]any) (*audit.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadHeadLocked(); err != nil {
		return nil, err
	}

	masked := maskSensitive(payload, c.maskFields)
	ev := audit.Event{
		TimestampUTC: c.clock.Now().UTC(),
		EventType:    eventType,
		RunID:        runID,
		Payload:      masked,
		PrevHash:     c.lastHash,
	}
	ev.Hash = computeHash(ev)

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, err
	}

	c.lastHash = ev.Hash
	return &ev, nil
}

func (c *Chain) Head(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadHeadLocked(); err != nil {
		return "", err
	}
	return c.lastHash, nil
}

func (c *Chain) loadHeadLocked() error {
	if c.loaded {
		return nil
	}
	c.lastHash = audit.Genesis
	events, err := c.readAllLocked()
	if err != nil {
		return err
	}
	if len(events) > 0 {
		c.lastHash = events[len(events)-1].Hash
	}
	c.loaded = true
	return nil
}

func (c *Chain) readAllLocked() ([]audit.Event, error) {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

func (c *Chain) Verify(ctx context.Context) (*audit.VerificationResult, error) {
	c.mu.Lock()
	events, err := c.readAllLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	prev := audit.Genesis
	for i, ev := range events {
		if ev.PrevHash != prev {
			return &audit.VerificationResult{
				Valid: false, EventsChecked: i + 1, FirstErrorIndex: i, Error: "prev_hash_mismatch",
			}, nil
		}
		recomputed := computeHash(ev)
		if recomputed != ev.Hash {
			return &audit.VerificationResult{
				Valid: false, EventsChecked: i + 1, FirstErrorIndex: i, Error: "hash_mismatch",
			}, nil
		}
		prev = ev.Hash
	}
	return &audit.VerificationResult{Valid: true, EventsChecked: len(events), HeadHash: prev}, nil
}

func (c *Chain) List(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	c.mu.Lock()
	events, err := c.readAllLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []audit.Event
	for _, ev := range events {
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// computeHash hashes the canonical JSON of exactly
// {timestamp_utc, event_type, run_id, payload, prev_hash} — hash itself is
// never part of its own input.
func computeHash(ev audit.Event) string {
	projection := map[string]any{
		"timestamp_utc": ev.TimestampUTC.Format("2006-01-02T15:04:05.000000Z07:00"),
		"event_type":    ev.EventType,
		"run_id":        ev.RunID,
		"payload":       ev.Payload,
		"prev_hash":     ev.PrevHash,
	}
	canonical := canonicalJSON(projection)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v map[string]any) []byte {
	return marshalSorted(v)
}

// marshalSorted serializes v (a JSON-able value tree) with map keys sorted
// lexicographically at every level and no extraneous whitespace, matching
// json.dumps(sort_keys=True, separators=(",", ":")).
func marshalSorted(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, marshalSorted(t[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, marshalSorted(item)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(t)
		return b
	}
}

// maskSensitive redacts any dict key (case-insensitive) found in
// maskFields, recursively into nested maps and slices. A list item inherits
// its parent key for masking purposes; it is not introspected per-item.
func maskSensitive(payload map[string]any, maskFields map[string]bool) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if maskFields[lower(k)] {
			out[k] = "***MASKED***"
			continue
		}
		out[k] = maskValue(v, maskFields)
	}
	return out
}

func maskValue(v any, maskFields map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return maskSensitive(t, maskFields)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = maskValue(item, maskFields)
		}
		return out
	default:
		return v
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
