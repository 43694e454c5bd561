// Package auditchain implements AuditChain: an append-only, hash-chained,
// field-masking event log, file-backed at audit/events.log.
//
// CRITICAL: the audit log is evidence, never an operational input — the
// orchestrator must not branch on anything read back from it.
package auditchain

import (
	"context"

	"invoicerun/pkg/domain/audit"
)

// Chain appends events and verifies the chain's integrity.
type Chain interface {
	// Append masks sensitive fields in payload, links it to the current
	// head, computes its hash, and writes it durably before returning.
	Append(ctx context.Context, eventType, runID string, payload map[string]any) (*audit.Event, error)

	// Verify replays the full log from GENESIS, recomputing every hash.
	Verify(ctx context.Context) (*audit.VerificationResult, error)

	// List returns events matching filter, most recent first is not
	// guaranteed — order is append order.
	List(ctx context.Context, filter audit.Filter) ([]audit.Event, error)

	// Head returns the current chain head hash ("GENESIS" if empty).
	Head(ctx context.Context) (string, error)
}
