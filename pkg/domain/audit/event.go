// Package audit defines the AuditEvent entity and the hash-chain projection
// used to compute it. The projection, not the full persisted line, is what
// the hash is computed over — see internal/auditchain for the mechanics.
package audit

import "time"

// Event is one line of audit/events.log. Hash is computed over the other
// five fields in their canonical JSON form; Hash itself is excluded.
type Event struct {
	TimestampUTC time.Time      `json:"timestamp_utc"`
	EventType    string         `json:"event_type"`
	RunID        string         `json:"run_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
}

// Filter narrows a List query over the audit log.
type Filter struct {
	RunID     string
	EventType string
	Limit     int
}

// VerificationResult is the outcome of replaying and re-hashing the chain.
type VerificationResult struct {
	Valid           bool
	EventsChecked   int
	HeadHash        string
	FirstErrorIndex int
	Error           string // "prev_hash_mismatch" | "hash_mismatch"
}

// Genesis is the prev_hash value for the first event in a chain.
const Genesis = "GENESIS"
