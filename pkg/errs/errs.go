// Package errs defines the sentinel errors shared across the run pipeline.
// Stage-level failures that need a code and a retryable flag are carried
// as StageError (see stageerror.go), not as plain sentinels here.
package errs

import "errors"

// Ingestion errors — returned by the ingestion contract.
var (
	ErrUnsupportedMIME     = errors.New("ingestion: unsupported mime type")
	ErrFileTooLarge        = errors.New("ingestion: file exceeds max upload size")
	ErrFileCorrupt         = errors.New("ingestion: file too small to be valid")
	ErrDocumentQuarantined = errors.New("ingestion: document is quarantined")
)

// Admission errors — returned when a run cannot be accepted.
var (
	ErrQueueOverloaded  = errors.New("admission: queue is at reject depth")
	ErrRunNotFound      = errors.New("admission: run not found")
	ErrDocumentNotFound = errors.New("admission: document not found")
)

// Stage execution errors.
var (
	ErrRunCancelled   = errors.New("stage: run cancelled")
	ErrRunTimedOut    = errors.New("stage: run exceeded wall-clock timeout")
	ErrStageTimedOut  = errors.New("stage: stage exceeded its timeout")
	ErrStageExhausted = errors.New("stage: retry attempts exhausted")
)

// Audit chain errors.
var (
	ErrAuditChainBroken = errors.New("audit: hash chain integrity violation")
	ErrAuditWriteFailed = errors.New("audit: append failed")
)

// Config errors.
var ErrInvalidConfig = errors.New("config: validation failed")
