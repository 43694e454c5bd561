// Package orchestrator runs a Run through its six pipeline stages
// (PREPROCESS, OCR, EXTRACT, VALIDATE, PERSIST, EXPORT), checking
// cancellation and the run deadline at every stage boundary, then maps the
// outcome onto a terminal Run status via ReviewPolicy.
package orchestrator

import (
	"invoicerun/pkg/domain/invoice"
	"invoicerun/pkg/domain/run"
)

// runContext accumulates everything later stages and the terminal
// transition need, mirroring the per-run dict the stage functions thread
// through the pipeline.
type runContext struct {
	ocr         *invoice.OCRResult
	extraction  *invoice.ExtractionResult
	issues      []run.ValidationIssue
	qualityTier string
	qualityScore float64
	reviewDecision run.ReviewDecision
	reasonCodes    []string
	decisionLog    map[string]any
	workerID       string
}

// Result is what ProcessRun returns: the terminal status it reached (or
// would have reached, for the no-op preconditions) and the error code set
// on failure/cancellation, if any.
type Result struct {
	RunID      string
	Status     run.Status
	ErrorCode  string
	NoOp       bool
}
