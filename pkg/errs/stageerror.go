package errs

import (
	gfe "github.com/go-faster/errors"
)

// StageCode is the fixed error-code taxonomy a pipeline stage can fail with.
type StageCode string

const (
	CodeOCRLowConfidence   StageCode = "OCR_LOW_CONFIDENCE"
	CodeOCREngineError     StageCode = "OCR_ENGINE_ERROR"
	CodeExtractionError    StageCode = "EXTRACTION_ERROR"
	CodeMissingFields      StageCode = "MISSING_REQUIRED_FIELDS"
	CodeTotalMismatch      StageCode = "TOTAL_MISMATCH"
	CodeLowExtractionConf  StageCode = "LOW_EXTRACTION_CONFIDENCE"
	CodeLowOCRConf         StageCode = "LOW_OCR_CONFIDENCE"
	CodeValidationCritical StageCode = "CRITICAL_VALIDATION_ISSUES"
	CodePersistError       StageCode = "PERSIST_ERROR"
	CodeExportError        StageCode = "EXPORT_ERROR"
	CodeModelOOM           StageCode = "MODEL_OOM"
	CodeStorageUnavailable StageCode = "STORAGE_UNAVAILABLE"
	CodeUnexpectedRuntime  StageCode = "UNEXPECTED_RUNTIME_ERROR"

	// Per-stage timeouts: the StageExecutor raises the one matching the
	// stage whose deadline expired.
	CodePreprocessTimeout StageCode = "PREPROCESS_TIMEOUT"
	CodeOCRTimeout        StageCode = "OCR_TIMEOUT"
	CodeExtractTimeout    StageCode = "EXTRACT_TIMEOUT"
	CodeValidateTimeout   StageCode = "VALIDATE_TIMEOUT"
	CodePersistTimeout    StageCode = "PERSIST_TIMEOUT"
	CodeExportTimeout     StageCode = "EXPORT_TIMEOUT"

	CodeRunTimeout         StageCode = "RUN_TIMEOUT"
	CodeRunCancelled       StageCode = "RUN_CANCELLED"
	CodeCancelled          StageCode = "CANCELLED"
	CodeDocumentNotFound   StageCode = "DOCUMENT_NOT_FOUND"
	CodeDocumentQuarantine StageCode = "DOCUMENT_QUARANTINED"
)

// Retryable reports whether a stage failing with this code should be
// retried, independent of the stage's own single-attempt/multi-attempt
// classification (run.Stage.Retryable applies that second constraint).
// Programming/contract/precondition errors are never retryable.
func (c StageCode) Retryable() bool {
	switch c {
	case CodeOCRLowConfidence, CodeOCREngineError, CodeExtractionError, CodePersistError, CodeExportError,
		CodeModelOOM, CodeStorageUnavailable,
		CodeOCRTimeout, CodeExtractTimeout, CodePersistTimeout, CodeExportTimeout:
		return true
	default:
		return false
	}
}

// TimeoutCodeFor returns the stage-specific timeout code for stage.
func TimeoutCodeFor(stageName string) StageCode {
	switch stageName {
	case "PREPROCESS":
		return CodePreprocessTimeout
	case "OCR":
		return CodeOCRTimeout
	case "EXTRACT":
		return CodeExtractTimeout
	case "VALIDATE":
		return CodeValidateTimeout
	case "PERSIST":
		return CodePersistTimeout
	case "EXPORT":
		return CodeExportTimeout
	default:
		return CodeUnexpectedRuntime
	}
}

// StageError is the typed triple a pipeline stage returns on failure: a
// taxonomy code, whether the executor should retry it, and free-form detail
// for the audit log and RunStage.details_json.
type StageError struct {
	Code      StageCode
	Retryable bool
	Detail    string
	cause     error
}

func (e *StageError) Error() string {
	return string(e.Code) + ": " + e.Detail
}

func (e *StageError) Unwrap() error { return e.cause }

// NewStageError builds a StageError, wrapping cause with a stack via
// go-faster/errors so stage failures carry diagnostics beyond the bare code.
func NewStageError(code StageCode, detail string, cause error) *StageError {
	wrapped := cause
	if wrapped != nil {
		wrapped = gfe.Wrap(cause, detail)
	}
	return &StageError{
		Code:      code,
		Retryable: code.Retryable(),
		Detail:    detail,
		cause:     wrapped,
	}
}

// AsStageError extracts a *StageError from err, if any wraps one.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if gfe.As(err, &se) {
		return se, true
	}
	return nil, false
}
