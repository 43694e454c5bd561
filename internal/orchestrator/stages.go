package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"invoicerun/internal/review"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"
	"invoicerun/pkg/errs"
)

func toJSONBytes(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func (o *Orchestrator) stagePreprocess(doc *document.Document) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		size := doc.SizeBytes
		if info, err := os.Stat(doc.StoragePath); err == nil {
			size = info.Size()
		}
		payload := fmt.Sprintf("preprocess_ok|filename=%s|bytes=%d", doc.Filename, size)
		if _, err := o.blobs.SaveRunArtifact(doc.ID, "preprocess.txt", []byte(payload)); err != nil {
			return nil, errs.NewStageError(errs.CodeStorageUnavailable, err.Error(), err)
		}
		return map[string]any{"filename": doc.Filename, "size_bytes": size}, nil
	}
}

func (o *Orchestrator) stageOCR(runID string, doc *document.Document, rc *runContext) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		res, err := o.ocr.Run(ctx, doc.StoragePath, doc.Filename)
		if err != nil {
			return nil, errs.NewStageError(errs.CodeOCREngineError, err.Error(), err)
		}
		if res == nil {
			return nil, errs.NewStageError(errs.CodeOCREngineError, "no OCR provider accepted the document", nil)
		}
		rc.ocr = res
		if _, err := o.blobs.SaveRunArtifact(runID, "ocr_text.txt", []byte(res.Text)); err != nil {
			return nil, errs.NewStageError(errs.CodeStorageUnavailable, err.Error(), err)
		}
		if _, err := o.blobs.SaveRunArtifact(runID, "ocr_meta.json", toJSONBytes(res)); err != nil {
			return nil, errs.NewStageError(errs.CodeStorageUnavailable, err.Error(), err)
		}
		return map[string]any{"provider": res.Provider, "confidence": round2(res.Confidence)}, nil
	}
}

func (o *Orchestrator) stageExtract(doc *document.Document, rc *runContext) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		if rc.ocr == nil {
			return nil, errs.NewStageError(errs.CodeExtractionError, "OCR stage did not produce text", nil)
		}
		res, err := o.extraction.Extract(ctx, rc.ocr.Text, doc.Filename, string(doc.Language), rc.ocr.Confidence)
		if err != nil {
			return nil, errs.NewStageError(errs.CodeModelOOM, err.Error(), err)
		}
		rc.extraction = res
		return map[string]any{
			"provider": res.Provider, "model_name": res.ModelName, "route_name": res.RouteName,
			"confidence": round2(res.Confidence),
		}, nil
	}
}

func (o *Orchestrator) stageValidate(rc *runContext) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		if rc.ocr == nil || rc.extraction == nil {
			return nil, errs.NewStageError(errs.CodeValidationCritical, "validation ran without OCR/extraction inputs", nil)
		}

		issues := validateResult(o.cfg, rc.extraction.Record, rc.extraction.Confidence, rc.ocr.Confidence)
		decision := review.Evaluate(o.cfg, review.Inputs{
			Record:         rc.extraction.Record,
			Issues:         issues,
			ExtractionConf: rc.extraction.Confidence,
			OCRConf:        rc.ocr.Confidence,
			QualityTier:    rc.qualityTier,
			QualityScore:   rc.qualityScore,
		})

		rc.issues = issues
		rc.reviewDecision = decision.Decision
		rc.reasonCodes = decision.ReasonCodes
		rc.decisionLog = map[string]any{
			"decision":        decision.Decision,
			"reason_codes":    decision.ReasonCodes,
			"gate_results":    decision.GateResults,
			"thresholds":      decision.Thresholds,
			"inputs_snapshot": decision.InputsSnapshot,
			"versions":        decision.Versions,
		}

		return map[string]any{
			"issue_count":          len(issues),
			"review_decision":      decision.Decision,
			"quality_reason_codes": decision.ReasonCodes,
		}, nil
	}
}

func (o *Orchestrator) stagePersist(runID string, rc *runContext) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		if rc.ocr == nil || rc.extraction == nil {
			return nil, errs.NewStageError(errs.CodePersistError, "persist ran without OCR/extraction inputs", nil)
		}
		payload := map[string]any{
			"result":                rc.extraction.Record,
			"validation_issues":     rc.issues,
			"model_name":            rc.extraction.ModelName,
			"route_name":            rc.extraction.RouteName,
			"ocr_provider":          rc.ocr.Provider,
			"ocr_confidence":        round2(rc.ocr.Confidence),
			"extraction_provider":   rc.extraction.Provider,
			"extraction_confidence": round2(rc.extraction.Confidence),
			"review_decision":       rc.reviewDecision,
			"quality_reason_codes":  rc.reasonCodes,
			"decision_log":          rc.decisionLog,
		}
		if _, err := o.blobs.SaveRunOutput(runID, "result.json", toJSONBytes(payload)); err != nil {
			return nil, errs.NewStageError(errs.CodeStorageUnavailable, err.Error(), err)
		}
		return map[string]any{"output": "result.json"}, nil
	}
}

func (o *Orchestrator) stageExport(runID string, rc *runContext) func(ctx context.Context, attempt int) (map[string]any, error) {
	return func(ctx context.Context, attempt int) (map[string]any, error) {
		summary := map[string]any{
			"run_id":               runID,
			"review_decision":      rc.reviewDecision,
			"quality_reason_codes": rc.reasonCodes,
			"exported_at_unix":     o.clock.Now().Unix(),
		}
		if _, err := o.blobs.SaveRunArtifact(runID, "export_summary.json", toJSONBytes(summary)); err != nil {
			return nil, errs.NewStageError(errs.CodeStorageUnavailable, err.Error(), err)
		}
		return map[string]any{"export_artifact": "export_summary.json"}, nil
	}
}

// finalStatus maps the accumulated review decision and issues onto the
// Run's terminal status, per review.StatusFromDecision.
func finalStatus(rc *runContext) run.Status {
	d := review.Decision{Decision: rc.reviewDecision, ReasonCodes: rc.reasonCodes}
	return review.StatusFromDecision(d, rc.issues)
}
