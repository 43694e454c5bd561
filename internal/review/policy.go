// Package review implements ReviewPolicy: a deterministic five-gate
// evaluator over an extraction result. Every gate always evaluates — there
// is no early exit across gates, only within a gate's own branching — and
// reason codes accumulate, deduplicated in first-insertion order.
package review

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"invoicerun/internal/config"
	"invoicerun/pkg/domain/invoice"
	"invoicerun/pkg/domain/run"
)

// Decision is the policy's overall verdict.
type Decision struct {
	Decision     run.ReviewDecision
	ReasonCodes  []string
	GateResults  map[string]bool
	Thresholds   map[string]float64
	InputsSnapshot Snapshot
	Versions     map[string]string
}

// Snapshot is the canonical-JSON SHA256 hash over a fixed projection of the
// inputs, so identical inputs always produce an identical hash.
type Snapshot struct {
	Hash   string         `json:"hash"`
	Fields map[string]any `json:"fields"`
}

// Inputs is everything the policy evaluates over.
type Inputs struct {
	Record             invoice.V1
	Issues             []run.ValidationIssue
	ExtractionConf     float64
	OCRConf            float64
	QualityTier        string
	QualityScore       float64
}

// versionsOf collects the opaque config version strings carried into the
// decision log.
func versionsOf(cfg *config.Settings) map[string]string {
	return map[string]string{
		"prompt_version":   cfg.PromptVersion,
		"template_version": cfg.TemplateVersion,
		"routing_version":  cfg.RoutingVersion,
		"policy_version":   cfg.PolicyVersion,
		"model_version":    cfg.ModelVersion,
	}
}

// Evaluate runs all five gates and returns the accumulated decision.
func Evaluate(cfg *config.Settings, in Inputs) Decision {
	var codes []string
	gates := map[string]bool{}

	g1 := gate1RequiredFields(in.Record)
	codes = append(codes, g1...)
	gates["required_fields"] = len(g1) == 0

	g2 := gate2CriticalFields(in.Record, in.Issues)
	codes = append(codes, g2...)
	gates["critical_fields"] = len(g2) == 0

	g3 := gate3Evidence(cfg, in.Record)
	codes = append(codes, g3...)
	gates["evidence"] = len(g3) == 0

	g4 := gate4Consistency(cfg, in.Record, in.Issues)
	codes = append(codes, g4...)
	gates["consistency"] = len(g4) == 0

	g5 := gate5QualityEscalation(cfg, in)
	codes = append(codes, g5...)
	gates["quality_escalation"] = len(g5) == 0

	codes = dedupeInOrder(codes)

	decision := run.DecisionAutoApproved
	if len(codes) > 0 {
		decision = run.DecisionNeedsReview
	}

	return Decision{
		Decision:    decision,
		ReasonCodes: codes,
		GateResults: gates,
		Thresholds: map[string]float64{
			"low_confidence_threshold":            cfg.LowConfidenceThreshold,
			"low_ocr_confidence_threshold":        cfg.LowOCRConfidenceThreshold,
			"required_field_coverage_threshold":   cfg.RequiredFieldCoverageThreshold,
			"evidence_coverage_threshold":          cfg.EvidenceCoverageThreshold,
			"calibration_uncertainty_threshold":   cfg.CalibrationUncertaintyThreshold,
			"calibration_risk_threshold":           cfg.CalibrationRiskThreshold,
		},
		InputsSnapshot: makeSnapshot(in),
		Versions:       versionsOf(cfg),
	}
}

// StatusFromDecision maps a Decision plus its validation issues onto the
// Run's terminal status, applied by the Orchestrator after VALIDATE.
func StatusFromDecision(d Decision, issues []run.ValidationIssue) run.Status {
	if d.Decision == run.DecisionNeedsReview {
		return run.StatusNeedsReview
	}
	for _, iss := range issues {
		if iss.Severity == "warning" {
			return run.StatusWarn
		}
	}
	return run.StatusSuccess
}

func gate1RequiredFields(rec invoice.V1) []string {
	var codes []string
	missing := false
	invalid := false
	for _, f := range invoice.RequiredFields {
		v, ok := fieldValue(rec, f)
		if !ok || v == "" {
			missing = true
			continue
		}
		if !isValueValid(f, v) {
			invalid = true
		}
	}
	if missing {
		codes = append(codes, "REQ_FIELD_MISSING")
	}
	if invalid {
		codes = append(codes, "REQ_FIELD_INVALID")
	}
	return codes
}

func gate2CriticalFields(rec invoice.V1, issues []run.ValidationIssue) []string {
	var codes []string
	if rec.Total == 0 && rec.Subtotal == 0 && rec.Tax == 0 {
		codes = append(codes, "CRIT_FIELD_PARSE_FAIL")
	}
	if hasIssueCode(issues, "MISSING_REQUIRED_FIELDS") || hasIssueCode(issues, "TOTAL_MISMATCH") {
		codes = append(codes, "CRIT_FIELD_MISMATCH")
	}
	return codes
}

func gate3Evidence(cfg *config.Settings, rec invoice.V1) []string {
	required := len(invoice.RequiredFields)
	present := 0
	for _, f := range invoice.RequiredFields {
		if ev, ok := rec.FieldEvidence[f]; ok && len(ev) > 0 {
			present++
		}
	}
	coverage := 1.0
	if required > 0 {
		coverage = float64(present) / float64(required)
	}
	if coverage >= cfg.EvidenceCoverageThreshold {
		return nil
	}
	if present == 0 {
		return []string{"EVIDENCE_MISSING", "EVIDENCE_INSUFFICIENT"}
	}
	return []string{"EVIDENCE_INSUFFICIENT"}
}

func gate4Consistency(cfg *config.Settings, rec invoice.V1, issues []run.ValidationIssue) []string {
	hardFail := !currencyAllowed(cfg, rec.Currency) || math.Abs(rec.Subtotal+rec.Tax-rec.Total) > 0.02
	softFail := hasWarningIssue(issues)

	// Mirrors the original's if/elif: a hard failure and a soft failure are
	// never both emitted, even though both would otherwise be true.
	if hardFail {
		return []string{"CONSISTENCY_HARD_FAIL"}
	}
	if softFail {
		return []string{"CONSISTENCY_SOFT_FAIL"}
	}
	return nil
}

func gate5QualityEscalation(cfg *config.Settings, in Inputs) []string {
	var codes []string
	uncertainty := 1 - math.Min(in.ExtractionConf, in.OCRConf)
	if in.QualityTier == "LOW" && uncertainty >= cfg.CalibrationUncertaintyThreshold {
		codes = append(codes, "LOW_QUALITY_INPUT", "HIGH_UNCERTAINTY")
	}
	risk := math.Max(1-in.ExtractionConf, 1-in.OCRConf)
	if risk > cfg.CalibrationRiskThreshold {
		codes = append(codes, "RISK_THRESHOLD_EXCEEDED")
	}
	return codes
}

func dedupeInOrder(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func hasIssueCode(issues []run.ValidationIssue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

func hasWarningIssue(issues []run.ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == "warning" {
			return true
		}
	}
	return false
}

func currencyAllowed(cfg *config.Settings, currency string) bool {
	for _, c := range cfg.AllowedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

func fieldValue(rec invoice.V1, field string) (string, bool) {
	switch field {
	case "vendor_name":
		return rec.VendorName, true
	case "invoice_no":
		return rec.InvoiceNo, true
	case "invoice_date":
		return rec.InvoiceDate, true
	case "total":
		if rec.Total == 0 {
			return "", true
		}
		return "set", true
	case "currency":
		return rec.Currency, true
	default:
		return "", false
	}
}

func isValueValid(field, value string) bool {
	if field == "invoice_date" {
		return len(value) == 10 && value[4] == '-' && value[7] == '-'
	}
	return true
}

func makeSnapshot(in Inputs) Snapshot {
	fields := map[string]any{
		"invoice_no":    in.Record.InvoiceNo,
		"invoice_date":  in.Record.InvoiceDate,
		"vendor_name":   in.Record.VendorName,
		"currency":      in.Record.Currency,
		"total":         in.Record.Total,
		"ext_conf":      in.ExtractionConf,
		"ocr_conf":      in.OCRConf,
		"quality_tier":  in.QualityTier,
		"quality_score": in.QualityScore,
	}
	canonical := canonicalJSON(fields)
	sum := sha256.Sum256(canonical)
	return Snapshot{Hash: hex.EncodeToString(sum[:]), Fields: fields}
}

// canonicalJSON serializes v with sorted keys and no extraneous whitespace,
// matching the hash input the original computes via
// json.dumps(sort_keys=True, separators=(",", ":")).
func canonicalJSON(v map[string]any) []byte {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v[k])
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered
}
