package orchestrator

import (
	"fmt"
	"math"
	"strings"

	"invoicerun/internal/config"
	"invoicerun/pkg/domain/invoice"
	"invoicerun/pkg/domain/run"
)

// validateResult runs the field/total validators the VALIDATE stage feeds
// into ReviewPolicy, independent of ReviewPolicy's own gates.
func validateResult(cfg *config.Settings, rec invoice.V1, extractionConf, ocrConf float64) []run.ValidationIssue {
	var issues []run.ValidationIssue

	var missing []string
	for _, f := range invoice.RequiredFields {
		if !hasNonBlankField(rec, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, run.ValidationIssue{
			Code: "MISSING_REQUIRED_FIELDS", Severity: "error",
			Detail: "Missing required fields: " + strings.Join(missing, ", "),
		})
	}

	if round2(rec.Subtotal+rec.Tax) != round2(rec.Total) {
		issues = append(issues, run.ValidationIssue{
			Code: "TOTAL_MISMATCH", Severity: "warning",
			Detail: "subtotal + tax does not match total",
		})
	}

	if extractionConf < cfg.LowConfidenceThreshold {
		issues = append(issues, run.ValidationIssue{
			Code: "LOW_EXTRACTION_CONFIDENCE", Severity: "error",
			Detail: fmt.Sprintf("extraction confidence=%.2f", extractionConf),
		})
	}
	if ocrConf < cfg.LowOCRConfidenceThreshold {
		issues = append(issues, run.ValidationIssue{
			Code: "LOW_OCR_CONFIDENCE", Severity: "error",
			Detail: fmt.Sprintf("ocr confidence=%.2f", ocrConf),
		})
	}

	return issues
}

func hasNonBlankField(rec invoice.V1, field string) bool {
	switch field {
	case "vendor_name":
		return strings.TrimSpace(rec.VendorName) != ""
	case "invoice_no":
		return strings.TrimSpace(rec.InvoiceNo) != ""
	case "invoice_date":
		return strings.TrimSpace(rec.InvoiceDate) != ""
	case "total":
		return rec.Total != 0
	case "currency":
		return strings.TrimSpace(rec.Currency) != ""
	default:
		return false
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
