package review

import (
	"testing"

	"invoicerun/internal/config"
	"invoicerun/pkg/domain/invoice"
	"invoicerun/pkg/domain/run"
)

func baseRecord() invoice.V1 {
	return invoice.V1{
		VendorName:  "Acme Corp",
		InvoiceNo:   "INV-1",
		InvoiceDate: "2026-01-15",
		Subtotal:    100,
		Tax:         8,
		Total:       108,
		Currency:    "USD",
		FieldEvidence: invoice.FieldEvidence{
			"vendor_name":  {{Page: 1, Snippet: "Acme"}},
			"invoice_no":   {{Page: 1, Snippet: "INV-1"}},
			"invoice_date": {{Page: 1, Snippet: "2026-01-15"}},
			"total":        {{Page: 1, Snippet: "108"}},
			"currency":     {{Page: 1, Snippet: "USD"}},
		},
	}
}

func TestEvaluate_CleanInputAutoApproves(t *testing.T) {
	cfg := config.Defaults()
	d := Evaluate(&cfg, Inputs{
		Record: baseRecord(), ExtractionConf: 0.95, OCRConf: 0.95, QualityTier: "HIGH", QualityScore: 0.9,
	})
	if d.Decision != "AUTO_APPROVED" {
		t.Fatalf("decision = %v, reasons = %v", d.Decision, d.ReasonCodes)
	}
}

func TestEvaluate_MissingFieldTriggersGate1(t *testing.T) {
	cfg := config.Defaults()
	rec := baseRecord()
	rec.VendorName = ""
	d := Evaluate(&cfg, Inputs{Record: rec, ExtractionConf: 0.95, OCRConf: 0.95, QualityTier: "HIGH", QualityScore: 0.9})
	if !containsCode(d.ReasonCodes, "REQ_FIELD_MISSING") {
		t.Fatalf("reasons = %v", d.ReasonCodes)
	}
}

func TestEvaluate_Gate4HardFailExcludesSoftFail(t *testing.T) {
	cfg := config.Defaults()
	rec := baseRecord()
	rec.Currency = "ZZZ"
	d := Evaluate(&cfg, Inputs{
		Record: rec, Issues: []run.ValidationIssue{{Code: "X", Severity: "warning"}},
		ExtractionConf: 0.95, OCRConf: 0.95, QualityTier: "HIGH", QualityScore: 0.9,
	})
	if !containsCode(d.ReasonCodes, "CONSISTENCY_HARD_FAIL") {
		t.Fatalf("expected hard fail, got %v", d.ReasonCodes)
	}
	if containsCode(d.ReasonCodes, "CONSISTENCY_SOFT_FAIL") {
		t.Fatalf("hard and soft fail must be mutually exclusive, got %v", d.ReasonCodes)
	}
}

func TestEvaluate_Gate5EmitsPairTogether(t *testing.T) {
	cfg := config.Defaults()
	d := Evaluate(&cfg, Inputs{
		Record: baseRecord(), ExtractionConf: 0.3, OCRConf: 0.3, QualityTier: "LOW", QualityScore: 0.3,
	})
	if !containsCode(d.ReasonCodes, "LOW_QUALITY_INPUT") || !containsCode(d.ReasonCodes, "HIGH_UNCERTAINTY") {
		t.Fatalf("expected both codes together, got %v", d.ReasonCodes)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	cfg := config.Defaults()
	in := Inputs{Record: baseRecord(), ExtractionConf: 0.9, OCRConf: 0.9, QualityTier: "HIGH", QualityScore: 0.9}
	a := Evaluate(&cfg, in)
	b := Evaluate(&cfg, in)
	if a.InputsSnapshot.Hash != b.InputsSnapshot.Hash {
		t.Fatalf("hash not deterministic: %s vs %s", a.InputsSnapshot.Hash, b.InputsSnapshot.Hash)
	}
	if len(a.ReasonCodes) != len(b.ReasonCodes) {
		t.Fatalf("reason codes not deterministic")
	}
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
