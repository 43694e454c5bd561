package ingestion

import (
	"testing"

	"invoicerun/internal/config"
)

func testConfig() *config.Settings {
	c := config.Defaults()
	return &c
}

func TestEvaluate_UnsupportedMIME(t *testing.T) {
	res := Evaluate(testConfig(), []byte("hello world"), "note.txt", "text/plain")
	if res.Decision != DecisionReject {
		t.Fatalf("decision = %v, want REJECT", res.Decision)
	}
	if len(res.ReasonCodes) != 1 || res.ReasonCodes[0] != "UNSUPPORTED_MIME" {
		t.Fatalf("reason codes = %v", res.ReasonCodes)
	}
}

func TestEvaluate_FileCorrupt(t *testing.T) {
	res := Evaluate(testConfig(), []byte{0x1, 0x2}, "a.pdf", "application/pdf")
	if res.Decision != DecisionQuarantine || res.ReasonCodes[0] != "FILE_CORRUPT" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluate_PDFParseFail(t *testing.T) {
	res := Evaluate(testConfig(), []byte("not a pdf payload"), "a.pdf", "application/pdf")
	if res.Decision != DecisionQuarantine || res.ReasonCodes[0] != "PDF_PARSE_FAIL" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluate_EncryptedPDF(t *testing.T) {
	payload := append([]byte("%PDF-1.4\n"), []byte("/Encrypt 1 0 R\n")...)
	res := Evaluate(testConfig(), payload, "a.pdf", "application/pdf")
	if res.Decision != DecisionQuarantine || res.ReasonCodes[0] != "ENCRYPTED_PDF_UNSUPPORTED" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluate_AcceptablePDF(t *testing.T) {
	payload := []byte("%PDF-1.4\n/Type /Page\n%%EOF")
	res := Evaluate(testConfig(), payload, "a.pdf", "application/pdf")
	if res.Decision != DecisionAccept {
		t.Fatalf("got %+v", res)
	}
	if res.QualityTier == nil || *res.QualityTier != "HIGH" {
		t.Fatalf("quality tier = %v", res.QualityTier)
	}
}

func TestEvaluate_ImageMagicBytes(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	res := Evaluate(testConfig(), png, "a.png", "image/png")
	if res.Decision != DecisionAccept {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluate_ImageDecodeFail(t *testing.T) {
	res := Evaluate(testConfig(), []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "a.png", "image/png")
	if res.Decision != DecisionQuarantine || res.ReasonCodes[0] != "IMAGE_DECODE_FAIL" {
		t.Fatalf("got %+v", res)
	}
}

func TestResult_QuarantineStatus(t *testing.T) {
	r := Result{Decision: DecisionQuarantine, Stage: "B"}
	if r.QuarantineStatus() != "QUARANTINED_PARSE_FAIL" {
		t.Fatalf("got %v", r.QuarantineStatus())
	}
	accepted := Result{Decision: DecisionAccept, Stage: "C"}
	if accepted.QuarantineStatus() != "" {
		t.Fatalf("accepted result should have no quarantine status")
	}
}
