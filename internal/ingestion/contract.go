// Package ingestion implements the IngestionContract: a pure function
// gating an uploaded payload into ACCEPT, QUARANTINE, or REJECT across
// three stages (policy, parseability, quality).
package ingestion

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"invoicerun/internal/config"
	"invoicerun/pkg/domain/quarantine"
)

// Decision is the contract's outcome.
type Decision string

const (
	DecisionAccept     Decision = "ACCEPT"
	DecisionQuarantine Decision = "QUARANTINE"
	DecisionReject     Decision = "REJECT"
)

// Result is the outcome of Evaluate.
type Result struct {
	Decision     Decision
	Stage        string // "A" | "B" | "C"
	ReasonCodes  []string
	Details      map[string]any
	QualityScore *float64
	QualityTier  *string
}

// QuarantineStatus maps a QUARANTINE result to the QuarantineItem status
// class, per the stage→status table.
func (r Result) QuarantineStatus() quarantine.Status {
	if r.Decision != DecisionQuarantine {
		return ""
	}
	switch r.Stage {
	case "A":
		for _, code := range r.ReasonCodes {
			if code == "SECURITY_POLICY_VIOLATION" {
				return quarantine.StatusSecurityPolicy
			}
		}
		return quarantine.StatusUnknown
	case "B":
		return quarantine.StatusParseFail
	case "C":
		return quarantine.StatusLowQuality
	case "D":
		return quarantine.StatusSchemaFail
	default:
		return quarantine.StatusUnknown
	}
}

var imageMagic = [][]byte{
	{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, // image/png
	{0xff, 0xd8, 0xff},                            // image/jpeg
	[]byte("RIFF"),                                // image/webp
}

// Evaluate runs the three-stage contract against payload and returns the
// first failing stage's result, or an ACCEPT result carrying the quality
// score/tier annotation.
func Evaluate(cfg *config.Settings, payload []byte, filename, contentType string) Result {
	sum := sha256.Sum256(payload)
	details := map[string]any{
		"filename":     filename,
		"content_type": contentType,
		"size_bytes":   len(payload),
		"content_hash": hex.EncodeToString(sum[:]),
	}

	if res, stop := validateStageA(cfg, payload, contentType, details); stop {
		return res
	}
	if res, stop := validateStageB(cfg, payload, contentType, details); stop {
		return res
	}
	return validateStageC(cfg, payload, contentType, details)
}

func validateStageA(cfg *config.Settings, payload []byte, contentType string, details map[string]any) (Result, bool) {
	allowed := false
	for _, mt := range cfg.AllowedMIMETypes {
		if mt == contentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return Result{Decision: DecisionReject, Stage: "A", ReasonCodes: []string{"UNSUPPORTED_MIME"}, Details: details}, true
	}
	if int64(len(payload)) > cfg.MaxUploadSizeBytes {
		return Result{Decision: DecisionQuarantine, Stage: "A", ReasonCodes: []string{"FILE_TOO_LARGE"}, Details: details}, true
	}
	if len(payload) < 4 {
		return Result{Decision: DecisionQuarantine, Stage: "A", ReasonCodes: []string{"FILE_CORRUPT"}, Details: details}, true
	}
	return Result{}, false
}

func validateStageB(cfg *config.Settings, payload []byte, contentType string, details map[string]any) (Result, bool) {
	switch contentType {
	case "application/pdf":
		if !bytes.HasPrefix(payload, []byte("%PDF")) {
			return Result{Decision: DecisionQuarantine, Stage: "B", ReasonCodes: []string{"PDF_PARSE_FAIL"}, Details: details}, true
		}
		head := payload
		if len(head) > 65536 {
			head = head[:65536]
		}
		if bytes.Contains(head, []byte("/Encrypt")) {
			return Result{Decision: DecisionQuarantine, Stage: "B", ReasonCodes: []string{"ENCRYPTED_PDF_UNSUPPORTED"}, Details: details}, true
		}
		pageCount := bytes.Count(payload, []byte("/Type /Page"))
		details["pdf_page_count_estimate"] = pageCount
		if pageCount > cfg.MaxPDFPages {
			return Result{Decision: DecisionQuarantine, Stage: "B", ReasonCodes: []string{"TOO_MANY_PAGES"}, Details: details}, true
		}
		return Result{}, false

	case "image/png", "image/jpeg", "image/webp":
		if !isImageReadable(payload) {
			return Result{Decision: DecisionQuarantine, Stage: "B", ReasonCodes: []string{"IMAGE_DECODE_FAIL"}, Details: details}, true
		}
		return Result{}, false

	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		codes := validateXLSX(cfg, payload, details)
		if len(codes) > 0 {
			return Result{Decision: DecisionQuarantine, Stage: "B", ReasonCodes: codes, Details: details}, true
		}
		return Result{}, false

	default:
		return Result{}, false
	}
}

func isImageReadable(payload []byte) bool {
	head := payload
	if len(head) > 12 {
		head = head[:12]
	}
	for _, sig := range imageMagic {
		if bytes.HasPrefix(head, sig) {
			return true
		}
	}
	return false
}

func validateXLSX(cfg *config.Settings, payload []byte, details map[string]any) []string {
	details["xlsx_sheet_count"] = 0
	r, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return []string{"XLSX_PARSE_FAIL"}
	}

	names := make(map[string]*zip.File, len(r.File))
	var sheetFiles []*zip.File
	for _, f := range r.File {
		names[f.Name] = f
		if len(f.Name) > len("xl/worksheets/sheet") && f.Name[:len("xl/worksheets/sheet")] == "xl/worksheets/sheet" {
			sheetFiles = append(sheetFiles, f)
		}
	}
	if _, ok := names["xl/workbook.xml"]; !ok {
		return []string{"XLSX_PARSE_FAIL"}
	}
	details["xlsx_sheet_count"] = len(sheetFiles)
	if len(sheetFiles) == 0 {
		return []string{"XLSX_PARSE_FAIL"}
	}

	for _, sheet := range sheetFiles {
		rc, err := sheet.Open()
		if err != nil {
			return []string{"XLSX_PARSE_FAIL"}
		}
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(rc); err != nil {
			rc.Close()
			return []string{"XLSX_PARSE_FAIL"}
		}
		rc.Close()
		rows := bytes.Count(buf.Bytes(), []byte("<row"))
		if rows > cfg.MaxXLSXRowsPerSheet {
			details[sheet.Name+"_rows"] = rows
			return []string{"XLSX_PARSE_FAIL"}
		}
	}
	return nil
}

func validateStageC(cfg *config.Settings, payload []byte, contentType string, details map[string]any) Result {
	score := 0.8
	var reasons []string

	switch contentType {
	case "image/png", "image/jpeg", "image/webp":
		width, height := readImageDimensions(payload)
		if width > 0 && height > 0 {
			megapixels := float64(width*height) / 1_000_000.0
			score = clamp(0.25+megapixels/2.0, 0.2, 1.0)
			details["image_dimensions"] = map[string]int{"width": width, "height": height}
		} else {
			score = 0.75
		}
		if score < 0.55 {
			reasons = append(reasons, "OCR_PRECHECK_LOW_CONF")
		}
		if width > 0 && height > 0 && min(width, height) < 700 {
			reasons = append(reasons, "LOW_RESOLUTION")
			score = min(score, 0.5)
		}
	case "application/pdf":
		score = 0.75
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		score = 0.85
	}

	var tier string
	switch {
	case score >= 0.8:
		tier = "HIGH"
	case score >= 0.55:
		tier = "MEDIUM"
	default:
		tier = "LOW"
	}
	details["quality_score"] = score
	details["quality_tier"] = tier

	if len(reasons) > 0 && cfg.QuarantineLowQuality {
		return Result{
			Decision: DecisionQuarantine, Stage: "C", ReasonCodes: dedupeSorted(reasons),
			Details: details, QualityScore: &score, QualityTier: &tier,
		}
	}
	if len(reasons) > 0 {
		details["quality_reason_codes"] = dedupeSorted(reasons)
	}
	return Result{Decision: DecisionAccept, Stage: "C", Details: details, QualityScore: &score, QualityTier: &tier}
}

func readImageDimensions(payload []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
