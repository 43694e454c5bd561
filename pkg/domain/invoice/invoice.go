// Package invoice defines the invoice_v1 structured-extraction record and
// the pluggable OCR/extraction provider contracts the orchestrator depends
// on by interface only (per spec §9 "OCR/Extraction dependency injection").
package invoice

// FieldEvidence maps a result field name to the evidence snippets backing it.
type FieldEvidence map[string][]Evidence

// Evidence is one page/snippet pointer supporting an extracted field.
type Evidence struct {
	Page    int    `json:"page"`
	Snippet string `json:"snippet"`
}

// V1 is the invoice_v1 structured-extraction record. Additional
// provider-specific fields ride along in Extra.
type V1 struct {
	SchemaVersion string        `json:"schema_version"`
	VendorName    string        `json:"vendor_name"`
	InvoiceNo     string        `json:"invoice_no"`
	InvoiceDate   string        `json:"invoice_date"`
	Subtotal      float64       `json:"subtotal"`
	Tax           float64       `json:"tax"`
	Total         float64       `json:"total"`
	Currency      string        `json:"currency"`
	Evidence      []Evidence    `json:"evidence"`
	FieldEvidence FieldEvidence `json:"field_evidence"`
	Extra         map[string]any `json:"-"`
}

// RequiredFields is the field-definition catalog Gate 1 checks for presence.
var RequiredFields = []string{"vendor_name", "invoice_no", "invoice_date", "total", "currency"}

// OCRResult is the output of the pluggable OCR provider.
type OCRResult struct {
	Text       string
	Provider   string
	Confidence float64
	Details    map[string]any
}

// ExtractionResult is the output of the pluggable structured-extraction
// provider: the invoice_v1 record plus the metadata ReviewPolicy consumes.
type ExtractionResult struct {
	ModelName  string
	RouteName  string
	Provider   string
	Confidence float64
	Record     V1
	Details    map[string]any
}
