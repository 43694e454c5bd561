// Package document defines the Document entity: an uploaded file and the
// outcome of running it through the ingestion contract.
package document

import "time"

// IngestionStatus is the outcome of the ingestion contract for a Document.
type IngestionStatus string

const (
	StatusAccepted    IngestionStatus = "ACCEPTED"
	StatusQuarantined IngestionStatus = "QUARANTINED"
	StatusRejected    IngestionStatus = "REJECTED"
)

// QualityTier buckets the ingestion contract's quality score.
type QualityTier string

const (
	TierHigh   QualityTier = "HIGH"
	TierMedium QualityTier = "MEDIUM"
	TierLow    QualityTier = "LOW"
)

// Language is the document's declared or detected language.
type Language string

const (
	LanguageEN Language = "en"
	LanguageFA Language = "fa"
)

// Document is created at upload time; ingestion fields are set once by the
// contract and never deleted thereafter.
type Document struct {
	ID             string
	TenantID       string
	Filename       string
	ContentType    string
	SizeBytes      int64
	StoragePath    string
	Language       Language
	IngestionState IngestionStatus
	QualityTier    *QualityTier
	QualityScore   *float64
	CreatedAt      time.Time
}
