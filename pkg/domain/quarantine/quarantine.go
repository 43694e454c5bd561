// Package quarantine defines QuarantineItem: a document held for a failed
// ingestion-contract stage, recoverable via reprocess.
package quarantine

import "time"

// ContractStage is the ingestion-contract stage that produced the item.
type ContractStage string

const (
	StageA ContractStage = "A"
	StageB ContractStage = "B"
	StageC ContractStage = "C"
	StageD ContractStage = "D"
)

// Status is the coded quarantine class, derived from the contract stage
// (and, for stage A, the specific reason codes).
type Status string

const (
	StatusSecurityPolicy Status = "QUARANTINED_SECURITY_POLICY"
	StatusUnknown        Status = "QUARANTINED_UNKNOWN"
	StatusParseFail       Status = "QUARANTINED_PARSE_FAIL"
	StatusLowQuality      Status = "QUARANTINED_LOW_QUALITY"
	StatusSchemaFail      Status = "QUARANTINED_SCHEMA_FAIL"
)

// QuarantineItem holds a document that failed the ingestion contract.
// ResolvedAt is nil while the item is open; a document with an open
// quarantine item cannot have a new Run created against it.
type QuarantineItem struct {
	ID                string
	DocumentID        string
	TenantID          string
	Stage             ContractStage
	Status            Status
	ReasonCodes       []string
	Details           map[string]any
	StoragePath       string
	ReprocessCount    int
	LastReprocessedAt *time.Time
	ResolvedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
