// Package config loads, validates, and freezes the run pipeline's
// configuration: defaults, then a YAML file, then INVOICERUN_* environment
// overrides. Config is read once at startup and validated before anything
// else starts; Reload produces a fresh frozen snapshot, it never mutates a
// live one (see internal/config/watch.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"invoicerun/pkg/errs"
)

// Settings is the full, validated, immutable configuration. Treat a loaded
// *Settings as read-only; Reload returns a new one rather than mutating.
type Settings struct {
	Environment    string `yaml:"environment" validate:"required,oneof=local dev test staging prod production"`
	AppName        string `yaml:"app_name"`
	AppVersion     string `yaml:"app_version"`
	DefaultTenant  string `yaml:"default_tenant_id"`
	ExecutionMode  string `yaml:"execution_mode" validate:"required,oneof=background worker hybrid"`

	DBURL       string `yaml:"db_url"`
	StorageRoot string `yaml:"storage_root"`
	RedisAddr   string `yaml:"redis_addr"`

	JWTSecret        string `yaml:"jwt_secret"`
	JWTAlg           string `yaml:"jwt_alg"`
	TokenExpMinutes  int    `yaml:"token_exp_minutes" validate:"gte=1"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_minute" validate:"gte=1"`

	QueueWarnDepth   int `yaml:"queue_warn_depth" validate:"gte=0"`
	QueueRejectDepth int `yaml:"queue_reject_depth"`

	MaxStageAttempts  int     `yaml:"max_stage_attempts" validate:"gte=1"`
	StageTimeoutSecs  int     `yaml:"stage_timeout_seconds" validate:"gte=1"`
	RunTimeoutSecs    int     `yaml:"run_timeout_seconds"`
	WorkerPollSeconds float64 `yaml:"worker_poll_seconds" validate:"gt=0"`
	WorkerBatchSize   int     `yaml:"worker_batch_size" validate:"gte=1"`

	LowConfidenceThreshold           float64 `yaml:"low_confidence_threshold" validate:"gte=0,lte=1"`
	LowOCRConfidenceThreshold        float64 `yaml:"low_ocr_confidence_threshold" validate:"gte=0,lte=1"`
	RequiredFieldCoverageThreshold   float64 `yaml:"required_field_coverage_threshold" validate:"gte=0,lte=1"`
	EvidenceCoverageThreshold        float64 `yaml:"evidence_coverage_threshold" validate:"gte=0,lte=1"`
	CalibrationUncertaintyThreshold  float64 `yaml:"calibration_uncertainty_threshold" validate:"gte=0,lte=1"`
	CalibrationRiskThreshold         float64 `yaml:"calibration_risk_threshold" validate:"gte=0,lte=1"`
	CriticalFalseAcceptCeiling       float64 `yaml:"critical_false_accept_ceiling" validate:"gte=0,lte=1"`

	MaxUploadSizeBytes  int64    `yaml:"max_upload_size_bytes" validate:"gt=0"`
	MaxPDFPages         int      `yaml:"max_pdf_pages" validate:"gt=0"`
	MaxXLSXRowsPerSheet int      `yaml:"max_xlsx_rows_per_sheet" validate:"gt=0"`
	AllowedMIMETypes    []string `yaml:"allowed_mime_types" validate:"min=1"`
	AllowedCurrencies   []string `yaml:"allowed_currencies" validate:"min=1"`
	QuarantineLowQuality bool    `yaml:"quarantine_low_quality"`

	AuditLogEnabled bool     `yaml:"audit_log_enabled"`
	AuditMaskFields []string `yaml:"audit_mask_fields"`

	// Version strings carried into the decision log as opaque config values.
	// The governance workflow around them (approval boards, rollout gates)
	// is out of scope; only the values themselves are recorded.
	PromptVersion  string `yaml:"prompt_version"`
	TemplateVersion string `yaml:"template_version"`
	RoutingVersion string `yaml:"routing_version"`
	PolicyVersion  string `yaml:"policy_version"`
	ModelVersion   string `yaml:"model_version"`
}

// Defaults returns the baseline Settings before a YAML file or environment
// overrides are applied.
func Defaults() Settings {
	return Settings{
		Environment:   "dev",
		AppName:       "invoicerun",
		AppVersion:    "0.1.0",
		DefaultTenant: "default",
		ExecutionMode: "background",

		DBURL:       "postgres://localhost:5432/invoicerun?sslmode=disable",
		StorageRoot: "var/storage",
		RedisAddr:   "localhost:6379",

		JWTSecret:       "change-this-in-prod",
		JWTAlg:          "HS256",
		TokenExpMinutes: 120,
		RateLimitPerMin: 60,

		QueueWarnDepth:   10,
		QueueRejectDepth: 25,

		MaxStageAttempts:  2,
		StageTimeoutSecs:  20,
		RunTimeoutSecs:    120,
		WorkerPollSeconds: 0.75,
		WorkerBatchSize:   4,

		LowConfidenceThreshold:          0.60,
		LowOCRConfidenceThreshold:       0.55,
		RequiredFieldCoverageThreshold:  0.80,
		EvidenceCoverageThreshold:       0.90,
		CalibrationUncertaintyThreshold: 0.40,
		CalibrationRiskThreshold:        0.30,
		CriticalFalseAcceptCeiling:      0.001,

		MaxUploadSizeBytes:  25 * 1024 * 1024,
		MaxPDFPages:         50,
		MaxXLSXRowsPerSheet: 20000,
		AllowedMIMETypes: []string{
			"application/pdf", "image/png", "image/jpeg", "image/webp",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		},
		AllowedCurrencies:    []string{"USD", "EUR", "IRR"},
		QuarantineLowQuality: false,

		AuditLogEnabled: true,
		AuditMaskFields: []string{"password", "token", "bank_account", "tax_id"},

		PromptVersion:   "PRM-20260209-v1",
		TemplateVersion: "TPL-20260209-v1",
		RoutingVersion:  "RTE-20260209-v1",
		PolicyVersion:   "POL-20260209-v1",
		ModelVersion:    "MOD-qwen2.5-7b-instruct-20260209-v1",
	}
}

// Load builds Settings from defaults, an optional YAML file at path (skipped
// if path is empty or missing), then INVOICERUN_* environment overrides, and
// validates the result. The returned Settings is safe to treat as frozen.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", errs.ErrInvalidConfig, path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrInvalidConfig, path, err)
		}
	}

	applyEnvOverrides(&s)

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces the cross-field invariants Load and Reload both need.
func Validate(s *Settings) error {
	v := validator.New()
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidConfig, err)
	}
	if s.QueueRejectDepth <= s.QueueWarnDepth {
		return fmt.Errorf("%w: queue_reject_depth must be > queue_warn_depth", errs.ErrInvalidConfig)
	}
	if s.RunTimeoutSecs < s.StageTimeoutSecs {
		return fmt.Errorf("%w: run_timeout_seconds must be >= stage_timeout_seconds", errs.ErrInvalidConfig)
	}
	env := strings.ToLower(s.Environment)
	if (env == "prod" || env == "production") && s.JWTSecret == "change-this-in-prod" {
		return fmt.Errorf("%w: jwt_secret must be changed in production", errs.ErrInvalidConfig)
	}
	return nil
}

func applyEnvOverrides(s *Settings) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
		}
	}
	csv := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			*dst = out
		}
	}

	str("INVOICERUN_ENV", &s.Environment)
	str("INVOICERUN_APP_NAME", &s.AppName)
	str("INVOICERUN_APP_VERSION", &s.AppVersion)
	str("INVOICERUN_DEFAULT_TENANT_ID", &s.DefaultTenant)
	str("INVOICERUN_EXECUTION_MODE", &s.ExecutionMode)
	str("INVOICERUN_DB_URL", &s.DBURL)
	str("INVOICERUN_STORAGE_ROOT", &s.StorageRoot)
	str("INVOICERUN_REDIS_ADDR", &s.RedisAddr)
	str("INVOICERUN_JWT_SECRET", &s.JWTSecret)
	str("INVOICERUN_JWT_ALG", &s.JWTAlg)
	i("INVOICERUN_TOKEN_EXP_MINUTES", &s.TokenExpMinutes)
	i("INVOICERUN_RATE_LIMIT_PER_MINUTE", &s.RateLimitPerMin)
	i("INVOICERUN_QUEUE_WARN_DEPTH", &s.QueueWarnDepth)
	i("INVOICERUN_QUEUE_REJECT_DEPTH", &s.QueueRejectDepth)
	i("INVOICERUN_MAX_STAGE_ATTEMPTS", &s.MaxStageAttempts)
	i("INVOICERUN_STAGE_TIMEOUT_SECONDS", &s.StageTimeoutSecs)
	i("INVOICERUN_RUN_TIMEOUT_SECONDS", &s.RunTimeoutSecs)
	f("INVOICERUN_WORKER_POLL_SECONDS", &s.WorkerPollSeconds)
	i("INVOICERUN_WORKER_BATCH_SIZE", &s.WorkerBatchSize)
	f("INVOICERUN_LOW_CONFIDENCE_THRESHOLD", &s.LowConfidenceThreshold)
	f("INVOICERUN_LOW_OCR_CONFIDENCE_THRESHOLD", &s.LowOCRConfidenceThreshold)
	f("INVOICERUN_REQUIRED_FIELD_COVERAGE_THRESHOLD", &s.RequiredFieldCoverageThreshold)
	f("INVOICERUN_EVIDENCE_COVERAGE_THRESHOLD", &s.EvidenceCoverageThreshold)
	f("INVOICERUN_CALIBRATION_UNCERTAINTY_THRESHOLD", &s.CalibrationUncertaintyThreshold)
	f("INVOICERUN_CALIBRATION_RISK_THRESHOLD", &s.CalibrationRiskThreshold)
	f("INVOICERUN_CRITICAL_FALSE_ACCEPT_CEILING", &s.CriticalFalseAcceptCeiling)
	i64("INVOICERUN_MAX_UPLOAD_SIZE_BYTES", &s.MaxUploadSizeBytes)
	i("INVOICERUN_MAX_PDF_PAGES", &s.MaxPDFPages)
	i("INVOICERUN_MAX_XLSX_ROWS_PER_SHEET", &s.MaxXLSXRowsPerSheet)
	csv("INVOICERUN_ALLOWED_MIME_TYPES", &s.AllowedMIMETypes)
	csv("INVOICERUN_ALLOWED_CURRENCIES", &s.AllowedCurrencies)
	b("INVOICERUN_QUARANTINE_LOW_QUALITY", &s.QuarantineLowQuality)
	b("INVOICERUN_AUDIT_LOG_ENABLED", &s.AuditLogEnabled)
	csv("INVOICERUN_AUDIT_MASK_FIELDS", &s.AuditMaskFields)
	str("INVOICERUN_PROMPT_VERSION", &s.PromptVersion)
	str("INVOICERUN_TEMPLATE_VERSION", &s.TemplateVersion)
	str("INVOICERUN_ROUTING_VERSION", &s.RoutingVersion)
	str("INVOICERUN_POLICY_VERSION", &s.PolicyVersion)
	str("INVOICERUN_MODEL_VERSION", &s.ModelVersion)
}

// EnsureStorageDirs creates the blob-store layout's top-level directories.
func EnsureStorageDirs(s *Settings) error {
	for _, sub := range []string{"raw", "runs", "audit", "quarantine"} {
		if err := os.MkdirAll(s.StorageRoot+"/"+sub, 0o755); err != nil {
			return err
		}
	}
	return nil
}
