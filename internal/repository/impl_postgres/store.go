// Package impl_postgres is the Postgres-backed Repository, using pgx as the
// database/sql driver and sqlx for struct scanning.
package impl_postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/quarantine"
	"invoicerun/pkg/domain/run"
)

// Store is the sqlx/pgx-backed Repository implementation.
type Store struct {
	db *sqlx.DB
}

var _ repository.Repository = (*Store)(nil)

// Open connects to dsn via pgx and wraps it for sqlx.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already-open sqlx.DB, e.g. one built over go-sqlmock in tests.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

type documentRow struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	Filename       string          `db:"filename"`
	ContentType    string          `db:"content_type"`
	SizeBytes      int64           `db:"size_bytes"`
	StoragePath    string          `db:"storage_path"`
	Language       string          `db:"language"`
	IngestionState string          `db:"ingestion_status"`
	QualityTier    sql.NullString  `db:"quality_tier"`
	QualityScore   sql.NullFloat64 `db:"quality_score"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r documentRow) toDomain() *document.Document {
	d := &document.Document{
		ID: r.ID, TenantID: r.TenantID, Filename: r.Filename, ContentType: r.ContentType,
		SizeBytes: r.SizeBytes, StoragePath: r.StoragePath,
		Language: document.Language(r.Language), IngestionState: document.IngestionStatus(r.IngestionState),
		CreatedAt: r.CreatedAt,
	}
	if r.QualityTier.Valid {
		t := document.QualityTier(r.QualityTier.String)
		d.QualityTier = &t
	}
	if r.QualityScore.Valid {
		d.QualityScore = &r.QualityScore.Float64
	}
	return d
}

func (s *Store) CreateDocument(ctx context.Context, in repository.NewDocument) (*document.Document, error) {
	id := uuid.NewString()
	var qualityTier *string
	if in.QualityTier != nil {
		v := string(*in.QualityTier)
		qualityTier = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, filename, content_type, size_bytes, storage_path, language, ingestion_status, quality_tier, quality_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())`,
		id, in.TenantID, in.Filename, in.ContentType, in.SizeBytes, in.StoragePath, string(in.Language), string(in.IngestionState), qualityTier, in.QualityScore)
	if err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id, in.TenantID)
}

func (s *Store) GetDocument(ctx context.Context, id, tenantID string) (*document.Document, error) {
	var row documentRow
	query := `SELECT * FROM documents WHERE id = $1`
	args := []any{id}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateDocument(ctx context.Context, id string, patch repository.DocumentUpdate) (*document.Document, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			storage_path = COALESCE($2, storage_path),
			ingestion_status = COALESCE($3, ingestion_status),
			quality_tier = COALESCE($4, quality_tier),
			quality_score = COALESCE($5, quality_score)
		WHERE id = $1`,
		id, patch.StoragePath, stringPtrOf(patch.IngestionState), qualityTierPtr(patch.QualityTier), patch.QualityScore)
	if err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id, "")
}

type runRow struct {
	ID                string          `db:"id"`
	DocumentID        string          `db:"document_id"`
	TenantID          string          `db:"tenant_id"`
	ReplayOfRunID     sql.NullString  `db:"replay_of_run_id"`
	IdempotencyKey    sql.NullString  `db:"idempotency_key"`
	Status            string         `db:"status"`
	RequestedBy       string          `db:"requested_by"`
	ModelName         sql.NullString  `db:"model_name"`
	RouteName         sql.NullString  `db:"route_name"`
	ErrorCode         sql.NullString  `db:"error_code"`
	ReviewDecision    sql.NullString  `db:"review_decision"`
	ReviewReasonCodes []byte          `db:"review_reason_codes_json"`
	DecisionLog       []byte          `db:"decision_log_json"`
	Result            []byte          `db:"result_json"`
	ValidationIssues  []byte          `db:"validation_issues_json"`
	CancelRequested   bool            `db:"cancel_requested"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	FinishedAt        sql.NullTime    `db:"finished_at"`
}

func (r runRow) toDomain() *run.Run {
	out := &run.Run{
		ID: r.ID, DocumentID: r.DocumentID, TenantID: r.TenantID, Status: run.Status(r.Status),
		RequestedBy: r.RequestedBy, CancelRequested: r.CancelRequested, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.ReplayOfRunID.Valid {
		out.ReplayOfRunID = &r.ReplayOfRunID.String
	}
	if r.IdempotencyKey.Valid {
		out.IdempotencyKey = &r.IdempotencyKey.String
	}
	if r.ModelName.Valid {
		out.ModelName = &r.ModelName.String
	}
	if r.RouteName.Valid {
		out.RouteName = &r.RouteName.String
	}
	if r.ErrorCode.Valid {
		out.ErrorCode = &r.ErrorCode.String
	}
	if r.ReviewDecision.Valid {
		d := run.ReviewDecision(r.ReviewDecision.String)
		out.ReviewDecision = &d
	}
	if r.FinishedAt.Valid {
		out.FinishedAt = &r.FinishedAt.Time
	}
	_ = json.Unmarshal(r.ReviewReasonCodes, &out.ReviewReasonCodes)
	_ = json.Unmarshal(r.DecisionLog, &out.DecisionLog)
	_ = json.Unmarshal(r.Result, &out.Result)
	_ = json.Unmarshal(r.ValidationIssues, &out.ValidationIssues)
	return out
}

func (s *Store) CreateRun(ctx context.Context, in repository.NewRun) (*run.Run, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, document_id, tenant_id, requested_by, idempotency_key, replay_of_run_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'QUEUED',now(),now())`,
		id, in.DocumentID, in.TenantID, in.RequestedBy, in.IdempotencyKey, in.ReplayOfRunID)
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id, in.TenantID)
}

func (s *Store) GetRun(ctx context.Context, id, tenantID string) (*run.Run, error) {
	var row runRow
	query := `SELECT * FROM runs WHERE id = $1`
	args := []any{id}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*run.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, patch repository.RunUpdate) (*run.Run, error) {
	reasonCodes, _ := json.Marshal(patch.ReviewReasonCodes)
	decisionLog, _ := json.Marshal(patch.DecisionLog)
	result, _ := json.Marshal(patch.Result)
	issues, _ := json.Marshal(patch.ValidationIssues)

	var finishedAtExpr = "finished_at"
	if patch.Finished {
		finishedAtExpr = "now()"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $2, error_code = $3, model_name = COALESCE($4, model_name), route_name = COALESCE($5, route_name),
			review_decision = $6, review_reason_codes_json = $7, decision_log_json = $8, result_json = $9,
			validation_issues_json = $10, updated_at = now(), finished_at = `+finishedAtExpr+`
		WHERE id = $1`,
		id, string(patch.Status), patch.ErrorCode, patch.ModelName, patch.RouteName,
		reviewDecisionPtr(patch.ReviewDecision), reasonCodes, decisionLog, result, issues)
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id, "")
}

func (s *Store) SetRunCancelRequested(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = true WHERE id = $1`, id)
	return err
}

func (s *Store) CountRunsByStatus(ctx context.Context, tenantID string, statuses []run.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args, err := sqlx.In(`SELECT count(*) FROM runs WHERE tenant_id = ? AND status IN (?)`, tenantID, names)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListQueuedRuns(ctx context.Context, limit int) ([]*run.Run, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs WHERE status = 'QUEUED' ORDER BY created_at ASC LIMIT $1`, limit); err != nil {
		return nil, err
	}
	out := make([]*run.Run, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

type stageRow struct {
	ID         int64          `db:"id"`
	RunID      string         `db:"run_id"`
	StageName  string         `db:"stage_name"`
	Status     string         `db:"status"`
	Attempt    int            `db:"attempt"`
	ErrorCode  sql.NullString `db:"error_code"`
	Details    []byte         `db:"details_json"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

func (r stageRow) toDomain() *run.RunStage {
	out := &run.RunStage{
		ID: r.ID, RunID: r.RunID, StageName: run.Stage(r.StageName), Status: run.StageStatus(r.Status), Attempt: r.Attempt,
	}
	if r.ErrorCode.Valid {
		out.ErrorCode = &r.ErrorCode.String
	}
	if r.StartedAt.Valid {
		out.StartedAt = &r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		out.FinishedAt = &r.FinishedAt.Time
	}
	_ = json.Unmarshal(r.Details, &out.Details)
	return out
}

func (s *Store) UpsertRunStage(ctx context.Context, in repository.UpsertStage) (*run.RunStage, error) {
	details, _ := json.Marshal(in.Details)
	startedExpr := "started_at"
	if in.Started {
		startedExpr = "COALESCE(started_at, now())"
	}
	finishedExpr := "finished_at"
	if in.Finished {
		finishedExpr = "now()"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_stages (run_id, stage_name, attempt, status, error_code, details_json, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6, `+mapBool(in.Started, "now()", "NULL")+`, `+mapBool(in.Finished, "now()", "NULL")+`)
		ON CONFLICT (run_id, stage_name, attempt) DO UPDATE SET
			status = EXCLUDED.status, error_code = EXCLUDED.error_code, details_json = EXCLUDED.details_json,
			started_at = `+startedExpr+`, finished_at = `+finishedExpr,
		in.RunID, string(in.StageName), in.Attempt, string(in.Status), in.ErrorCode, details)
	if err != nil {
		return nil, err
	}

	var row stageRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM run_stages WHERE run_id = $1 AND stage_name = $2 AND attempt = $3`,
		in.RunID, string(in.StageName), in.Attempt); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListRunStages(ctx context.Context, runID string) ([]*run.RunStage, error) {
	var rows []stageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM run_stages WHERE run_id = $1 ORDER BY id ASC`, runID); err != nil {
		return nil, err
	}
	out := make([]*run.RunStage, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

type quarantineRow struct {
	ID                string         `db:"id"`
	DocumentID        string         `db:"document_id"`
	TenantID          string         `db:"tenant_id"`
	Stage             string         `db:"stage"`
	Status            string         `db:"status"`
	ReasonCodes       []byte         `db:"reason_codes_json"`
	Details           []byte         `db:"details_json"`
	StoragePath       string         `db:"storage_path"`
	ReprocessCount    int            `db:"reprocess_count"`
	LastReprocessedAt sql.NullTime   `db:"last_reprocessed_at"`
	ResolvedAt        sql.NullTime   `db:"resolved_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r quarantineRow) toDomain() *quarantine.QuarantineItem {
	out := &quarantine.QuarantineItem{
		ID: r.ID, DocumentID: r.DocumentID, TenantID: r.TenantID, Stage: quarantine.ContractStage(r.Stage),
		Status: quarantine.Status(r.Status), StoragePath: r.StoragePath, ReprocessCount: r.ReprocessCount,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.LastReprocessedAt.Valid {
		out.LastReprocessedAt = &r.LastReprocessedAt.Time
	}
	if r.ResolvedAt.Valid {
		out.ResolvedAt = &r.ResolvedAt.Time
	}
	_ = json.Unmarshal(r.ReasonCodes, &out.ReasonCodes)
	_ = json.Unmarshal(r.Details, &out.Details)
	return out
}

func (s *Store) CreateQuarantineItem(ctx context.Context, in repository.NewQuarantineItem) (*quarantine.QuarantineItem, error) {
	id := uuid.NewString()
	reasonCodes, _ := json.Marshal(in.ReasonCodes)
	details, _ := json.Marshal(in.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine_items (id, document_id, tenant_id, stage, status, reason_codes_json, details_json, storage_path, reprocess_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,now(),now())`,
		id, in.DocumentID, in.TenantID, string(in.Stage), string(in.Status), reasonCodes, details, in.StoragePath)
	if err != nil {
		return nil, err
	}
	return s.GetQuarantineItem(ctx, id, in.TenantID)
}

func (s *Store) GetQuarantineItem(ctx context.Context, id, tenantID string) (*quarantine.QuarantineItem, error) {
	var row quarantineRow
	query := `SELECT * FROM quarantine_items WHERE id = $1`
	args := []any{id}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListQuarantineItems(ctx context.Context, tenantID string, filter repository.QuarantineFilter) ([]*quarantine.QuarantineItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM quarantine_items WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))

	var rows []quarantineRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*quarantine.QuarantineItem, 0, len(rows))
	for _, r := range rows {
		item := r.toDomain()
		if filter.ReasonCode != "" && !containsString(item.ReasonCodes, filter.ReasonCode) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) GetLatestOpenQuarantineForDocument(ctx context.Context, documentID, tenantID string) (*quarantine.QuarantineItem, error) {
	var row quarantineRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM quarantine_items
		WHERE document_id = $1 AND tenant_id = $2 AND resolved_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, documentID, tenantID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) MarkQuarantineReprocessed(ctx context.Context, id string, patch repository.QuarantineReprocess) (*quarantine.QuarantineItem, error) {
	reasonCodes, _ := json.Marshal(patch.ReasonCodes)
	details, _ := json.Marshal(patch.Details)
	resolvedExpr := "resolved_at"
	if patch.Resolved {
		resolvedExpr = "now()"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE quarantine_items SET
			status = $2, reason_codes_json = $3, details_json = $4,
			reprocess_count = reprocess_count + 1, last_reprocessed_at = now(), updated_at = now(),
			resolved_at = `+resolvedExpr+`
		WHERE id = $1`,
		id, string(patch.Status), reasonCodes, details)
	if err != nil {
		return nil, err
	}
	return s.GetQuarantineItem(ctx, id, "")
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func stringPtrOf[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func qualityTierPtr(v *document.QualityTier) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func reviewDecisionPtr(v *run.ReviewDecision) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func mapBool(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
