package impl_postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/run"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func TestCreateDocument_InsertsThenReloads(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO documents`).WillReturnResult(sqlmock.NewResult(1, 1))

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "filename", "content_type", "size_bytes", "storage_path",
		"language", "ingestion_status", "quality_tier", "quality_score", "created_at",
	}).AddRow("doc-1", "t1", "a.pdf", "application/pdf", int64(100), "/tmp/a.pdf",
		"en", "ACCEPTED", nil, nil, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	mock.ExpectQuery(`SELECT \* FROM documents WHERE id = \$1 AND tenant_id = \$2`).WillReturnRows(rows)

	doc, err := s.CreateDocument(ctx, repository.NewDocument{
		TenantID: "t1", Filename: "a.pdf", ContentType: "application/pdf", SizeBytes: 100,
		Language: document.LanguageEN, IngestionState: document.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if doc.Filename != "a.pdf" {
		t.Errorf("filename = %q", doc.Filename)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetDocument_NotFoundMapsToSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM documents WHERE id = \$1 AND tenant_id = \$2`).WillReturnError(sql.ErrNoRows)

	_, err := s.GetDocument(ctx, "missing", "t1")
	if err != repository.ErrNotFound {
		t.Errorf("got %v, want repository.ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCountRunsByStatus_ExpandsInClause(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT count\(\*\) FROM runs WHERE tenant_id = \$1 AND status IN \(\$2,\$3\)`).
		WithArgs("t1", "QUEUED", "RUNNING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.CountRunsByStatus(ctx, "t1", []run.Status{run.StatusQueued, run.StatusRunning})
	if err != nil {
		t.Fatalf("CountRunsByStatus failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
