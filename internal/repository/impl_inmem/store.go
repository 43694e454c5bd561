// Package impl_inmem is an in-memory Repository: single-process, mutex
// protected, used in tests and local/dev runs without a database.
package impl_inmem

import (
	"context"
	"sync"

	"invoicerun/internal/repository"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/quarantine"
	"invoicerun/pkg/domain/run"

	"github.com/google/uuid"
)

// Store is the in-memory Repository implementation.
type Store struct {
	mu sync.Mutex

	clock clock.Clock

	documents   map[string]*document.Document
	runs        map[string]*run.Run
	stages      map[string][]*run.RunStage
	quarantines map[string]*quarantine.QuarantineItem
	nextStageID int64
}

var _ repository.Repository = (*Store)(nil)

// New returns an empty Store.
func New(c clock.Clock) *Store {
	return &Store{
		clock:       c,
		documents:   map[string]*document.Document{},
		runs:        map[string]*run.Run{},
		stages:      map[string][]*run.RunStage{},
		quarantines: map[string]*quarantine.QuarantineItem{},
	}
}

func (s *Store) CreateDocument(ctx context.Context, in repository.NewDocument) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &document.Document{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		Filename:       in.Filename,
		ContentType:    in.ContentType,
		SizeBytes:      in.SizeBytes,
		StoragePath:    in.StoragePath,
		Language:       in.Language,
		IngestionState: in.IngestionState,
		QualityTier:    in.QualityTier,
		QualityScore:   in.QualityScore,
		CreatedAt:      s.clock.Now(),
	}
	s.documents[doc.ID] = doc
	return cloneDocument(doc), nil
}

func (s *Store) GetDocument(ctx context.Context, id, tenantID string) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok || (tenantID != "" && doc.TenantID != tenantID) {
		return nil, repository.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *Store) UpdateDocument(ctx context.Context, id string, patch repository.DocumentUpdate) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if patch.StoragePath != nil {
		doc.StoragePath = *patch.StoragePath
	}
	if patch.IngestionState != nil {
		doc.IngestionState = *patch.IngestionState
	}
	if patch.QualityTier != nil {
		doc.QualityTier = patch.QualityTier
	}
	if patch.QualityScore != nil {
		doc.QualityScore = patch.QualityScore
	}
	return cloneDocument(doc), nil
}

func (s *Store) CreateRun(ctx context.Context, in repository.NewRun) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	r := &run.Run{
		ID:             uuid.NewString(),
		DocumentID:     in.DocumentID,
		TenantID:       in.TenantID,
		RequestedBy:    in.RequestedBy,
		IdempotencyKey: in.IdempotencyKey,
		ReplayOfRunID:  in.ReplayOfRunID,
		Status:         run.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.runs[r.ID] = r
	return cloneRun(r), nil
}

func (s *Store) GetRun(ctx context.Context, id, tenantID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok || (tenantID != "" && r.TenantID != tenantID) {
		return nil, repository.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) GetRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.TenantID == tenantID && r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return cloneRun(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) UpdateRun(ctx context.Context, id string, patch repository.RunUpdate) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	r.Status = patch.Status
	r.ErrorCode = patch.ErrorCode
	if patch.ModelName != nil {
		r.ModelName = patch.ModelName
	}
	if patch.RouteName != nil {
		r.RouteName = patch.RouteName
	}
	if patch.ReviewDecision != nil {
		r.ReviewDecision = patch.ReviewDecision
	}
	if patch.ReviewReasonCodes != nil {
		r.ReviewReasonCodes = patch.ReviewReasonCodes
	}
	if patch.DecisionLog != nil {
		r.DecisionLog = patch.DecisionLog
	}
	if patch.Result != nil {
		r.Result = patch.Result
	}
	if patch.ValidationIssues != nil {
		r.ValidationIssues = patch.ValidationIssues
	}
	r.UpdatedAt = s.clock.Now()
	if patch.Finished {
		finished := s.clock.Now()
		r.FinishedAt = &finished
	}
	return cloneRun(r), nil
}

func (s *Store) SetRunCancelRequested(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.CancelRequested = true
	return nil
}

func (s *Store) CountRunsByStatus(ctx context.Context, tenantID string, statuses []run.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[run.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	count := 0
	for _, r := range s.runs {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if want[r.Status] {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListQueuedRuns(ctx context.Context, limit int) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*run.Run
	for _, r := range s.runs {
		if r.Status == run.StatusQueued {
			out = append(out, r)
		}
	}
	sortRunsByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cloned := make([]*run.Run, len(out))
	for i, r := range out {
		cloned[i] = cloneRun(r)
	}
	return cloned, nil
}

func (s *Store) UpsertRunStage(ctx context.Context, in repository.UpsertStage) (*run.RunStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stages[in.RunID] {
		if existing.StageName == in.StageName && existing.Attempt == in.Attempt {
			existing.Status = in.Status
			existing.ErrorCode = in.ErrorCode
			existing.Details = in.Details
			if in.Started && existing.StartedAt == nil {
				started := s.clock.Now()
				existing.StartedAt = &started
			}
			if in.Finished {
				finished := s.clock.Now()
				existing.FinishedAt = &finished
			}
			return cloneStage(existing), nil
		}
	}

	s.nextStageID++
	stage := &run.RunStage{
		ID:        s.nextStageID,
		RunID:     in.RunID,
		StageName: in.StageName,
		Status:    in.Status,
		Attempt:   in.Attempt,
		ErrorCode: in.ErrorCode,
		Details:   in.Details,
	}
	if in.Started {
		started := s.clock.Now()
		stage.StartedAt = &started
	}
	if in.Finished {
		finished := s.clock.Now()
		stage.FinishedAt = &finished
	}
	s.stages[in.RunID] = append(s.stages[in.RunID], stage)
	return cloneStage(stage), nil
}

func (s *Store) ListRunStages(ctx context.Context, runID string) ([]*run.RunStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages := s.stages[runID]
	out := make([]*run.RunStage, len(stages))
	for i, st := range stages {
		out[i] = cloneStage(st)
	}
	return out, nil
}

func (s *Store) CreateQuarantineItem(ctx context.Context, in repository.NewQuarantineItem) (*quarantine.QuarantineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	item := &quarantine.QuarantineItem{
		ID:          uuid.NewString(),
		DocumentID:  in.DocumentID,
		TenantID:    in.TenantID,
		Stage:       in.Stage,
		Status:      in.Status,
		ReasonCodes: in.ReasonCodes,
		Details:     in.Details,
		StoragePath: in.StoragePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.quarantines[item.ID] = item
	return cloneQuarantine(item), nil
}

func (s *Store) GetQuarantineItem(ctx context.Context, id, tenantID string) (*quarantine.QuarantineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.quarantines[id]
	if !ok || (tenantID != "" && item.TenantID != tenantID) {
		return nil, repository.ErrNotFound
	}
	return cloneQuarantine(item), nil
}

func (s *Store) ListQuarantineItems(ctx context.Context, tenantID string, filter repository.QuarantineFilter) ([]*quarantine.QuarantineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*quarantine.QuarantineItem
	for _, item := range s.quarantines {
		if item.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.ReasonCode != "" && !containsString(item.ReasonCodes, filter.ReasonCode) {
			continue
		}
		out = append(out, item)
	}
	sortQuarantineByCreatedAtDesc(out)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	cloned := make([]*quarantine.QuarantineItem, len(out))
	for i, item := range out {
		cloned[i] = cloneQuarantine(item)
	}
	return cloned, nil
}

func (s *Store) GetLatestOpenQuarantineForDocument(ctx context.Context, documentID, tenantID string) (*quarantine.QuarantineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *quarantine.QuarantineItem
	for _, item := range s.quarantines {
		if item.DocumentID != documentID || item.TenantID != tenantID || item.ResolvedAt != nil {
			continue
		}
		if latest == nil || item.CreatedAt.After(latest.CreatedAt) {
			latest = item
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return cloneQuarantine(latest), nil
}

func (s *Store) MarkQuarantineReprocessed(ctx context.Context, id string, patch repository.QuarantineReprocess) (*quarantine.QuarantineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.quarantines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	item.Status = patch.Status
	item.ReasonCodes = patch.ReasonCodes
	item.Details = patch.Details
	item.ReprocessCount++
	now := s.clock.Now()
	item.LastReprocessedAt = &now
	item.UpdatedAt = now
	if patch.Resolved {
		item.ResolvedAt = &now
	}
	return cloneQuarantine(item), nil
}

func cloneDocument(d *document.Document) *document.Document {
	c := *d
	return &c
}

func cloneRun(r *run.Run) *run.Run {
	c := *r
	return &c
}

func cloneStage(s *run.RunStage) *run.RunStage {
	c := *s
	return &c
}

func cloneQuarantine(q *quarantine.QuarantineItem) *quarantine.QuarantineItem {
	c := *q
	return &c
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func sortRunsByCreatedAt(runs []*run.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].CreatedAt.Before(runs[j-1].CreatedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func sortQuarantineByCreatedAtDesc(items []*quarantine.QuarantineItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].CreatedAt.After(items[j-1].CreatedAt); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
