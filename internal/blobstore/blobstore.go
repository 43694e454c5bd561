// Package blobstore writes the on-disk artifacts a run produces: raw
// uploads, quarantined payloads, and per-stage run artifacts/outputs, all
// rooted at config.Settings.StorageRoot.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"invoicerun/pkg/clock"
)

// Store roots all writes at a single directory tree.
type Store struct {
	root  string
	clock clock.Clock
}

func New(root string, c clock.Clock) *Store {
	return &Store{root: root, clock: c}
}

// SaveRawDocument writes an accepted upload to raw/<document_id>/<filename>.
func (s *Store) SaveRawDocument(documentID, filename string, payload []byte) (string, error) {
	dir := filepath.Join(s.root, "raw", documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	return path, os.WriteFile(path, payload, 0o644)
}

// SaveQuarantineDocument writes a quarantined upload to
// quarantine/<tenant_id>/<year>/<month>/<day>/<document_id>/<filename>.
func (s *Store) SaveQuarantineDocument(tenantID, documentID, filename string, payload []byte) (string, error) {
	now := s.clock.Now().UTC()
	dir := filepath.Join(s.root, "quarantine", tenantID,
		fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", now.Month()), fmt.Sprintf("%02d", now.Day()), documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	return path, os.WriteFile(path, payload, 0o644)
}

// SaveQuarantineMetadata writes quarantine_meta.json alongside storagePath.
func (s *Store) SaveQuarantineMetadata(storagePath string, payload []byte) (string, error) {
	target := filepath.Join(filepath.Dir(storagePath), "quarantine_meta.json")
	return target, os.WriteFile(target, payload, 0o644)
}

// SaveRunArtifact writes an intermediate stage artifact to
// runs/<run_id>/artifacts/<name>.
func (s *Store) SaveRunArtifact(runID, name string, payload []byte) (string, error) {
	return s.writeUnder(runID, "artifacts", name, payload)
}

// SaveRunOutput writes a final stage output to runs/<run_id>/outputs/<name>.
func (s *Store) SaveRunOutput(runID, name string, payload []byte) (string, error) {
	return s.writeUnder(runID, "outputs", name, payload)
}

func (s *Store) writeUnder(runID, subdir, name string, payload []byte) (string, error) {
	dir := filepath.Join(s.root, "runs", runID, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, payload, 0o644)
}

// RunStartedAt is a convenience used by callers that need a monotonic-ish
// wall-clock reference for run-deadline bookkeeping independent of blob I/O.
func (s *Store) RunStartedAt() time.Time {
	return s.clock.Now()
}
