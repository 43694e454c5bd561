package blobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"invoicerun/pkg/clock"
)

func TestSaveRawDocument_WritesUnderDocumentID(t *testing.T) {
	root := t.TempDir()
	s := New(root, clock.NewReal())

	path, err := s.SaveRawDocument("doc-1", "invoice.pdf", []byte("content"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(root, "raw", "doc-1", "invoice.pdf")
	if path != want {
		t.Fatalf("expected path %s, got %s", want, path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestSaveQuarantineDocument_PartitionsByDate(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	s := New(root, clock.NewFixed(fixed))

	path, err := s.SaveQuarantineDocument("tenant-a", "doc-2", "bad.pdf", []byte("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(root, "quarantine", "tenant-a", "2026", "03", "05", "doc-2", "bad.pdf")
	if path != want {
		t.Fatalf("expected path %s, got %s", want, path)
	}
}

func TestSaveQuarantineMetadata_WritesAlongsidePayload(t *testing.T) {
	root := t.TempDir()
	s := New(root, clock.NewReal())

	payloadPath, err := s.SaveRawDocument("doc-3", "bad.pdf", []byte("x"))
	if err != nil {
		t.Fatalf("save payload: %v", err)
	}
	metaPath, err := s.SaveQuarantineMetadata(payloadPath, []byte(`{"stage":"A"}`))
	if err != nil {
		t.Fatalf("save metadata: %v", err)
	}
	if filepath.Dir(metaPath) != filepath.Dir(payloadPath) {
		t.Fatalf("expected metadata next to payload, got %s vs %s", metaPath, payloadPath)
	}
}

func TestSaveRunArtifactAndOutput_WriteToDistinctSubdirs(t *testing.T) {
	root := t.TempDir()
	s := New(root, clock.NewReal())

	artifactPath, err := s.SaveRunArtifact("run-1", "ocr.json", []byte("{}"))
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	outputPath, err := s.SaveRunOutput("run-1", "result.json", []byte("{}"))
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if filepath.Dir(artifactPath) == filepath.Dir(outputPath) {
		t.Fatal("expected artifacts and outputs to live in distinct subdirectories")
	}
}
