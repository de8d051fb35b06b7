package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasnoah/autopr/internal/pipeline"
	"github.com/lucasnoah/autopr/internal/pipeline/pipelinetest"
)

func TestFileStore(t *testing.T) {
	pipelinetest.RunStoreTests(t, func(t *testing.T) pipeline.Store {
		return pipeline.NewFileStore(t.TempDir())
	})
}

func TestFileStore_ListEmptyDir(t *testing.T) {
	s := pipeline.NewFileStore(filepath.Join(t.TempDir(), "missing"))

	states, err := s.ListByStage(context.Background(), pipeline.StagePending)
	if err != nil {
		t.Fatalf("ListByStage: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no states, got %d", len(states))
	}
}

func TestFileStore_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := pipeline.NewFileStore(dir)
	ctx := context.Background()

	if _, err := s.Insert(ctx, pipelinetest.NewState("org/repo#1", time.Now().UTC())); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0o755)

	states, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(states) != 1 || states[0].ID != "org/repo#1" {
		t.Errorf("ListActive = %+v, want only org/repo#1", states)
	}
}

func TestFileStore_IDIsEscapedToSingleFile(t *testing.T) {
	dir := t.TempDir()
	s := pipeline.NewFileStore(dir)

	if _, err := s.Insert(context.Background(), pipelinetest.NewState("org/repo#7", time.Now().UTC())); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].IsDir() {
		t.Fatalf("expected one file in store dir, got %v", entries)
	}
	if entries[0].Name() != "org%2Frepo%237.json" {
		t.Errorf("file name = %q, want %q", entries[0].Name(), "org%2Frepo%237.json")
	}
}
