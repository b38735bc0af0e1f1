package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/toolrun/internal/run"
)

// createTestStore creates a new on-disk store under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestRun creates a pending run with minimal required fields.
func createTestRun(id string, createdAt time.Time) *run.ExecutionRun {
	return &run.ExecutionRun{
		ID:        id,
		OrgID:     "org-1",
		ToolID:    "tool-1",
		ActionID:  "list_issues",
		Status:    run.StatusPending,
		Input:     map[string]any{"repo": "acme/api"},
		SpecHash:  "test-hash",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}
