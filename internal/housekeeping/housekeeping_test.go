package housekeeping

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/store"
)

func TestNewRejectsBadSchedule(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := New(Config{Store: s, Schedule: "not a cron expr"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnceKeepsTerminalRowsWithinRetention(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpsertTask("old-job", "obj", "cmd", "succeeded", "exec", nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTask("fresh-job", "obj", "cmd", "succeeded", "exec", nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	// A later update touches only updated_at; created_at stays "now",
	// which is what the retention cutoff is compared against.
	if err := s.UpdateFields("old-job", map[string]any{"status": "succeeded"}); err != nil {
		t.Fatal(err)
	}

	p, err := New(Config{
		Store:          s,
		RetentionTasks: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RunOnce()

	if p.LastRun().IsZero() {
		t.Fatal("expected LastRun to be set after RunOnce")
	}

	// Both rows are freshly created in this test (within the retention
	// window), so neither should be pruned yet.
	row, err := s.Get("old-job")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("expected old-job row to still exist (not yet past retention)")
	}
}

func TestRunOnceRemovesStaleRunDirs(t *testing.T) {
	runsDir := t.TempDir()
	staleDir := filepath.Join(runsDir, "stale-job")
	freshDir := filepath.Join(runsDir, "fresh-job")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(freshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(staleDir, old, old); err != nil {
		t.Fatal(err)
	}

	p, err := New(Config{
		RunsDir:       runsDir,
		RetentionRuns: 14 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RunOnce()

	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Fatalf("expected stale run dir to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatalf("expected fresh run dir to survive, stat err=%v", err)
	}
}
