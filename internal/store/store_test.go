package store

import (
	"path/filepath"
	"testing"
)

func TestUpsertAndGet(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpsertTask("job1", "build the thing", "build the thing", "pending", "exec", nil, nil, ""); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	row, err := s.Get("job1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil || row.Status != "pending" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.CreatedAt == 0 {
		t.Fatalf("expected created_at to be set")
	}
}

func TestUpsertConflictUpdatesButKeepsCreatedAt(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpsertTask("job1", "obj", "cmd", "pending", "exec", nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Get("job1")

	if err := s.UpsertTask("job1", "obj", "cmd", "running", "exec", nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Get("job1")

	if second.Status != "running" {
		t.Fatalf("expected status updated to running, got %s", second.Status)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("expected created_at preserved across conflict, %v != %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestUpdateFieldsStampsUpdatedAt(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.UpsertTask("job1", "obj", "cmd", "pending", "exec", nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Get("job1")

	if err := s.UpdateFields("job1", map[string]any{"status": "running"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	after, _ := s.Get("job1")
	if after.Status != "running" {
		t.Fatalf("expected status running, got %s", after.Status)
	}
	if after.UpdatedAt < before.UpdatedAt {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestListOrdersByCreatedAtDesc(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertTask(id, "obj", "cmd", "pending", "exec", nil, nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].TaskID != "c" || rows[1].TaskID != "b" || rows[2].TaskID != "a" {
		t.Fatalf("expected newest-created first (c, b, a), got %s, %s, %s", rows[0].TaskID, rows[1].TaskID, rows[2].TaskID)
	}
}

func TestGetUnknownReturnsNilNil(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	row, err := s.Get("ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row for unknown task, got %+v", row)
	}
}
