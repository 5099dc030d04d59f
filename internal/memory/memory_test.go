package memory

import "testing"

func TestPutAndGetRoundTrip(t *testing.T) {
	m := NewMemory()
	if _, err := m.Put("job-1", "preferred_shell", "bash", 0.8); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, ok, err := m.Get("job-1", "preferred_shell")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.Value != "bash" {
		t.Fatalf("Value = %q, want bash", entry.Value)
	}
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get("job-1", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing entry")
	}
}

func TestListOrdersByRelevanceDescending(t *testing.T) {
	m := NewMemory()
	_, _ = m.Put("job-1", "a", "low", 0.2)
	_, _ = m.Put("job-1", "b", "high", 0.9)
	_, _ = m.Put("job-1", "c", "mid", 0.5)

	entries, err := m.List("job-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Key != "b" || entries[1].Key != "c" || entries[2].Key != "a" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := NewMemory()
	_, _ = m.Put("job-1", "a", "v", 0.5)
	if err := m.Delete("job-1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := m.Get("job-1", "a")
	if ok {
		t.Fatal("expected entry to be gone after Delete")
	}
}

func TestDeleteMissingEntryIsNoop(t *testing.T) {
	m := NewMemory()
	if err := m.Delete("job-1", "nope"); err != nil {
		t.Fatalf("Delete on absent entry: %v", err)
	}
}

func TestPutOverwritesExistingEntry(t *testing.T) {
	m := NewMemory()
	first, _ := m.Put("job-1", "a", "v1", 0.1)
	second, _ := m.Put("job-1", "a", "v2", 0.9)

	if second.Value != "v2" || second.Relevance != 0.9 {
		t.Fatalf("unexpected second entry: %+v", second)
	}
	if first.CreatedAt != second.CreatedAt {
		t.Fatal("expected CreatedAt to be preserved across overwrite")
	}

	entries, _ := m.List("job-1")
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (overwrite, not append)", len(entries))
	}
}
