package planmodel

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTaskFromMapTolerantFieldNames(t *testing.T) {
	raw := map[string]any{
		"task_id":      "a",
		"title":        "do the thing",
		"requires":     "b",
		"resources":    map[string]any{"reads": []any{"x"}, "writes": []any{"y", "z"}},
	}
	task := taskFromMap(raw)
	if task.ID != "a" || task.Summary != "do the thing" {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(task.Dependencies) != 1 || task.Dependencies[0] != "b" {
		t.Fatalf("expected single-string dependency coerced to list, got %v", task.Dependencies)
	}
	if len(task.Writes) != 2 {
		t.Fatalf("expected 2 writes, got %v", task.Writes)
	}
}

func TestTaskFromMapDefaultsMissingSummary(t *testing.T) {
	task := taskFromMap(map[string]any{"id": "a"})
	if task.Summary != "No summary provided" {
		t.Fatalf("expected default summary, got %q", task.Summary)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	p := Plan{
		Objective: "ship the feature",
		Tasks: []Task{
			{ID: "a", Summary: "first", Dependencies: []string{}, Writes: []string{"f.txt"}},
			{ID: "b", Summary: "second", Dependencies: []string{"a"}, Reads: []string{"f.txt"}},
		},
	}
	data, err := p.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.Objective != p.Objective {
		t.Fatalf("objective mismatch: %q vs %q", got.Objective, p.Objective)
	}
	if len(got.Tasks) != 2 || got.Tasks[1].Dependencies[0] != "a" {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if got.Tasks[0].Writes[0] != "f.txt" {
		t.Fatalf("expected writes to survive round trip, got %+v", got.Tasks[0])
	}
}

func TestPlanValidateEmpty(t *testing.T) {
	if err := (Plan{}).Validate(); !errors.Is(err, ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
}

func TestPlanValidateUnknownDependency(t *testing.T) {
	p := Plan{Tasks: []Task{{ID: "a", Dependencies: []string{"ghost"}}}}
	err := p.Validate()
	var unknownDep *ErrUnknownDependency
	if !errors.As(err, &unknownDep) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestClaimFromMapFallbackTaskID(t *testing.T) {
	var raw map[string]any
	payload := []byte(`{"resources":{"writes":["a"]},"execution":{"commands":["echo hi"]}}`)
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatal(err)
	}
	c := ClaimFromMap(raw, "fallback-id", json.RawMessage(payload))
	if c.TaskID != "fallback-id" {
		t.Fatalf("expected fallback task id, got %q", c.TaskID)
	}
	if len(c.Commands) != 1 || c.Commands[0] != "echo hi" {
		t.Fatalf("unexpected commands: %v", c.Commands)
	}
}
