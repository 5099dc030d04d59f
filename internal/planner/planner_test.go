package planner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/planmodel"
	"github.com/numerus-run/numerus/internal/terminal"
)

func writeFakeAgent(t *testing.T, response string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\nshift\ncat <<'EOF'\n" + response + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func TestGeneratePlanParsesValidJSON(t *testing.T) {
	resp := `{"objective": "build a widget", "tasks": [{"id": "t1", "summary": "write code"}, {"id": "t2", "summary": "test it", "dependencies": ["t1"]}]}`
	bin := writeFakeAgent(t, resp)
	mgr := terminal.NewManager(t.TempDir(), bin, 2, bus.New(nil), nil)
	p := New(mgr)

	plan, err := p.GeneratePlan("build a widget", "job1", 5*time.Second)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
	}
	if plan.Tasks[1].Dependencies[0] != "t1" {
		t.Fatalf("expected t2 to depend on t1, got %v", plan.Tasks[1].Dependencies)
	}
}

func TestGeneratePlanExtractsFromNoisyOutput(t *testing.T) {
	resp := "Sure, here is the plan:\n```json\n{\"objective\": \"x\", \"tasks\": [{\"id\": \"a\", \"summary\": \"do a\"}]}\n```\nDone."
	bin := writeFakeAgent(t, resp)
	mgr := terminal.NewManager(t.TempDir(), bin, 2, bus.New(nil), nil)
	p := New(mgr)

	plan, err := p.GeneratePlan("x", "job2", 5*time.Second)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].ID != "a" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestGeneratePlanRejectsUnknownDependency(t *testing.T) {
	resp := `{"objective": "x", "tasks": [{"id": "a", "summary": "do a", "dependencies": ["ghost"]}]}`
	bin := writeFakeAgent(t, resp)
	mgr := terminal.NewManager(t.TempDir(), bin, 2, bus.New(nil), nil)
	p := New(mgr)

	if _, err := p.GeneratePlan("x", "job3", 5*time.Second); err == nil {
		t.Fatalf("expected validation error for unknown dependency")
	}
}

func TestRolePlannerParsesAssignments(t *testing.T) {
	resp := `{"roles": [{"id": "a", "role": "executor"}, {"id": "b", "role": "reviewer", "notes": "check edge cases"}], "strategy": "split work"}`
	bin := writeFakeAgent(t, resp)
	eb := bus.New(nil)
	mgr := terminal.NewManager(t.TempDir(), bin, 2, eb, nil)
	rp := NewRolePlanner(mgr, eb)

	plan := planmodel.Plan{Objective: "x", Tasks: []planmodel.Task{{ID: "a", Summary: "do a"}, {ID: "b", Summary: "review a"}}}
	assignments, err := rp.Assign(plan, "job4", 5*time.Second)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assignments["a"].Role != "executor" {
		t.Fatalf("expected a=executor, got %+v", assignments["a"])
	}
	if assignments["b"].Role != "reviewer" || assignments["b"].Notes != "check edge cases" {
		t.Fatalf("unexpected assignment for b: %+v", assignments["b"])
	}
}

func TestRolePlannerFallsBackToHeuristic(t *testing.T) {
	bin := writeFakeAgent(t, "not json at all, sorry")
	eb := bus.New(nil)
	mgr := terminal.NewManager(t.TempDir(), bin, 2, eb, nil)
	rp := NewRolePlanner(mgr, eb)

	plan := planmodel.Plan{Objective: "x", Tasks: []planmodel.Task{
		{ID: "a", Summary: "draft the spec"},
		{ID: "b", Summary: "review the output"},
		{ID: "c", Summary: "ship the feature"},
	}}
	assignments, err := rp.Assign(plan, "job5", 5*time.Second)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assignments["a"].Role != "planner" {
		t.Fatalf("expected a=planner, got %s", assignments["a"].Role)
	}
	if assignments["b"].Role != "reviewer" {
		t.Fatalf("expected b=reviewer, got %s", assignments["b"].Role)
	}
	if assignments["c"].Role != "executor" {
		t.Fatalf("expected c=executor, got %s", assignments["c"].Role)
	}
}
