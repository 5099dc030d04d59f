package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

func writeFakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\nshift\ncat <<'EOF'\n{\"task_id\": \"t1\", \"resources\": {\"reads\": [], \"writes\": []}, \"execution\": {\"commands\": [\"echo ok\"]}}\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func TestRunMarksJobSucceeded(t *testing.T) {
	runsDir := t.TempDir()
	jobID := "job1"
	jobDir := filepath.Join(runsDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("mkdir job dir: %v", err)
	}
	plan := `{"objective": "ship it", "tasks": [{"id": "t1", "summary": "do it", "description": "do the thing"}]}`
	if err := os.WriteFile(filepath.Join(jobDir, "plan.json"), []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan.json: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	if err := st.UpsertTask(jobID, "ship it", "", "pending", "exec", nil, nil, ""); err != nil {
		t.Fatalf("seed job row: %v", err)
	}

	code := Run(Config{
		JobID:            jobID,
		RunsDir:          runsDir,
		AgentBin:         writeFakeAgent(t),
		PoolSize:         2,
		Store:            st,
		Bus:              bus.New(nil),
		AnalysisTimeout:  5,
		ExecutionTimeout: 5,
	})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	row, err := st.Get(jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s (error=%s)", row.Status, row.Error)
	}

	claimData, err := os.ReadFile(filepath.Join(jobDir, "t1_claim.json"))
	if err != nil {
		t.Fatalf("expected claim file: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(claimData, &parsed); err != nil {
		t.Fatalf("claim file is not valid JSON: %v", err)
	}
}

func writeSleepyFakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sleepy-fake-agent")
	script := "#!/bin/sh\nshift\nsleep 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

// TestCurrentTaskKillsLiveInvocation exercises the SIGTERM handler's
// kill path in isolation: once the active task id has been reported by
// a live invocation (the role jobrunner.Config.OnActiveTask plays in
// Run), killActive must actually terminate it rather than being a
// no-op because taskID was never updated past "".
func TestCurrentTaskKillsLiveInvocation(t *testing.T) {
	bin := writeSleepyFakeAgent(t)
	manager := terminal.NewManager(t.TempDir(), bin, 2, bus.New(nil), nil)

	tracked := &currentTask{}
	tracked.set(manager, "")

	record, err := manager.Create("live-task", "sleep 30", terminal.CreateOptions{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Simulate what OnActiveTask does while the invocation is in flight.
	tracked.set(manager, "live-task")

	tracked.killActive()

	if !record.Wait(5 * time.Second) {
		t.Fatalf("killed task did not reach terminal state in time")
	}
	if record.Status() != terminal.StatusFailed || record.Err() != "killed" {
		t.Fatalf("expected failed/killed, got %s/%s", record.Status(), record.Err())
	}
}

func TestRunReturnsErrorForUnknownJob(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	code := Run(Config{
		JobID:   "ghost",
		RunsDir: t.TempDir(),
		Store:   st,
		Bus:     bus.New(nil),
	})
	if code != 1 {
		t.Fatalf("expected exit code 1 for unknown job, got %d", code)
	}
}
