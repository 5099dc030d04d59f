// Package worker implements the per-job worker process: it owns the
// terminal manager and job runner for a single job, installs a SIGTERM
// handler that kills the in-flight task cleanly, and reports the job's
// final status to the task store (grounded on orchestrator/worker.py).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/jobrunner"
	numerusotel "github.com/numerus-run/numerus/internal/otel"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

// Config bundles a Run's construction-time dependencies.
type Config struct {
	JobID            string
	RunsDir          string
	AgentBin         string
	PoolSize         int
	Store            *store.Store
	Bus              *bus.Bus
	Logger           *slog.Logger
	AnalysisTimeout  int // seconds
	ExecutionTimeout int // seconds

	Tracer  trace.Tracer
	Metrics *numerusotel.Metrics
}

// currentTask tracks the terminal manager and active task id so the
// SIGTERM handler can kill the in-flight invocation before exiting.
type currentTask struct {
	mu      sync.Mutex
	manager *terminal.Manager
	taskID  string
}

func (c *currentTask) set(m *terminal.Manager, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manager = m
	c.taskID = taskID
}

func (c *currentTask) killActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager != nil && c.taskID != "" {
		_ = c.manager.Kill(c.taskID)
	}
}

// Run drives one job to completion, matching worker.py's main(): load the
// job row, mark it running, construct a JobRunner rooted at
// <RunsDir>/<JobID>, execute it, and record succeeded/failed status with
// the store on the way out. It returns a process exit code.
func Run(cfg Config) int {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	row, err := cfg.Store.Get(cfg.JobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: load job %s: %v\n", cfg.JobID, err)
		return 1
	}
	if row == nil {
		fmt.Fprintf(os.Stderr, "worker: job %s not found\n", cfg.JobID)
		return 1
	}

	jobDir := filepath.Join(cfg.RunsDir, cfg.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "worker: create job dir: %v\n", err)
		return 1
	}

	manager := terminal.NewManager(jobDir, cfg.AgentBin, cfg.PoolSize, cfg.Bus, cfg.Logger)
	manager.SetTelemetry(cfg.Tracer, cfg.Metrics)

	tracked := &currentTask{}
	tracked.set(manager, "")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		cfg.Logger.Warn("worker: received SIGTERM, killing active task", "job_id", cfg.JobID)
		tracked.killActive()
		os.Exit(0)
	}()

	if err := cfg.Store.UpdateFields(cfg.JobID, map[string]any{"status": "running"}); err != nil {
		cfg.Logger.Error("worker: update status running failed", "error", err)
	}

	runner, err := jobrunner.New(jobrunner.Config{
		JobID:            cfg.JobID,
		Objective:        row.Objective,
		JobDir:           jobDir,
		Manager:          manager,
		Store:            cfg.Store,
		Bus:              cfg.Bus,
		Logger:           cfg.Logger,
		AnalysisTimeout:  time.Duration(secondsOrDefault(cfg.AnalysisTimeout, 120)) * time.Second,
		ExecutionTimeout: time.Duration(secondsOrDefault(cfg.ExecutionTimeout, 600)) * time.Second,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.Metrics,
		OnActiveTask:     func(taskID string) { tracked.set(manager, taskID) },
	})
	if err != nil {
		_ = cfg.Store.UpdateFields(cfg.JobID, map[string]any{"status": "failed", "error": err.Error()})
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}

	if err := runner.Run(); err != nil {
		_ = cfg.Store.UpdateFields(cfg.JobID, map[string]any{"status": "failed", "error": err.Error()})
		fmt.Fprintf(os.Stderr, "worker: job failed: %v\n", err)
		return 1
	}

	zero := 0
	_ = cfg.Store.UpdateFields(cfg.JobID, map[string]any{"status": "succeeded", "exit_code": &zero, "error": ""})
	return 0
}

func secondsOrDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
