// Package housekeeping periodically prunes terminal run directories and
// task-store rows older than a configured retention window. Numerus's
// supervisor is long-lived (spec §1's "survives worker restarts"); the
// source orchestrator has no equivalent policy, but a long-lived
// supervisor accumulating one directory tree per job needs one — this
// is a SPEC_FULL supplement (see SPEC_FULL.md F2), grounded on the
// teacher's cron-driven scheduler (internal/cron/scheduler.go) adapted
// from "fire due schedules" to "prune old rows/directories".
package housekeeping

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/numerus-run/numerus/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the pruner's construction-time dependencies.
type Config struct {
	Store            *store.Store
	RunsDir          string
	Schedule         string        // 5-field cron expression; default "0 */6 * * *"
	RetentionRuns    time.Duration // directories older than this are removed
	RetentionTasks   time.Duration // store rows older than this are removed
	Logger           *slog.Logger
}

// Pruner runs a cron schedule that removes terminal job directories and
// task-store rows past their retention window.
type Pruner struct {
	store          *store.Store
	runsDir        string
	retentionRuns  time.Duration
	retentionTasks time.Duration
	logger         *slog.Logger

	cron *cronlib.Cron

	mu      sync.Mutex
	lastRun time.Time
}

// New constructs a Pruner. A zero Schedule defaults to every 6 hours; a
// zero retention defaults to 14 days for runs and 30 days for store rows
// (matching SPEC_FULL.md's config defaults).
func New(cfg Config) (*Pruner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 */6 * * *"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	retentionRuns := cfg.RetentionRuns
	if retentionRuns <= 0 {
		retentionRuns = 14 * 24 * time.Hour
	}
	retentionTasks := cfg.RetentionTasks
	if retentionTasks <= 0 {
		retentionTasks = 30 * 24 * time.Hour
	}

	p := &Pruner{
		store:          cfg.Store,
		runsDir:        cfg.RunsDir,
		retentionRuns:  retentionRuns,
		retentionTasks: retentionTasks,
		logger:         cfg.Logger,
	}

	c := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, p.runOnce); err != nil {
		return nil, err
	}
	p.cron = c
	return p, nil
}

// Start begins the cron schedule in the background.
func (p *Pruner) Start(_ context.Context) { p.cron.Start() }

// Stop halts the schedule and waits for any in-flight run to finish.
func (p *Pruner) Stop() { <-p.cron.Stop().Done() }

// RunOnce runs a single pass immediately; it is exported for manual
// invocation and for tests, and the cron schedule runs the same pass.
func (p *Pruner) RunOnce() { p.runOnce() }

func (p *Pruner) runOnce() {
	p.mu.Lock()
	p.lastRun = time.Now()
	p.mu.Unlock()

	now := time.Now()
	taskCutoff := float64(now.Add(-p.retentionTasks).UnixNano()) / 1e9
	if p.store != nil {
		ids, err := p.store.DeletePrunable(taskCutoff)
		if err != nil {
			p.logger.Error("housekeeping: prune task store failed", "error", err)
		} else if len(ids) > 0 {
			p.logger.Info("housekeeping: pruned task rows", "count", len(ids))
		}
	}

	if p.runsDir == "" {
		return
	}
	runCutoff := now.Add(-p.retentionRuns)
	entries, err := os.ReadDir(p.runsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Error("housekeeping: read runs dir failed", "error", err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(runCutoff) {
			continue
		}
		path := filepath.Join(p.runsDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			p.logger.Error("housekeeping: remove stale run dir failed", "job_id", entry.Name(), "error", err)
			continue
		}
		p.logger.Info("housekeeping: removed stale run dir", "job_id", entry.Name())
	}
}

// LastRun returns the time at which the most recent pass started, or the
// zero value if none has run yet.
func (p *Pruner) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}
