// Package jobrunner implements the dispatcher at the heart of Numerus:
// the dependency scheduler, two-phase claim/execute state machine, lock
// arbiter, and deadlock detector (spec §4.I).
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/jsonextract"
	numerusotel "github.com/numerus-run/numerus/internal/otel"
	"github.com/numerus-run/numerus/internal/planjson"
	"github.com/numerus-run/numerus/internal/planmodel"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

// ErrDeadlock is raised when the dispatcher makes no progress across a
// full pass while every remaining task's dependencies are satisfied.
// Because this dispatcher runs tasks serially, this can only happen if
// a prerequisite invariant is violated elsewhere; it is dormant safety
// for a future parallel dispatcher (spec §9).
var ErrDeadlock = fmt.Errorf("jobrunner: deadlock detected")

// Config bundles a JobRunner's construction-time dependencies.
type Config struct {
	JobID            string
	Objective        string
	JobDir           string
	Manager          *terminal.Manager
	Store            *store.Store
	Bus              *bus.Bus
	Logger           *slog.Logger
	AnalysisTimeout  time.Duration
	ExecutionTimeout time.Duration

	Tracer  trace.Tracer
	Metrics *numerusotel.Metrics

	// OnActiveTask, if set, is called with the manager-level invocation
	// id (e.g. "claim-<job>-<task>" or "exec-<job>-<task>") just before
	// that invocation is created, and with "" once it reaches a
	// terminal state. It lets a caller (the worker's SIGTERM handler)
	// track which invocation is currently live so it can kill it.
	OnActiveTask func(taskID string)
}

// JobRunner dispatches one job's plan to completion.
type JobRunner struct {
	jobID            string
	objective        string
	jobDir           string
	manager          *terminal.Manager
	store            *store.Store
	bus              *bus.Bus
	logger           *slog.Logger
	analysisTimeout  time.Duration
	executionTimeout time.Duration

	tracer  trace.Tracer
	metrics *numerusotel.Metrics

	onActiveTask func(taskID string)

	plan      planmodel.Plan
	claims    map[string]planmodel.Claim
	completed map[string]bool
	blocked   map[string]bool
	locks     *ResourceLocks
}

// New constructs a JobRunner, eagerly loading <JobDir>/plan.json. A
// missing plan file is fatal, matching the source's construction-time
// load.
func New(cfg Config) (*JobRunner, error) {
	if cfg.AnalysisTimeout == 0 {
		cfg.AnalysisTimeout = 120 * time.Second
	}
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 600 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	planPath := filepath.Join(cfg.JobDir, "plan.json")
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: load plan: %w", err)
	}
	plan, err := planmodel.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: parse plan: %w", err)
	}

	return &JobRunner{
		jobID:            cfg.JobID,
		objective:        cfg.Objective,
		jobDir:           cfg.JobDir,
		manager:          cfg.Manager,
		store:            cfg.Store,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		analysisTimeout:  cfg.AnalysisTimeout,
		executionTimeout: cfg.ExecutionTimeout,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
		onActiveTask:     cfg.OnActiveTask,
		plan:             plan,
		claims:           make(map[string]planmodel.Claim),
		completed:        make(map[string]bool),
		blocked:          make(map[string]bool),
		locks:            NewResourceLocks(),
	}, nil
}

// Run drives the plan to completion or returns the first fatal error.
func (r *JobRunner) Run() error {
	jobStart := time.Now()
	var jobSpan trace.Span
	if r.tracer != nil {
		_, jobSpan = numerusotel.StartSpan(context.Background(), r.tracer, "job.run",
			numerusotel.AttrJobID.String(r.jobID),
		)
	}
	err := r.run()
	if r.metrics != nil {
		r.metrics.JobDuration.Record(context.Background(), time.Since(jobStart).Seconds())
	}
	if jobSpan != nil {
		if err != nil {
			jobSpan.SetStatus(codes.Error, err.Error())
		}
		jobSpan.End()
	}
	return err
}

func (r *JobRunner) run() error {
	remaining := make(map[string]planmodel.Task, len(r.plan.Tasks))
	order := make([]string, 0, len(r.plan.Tasks))
	for _, t := range r.plan.Tasks {
		remaining[t.ID] = t
		order = append(order, t.ID)
	}
	if len(remaining) == 0 {
		return fmt.Errorf("jobrunner: plan has zero tasks")
	}

	for len(remaining) > 0 {
		progress := false

		for _, taskID := range order {
			task, ok := remaining[taskID]
			if !ok {
				continue
			}
			if !r.dependenciesSatisfied(task) {
				continue
			}

			claim, ok := r.claims[taskID]
			if !ok {
				var err error
				claim, err = r.analyze(task)
				if err != nil {
					return err
				}
				r.claims[taskID] = claim
				if err := r.persistClaim(claim); err != nil {
					return err
				}
				r.logJobEvent("claim_recorded", taskID, map[string]any{
					"reads": claim.Reads, "writes": claim.Writes, "commands": claim.Commands,
				})
			}

			if !r.locks.CanLock(taskID, claim.Writes) {
				if !r.blocked[taskID] {
					r.blocked[taskID] = true
					_ = r.store.UpdateFields(r.jobID, map[string]any{"status": "blocked:" + taskID})
					r.logJobEvent("claim_blocked", taskID, map[string]any{"waiting_for": claim.Writes})
				}
				continue
			}
			if r.blocked[taskID] {
				delete(r.blocked, taskID)
				r.logJobEvent("claim_unblocked", taskID, map[string]any{})
			}

			r.locks.Acquire(taskID, claim.Writes)
			r.addLocksHeld(int64(len(claim.Writes)))
			r.logJobEvent("claim_approved", taskID, map[string]any{"writes": claim.Writes})

			taskStart := time.Now()
			var taskSpan trace.Span
			if r.tracer != nil {
				_, taskSpan = numerusotel.StartSpan(context.Background(), r.tracer, "job.task",
					numerusotel.AttrJobID.String(r.jobID),
					numerusotel.AttrTaskID.String(taskID),
					numerusotel.AttrRole.String(task.Role),
				)
			}

			execErr := r.execute(task, claim)

			r.locks.Release(taskID)
			r.addLocksHeld(-int64(len(claim.Writes)))
			r.logJobEvent("locks_released", taskID, map[string]any{"writes": claim.Writes})

			if r.metrics != nil {
				r.metrics.TaskDuration.Record(context.Background(), time.Since(taskStart).Seconds())
				if execErr != nil {
					r.metrics.TasksFailed.Add(context.Background(), 1)
				} else {
					r.metrics.TasksCompleted.Add(context.Background(), 1)
				}
			}
			if taskSpan != nil {
				if execErr != nil {
					taskSpan.SetStatus(codes.Error, execErr.Error())
				}
				taskSpan.End()
			}

			if execErr != nil {
				return execErr
			}

			r.completed[taskID] = true
			delete(remaining, taskID)
			progress = true
			break // lock table changed; restart from the front (spec §4.I)
		}

		if !progress {
			time.Sleep(500 * time.Millisecond)
			if allDependenciesSatisfied(remaining) {
				r.logger.Error("jobrunner: deadlock detected", "job_id", r.jobID)
				return ErrDeadlock
			}
		}
	}
	return nil
}

func (r *JobRunner) setActiveTask(taskID string) {
	if r.onActiveTask != nil {
		r.onActiveTask(taskID)
	}
}

func (r *JobRunner) addLocksHeld(delta int64) {
	if r.metrics == nil || delta == 0 {
		return
	}
	r.metrics.LocksHeld.Add(context.Background(), delta)
}

func allDependenciesSatisfied(remaining map[string]planmodel.Task) bool {
	ids := make(map[string]bool, len(remaining))
	for id := range remaining {
		ids[id] = true
	}
	for _, t := range remaining {
		for _, dep := range t.Dependencies {
			if ids[dep] {
				return false
			}
		}
	}
	return true
}

func (r *JobRunner) dependenciesSatisfied(task planmodel.Task) bool {
	for _, dep := range task.Dependencies {
		if !r.completed[dep] {
			return false
		}
	}
	return true
}

const (
	claimPromptTemplate = "NUMERUS_CLAIM V1\nTASK_ID: %s\nOBJECTIVE: %s\nSUMMARY: %s\nDESCRIPTION: %s\nReturn JSON ONLY with keys: task_id, resources{reads,writes}, execution{commands}."
	execPromptTemplate  = "NUMERUS_EXECUTE V1\nTASK_ID: %s\nOBJECTIVE: %s\nSUMMARY: %s\nDESCRIPTION: %s\nRESOURCES: %s\nAPPROVAL: GO\nPerform the task and report the result."
)

// analyze runs the claim-phase invocation for task and parses its
// response into a Claim (spec §4.I.1).
func (r *JobRunner) analyze(task planmodel.Task) (planmodel.Claim, error) {
	_ = r.store.UpdateFields(r.jobID, map[string]any{"status": "analysis:" + task.ID})

	prompt := fmt.Sprintf(claimPromptTemplate, task.ID, r.objective, task.Summary, task.Description)
	claimTaskID := fmt.Sprintf("claim-%s-%s", r.jobID, task.ID)

	r.setActiveTask(claimTaskID)
	record, err := r.manager.Create(claimTaskID, prompt, terminal.CreateOptions{Timeout: r.analysisTimeout})
	if err != nil {
		r.setActiveTask("")
		return planmodel.Claim{}, fmt.Errorf("jobrunner: analyze %s: %w", task.ID, err)
	}
	record.Wait(r.analysisTimeout + 5*time.Second)
	r.setActiveTask("")
	if record.Status() != terminal.StatusSucceeded {
		return planmodel.Claim{}, fmt.Errorf("jobrunner: analyze %s failed: %s", task.ID, record.Err())
	}

	lines, err := r.manager.Logs(claimTaskID)
	if err != nil {
		return planmodel.Claim{}, fmt.Errorf("jobrunner: read claim output for %s: %w", task.ID, err)
	}
	payload, rawJSON, err := parseJSONOutput(lines)
	if err != nil {
		return planmodel.Claim{}, fmt.Errorf("jobrunner: parse claim for %s: %w", task.ID, err)
	}

	claim := planmodel.ClaimFromMap(payload, task.ID, rawJSON)
	_ = r.manager.UpdateMetadata(claimTaskID, map[string]any{"claim": claim.ToWireMap()})
	return claim, nil
}

// execute runs the execute-phase invocation for task under the given
// claim (spec §4.I.2).
func (r *JobRunner) execute(task planmodel.Task, claim planmodel.Claim) error {
	_ = r.store.UpdateFields(r.jobID, map[string]any{"status": "awaiting_exec:" + task.ID})

	resourcesJSON, _ := json.Marshal(map[string]any{
		"reads": claim.Reads, "writes": claim.Writes, "commands": claim.Commands,
	})
	prompt := fmt.Sprintf(execPromptTemplate, task.ID, r.objective, task.Summary, task.Description, string(resourcesJSON))
	execTaskID := fmt.Sprintf("exec-%s-%s", r.jobID, task.ID)

	r.setActiveTask(execTaskID)
	record, err := r.manager.Create(execTaskID, prompt, terminal.CreateOptions{
		Timeout:  r.executionTimeout,
		Metadata: map[string]any{"claim": claim.ToWireMap()},
	})
	if err != nil {
		r.setActiveTask("")
		return fmt.Errorf("jobrunner: execute %s: %w", task.ID, err)
	}
	record.Wait(r.executionTimeout + 5*time.Second)
	r.setActiveTask("")

	if record.Status() != terminal.StatusSucceeded {
		exitCode := 0
		if ec := record.ExitCode(); ec != nil {
			exitCode = *ec
		}
		r.logJobEvent("task_failed", task.ID, map[string]any{"error": record.Err(), "exit_code": exitCode})
		return fmt.Errorf("jobrunner: execute %s failed: %s", task.ID, record.Err())
	}

	_ = r.store.UpdateFields(r.jobID, map[string]any{"status": "executed:" + task.ID})
	relLog, _ := filepath.Rel(r.jobDir, filepath.Join(r.jobDir, execTaskID, "stdout.log"))
	r.logJobEvent("task_completed", task.ID, map[string]any{
		"writes": claim.Writes, "commands": claim.Commands, "stdout_log": relLog,
	})
	return nil
}

func (r *JobRunner) persistClaim(claim planmodel.Claim) error {
	path := filepath.Join(r.jobDir, claim.TaskID+"_claim.json")
	var data []byte
	var err error
	if len(claim.Raw) > 0 {
		var pretty map[string]any
		if jsonErr := json.Unmarshal(claim.Raw, &pretty); jsonErr == nil {
			data, err = json.MarshalIndent(pretty, "", "  ")
		} else {
			data, err = json.MarshalIndent(claim.ToWireMap(), "", "  ")
		}
	} else {
		data, err = json.MarshalIndent(claim.ToWireMap(), "", "  ")
	}
	if err != nil {
		return fmt.Errorf("jobrunner: marshal claim: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("jobrunner: persist claim: %w", err)
	}
	return nil
}

func parseJSONOutput(lines []string) (map[string]any, json.RawMessage, error) {
	joined := ""
	for i, l := range lines {
		if i > 0 {
			joined += "\n"
		}
		joined += l
	}
	if joined == "" {
		return nil, nil, fmt.Errorf("empty invocation output")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(joined), &payload); err == nil {
		if _, verr := planjson.Validate(planjson.KindClaim, joined); verr != nil {
			return nil, nil, fmt.Errorf("claim rejected by schema: %w", verr)
		}
		return payload, json.RawMessage(joined), nil
	}

	candidate := jsonextract.Extract(joined)
	if candidate == "" {
		return nil, nil, fmt.Errorf("no JSON object found in output")
	}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, nil, fmt.Errorf("unreadable JSON output: %w", err)
	}
	if _, verr := planjson.Validate(planjson.KindClaim, candidate); verr != nil {
		return nil, nil, fmt.Errorf("claim rejected by schema: %w", verr)
	}
	return payload, json.RawMessage(candidate), nil
}

func (r *JobRunner) logJobEvent(eventType, taskID string, payload map[string]any) {
	line := map[string]any{
		"ts":      float64(time.Now().UnixNano()) / 1e9,
		"event":   eventType,
		"task_id": taskID,
		"payload": payload,
	}
	data, err := json.Marshal(line)
	if err == nil {
		path := filepath.Join(r.jobDir, "events.ndjson")
		if f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); ferr == nil {
			_, _ = f.Write(append(data, '\n'))
			f.Close()
		}
	}
	if r.bus != nil {
		busPayload := bus.Payload{"job_id": r.jobID, "task_id": taskID}
		for k, v := range payload {
			busPayload[k] = v
		}
		r.bus.Emit("job."+eventType, busPayload)
	}
}
