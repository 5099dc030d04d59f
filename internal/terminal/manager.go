// Package terminal implements the task-level abstraction over a PTY
// session pool: create a task, spawn its agent invocation, watch its
// output, classify its exit, and release its session (spec §4.E).
package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/numerus-run/numerus/internal/bus"
	numerusotel "github.com/numerus-run/numerus/internal/otel"
	"github.com/numerus-run/numerus/internal/ptysession"
	"github.com/numerus-run/numerus/internal/resilience"
	"github.com/numerus-run/numerus/internal/termpool"
)

// Status values for a TaskRecord.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TaskRecord is the manager's in-memory record of one agent invocation.
type TaskRecord struct {
	TaskID    string
	Workdir   string
	Mode      string
	Command   string
	StartTime time.Time

	mu       sync.Mutex
	status   string
	endTime  time.Time
	exitCode *int
	errStr   string
	metadata map[string]any
	done     chan struct{}
	span     trace.Span
}

func newTaskRecord(taskID, workdir, command string) *TaskRecord {
	return &TaskRecord{
		TaskID:    taskID,
		Workdir:   workdir,
		Mode:      "exec",
		Command:   command,
		StartTime: time.Now(),
		status:    StatusRunning,
		metadata:  map[string]any{},
		done:      make(chan struct{}),
	}
}

// Status returns the record's current status.
func (t *TaskRecord) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitCode returns the child's exit code, if it has exited.
func (t *TaskRecord) ExitCode() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Err returns the failure description, if any.
func (t *TaskRecord) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errStr
}

// Duration reports how long the invocation has been (or was) running.
func (t *TaskRecord) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartTime)
}

// Metadata returns a copy of the record's free-form metadata.
func (t *TaskRecord) Metadata() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.metadata))
	for k, v := range t.metadata {
		out[k] = v
	}
	return out
}

func (t *TaskRecord) setMetadata(fields map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range fields {
		t.metadata[k] = v
	}
}

func (t *TaskRecord) markTerminal(status string, exitCode *int, errStr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return // already terminal
	default:
	}
	t.status = status
	t.exitCode = exitCode
	t.errStr = errStr
	t.endTime = time.Now()
	close(t.done)
}

// Wait blocks until the record reaches a terminal state or timeout
// elapses (timeout <= 0 waits indefinitely) and reports whether the
// record is terminal, replacing the source's 200ms polling loop with a completion
// signal (design note, spec §9).
func (t *TaskRecord) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-t.done
		return true
	}
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done exposes the completion channel for select-based callers.
func (t *TaskRecord) Done() <-chan struct{} { return t.done }

// CreateOptions configures one invocation.
type CreateOptions struct {
	Mode     string // only "exec" is supported
	Env      map[string]string
	Timeout  time.Duration
	Metadata map[string]any
}

// ErrDuplicateTask is a programmer error: Create called twice with the
// same task id.
type ErrDuplicateTask struct{ TaskID string }

func (e *ErrDuplicateTask) Error() string {
	return fmt.Sprintf("terminal: task %q already exists", e.TaskID)
}

// ErrUnknownMode rejects any mode other than "exec".
type ErrUnknownMode struct{ Mode string }

func (e *ErrUnknownMode) Error() string {
	return fmt.Sprintf("terminal: unsupported mode %q (only \"exec\" is supported)", e.Mode)
}

// ErrUnknownTask is returned by accessors given an unrecognized task id.
type ErrUnknownTask struct{ TaskID string }

func (e *ErrUnknownTask) Error() string {
	return fmt.Sprintf("terminal: unknown task %q", e.TaskID)
}

// Manager is the top-level task execution API (spec §4.E).
type Manager struct {
	runsDir  string
	agentBin string
	pool     *termpool.Pool
	bus      *bus.Bus
	logger   *slog.Logger
	breaker  *resilience.Breaker

	tracer  trace.Tracer
	metrics *numerusotel.Metrics

	mu        sync.Mutex
	tasks     map[string]*TaskRecord
	processes map[string]*ptysession.Session
}

// SetTelemetry wires an OTel tracer and metric instruments into the
// manager. It is optional: an unwired manager behaves exactly as before,
// since every instrumentation call below is nil-guarded. Called once at
// process startup, before any Create.
func (m *Manager) SetTelemetry(tracer trace.Tracer, metrics *numerusotel.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracer = tracer
	m.metrics = metrics
}

// NewManager constructs a manager rooted at runsDir, spawning agent
// invocations via agentBin, drawing sessions from a pool of poolSize.
func NewManager(runsDir, agentBin string, poolSize int, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runsDir:   runsDir,
		agentBin:  agentBin,
		pool:      termpool.New(poolSize),
		bus:       eventBus,
		logger:    logger,
		breaker:   resilience.NewBreaker("terminal_spawn", 3, 30*time.Second),
		tasks:     make(map[string]*TaskRecord),
		processes: make(map[string]*ptysession.Session),
	}
}

// Create materializes the invocation's workdir, checks out a session,
// spawns the agent under retry+breaker guard, and starts a watcher
// goroutine that drains its output until it exits or times out.
func (m *Manager) Create(taskID, command string, opts CreateOptions) (*TaskRecord, error) {
	mode := opts.Mode
	if mode == "" {
		mode = "exec"
	}
	if mode != "exec" {
		return nil, &ErrUnknownMode{Mode: mode}
	}

	m.mu.Lock()
	if _, exists := m.tasks[taskID]; exists {
		m.mu.Unlock()
		return nil, &ErrDuplicateTask{TaskID: taskID}
	}
	m.mu.Unlock()

	workdir := filepath.Join(m.runsDir, taskID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("terminal: create workdir: %w", err)
	}
	stdoutPath := filepath.Join(workdir, "stdout.log")
	eventsPath := filepath.Join(workdir, "events.ndjson")
	if f, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return nil, fmt.Errorf("terminal: create stdout.log: %w", err)
	} else {
		f.Close()
	}
	if f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return nil, fmt.Errorf("terminal: create events.ndjson: %w", err)
	} else {
		f.Close()
	}

	session, err := m.checkoutSession(workdir, opts.Env, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("terminal: checkout session: %w", err)
	}
	m.addActiveSessions(1)

	if err := m.breaker.Allow(); err != nil {
		m.pool.Release(session)
		m.addActiveSessions(-1)
		if m.metrics != nil {
			m.metrics.BreakerRejections.Add(context.Background(), 1)
		}
		return nil, err
	}

	attempt := 0
	spawnErr := resilience.Retry(3, 500*time.Millisecond, 2, nil, func() error {
		attempt++
		return session.SpawnExec(command)
	})
	if attempt > 1 && m.metrics != nil {
		m.metrics.SpawnRetries.Add(context.Background(), int64(attempt-1))
	}
	if spawnErr != nil {
		tripped := m.breaker.RecordFailure()
		if m.metrics != nil {
			m.metrics.SpawnFailures.Add(context.Background(), 1)
			if tripped {
				m.metrics.BreakerTrips.Add(context.Background(), 1)
			}
		}
		_ = session.Close()
		m.pool.Remove(session.ID())
		m.addActiveSessions(-1)
		return nil, fmt.Errorf("terminal: spawn failed: %w", spawnErr)
	}
	m.breaker.RecordSuccess()

	record := newTaskRecord(taskID, workdir, command)
	if opts.Metadata != nil {
		record.setMetadata(opts.Metadata)
	}

	if m.tracer != nil {
		_, span := numerusotel.StartClientSpan(context.Background(), m.tracer, "terminal.invocation",
			numerusotel.AttrTaskID.String(taskID),
			numerusotel.AttrAgentBin.String(m.agentBin),
		)
		record.span = span
	}

	m.mu.Lock()
	m.tasks[taskID] = record
	m.processes[taskID] = session
	m.mu.Unlock()

	pid := 0
	if cmd := session.Cmd(); cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	m.writeEvent(eventsPath, taskID, "started", map[string]any{
		"pid":        pid,
		"session_id": session.ID(),
		"command":    command,
	})

	go m.watch(record, session, stdoutPath, eventsPath, opts.Timeout)

	return record, nil
}

func (m *Manager) addActiveSessions(delta int64) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSessions.Add(context.Background(), delta)
}

func (m *Manager) checkoutSession(workdir string, env map[string]string, timeout time.Duration) (*ptysession.Session, error) {
	session, err := m.pool.Acquire(false, 0)
	if err != nil {
		session = ptysession.New(fmt.Sprintf("session-%s", uuid.NewString()[:8]))
		if openErr := session.Open(); openErr != nil {
			return nil, openErr
		}
		if addErr := m.pool.Add(session); addErr != nil {
			return nil, addErr
		}
		session, err = m.pool.Acquire(false, 0)
		if err != nil {
			return nil, err
		}
	}
	session.Configure(m.agentBin, workdir, env, timeout)
	return session, nil
}

func (m *Manager) watch(task *TaskRecord, session *ptysession.Session, stdoutPath, eventsPath string, timeout time.Duration) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	out, err := os.OpenFile(stdoutPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Error("terminal: open stdout log failed", "task_id", task.TaskID, "error", err)
		out = nil
	}
	defer func() {
		if out != nil {
			out.Close()
		}
	}()

	// A dedicated goroutine owns the blocking Wait() call so the watcher
	// can poll for exit without racing cmd.ProcessState, which is only
	// populated once Wait() returns.
	cmd := session.Cmd()
	waitCh := make(chan error, 1)
	if cmd != nil {
		go func() { waitCh <- cmd.Wait() }()
	} else {
		close(waitCh)
	}

	timedOut := false
	var waitErr error
	exited := false
	for {
		if !exited && !deadline.IsZero() && time.Now().After(deadline) {
			timedOut = true
			_ = session.Terminate()
			m.writeEvent(eventsPath, task.TaskID, "timeout", map[string]any{})
		}

		chunk, readErr := session.Read(200 * time.Millisecond)
		if readErr != nil {
			m.logger.Warn("terminal: read failed", "task_id", task.TaskID, "error", readErr)
		}
		if chunk != "" {
			if out != nil {
				_, _ = out.WriteString(chunk)
			}
			m.writeEvent(eventsPath, task.TaskID, "stdout", map[string]any{"data": chunk})
		}

		if !exited {
			select {
			case waitErr = <-waitCh:
				exited = true
			default:
			}
		}

		if (exited || timedOut) && chunk == "" {
			if !exited {
				waitErr = <-waitCh
				exited = true
			}
			break
		}
	}

	exitCode := 0
	if cmd != nil && cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	_ = session.Close()
	m.pool.Release(session)
	m.addActiveSessions(-1)

	var status string
	var errStr string
	killed := task.Err() == "killed"
	switch {
	case killed:
		status, errStr = StatusFailed, "killed"
	case timedOut:
		status, errStr = StatusFailed, "timeout"
	case exitCode == 0 && waitErr == nil:
		status, errStr = StatusSucceeded, ""
	default:
		status, errStr = StatusFailed, fmt.Sprintf("exit_code=%d", exitCode)
	}
	task.markTerminal(status, &exitCode, errStr)

	m.writeEvent(eventsPath, task.TaskID, "exit", map[string]any{
		"exit_code": exitCode,
		"status":    status,
		"error":     errStr,
	})

	if m.metrics != nil {
		m.metrics.InvocationDuration.Record(context.Background(), task.Duration().Seconds())
	}
	if task.span != nil {
		task.span.SetAttributes(numerusotel.AttrExitCode.Int(exitCode))
		if status == StatusFailed {
			task.span.SetStatus(codes.Error, errStr)
		}
		task.span.End()
	}

	m.mu.Lock()
	delete(m.processes, task.TaskID)
	m.mu.Unlock()
}

func (m *Manager) writeEvent(eventsPath, taskID, eventType string, payload map[string]any) {
	line := map[string]any{
		"ts":      float64(time.Now().UnixNano()) / 1e9,
		"type":    eventType,
		"payload": payload,
	}
	data, err := json.Marshal(line)
	if err == nil {
		if f, ferr := os.OpenFile(eventsPath, os.O_APPEND|os.O_WRONLY, 0o644); ferr == nil {
			_, _ = f.Write(append(data, '\n'))
			f.Close()
		}
	}
	if m.bus != nil {
		busPayload := bus.Payload{"task_path": taskID}
		for k, v := range payload {
			busPayload[k] = v
		}
		m.bus.Emit("terminal."+eventType, busPayload)
	}
}

// Logs returns the lines of stdout.log recorded so far for taskID.
func (m *Manager) Logs(taskID string) ([]string, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, &ErrUnknownTask{TaskID: taskID}
	}
	f, err := os.Open(filepath.Join(task.Workdir, "stdout.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Kill terminates a task's child, releasing its session, and flags the
// record failed/killed. It is a safe no-op on an unknown or
// already-terminal task.
func (m *Manager) Kill(taskID string) error {
	m.mu.Lock()
	task, taskOK := m.tasks[taskID]
	session, sessOK := m.processes[taskID]
	m.mu.Unlock()
	if !taskOK || !sessOK {
		return nil
	}
	select {
	case <-task.Done():
		return nil
	default:
	}

	_ = session.Terminate()
	exitCode := -1
	task.markTerminal(StatusFailed, &exitCode, "killed")

	eventsPath := filepath.Join(task.Workdir, "events.ndjson")
	m.writeEvent(eventsPath, taskID, "killed", map[string]any{"signal": "SIGTERM"})
	return nil
}

// Status returns the record for taskID.
func (m *Manager) Status(taskID string) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, &ErrUnknownTask{TaskID: taskID}
	}
	return task, nil
}

// List returns a shallow copy of all known task records.
func (m *Manager) List() map[string]*TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*TaskRecord, len(m.tasks))
	for k, v := range m.tasks {
		out[k] = v
	}
	return out
}

// UpdateMetadata merges fields into taskID's metadata and emits a
// metadata event.
func (m *Manager) UpdateMetadata(taskID string, fields map[string]any) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return &ErrUnknownTask{TaskID: taskID}
	}
	task.setMetadata(fields)
	m.writeEvent(filepath.Join(task.Workdir, "events.ndjson"), taskID, "metadata", fields)
	return nil
}

// Attach returns the master descriptor of a still-live task's session
// for interactive I/O. It is the session's own descriptor, not a
// duplicate, and it is closed when the session closes.
func (m *Manager) Attach(taskID string) (*os.File, error) {
	m.mu.Lock()
	session, ok := m.processes[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, &ErrUnknownTask{TaskID: taskID}
	}
	return session.MasterFD()
}

// Send writes data to taskID's session, feeding the agent's stdin.
func (m *Manager) Send(taskID string, data string) error {
	m.mu.Lock()
	session, ok := m.processes[taskID]
	m.mu.Unlock()
	if !ok {
		return &ErrUnknownTask{TaskID: taskID}
	}
	return session.Write([]byte(data))
}
