// Command numerus is the supervisor's CLI front end: it accepts an
// objective, plans it, launches a detached worker process to dispatch
// the resulting task graph, and exposes status/logs/kill/serve
// operational controls over the durable task store and event bus.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/config"
	"github.com/numerus-run/numerus/internal/gateway"
	"github.com/numerus-run/numerus/internal/housekeeping"
	"github.com/numerus-run/numerus/internal/logging"
	"github.com/numerus-run/numerus/internal/notify"
	numerusotel "github.com/numerus-run/numerus/internal/otel"
	"github.com/numerus-run/numerus/internal/planner"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
	"github.com/numerus-run/numerus/internal/tui"
	"github.com/numerus-run/numerus/internal/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		os.Exit(cmdRun(rest))
	case "start":
		os.Exit(cmdStart(rest))
	case "status":
		os.Exit(cmdStatus(rest))
	case "logs":
		os.Exit(cmdLogs(rest))
	case "kill":
		os.Exit(cmdKill(rest))
	case "serve":
		os.Exit(cmdServe(rest))
	case "__worker":
		os.Exit(cmdWorker(rest))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Println("numerus " + Version)
	default:
		fmt.Fprintf(os.Stderr, "numerus: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `numerus - job orchestrator for an external code-generation agent

Usage:
  numerus run [--max-parallel N] <objective...>   create and launch a job
  numerus start [--objective S]                   prompt for an objective, then run
  numerus status [--watch]                        list jobs
  numerus logs [--follow] <task_id>                print or tail a task's stdout
  numerus kill <task_id>                          SIGTERM a job's worker
  numerus serve [--bind addr]                     run the HTTP/WebSocket gateway
  numerus version                                 print the version

Environment:
  NUMERUS_HOME       supervisor home directory (default ~/.numerus)
  NUMERUS_RUNS_DIR    per-job working directory root
  NUMERUS_STORE_PATH  task store database path
  NUMERUS_AGENT_BIN   code-generation CLI binary (default codex)
  NUMERUS_BIND_ADDR   gateway bind address
  NUMERUS_LOG_LEVEL   debug, info, warn, or error
  TELEGRAM_TOKEN      enables the Telegram job-lifecycle notifier
`)
}

// app bundles the shared dependencies a CLI subcommand needs.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	logCloser   io.Closer
	store       *store.Store
	bus         *bus.Bus
	telemetry   *numerusotel.Provider
	otelMetrics *numerusotel.Metrics
}

func newApp(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := numerusotel.Init(context.Background(), numerusotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		closer.Close()
		st.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := numerusotel.NewMetrics(provider.Meter)
	if err != nil {
		closer.Close()
		st.Close()
		return nil, fmt.Errorf("init telemetry metrics: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		logCloser:   closer,
		store:       st,
		bus:         bus.New(logger),
		telemetry:   provider,
		otelMetrics: metrics,
	}, nil
}

func (a *app) Close() {
	_ = a.telemetry.Shutdown(context.Background())
	a.store.Close()
	a.logCloser.Close()
}

func genJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// launchJob runs the planning phase synchronously (matching spec.md
// §6's run/start contract: exit 0 on launch success, 1 on planning
// failure) then execs a detached `numerus __worker <job_id>` process
// to dispatch the plan, per SPEC_FULL.md F3's separate-worker-process
// supplement.
func launchJob(a *app, objective string) (string, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return "", fmt.Errorf("objective must not be empty")
	}

	jobID := genJobID()
	if err := a.store.UpsertTask(jobID, objective, "", "pending", "job", nil, nil, ""); err != nil {
		return jobID, fmt.Errorf("record job: %w", err)
	}

	// Planning runs against a manager rooted at the runs directory, not
	// the job directory: the job directory is created below once the
	// plan exists, and the planner/role-planner invocations are their
	// own short-lived tasks that never need the full job tree.
	planManager := terminal.NewManager(a.cfg.RunsDir, a.cfg.AgentBin, a.cfg.PoolSize, a.bus, a.logger)
	planManager.SetTelemetry(a.telemetry.Tracer, a.otelMetrics)

	p := planner.New(planManager)
	plan, err := p.GeneratePlan(objective, jobID, a.cfg.AnalysisTimeout())
	if err != nil {
		_ = a.store.UpdateFields(jobID, map[string]any{"status": "failed", "error": err.Error()})
		return jobID, err
	}

	rolePlanner := planner.NewRolePlanner(planManager, a.bus)
	if assignments, rerr := rolePlanner.Assign(plan, jobID, a.cfg.AnalysisTimeout()); rerr != nil {
		a.logger.Warn("role assignment failed, proceeding without roles", "job_id", jobID, "error", rerr)
	} else {
		for i, t := range plan.Tasks {
			if assignment, ok := assignments[t.ID]; ok {
				plan.Tasks[i].Role = assignment.Role
			}
		}
	}

	jobDir := filepath.Join(a.cfg.RunsDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		_ = a.store.UpdateFields(jobID, map[string]any{"status": "failed", "error": err.Error()})
		return jobID, fmt.Errorf("create job dir: %w", err)
	}
	planData, err := plan.ToJSON()
	if err != nil {
		_ = a.store.UpdateFields(jobID, map[string]any{"status": "failed", "error": err.Error()})
		return jobID, fmt.Errorf("serialize plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "plan.json"), planData, 0o644); err != nil {
		_ = a.store.UpdateFields(jobID, map[string]any{"status": "failed", "error": err.Error()})
		return jobID, fmt.Errorf("write plan: %w", err)
	}

	a.bus.Emit("job.plan_created", bus.Payload{"job_id": jobID, "task_count": len(plan.Tasks)})

	cmd := exec.Command(os.Args[0], "__worker", jobID)
	cmd.Dir = jobDir
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedSysProcAttr()
	if err := cmd.Start(); err != nil {
		_ = a.store.UpdateFields(jobID, map[string]any{"status": "failed", "error": err.Error()})
		return jobID, fmt.Errorf("launch worker: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	if err := a.store.UpdateFields(jobID, map[string]any{"status": "running", "worker_pid": &pid}); err != nil {
		a.logger.Error("record worker pid failed", "job_id", jobID, "error", err)
	}
	a.bus.Emit("job.started", bus.Payload{"job_id": jobID, "worker_pid": pid})

	return jobID, nil
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	maxParallel := fs.Int("max-parallel", 1, "maximum concurrent tasks (accepted, currently ignored: dispatch is serial)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	_ = maxParallel
	objective := strings.Join(fs.Args(), " ")

	a, err := newApp(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	jobID, err := launchJob(a, objective)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	fmt.Printf("job %s launched\n", jobID)
	return 0
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	objectiveFlag := fs.String("objective", "", "objective text (skips the interactive prompt)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	objective := *objectiveFlag
	if objective == "" {
		if isatty.IsTerminal(os.Stdin.Fd()) {
			fmt.Print("objective: ")
		}
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		objective = strings.TrimSpace(line)
	}

	a, err := newApp(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	jobID, err := launchJob(a, objective)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	fmt.Printf("job %s launched\n", jobID)
	return 0
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "live-refreshing dashboard")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	if *watch && isatty.IsTerminal(os.Stdout.Fd()) {
		model := tui.NewModel(a.store, 2*time.Second)
		if _, err := tea.NewProgram(model).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
			return 1
		}
		return 0
	}

	rows, err := a.store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	printStatusTable(os.Stdout, rows)
	return 0
}

func printStatusTable(w io.Writer, rows []store.TaskRow) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tCREATED\tUPDATED\tPID\tEXIT\tERROR")
	for _, r := range rows {
		pid := "-"
		if r.WorkerPID != nil {
			pid = fmt.Sprintf("%d", *r.WorkerPID)
		}
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TaskID, r.Status,
			time.Unix(int64(r.CreatedAt), 0).Local().Format("15:04:05"),
			time.Unix(int64(r.UpdatedAt), 0).Local().Format("15:04:05"),
			pid, exit, r.Error)
	}
	tw.Flush()
}

func cmdLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "tail the log as it grows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "numerus: logs requires exactly one task id")
		return 2
	}
	taskID := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	logPath := filepath.Join(cfg.RunsDir, taskID, "stdout.log")

	f, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	if !*follow {
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(500 * time.Millisecond):
			if _, err := io.Copy(os.Stdout, f); err != nil {
				fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
				return 1
			}
		}
	}
}

func cmdKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "numerus: kill requires exactly one task id")
		return 2
	}
	jobID := fs.Arg(0)

	a, err := newApp(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	row, err := a.store.Get(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	if row == nil || row.WorkerPID == nil || row.Status == "succeeded" || row.Status == "failed" {
		// Unknown or already-terminal job: a no-op, matching kill's
		// idempotence contract (spec §8 property 8).
		return 0
	}

	if err := syscall.Kill(*row.WorkerPID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	if err := a.store.UpdateFields(jobID, map[string]any{"status": "terminating"}); err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	return 0
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bindAddr := fs.String("bind", "", "override the configured bind address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	addr := a.cfg.BindAddr
	if *bindAddr != "" {
		addr = *bindAddr
	}

	// Attach/send operates against this process's own manager instance,
	// so only tasks invoked within the gateway process's lifetime are
	// attachable; a worker subprocess's sessions are a separate
	// manager and are not reachable here. The job list is read from the
	// shared store; the event bus is per process, so /ws/events carries
	// only events emitted inside this process, not a worker's.
	manager := terminal.NewManager(a.cfg.RunsDir, a.cfg.AgentBin, a.cfg.PoolSize, a.bus, a.logger)
	manager.SetTelemetry(a.telemetry.Tracer, a.otelMetrics)

	gw := gateway.New(gateway.Config{
		Bus:     a.bus,
		Manager: manager,
		Store:   a.store,
		Logger:  a.logger,
	})

	pruner, err := housekeeping.New(housekeeping.Config{
		Store:          a.store,
		RunsDir:        a.cfg.RunsDir,
		Schedule:       a.cfg.HousekeepingCron,
		RetentionRuns:  time.Duration(a.cfg.RetentionRunsDays) * 24 * time.Hour,
		RetentionTasks: time.Duration(a.cfg.RetentionTasksDays) * 24 * time.Hour,
		Logger:         a.logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pruner.Start(ctx)
	defer pruner.Stop()

	if a.cfg.Telegram.Enabled && a.cfg.Telegram.Token != "" {
		notifier, err := notify.New(notify.Config{
			Token:      a.cfg.Telegram.Token,
			AllowedIDs: a.cfg.Telegram.AllowedIDs,
			Bus:        a.bus,
			Logger:     a.logger,
		})
		if err != nil {
			a.logger.Warn("telegram notifier disabled", "error", err)
		} else {
			notifier.Start()
			defer notifier.Stop()
		}
	}

	server := &http.Server{Addr: addr, Handler: gw}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serve: listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	return 0
}

func cmdWorker(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "numerus: __worker requires exactly one job id")
		return 2
	}
	jobID := args[0]

	a, err := newApp(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numerus: %v\n", err)
		return 1
	}
	defer a.Close()

	return worker.Run(worker.Config{
		JobID:            jobID,
		RunsDir:          a.cfg.RunsDir,
		AgentBin:         a.cfg.AgentBin,
		PoolSize:         a.cfg.PoolSize,
		Store:            a.store,
		Bus:              a.bus,
		Logger:           a.logger,
		AnalysisTimeout:  a.cfg.AnalysisTimeoutSeconds,
		ExecutionTimeout: a.cfg.ExecutionTimeoutSeconds,
		Tracer:           a.telemetry.Tracer,
		Metrics:          a.otelMetrics,
	})
}
