// Package planner runs the two agent calls that turn an objective into
// a dispatchable Plan: the task-decomposition call (Planner) and the
// per-task role-labeling call (RolePlanner). Grounded on
// orchestrator/planner.py and orchestrator/roles.py.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/jsonextract"
	"github.com/numerus-run/numerus/internal/planjson"
	"github.com/numerus-run/numerus/internal/planmodel"
	"github.com/numerus-run/numerus/internal/terminal"
)

// ErrPlanningFailed wraps a planner-phase invocation failure or an
// unparseable/empty plan response.
type ErrPlanningFailed struct{ Reason string }

func (e *ErrPlanningFailed) Error() string { return "planner: " + e.Reason }

const planPromptTemplate = `NUMERUS_PLAN V1. OBJECTIVE: %s. Return JSON only with schema: {"objective": string, "tasks": [{"id": string, "summary": string, "description": string, "dependencies": [string], "resources": {"reads": [string], "writes": [string]}}]}. Use concise ids (kebab-case).`

// Planner generates a Plan for an objective via a single agent invocation.
type Planner struct {
	manager *terminal.Manager
}

// New constructs a Planner driving invocations through manager.
func New(manager *terminal.Manager) *Planner {
	return &Planner{manager: manager}
}

// GeneratePlan runs the planning invocation, parses its JSON response
// tolerantly, and validates the resulting DAG.
func (p *Planner) GeneratePlan(objective, jobID string, timeout time.Duration) (planmodel.Plan, error) {
	taskID := fmt.Sprintf("planner-%s-%s", jobID, uuid.NewString()[:4])
	prompt := fmt.Sprintf(planPromptTemplate, strings.TrimSpace(objective))

	record, err := p.manager.Create(taskID, prompt, terminal.CreateOptions{Timeout: timeout})
	if err != nil {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: err.Error()}
	}
	record.Wait(timeout + 5*time.Second)

	if record.Status() != terminal.StatusSucceeded {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: fmt.Sprintf("invocation failed: %s", record.Err())}
	}

	lines, err := p.manager.Logs(taskID)
	if err != nil {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: err.Error()}
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: "empty planner output"}
	}

	candidateText := text
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		candidate := jsonextract.Extract(text)
		if candidate == "" {
			return planmodel.Plan{}, &ErrPlanningFailed{Reason: "unreadable planner output"}
		}
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			return planmodel.Plan{}, &ErrPlanningFailed{Reason: "invalid plan JSON"}
		}
		candidateText = candidate
	}

	if _, err := planjson.Validate(planjson.KindPlan, candidateText); err != nil {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: err.Error()}
	}

	plan := planmodel.FromMap(raw)
	if plan.Objective == "" {
		plan.Objective = strings.TrimSpace(objective)
	}
	if err := plan.Validate(); err != nil {
		return planmodel.Plan{}, &ErrPlanningFailed{Reason: err.Error()}
	}
	return plan, nil
}

const rolePromptTemplate = `NUMERUS_ROLES V1
OBJECTIVE: %s
TASKS:
%s

Assign a role from the set %v to each task.
Return JSON with schema:
{
  "roles": [{"id": "task-id", "role": "executor", "notes": "optional"}],
  "strategy": "short guidance"
}`

// RolePlanner labels each task in a Plan with a role via a second agent
// invocation, falling back to a deterministic keyword heuristic when the
// agent's response is empty or unusable.
type RolePlanner struct {
	manager *terminal.Manager
	bus     *bus.Bus
}

// NewRolePlanner constructs a RolePlanner. eventBus may be nil.
func NewRolePlanner(manager *terminal.Manager, eventBus *bus.Bus) *RolePlanner {
	return &RolePlanner{manager: manager, bus: eventBus}
}

// Assign runs the role-labeling invocation and returns the parsed
// RoleAssignments keyed by task id. When the response yields no usable
// entry, every task gets a heuristic role; a response that labels only
// some tasks is returned as is, without heuristic roles for the rest.
func (r *RolePlanner) Assign(plan planmodel.Plan, jobID string, timeout time.Duration) (map[string]planmodel.RoleAssignment, error) {
	var lines []string
	for _, t := range plan.Tasks {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.ID, t.Summary))
	}
	prompt := fmt.Sprintf(rolePromptTemplate, plan.Objective, strings.Join(lines, "\n"), planmodel.DefaultRoles)

	taskID := fmt.Sprintf("roles-%s", jobID)
	record, err := r.manager.Create(taskID, prompt, terminal.CreateOptions{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("planner: role invocation: %w", err)
	}
	record.Wait(timeout + 5*time.Second)

	if record.Status() != terminal.StatusSucceeded {
		return nil, fmt.Errorf("planner: role planning failed: %s", record.Err())
	}

	logLines, err := r.manager.Logs(taskID)
	if err != nil {
		return nil, fmt.Errorf("planner: read role output: %w", err)
	}

	assignments := r.parseAssignments(logLines, plan)

	if r.bus != nil {
		roleDicts := make([]map[string]any, 0, len(assignments))
		for _, a := range assignments {
			roleDicts = append(roleDicts, map[string]any{"task_id": a.TaskID, "role": a.Role, "notes": a.Notes})
		}
		r.bus.Emit("job.roles_assigned", bus.Payload{"job_id": jobID, "roles": roleDicts})
	}

	return assignments, nil
}

func (r *RolePlanner) parseAssignments(logLines []string, plan planmodel.Plan) map[string]planmodel.RoleAssignment {
	text := strings.TrimSpace(strings.Join(logLines, "\n"))
	result := make(map[string]planmodel.RoleAssignment)

	if text != "" {
		candidateText := text
		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			if candidate := jsonextract.Extract(text); candidate != "" {
				_ = json.Unmarshal([]byte(candidate), &raw)
				candidateText = candidate
			}
		}
		// A role response that fails schema validation is treated the
		// same as an unparseable one: fall through to the deterministic
		// heuristic below rather than raising (spec §4.H never hard-fails
		// on a bad role response).
		if _, err := planjson.Validate(planjson.KindRole, candidateText); err != nil {
			raw = nil
		}
		if roles, ok := raw["roles"].([]any); ok {
			for _, item := range roles {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				taskID := strings.TrimSpace(firstString(entry, "id", "task_id"))
				role := strings.ToLower(strings.TrimSpace(firstString(entry, "role")))
				notes := strings.TrimSpace(firstString(entry, "notes"))
				if taskID != "" && role != "" {
					result[taskID] = planmodel.RoleAssignment{TaskID: taskID, Role: role, Notes: notes}
				}
			}
		}
	}

	if len(result) == 0 {
		for _, t := range plan.Tasks {
			result[t.ID] = planmodel.RoleAssignment{TaskID: t.ID, Role: heuristicRole(t.Summary)}
		}
	}
	return result
}

// heuristicRole applies the fallback keyword precedence: plan/spec/analysis
// wins over review/test, which wins over the executor default.
func heuristicRole(summary string) string {
	lower := strings.ToLower(summary)
	for _, kw := range []string{"plan", "spec", "analysis"} {
		if strings.Contains(lower, kw) {
			return "planner"
		}
	}
	if strings.Contains(lower, "review") || strings.Contains(lower, "test") {
		return "reviewer"
	}
	return "executor"
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
