// Package planmodel defines the Plan/Task/Claim/Role value objects and
// their tolerant JSON (de)serialization.
package planmodel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Task is one node in a Plan's dependency DAG.
type Task struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Reads        []string `json:"-"`
	Writes       []string `json:"-"`
	Role         string   `json:"role,omitempty"`
}

// resources mirrors the nested {"reads": [...], "writes": [...]} shape
// used on the wire for a task's declared resource hints and a claim's
// effective resource set.
type resources struct {
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

// taskWire is the on-disk shape of a Task: resources nested, matching §6.
type taskWire struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description"`
	Dependencies []string  `json:"dependencies"`
	Resources    resources `json:"resources"`
	Role         string    `json:"role,omitempty"`
}

// MarshalJSON emits the nested-resources wire shape.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskWire{
		ID:           t.ID,
		Summary:      t.Summary,
		Description:  t.Description,
		Dependencies: t.Dependencies,
		Resources:    resources{Reads: t.Reads, Writes: t.Writes},
		Role:         t.Role,
	})
}

// UnmarshalJSON tolerates the shapes the agent is observed to emit:
// "id" or "task_id"; "summary" or "title"; a single string dependency
// coerced to a one-element list; missing summary defaulted to
// "No summary provided".
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = taskFromMap(raw)
	return nil
}

func taskFromMap(raw map[string]any) Task {
	t := Task{}
	t.ID = firstString(raw, "id", "task_id")
	if t.ID == "" {
		t.ID = randomHex(3)
	}
	t.Summary = firstString(raw, "summary", "title")
	if t.Summary == "" {
		t.Summary = "No summary provided"
	}
	t.Description = firstString(raw, "description", "details")

	t.Dependencies = ensureStringList(firstValue(raw, "dependencies", "requires"))

	if resRaw, ok := raw["resources"].(map[string]any); ok {
		t.Reads = ensureStringList(resRaw["reads"])
		t.Writes = ensureStringList(resRaw["writes"])
	}
	if role, ok := raw["role"].(string); ok {
		t.Role = role
	}
	return t
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	v := firstValue(m, keys...)
	s, _ := v.(string)
	return s
}

// ensureStringList coerces a single string into a one-element list,
// stringifies list elements (dropping nils), and treats anything else
// as an empty list.
func ensureStringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return []string{}
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{}
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "task"
	}
	return hex.EncodeToString(buf)
}

// Plan is the immutable objective + ordered task list persisted as
// plan.json immediately after planning.
type Plan struct {
	Objective string `json:"objective"`
	Tasks     []Task `json:"tasks"`
}

type planWire struct {
	Objective string `json:"objective"`
	Tasks     []Task `json:"tasks"`
}

// ToJSON serializes the plan with two-space indentation.
func (p Plan) ToJSON() ([]byte, error) {
	return json.MarshalIndent(planWire{Objective: p.Objective, Tasks: p.Tasks}, "", "  ")
}

// FromJSON is tolerant the same way Task's UnmarshalJSON is: accepts
// "objective" or "goal"; skips any non-object entry in "tasks".
func FromJSON(data []byte) (Plan, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Plan{}, fmt.Errorf("planmodel: invalid plan JSON: %w", err)
	}
	return FromMap(raw), nil
}

// FromMap builds a Plan from an already-decoded JSON object, tolerating
// the same variant field names as FromJSON.
func FromMap(raw map[string]any) Plan {
	p := Plan{}
	p.Objective = firstString(raw, "objective", "goal")

	tasksRaw, _ := raw["tasks"].([]any)
	for _, item := range tasksRaw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.Tasks = append(p.Tasks, taskFromMap(obj))
	}
	return p
}

// ErrUnknownDependency is returned by Validate when a task declares a
// dependency id that is not present in the plan.
type ErrUnknownDependency struct {
	TaskID       string
	DependencyID string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("planmodel: task %q depends on unknown task %q", e.TaskID, e.DependencyID)
}

// ErrEmptyPlan is returned by Validate when the plan has zero tasks.
var ErrEmptyPlan = fmt.Errorf("planmodel: plan must contain at least one task")

// Validate checks that the plan is non-empty and every dependency id
// refers to a task present in the plan (the DAG-ness of the graph,
// i.e. absence of cycles, is the job runner's concern at dispatch
// time: a cyclic plan simply never makes progress and is reported as
// deadlock).
func (p Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return ErrEmptyPlan
	}
	known := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		known[t.ID] = struct{}{}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := known[dep]; !ok {
				return &ErrUnknownDependency{TaskID: t.ID, DependencyID: dep}
			}
		}
	}
	return nil
}
