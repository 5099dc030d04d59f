package planmodel

import "encoding/json"

// Claim is the agent-declared resource set and commands for one task,
// produced by the claim-phase invocation. It is authoritative over the
// plan's declared reads/writes for lock acquisition.
type Claim struct {
	TaskID   string          `json:"task_id"`
	Reads    []string        `json:"-"`
	Writes   []string        `json:"-"`
	Commands []string        `json:"-"`
	Raw      json.RawMessage `json:"-"`
}

// ClaimFromMap builds a Claim from decoded claim JSON (§6), tolerating
// the same missing-field defaults as the plan parser: task_id falls
// back to fallbackTaskID if absent from the payload.
func ClaimFromMap(raw map[string]any, fallbackTaskID string, original json.RawMessage) Claim {
	c := Claim{Raw: original}
	c.TaskID = firstString(raw, "task_id")
	if c.TaskID == "" {
		c.TaskID = fallbackTaskID
	}
	if res, ok := raw["resources"].(map[string]any); ok {
		c.Reads = ensureStringList(res["reads"])
		c.Writes = ensureStringList(res["writes"])
	}
	if exec, ok := raw["execution"].(map[string]any); ok {
		c.Commands = ensureStringList(exec["commands"])
	}
	return c
}

// ToWireMap rebuilds the §6 on-disk claim JSON shape from the parsed
// fields. The job runner uses it for task metadata, and for the claim
// file when the raw agent payload is missing or does not parse.
func (c Claim) ToWireMap() map[string]any {
	return map[string]any{
		"task_id": c.TaskID,
		"resources": map[string]any{
			"reads":  c.Reads,
			"writes": c.Writes,
		},
		"execution": map[string]any{
			"commands": c.Commands,
		},
	}
}

// RoleAssignment is one entry of the role planner's output.
type RoleAssignment struct {
	TaskID string `json:"task_id"`
	Role   string `json:"role"`
	Notes  string `json:"notes,omitempty"`
}

// DefaultRoles is the closed set of roles the role planner may assign.
var DefaultRoles = []string{"queen", "planner", "executor", "reviewer"}
