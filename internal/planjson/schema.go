// Package planjson validates the three agent-produced JSON shapes —
// Plan, Claim, and Role — against JSON Schema before the tolerant
// extractor/parser in planmodel proceeds to build domain structs. A
// shape that merely happens to parse as JSON but is missing required
// structure is rejected here with a precise error, rather than
// surfacing as a confusing downstream nil-field bug.
package planjson

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind names one of the three validated shapes.
type Kind string

const (
	KindPlan  Kind = "plan"
	KindClaim Kind = "claim"
	KindRole  Kind = "role"
)

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["objective", "tasks"],
  "properties": {
    "objective": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "task_id": {"type": "string"},
          "summary": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "dependencies": {},
          "resources": {
            "type": "object",
            "properties": {
              "reads": {"type": "array", "items": {"type": "string"}},
              "writes": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

const claimSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "resources": {
      "type": "object",
      "properties": {
        "reads": {"type": "array", "items": {"type": "string"}},
        "writes": {"type": "array", "items": {"type": "string"}}
      }
    },
    "execution": {
      "type": "object",
      "properties": {
        "commands": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const roleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["roles"],
  "properties": {
    "roles": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "role"],
        "properties": {
          "id": {"type": "string"},
          "role": {"type": "string", "enum": ["queen", "planner", "executor", "reviewer"]},
          "notes": {"type": "string"}
        }
      }
    },
    "strategy": {"type": "string"}
  }
}`

var schemas map[Kind]*jsonschema.Schema

func init() {
	schemas = make(map[Kind]*jsonschema.Schema, 3)
	sources := map[Kind]string{
		KindPlan:  planSchemaJSON,
		KindClaim: claimSchemaJSON,
		KindRole:  roleSchemaJSON,
	}
	for kind, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("planjson: invalid built-in schema %s: %v", kind, err))
		}
		c := jsonschema.NewCompiler()
		resourceName := string(kind) + ".json"
		if err := c.AddResource(resourceName, doc); err != nil {
			panic(fmt.Sprintf("planjson: add resource %s: %v", kind, err))
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			panic(fmt.Sprintf("planjson: compile schema %s: %v", kind, err))
		}
		schemas[kind] = schema
	}
}

// ValidationError reports a schema mismatch, carrying the raw text
// that was rejected so callers can log it for forensics.
type ValidationError struct {
	Kind    Kind
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("planjson: %s shape rejected: %s", e.Kind, e.Message)
}

// Validate parses jsonText (already extracted from noisy agent output
// by jsonextract.Extract) and checks it against kind's schema. It
// returns the decoded value (a json.Number-preserving tree, per
// jsonschema.UnmarshalJSON) on success.
func Validate(kind Kind, jsonText string) (any, error) {
	schema, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("planjson: unknown kind %q", kind)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return nil, &ValidationError{Kind: kind, Message: "invalid JSON: " + err.Error(), Raw: jsonText}
	}

	if err := schema.Validate(parsed); err != nil {
		return nil, &ValidationError{Kind: kind, Message: err.Error(), Raw: jsonText}
	}
	return parsed, nil
}
