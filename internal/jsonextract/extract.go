// Package jsonextract locates a JSON object or array embedded in noisy
// agent output: fenced code blocks first, then a balanced brace/bracket
// scan over the raw text. It is shared by the planner, role planner,
// and the job runner's claim parser — all three need the exact same
// tolerant-parse behavior (Testable Property 5: for any string
// s = prefix + "{json}" + suffix with well-formed json and no stray
// braces in prefix/suffix, Extract yields the same text as the json
// substring itself).
package jsonextract

import (
	"encoding/json"
	"strings"
)

// Extract finds the first JSON object or array in text and returns its
// exact substring, preferring a fenced ```json block, then a generic
// fenced block, then a raw balanced-brace scan. It returns "" if
// nothing parseable is found.
func Extract(text string) string {
	if s := fencedJSON(text); s != "" {
		return s
	}
	if s := fencedGeneric(text); s != "" {
		return s
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func fencedJSON(text string) string {
	idx := strings.Index(text, "```json")
	if idx < 0 {
		return ""
	}
	start := idx + len("```json")
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	candidate := strings.TrimSpace(text[start : start+end])
	if candidate == "" || !isJSON(candidate) {
		return ""
	}
	return candidate
}

func fencedGeneric(text string) string {
	idx := strings.Index(text, "```\n")
	if idx < 0 {
		return ""
	}
	start := idx + 4
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	candidate := strings.TrimSpace(text[start : start+end])
	if candidate != "" && isJSON(candidate) {
		return candidate
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts the shortest balanced {...} or [...]
// substring starting at s[0], honoring string-escape and quote nesting.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var closeCh byte
	switch open {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == closeCh {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
