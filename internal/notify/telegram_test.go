package notify

import (
	"strings"
	"testing"

	"github.com/numerus-run/numerus/internal/bus"
)

func TestFormatSummaryIncludesJobAndTaskAndError(t *testing.T) {
	text := formatSummary("Job failed", "job.failed", bus.Payload{
		"job_id":  "ab12cd34",
		"task_id": "build-api",
		"error":   "planning-error: empty response",
	})

	for _, want := range []string{"Job failed", "ab12cd34", "build-api", "planning-error", "job.failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("formatSummary() = %q, missing %q", text, want)
		}
	}
}

func TestFormatSummaryOmitsAbsentFields(t *testing.T) {
	text := formatSummary("Roles assigned", "job.roles_assigned", bus.Payload{
		"job_id": "ab12cd34",
	})

	if strings.Contains(text, "task") {
		t.Errorf("formatSummary() = %q, expected no task mention", text)
	}
}

func TestNewRejectsNoAllowedIDs(t *testing.T) {
	if _, err := New(Config{Token: "dummy", Bus: bus.New(nil)}); err == nil {
		t.Fatal("expected error when no allowed chat ids are configured")
	}
}
