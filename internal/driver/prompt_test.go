package driver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"workbench.dev/core/internal/driver"
)

func TestBuildPrompt_CarriesIssueAndClarifications(t *testing.T) {
	prompt := driver.BuildPrompt(driver.SignalContext{
		Source:      "github",
		Repo:        "acme/widgets",
		IssueNumber: 12,
		Title:       "Retry queue starves low-priority jobs",
		Body:        "Observed in production under load.",
		Labels:      []string{"bug", "queue"},
		PriorClarifications: []driver.PriorClarification{
			{Question: "Which database?", Answer: "PostgreSQL"},
		},
	})

	assert.Contains(t, prompt, "Issue #12: Retry queue starves low-priority jobs")
	assert.Contains(t, prompt, "Observed in production under load.")
	assert.Contains(t, prompt, "Labels: bug, queue")
	assert.Contains(t, prompt, "Previous Clarifications")
	assert.Contains(t, prompt, "Q: Which database?")
	assert.Contains(t, prompt, "A: PostgreSQL")
	assert.Contains(t, prompt, "SINGLE AskUserQuestion call")
}

func TestBuildPrompt_LimitsDiscussionComments(t *testing.T) {
	comments := []string{"one", "two", "three", "four", "five", "six", "seven"}
	prompt := driver.BuildPrompt(driver.SignalContext{
		Repo:        "acme/widgets",
		IssueNumber: 3,
		Title:       "t",
		Comments:    comments,
	})
	assert.Contains(t, prompt, "- five")
	assert.NotContains(t, prompt, "- six")
}

func TestBuildPrompt_NotesRetriedAttempts(t *testing.T) {
	prompt := driver.BuildPrompt(driver.SignalContext{
		Repo:          "acme/widgets",
		IssueNumber:   4,
		Title:         "t",
		PriorAttempts: 1,
	})
	assert.Contains(t, prompt, "attempt #2")
}
