// Package classifier turns an ExecutionResult and a diff summary into an
// outcome classification. It is a pure function: given the same inputs
// it always returns the same outcome, with no I/O of its own.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/sandbox"
)

// Limits bounds what counts as a "reasonably sized" change; exceeding
// either raises a risk flag without changing the outcome status.
type Limits struct {
	MaxDiffLines int
	MaxFiles     int
}

// DefaultLimits are the 800-line / 40-file defaults.
var DefaultLimits = Limits{MaxDiffLines: 800, MaxFiles: 40}

// Outcome is the classifier's verdict.
type Outcome struct {
	Status       domain.AttemptStatus
	Questions    []driver.AskedQuestion
	RiskFlags    []string
	PRUrl        string
	WhatChanged  []string
	Assumptions  []string
	ErrorMessage string
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^/]+/[^/]+/pull/\d+`)

// assumptionPatterns extract assumptions the agent reported in its final
// message.
var assumptionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:I(?:'m| am) assuming|Assumption:|Assumed:)\s*(.+)`),
	regexp.MustCompile(`(?i)(?:I(?:'ll| will) assume)\s*(.+)`),
}

// stuckCategories are phrasings in the agent's final text that indicate
// it got stuck without explicitly calling AskUserQuestion. Kept as an
// ordered slice so classification is deterministic; at most one
// synthetic question is raised per category.
var stuckCategories = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{"repo_ambiguity", []*regexp.Regexp{
		regexp.MustCompile(`(?i)which (repo|repository|branch|file)`),
		regexp.MustCompile(`(?i)unclear (which|what) (to modify|to change)`),
		regexp.MustCompile(`(?i)multiple (repos|repositories|options)`),
	}},
	{"semantic_ambiguity", []*regexp.Regexp{
		regexp.MustCompile(`(?i)could (mean|interpret)`),
		regexp.MustCompile(`(?i)multiple (interpretations|meanings)`),
		regexp.MustCompile(`(?i)need clarification`),
		regexp.MustCompile(`(?i)not sure (if|whether|what)`),
		regexp.MustCompile(`(?i)unclear (what you mean|intent|requirement)`),
	}},
	{"missing_decision", []*regexp.Regexp{
		regexp.MustCompile(`(?i)product decision`),
		regexp.MustCompile(`(?i)design decision`),
		regexp.MustCompile(`(?i)(should|would) (I|we|it) (use|choose|prefer)`),
		regexp.MustCompile(`(?i)which (approach|method|pattern)`),
	}},
	{"env_blocker", []*regexp.Regexp{
		regexp.MustCompile(`(?i)(missing|not found|cannot find) (dependency|package|module)`),
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)access denied`),
		regexp.MustCompile(`(?i)(cannot|couldn't) (connect|access|reach)`),
	}},
}

const maxAssumptions = 10

// Classify maps one execution to an outcome:
//  1. timed_out -> FAILED (TIMEOUT)
//  2. budget_exceeded -> FAILED (BUDGET_EXCEEDED)
//  3. cancelled -> FAILED ("Cancelled by user")
//  4. unanswered explicit questions -> NEEDS_HUMAN with the questions attached
//  5. implicit stuck phrasing, only when the run succeeded and touched
//     zero files -> NEEDS_HUMAN with synthetic questions
//  6. not success -> FAILED (EXECUTION_ERROR)
//  7. zero files touched -> NOOP
//  8. otherwise SUCCESS, with the first PR URL extracted and risk flags
//     for oversized diffs
func Classify(result *driver.ExecutionResult, diff *sandbox.DiffStats, limits Limits) Outcome {
	if result.TimedOut {
		return Outcome{
			Status:       domain.AttemptFailed,
			RiskFlags:    []string{"TIMEOUT"},
			ErrorMessage: "Execution timed out",
		}
	}
	if result.BudgetExceeded {
		return Outcome{
			Status:       domain.AttemptFailed,
			RiskFlags:    []string{"BUDGET_EXCEEDED"},
			ErrorMessage: "Tool call budget exceeded",
		}
	}
	if result.Cancelled {
		return Outcome{
			Status:       domain.AttemptFailed,
			ErrorMessage: "Cancelled by user",
		}
	}

	if questions := unansweredQuestions(result); len(questions) > 0 {
		return Outcome{
			Status:      domain.AttemptNeedsHuman,
			Questions:   questions,
			Assumptions: extractAssumptions(result.FinalText),
			WhatChanged: diff.Files,
		}
	}

	if result.Success && diff.FilesChanged == 0 {
		if stuck := detectStuckQuestions(result.FinalText); len(stuck) > 0 {
			return Outcome{
				Status:      domain.AttemptNeedsHuman,
				Questions:   stuck,
				Assumptions: extractAssumptions(result.FinalText),
			}
		}
	}

	if !result.Success {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		return Outcome{
			Status:       domain.AttemptFailed,
			RiskFlags:    []string{"EXECUTION_ERROR"},
			ErrorMessage: "Execution failed: " + msg,
		}
	}

	if diff.FilesChanged == 0 {
		return Outcome{Status: domain.AttemptNoop, Assumptions: extractAssumptions(result.FinalText)}
	}

	out := Outcome{
		Status:      domain.AttemptSuccess,
		PRUrl:       prURLPattern.FindString(result.FinalText),
		WhatChanged: diff.Files,
		Assumptions: extractAssumptions(result.FinalText),
	}
	totalLines := diff.Additions + diff.Deletions
	if totalLines > limits.MaxDiffLines {
		out.RiskFlags = append(out.RiskFlags, fmt.Sprintf("DIFF_SIZE_EXCEEDED:%d", totalLines))
	}
	if diff.FilesChanged > limits.MaxFiles {
		out.RiskFlags = append(out.RiskFlags, fmt.Sprintf("FILES_EXCEEDED:%d", diff.FilesChanged))
	}
	return out
}

// unansweredQuestions returns every asked question when the run was
// interrupted for them (blocking mode) or when any question in the run
// is missing an inline answer; a fully answered bidirectional rendezvous
// returns nothing, since those questions no longer need a human.
func unansweredQuestions(result *driver.ExecutionResult) []driver.AskedQuestion {
	all := result.AllQuestions()
	if len(all) == 0 {
		return nil
	}
	if !result.InterruptedForQuestions {
		allAnswered := true
		for _, q := range all {
			if _, ok := result.AnsweredInline[q.ID]; !ok {
				allAnswered = false
				break
			}
		}
		if allAnswered {
			return nil
		}
	}
	return all
}

// detectStuckQuestions raises at most one synthetic question per stuck
// category matched in the agent's final text. Only consulted when the
// agent reported success but touched zero files.
func detectStuckQuestions(text string) []driver.AskedQuestion {
	var out []driver.AskedQuestion
	for _, cat := range stuckCategories {
		for _, p := range cat.patterns {
			if p.MatchString(text) {
				out = append(out, driver.AskedQuestion{
					Text:    fmt.Sprintf("Clarification needed (%s)", cat.name),
					Context: fmt.Sprintf("Detected %s pattern in output", cat.name),
				})
				break
			}
		}
	}
	return out
}

// extractAssumptions pulls up to maxAssumptions reported assumptions out
// of the agent's final message.
func extractAssumptions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, p := range assumptionPatterns {
			m := p.FindStringSubmatch(line)
			if len(m) > 1 {
				out = append(out, strings.TrimSpace(m[1]))
				if len(out) >= maxAssumptions {
					return out
				}
				break
			}
		}
	}
	return out
}
