package driver

import (
	"fmt"
	"sort"
	"strings"
)

// maxPromptComments caps how much issue discussion is carried into the
// mission prompt.
const maxPromptComments = 5

// BuildPrompt assembles the mission prompt handed to the agent's first
// Query call: mission framing, the issue and its discussion, any
// previously answered clarifications, and the instruction to batch open
// questions into a single AskUserQuestion call.
func BuildPrompt(sig SignalContext) string {
	var b strings.Builder

	b.WriteString("Your Mission\n")
	fmt.Fprintf(&b, "You are working on %s issue #%d in %s, inside a disposable git checkout of the repository. ",
		sourceLabel(sig.Source), sig.IssueNumber, sig.Repo)
	b.WriteString("Resolve the issue below completely: make the necessary code changes, ")
	b.WriteString("run any tests that already cover the area you touch, and leave the working ")
	b.WriteString("tree ready to be committed and opened as a pull request.\n\n")

	fmt.Fprintf(&b, "Issue #%d: %s\n", sig.IssueNumber, sig.Title)
	if sig.Body != "" {
		b.WriteString("\n")
		b.WriteString(sig.Body)
		b.WriteString("\n")
	}

	if len(sig.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(sig.Labels, ", "))
	}
	if len(sig.Assignees) > 0 {
		fmt.Fprintf(&b, "Assignees: %s\n", strings.Join(sig.Assignees, ", "))
	}
	if len(sig.Comments) > 0 {
		b.WriteString("\nRecent discussion:\n")
		comments := sig.Comments
		if len(comments) > maxPromptComments {
			comments = comments[:maxPromptComments]
		}
		for _, c := range comments {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(sig.ProjectFields) > 0 {
		b.WriteString("\nProject fields:\n")
		keys := make([]string, 0, len(sig.ProjectFields))
		for k := range sig.ProjectFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, sig.ProjectFields[k])
		}
	}

	if sig.PriorAttempts > 0 {
		fmt.Fprintf(&b, "\nThis is attempt #%d at this issue; prior attempts did not reach a mergeable state.\n", sig.PriorAttempts+1)
	}

	if len(sig.PriorClarifications) > 0 {
		b.WriteString("\nPrevious Clarifications\n")
		b.WriteString("These questions were asked in a previous attempt and answered:\n")
		for _, c := range sig.PriorClarifications {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", c.Question, c.Answer)
		}
	}

	b.WriteString("\nIf the issue is ambiguous enough that guessing risks wasted work, use the " +
		"AskUserQuestion tool to ask — state the ambiguity, the interpretations you're weighing, " +
		"and a sensible default so the run can proceed if nobody answers in time. Aggregate all " +
		"your questions into a SINGLE AskUserQuestion call; do not ask them one at a time. " +
		"Otherwise, prefer making a reasonable assumption and noting it over stopping to ask.\n\n")

	b.WriteString("When you are done, summarize what changed and, if you pushed a branch, include " +
		"its pull request URL in your final message.\n")

	return b.String()
}

func sourceLabel(source string) string {
	if source == "" {
		return "a tracked"
	}
	return "a " + source
}
