package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/store"
)

// StoreCallbacks is the production driver.Callbacks implementation: it
// persists log lines as sequence-numbered LOG artifacts, turns newly
// surfaced AskUserQuestion batches into pending Clarification rows, and
// polls the store for their answers. Within one attempt, sequence
// numbers and clarification writes never interleave: a mutex guards
// sequence assignment the same way the driver's own write mutex guards
// its log emission.
type StoreCallbacks struct {
	store     store.Store
	attemptID uuid.UUID

	mu      sync.Mutex
	nextSeq int
}

// NewStoreCallbacks builds a StoreCallbacks bound to one attempt.
func NewStoreCallbacks(s store.Store, attemptID uuid.UUID) *StoreCallbacks {
	return &StoreCallbacks{store: s, attemptID: attemptID}
}

var _ driver.Callbacks = (*StoreCallbacks)(nil)

// Log appends one LOG artifact for the attempt.
func (c *StoreCallbacks) Log(ctx context.Context, line string) error {
	return c.writeLog(ctx, line, false)
}

// Finalize writes line as the attempt's terminal LOG artifact
// (is_final = true). The runner calls this exactly once, after the
// driver has returned and the outcome is known — it is the entry SSE
// consumers treat as end-of-stream.
func (c *StoreCallbacks) Finalize(ctx context.Context, line string) error {
	return c.writeLog(ctx, line, true)
}

func (c *StoreCallbacks) writeLog(ctx context.Context, line string, final bool) error {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.mu.Unlock()

	text := line
	size := len(line)
	a := &domain.Artifact{
		AttemptID:   c.attemptID,
		Type:        domain.ArtifactLog,
		Name:        "execution.log",
		MimeType:    "application/json",
		ContentText: &text,
		SizeBytes:   &size,
		SequenceNum: &seq,
		IsFinal:     final,
	}
	if err := c.store.CreateArtifact(ctx, a); err != nil {
		return fmt.Errorf("runner: persist log artifact: %w", err)
	}
	return nil
}

// OnQuestionsAsked persists each question of a newly surfaced
// AskUserQuestion batch as a pending Clarification, keyed by the
// driver's auq_<batch>_<index> id, with structured options carried in
// the anchors map.
func (c *StoreCallbacks) OnQuestionsAsked(ctx context.Context, questions []driver.AskedQuestion) error {
	for _, q := range questions {
		if err := c.store.CreateClarification(ctx, clarificationFromQuestion(c.attemptID, q)); err != nil {
			return fmt.Errorf("runner: persist clarification %s: %w", q.ID, err)
		}
	}
	return nil
}

// PollAnswers checks the store for answers to exactly the given
// question ids, returning only those the human has answered or accepted
// the default for; absent keys are still pending.
func (c *StoreCallbacks) PollAnswers(ctx context.Context, questionIDs []string) (map[string]string, error) {
	clars, err := c.store.GetClarificationsByQuestionIDs(ctx, c.attemptID, questionIDs)
	if err != nil {
		return nil, fmt.Errorf("runner: poll clarifications: %w", err)
	}
	out := map[string]string{}
	for _, clar := range clars {
		if ans := clar.EffectiveAnswer(); ans != nil {
			out[clar.QuestionID] = *ans
		}
	}
	return out, nil
}

// clarificationFromQuestion maps one driver question to its
// Clarification row.
func clarificationFromQuestion(attemptID uuid.UUID, q driver.AskedQuestion) *domain.Clarification {
	clar := &domain.Clarification{
		AttemptID:       attemptID,
		QuestionID:      q.ID,
		QuestionText:    q.Text,
		QuestionContext: q.Context,
	}
	if q.Default != "" {
		def := q.Default
		clar.DefaultAnswer = &def
	}
	if len(q.Options) > 0 {
		opts := make([]any, len(q.Options))
		for i, o := range q.Options {
			opts[i] = map[string]any{"label": o.Label, "description": o.Description}
		}
		clar.Anchors = map[string]any{"options": opts, "multi_select": q.MultiSelect}
	}
	return clar
}
