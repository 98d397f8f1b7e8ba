package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"workbench.dev/core/internal/telemetry"
)

// Budgets bounds one agent run: wall-clock timeout, maximum turns, and
// maximum tool calls. Any one of them terminates execution.
type Budgets struct {
	Timeout      time.Duration
	MaxTurns     int
	MaxToolCalls int
	PollInterval time.Duration // defaults to defaultPollInterval if zero
}

// Driver drives one Client through one attempt's mission, performing the
// ask-user rendezvous via Callbacks when present (bidirectional mode) or
// denying-and-interrupting when Callbacks is nil (blocking mode).
type Driver struct {
	client    Client
	callbacks Callbacks
	budgets   Budgets
	log       telemetry.Logger
	tracer    telemetry.Tracer

	// mu serializes log writes issued from the message loop and from the
	// rendezvous path, so callback-side sequence numbers never interleave.
	mu sync.Mutex

	cancelMu  sync.Mutex
	cancelFn  context.CancelFunc
	cancelled bool
}

// New constructs a Driver. callbacks may be nil for blocking mode.
func New(client Client, callbacks Callbacks, budgets Budgets, log telemetry.Logger, tracer telemetry.Tracer) *Driver {
	if budgets.PollInterval == 0 {
		budgets.PollInterval = defaultPollInterval
	}
	return &Driver{client: client, callbacks: callbacks, budgets: budgets, log: log, tracer: tracer}
}

// Cancel stops an in-flight Execute at the next message boundary. The
// result reports Cancelled rather than TimedOut.
func (d *Driver) Cancel() {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	d.cancelled = true
	if d.cancelFn != nil {
		d.cancelFn()
	}
}

func (d *Driver) wasCancelled() bool {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	return d.cancelled
}

// Execute runs sig's mission to completion: connects the client, sends
// the mission prompt, and consumes the message stream until a
// ResultMessage arrives, the wall-clock timeout elapses, a budget is
// exceeded, or the run is cancelled.
func (d *Driver) Execute(ctx context.Context, sig SignalContext) (*ExecutionResult, error) {
	ctx, span := d.tracer.Start(ctx, "driver.Execute")
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, d.budgets.Timeout)
	defer cancel()
	d.cancelMu.Lock()
	d.cancelFn = cancel
	d.cancelMu.Unlock()

	if err := d.client.Connect(runCtx); err != nil {
		return nil, fmt.Errorf("driver: connect: %w", err)
	}
	defer d.client.Disconnect()

	prompt := BuildPrompt(sig)
	result := &ExecutionResult{AnsweredInline: map[string]string{}, Prompt: prompt}
	d.logEntry(map[string]any{"type": "prompt", "text": prompt})

	if err := d.client.Query(runCtx, prompt); err != nil {
		return nil, fmt.Errorf("driver: query: %w", err)
	}

	var finalTextParts []string
	sawResult := false
	turns, toolCalls := 0, 0

	defer func() {
		result.FinalText = strings.Join(finalTextParts, "\n")
		if !sawResult {
			result.Success = !result.TimedOut && !result.BudgetExceeded &&
				!result.Cancelled && result.ErrorMessage == ""
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			d.markDeadline(ctx, result)
			return result, nil
		default:
		}

		msg, ok, err := d.client.Messages(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				d.markDeadline(ctx, result)
				return result, nil
			}
			return nil, fmt.Errorf("driver: read message: %w", err)
		}
		if !ok {
			return result, nil
		}

		switch m := msg.(type) {
		case SystemMessage:
			d.logEntry(map[string]any{"type": "system", "subtype": m.Subtype})

		case AssistantMessage:
			turns++
			if d.budgets.MaxTurns > 0 && turns > d.budgets.MaxTurns {
				result.BudgetExceeded = true
				result.ErrorMessage = "Turn budget exceeded"
				_ = d.client.Interrupt(runCtx)
				return result, nil
			}

			var textParts []string
			var loggedCalls []map[string]any
			for _, p := range m.Parts {
				switch part := p.(type) {
				case TextPart:
					finalTextParts = append(finalTextParts, part.Text)
					textParts = append(textParts, part.Text)

				case ToolUsePart:
					toolCalls++
					loggedCalls = append(loggedCalls, map[string]any{
						"id": part.ToolUseID, "name": part.Name, "input": part.Input,
					})
					if part.Name == "Bash" {
						if cmd, ok := part.Input["command"].(string); ok && cmd != "" {
							result.Metrics.CommandsRun = append(result.Metrics.CommandsRun, cmd)
						}
					}
					if part.Name == "AskUserQuestion" {
						batch := parseQuestionBatch(len(result.QuestionsAsked), part)
						result.QuestionsAsked = append(result.QuestionsAsked, batch)
						if err := d.resolveQuestionBatch(runCtx, result, batch, part); err != nil {
							return nil, err
						}
					}
					if d.budgets.MaxToolCalls > 0 && toolCalls >= d.budgets.MaxToolCalls {
						result.BudgetExceeded = true
						result.ErrorMessage = "Tool call budget exceeded"
						_ = d.client.Interrupt(runCtx)
					}
				}
			}

			if !result.InterruptedForQuestions {
				entry := map[string]any{"type": "assistant", "turn": turns}
				if len(textParts) > 0 {
					entry["text"] = strings.Join(textParts, "\n")
				}
				if len(loggedCalls) > 0 {
					entry["tool_calls"] = loggedCalls
				}
				d.logEntry(entry)
			}
			if result.BudgetExceeded || result.InterruptedForQuestions {
				return result, nil
			}

		case UserMessage:
			var toolResults []map[string]any
			for _, p := range m.Parts {
				if tr, ok := p.(ToolResultPart); ok {
					content := tr.Content
					if len(content) > maxToolResultLogChars {
						content = content[:maxToolResultLogChars] + "\n... (truncated)"
					}
					toolResults = append(toolResults, map[string]any{
						"tool_use_id": tr.ToolUseID, "content": content,
					})
				}
			}
			if len(toolResults) > 0 {
				d.logEntry(map[string]any{"type": "tool_result", "tool_results": toolResults})
			}

		case ResultMessage:
			sawResult = true
			result.SessionID = m.SessionID
			result.Metrics.NumTurns = m.NumTurns
			if m.NumTurns == 0 {
				result.Metrics.NumTurns = turns
			}
			result.Metrics.DurationMs = m.DurationMs
			result.Metrics.TotalCostUSD = m.TotalCostUSD
			result.Metrics.ToolCalls = toolCalls
			result.Success = !result.TimedOut && !result.BudgetExceeded &&
				result.ErrorMessage == "" && !m.IsError
			if m.IsError {
				result.ErrorMessage = m.Result
			} else if m.Result != "" && len(finalTextParts) == 0 {
				finalTextParts = append(finalTextParts, m.Result)
			}
			d.logEntry(map[string]any{
				"type": "result", "session_id": m.SessionID, "is_error": m.IsError,
				"duration_ms": m.DurationMs, "cost_usd": m.TotalCostUSD, "turns": m.NumTurns,
			})
			return result, nil
		}
	}
}

// markDeadline distinguishes a wall-clock expiry from an external or
// Cancel()-driven stop once the run context is done.
func (d *Driver) markDeadline(parent context.Context, result *ExecutionResult) {
	if parent.Err() != nil || d.wasCancelled() {
		result.Cancelled = true
		result.ErrorMessage = "Cancelled by user"
		return
	}
	result.TimedOut = true
	result.ErrorMessage = "Execution timed out"
}

// resolveQuestionBatch arbitrates one AskUserQuestion invocation. In
// bidirectional mode it persists the batch's questions via Callbacks,
// polls until every one is answered, then resumes the agent with the
// answers folded into the tool input ("allow with updated input"). In
// blocking mode (nil Callbacks) it denies the tool use and interrupts
// the run so the enclosing runner can persist the questions instead.
func (d *Driver) resolveQuestionBatch(ctx context.Context, result *ExecutionResult, batch QuestionBatch, part ToolUsePart) error {
	if d.callbacks == nil {
		result.InterruptedForQuestions = true
		_ = d.client.RespondToToolUse(ctx, part.ToolUseID, PermissionVerdict{
			Allow:      false,
			DenyReason: "AskUserQuestion requires human input but no callback provided",
		})
		return d.client.Interrupt(ctx)
	}

	summaries := make([]string, len(batch.Questions))
	for i, q := range batch.Questions {
		summaries[i] = q.Text
	}
	d.logEntry(map[string]any{
		"type": "event", "event": "waiting_for_human",
		"message": fmt.Sprintf("Waiting for human input on %d question(s): %s",
			len(batch.Questions), strings.Join(summaries, "; ")),
	})

	if err := d.callbacks.OnQuestionsAsked(ctx, batch.Questions); err != nil {
		return fmt.Errorf("driver: persist asked questions: %w", err)
	}

	ids := make([]string, len(batch.Questions))
	for i, q := range batch.Questions {
		ids[i] = q.ID
	}

	ticker := time.NewTicker(d.budgets.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The run's deadline wins; the outer loop records why.
			return nil
		case <-ticker.C:
			answers, err := d.callbacks.PollAnswers(ctx, ids)
			if err != nil {
				return fmt.Errorf("driver: poll answers: %w", err)
			}
			if len(answers) < len(ids) {
				continue
			}
			d.logEntry(map[string]any{
				"type": "event", "event": "human_answered",
				"message": fmt.Sprintf("Human provided %d answer(s)", len(answers)),
			})

			byText := map[string]string{}
			for _, q := range batch.Questions {
				if ans, ok := answers[q.ID]; ok {
					byText[q.Text] = ans
					result.AnsweredInline[q.ID] = ans
				}
			}
			return d.client.RespondToToolUse(ctx, part.ToolUseID, PermissionVerdict{
				Allow: true,
				UpdatedInput: map[string]any{
					"questions": batch.RawQuestions,
					"answers":   byText,
				},
			})
		}
	}
}

// parseQuestionBatch decodes one AskUserQuestion invocation's input.
// The canonical shape is a "questions" list of structured question
// objects; a bare "question" string is accepted as a single-question
// batch for older agent builds.
func parseQuestionBatch(batchIndex int, part ToolUsePart) QuestionBatch {
	toolID := "auq_" + strconv.Itoa(batchIndex)
	batch := QuestionBatch{ToolID: toolID}

	raw, _ := part.Input["questions"].([]any)
	if raw == nil {
		if text, ok := part.Input["question"].(string); ok {
			batch.RawQuestions = []any{map[string]any{"question": text}}
			batch.Questions = []AskedQuestion{{ID: toolID + "_0", Text: text}}
		}
		return batch
	}

	batch.RawQuestions = raw
	for i, rq := range raw {
		q := AskedQuestion{ID: toolID + "_" + strconv.Itoa(i)}
		m, ok := rq.(map[string]any)
		if !ok {
			if text, ok := rq.(string); ok {
				q.Text = text
			}
			batch.Questions = append(batch.Questions, q)
			continue
		}
		if text, ok := m["question"].(string); ok {
			q.Text = text
		}
		if header, ok := m["header"].(string); ok {
			q.Context = header
		}
		if def, ok := m["default"].(string); ok {
			q.Default = def
		}
		if ms, ok := m["multiSelect"].(bool); ok {
			q.MultiSelect = ms
		}
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				switch ov := o.(type) {
				case string:
					q.Options = append(q.Options, QuestionOption{Label: ov})
				case map[string]any:
					opt := QuestionOption{}
					if label, ok := ov["label"].(string); ok {
						opt.Label = label
					}
					if desc, ok := ov["description"].(string); ok {
						opt.Description = desc
					}
					q.Options = append(q.Options, opt)
				}
			}
		}
		batch.Questions = append(batch.Questions, q)
	}
	return batch
}

// logEntry marshals one structured log entry and hands it to the log
// callback under the driver's write mutex.
func (d *Driver) logEntry(entry map[string]any) {
	if d.callbacks == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.callbacks.Log(context.Background(), string(line))
}
