package driver_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/telemetry"
)

type fakeCallbacks struct {
	mu      sync.Mutex
	lines   []string
	asked   []driver.AskedQuestion
	answers map[string]string
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{answers: map[string]string{}}
}

func (f *fakeCallbacks) Log(ctx context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeCallbacks) OnQuestionsAsked(ctx context.Context, questions []driver.AskedQuestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, questions...)
	return nil
}

func (f *fakeCallbacks) PollAnswers(ctx context.Context, questionIDs []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, id := range questionIDs {
		if a, ok := f.answers[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (f *fakeCallbacks) setAnswers(answers map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range answers {
		f.answers[id] = a
	}
}

func (f *fakeCallbacks) loggedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.lines {
		if strings.Contains(l, `"event"`) {
			out = append(out, l)
		}
	}
	return out
}

func budgets() driver.Budgets {
	return driver.Budgets{Timeout: 5 * time.Second, MaxTurns: 50, MaxToolCalls: 200, PollInterval: 5 * time.Millisecond}
}

func TestExecute_SuccessScenario(t *testing.T) {
	client, err := driver.NewMockClient("success")
	require.NoError(t, err)

	d := driver.New(client, nil, budgets(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 1, Title: "fix bug"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.Empty(t, result.QuestionsAsked)
	assert.Contains(t, result.FinalText, "pull/42")
	assert.Equal(t, "mock_success", result.SessionID)
	assert.Equal(t, 2, result.Metrics.ToolCalls)
}

// Bidirectional ask-user rendezvous: the agent batches two questions
// into one AskUserQuestion call, a human answers both through the
// callbacks, and the agent resumes with the answers to finish its spec.
func TestExecute_AskUserQuestion_Bidirectional(t *testing.T) {
	client, err := driver.NewMockClient("ask_user_question")
	require.NoError(t, err)
	cb := newFakeCallbacks()

	go func() {
		time.Sleep(15 * time.Millisecond)
		cb.setAnswers(map[string]string{
			"auq_0_0": "PostgreSQL",
			"auq_0_1": "Yes, JWT tokens",
		})
	}()

	d := driver.New(client, cb, budgets(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 2, Title: "ambiguous"})
	require.NoError(t, err)

	require.Len(t, result.QuestionsAsked, 1, "both questions arrive in a single batch")
	batch := result.QuestionsAsked[0]
	require.Len(t, batch.Questions, 2)
	assert.Equal(t, "auq_0_0", batch.Questions[0].ID)
	assert.Equal(t, "auq_0_1", batch.Questions[1].ID)
	assert.Len(t, batch.Questions[0].Options, 3)

	assert.False(t, result.InterruptedForQuestions)
	assert.Equal(t, "PostgreSQL", result.AnsweredInline["auq_0_0"])
	assert.Equal(t, "Yes, JWT tokens", result.AnsweredInline["auq_0_1"])
	assert.Contains(t, result.FinalText, "implementation spec")
	assert.True(t, result.Success)
	require.Len(t, cb.asked, 2)

	events := strings.Join(cb.loggedEvents(), "\n")
	assert.Contains(t, events, "waiting_for_human")
	assert.Contains(t, events, "human_answered")

	// The resume verdict maps question text to answer for the agent.
	verdict, ok := client.Verdict("toolu_mock_ask")
	require.True(t, ok)
	assert.True(t, verdict.Allow)
	answers, ok := verdict.UpdatedInput["answers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "PostgreSQL", answers["Which database should I use for storing user data?"])
}

// Blocking mode: with no Callbacks the driver denies the tool use,
// interrupts the run, and surfaces the unanswered batch for the runner
// to persist and classify as NEEDS_HUMAN.
func TestExecute_AskUserQuestion_Blocking(t *testing.T) {
	client, err := driver.NewMockClient("ask_user_question")
	require.NoError(t, err)

	d := driver.New(client, nil, budgets(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 3, Title: "ambiguous"})
	require.NoError(t, err)

	assert.True(t, result.InterruptedForQuestions)
	require.Len(t, result.QuestionsAsked, 1)
	require.Len(t, result.QuestionsAsked[0].Questions, 2)
	assert.Empty(t, result.AnsweredInline, "blocking mode never records an inline answer")
	assert.True(t, result.Success, "an interrupt for questions is not a failure")
	assert.NotContains(t, result.FinalText, "implementation spec", "the continuation never plays without answers")
}

func TestExecute_ErrorScenario(t *testing.T) {
	client, err := driver.NewMockClient("error")
	require.NoError(t, err)

	d := driver.New(client, nil, budgets(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 4, Title: "broken"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "agent crashed", result.ErrorMessage)
}

func TestExecute_ToolCallBudgetExceeded(t *testing.T) {
	client, err := driver.NewMockClient("success")
	require.NoError(t, err)

	tight := budgets()
	tight.MaxToolCalls = 1
	d := driver.New(client, nil, tight, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 5, Title: "long"})
	require.NoError(t, err)
	assert.True(t, result.BudgetExceeded)
	assert.False(t, result.Success)
	assert.Equal(t, "Tool call budget exceeded", result.ErrorMessage)
}

func TestExecute_TurnBudgetExceeded(t *testing.T) {
	client, err := driver.NewMockClient("success")
	require.NoError(t, err)

	tight := budgets()
	tight.MaxTurns = 1
	d := driver.New(client, nil, tight, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 6, Title: "long"})
	require.NoError(t, err)
	assert.True(t, result.BudgetExceeded)
}

func TestExecute_Cancel(t *testing.T) {
	client, err := driver.NewMockClient("ask_user_question")
	require.NoError(t, err)
	cb := newFakeCallbacks() // never answers, so the run parks in the poll loop

	d := driver.New(client, cb, budgets(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Cancel()
	}()
	result, err := d.Execute(context.Background(), driver.SignalContext{Repo: "acme/widgets", IssueNumber: 7, Title: "slow"})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Equal(t, "Cancelled by user", result.ErrorMessage)
}

func TestNewMockClient_UnknownScenario(t *testing.T) {
	_, err := driver.NewMockClient("not-a-scenario")
	require.Error(t, err)
}
