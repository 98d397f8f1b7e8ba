package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workbench.dev/core/internal/config"
	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/queue"
	"workbench.dev/core/internal/sandbox"
	"workbench.dev/core/internal/store/memstore"
	"workbench.dev/core/internal/telemetry"
)

// localSandboxFactory builds a one-off local git repository instead of
// cloning over the network, so runner tests never touch the outside
// world. When leaveUncommittedChange is true, the returned workspace has
// one modified file waiting in the working tree — standing in for the
// edits a real agent subprocess would have made, since MockClient only
// replays a message stream and never touches disk itself.
func localSandboxFactory(t *testing.T, leaveUncommittedChange bool) SandboxFactory {
	return func(ctx context.Context, cfg *config.Config, repo string) (*sandbox.Sandbox, error) {
		dir := t.TempDir()
		run := func(args ...string) error {
			cmd := exec.Command("git", args...)
			cmd.Dir = dir
			return cmd.Run()
		}
		if err := run("init"); err != nil {
			return nil, err
		}
		if err := run("config", "user.email", "workbench@example.com"); err != nil {
			return nil, err
		}
		if err := run("config", "user.name", "Workbench Bot"); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
			return nil, err
		}
		if err := run("add", "-A"); err != nil {
			return nil, err
		}
		if err := run("commit", "-m", "initial"); err != nil {
			return nil, err
		}
		if leaveUncommittedChange {
			if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nfixed\n"), 0o644); err != nil {
				return nil, err
			}
		}
		return &sandbox.Sandbox{Dir: dir, BranchName: "claude/attempt-test", Repo: repo}, nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		DefaultMaxTurns:    50,
		DefaultTimeout:     5 * time.Second,
		MaxToolCalls:       200,
		MaxDiffLines:       800,
		MaxFilesTouched:    40,
	}
}

func mockClientFactory(scenario string) ClientFactory {
	return func(cfg *config.Config) (driver.Client, error) {
		return driver.NewMockClient(scenario)
	}
}

func TestExecuteAttempt_SuccessPersistsOutcome(t *testing.T) {
	s := memstore.New()
	q := queue.New(s, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), 5*time.Minute, time.Minute)
	ctx := context.Background()

	sig := &domain.Signal{Repo: "acme/widgets", IssueNumber: 1, Title: "fix bug", State: domain.SignalQueued}
	require.NoError(t, s.CreateSignal(ctx, sig))
	job := &domain.Job{Type: domain.JobRunAttempt, MaxRetries: 3, Payload: map[string]any{"signal_id": sig.ID.String()}}
	require.NoError(t, q.Enqueue(ctx, job))

	r := New(s, q, testConfig(), mockClientFactory("success"), NewStoreCallbacks, localSandboxFactory(t, true),
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer(), "worker-1")

	claimed, err := q.Claim(ctx, "worker-1", []domain.JobType{domain.JobRunAttempt})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, r.executeAttempt(ctx, claimed))

	finishedJob, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, finishedJob.Status)

	updatedSignal, err := s.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SignalCompleted, updatedSignal.State)

	require.NotNil(t, claimed.AttemptID)
	attempt, err := s.GetAttempt(ctx, *claimed.AttemptID)
	require.NoError(t, err)
	require.Equal(t, domain.AttemptSuccess, attempt.Status)
	require.Equal(t, "https://github.com/acme/widgets/pull/42", attempt.PRUrl)
	require.NotNil(t, attempt.PRNumber)
	require.Equal(t, 42, *attempt.PRNumber)
	require.NotNil(t, attempt.StartedAt)
	require.NotNil(t, attempt.FinishedAt)
	require.False(t, attempt.FinishedAt.Before(*attempt.StartedAt))
	require.Equal(t, "mock_success", attempt.RunnerMetadata["session_id"])

	// The log stream ends with exactly one final artifact.
	arts, err := s.ListArtifacts(ctx, attempt.ID, -1)
	require.NoError(t, err)
	require.NotEmpty(t, arts)
	finals := 0
	lastSeq := -1
	for _, a := range arts {
		require.NotNil(t, a.SequenceNum)
		require.Greater(t, *a.SequenceNum, lastSeq, "sequence numbers must be strictly increasing")
		lastSeq = *a.SequenceNum
		if a.IsFinal {
			finals++
		}
	}
	require.Equal(t, 1, finals)
}

// Blocking mode: no Callbacks are wired, the driver interrupts on
// AskUserQuestion, and the runner itself persists the questions as
// clarifications and blocks the signal.
func TestExecuteAttempt_AskUserQuestionBlocksSignal(t *testing.T) {
	s := memstore.New()
	q := queue.New(s, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), 5*time.Minute, time.Minute)
	ctx := context.Background()

	sig := &domain.Signal{Repo: "acme/widgets", IssueNumber: 2, Title: "ambiguous", State: domain.SignalQueued}
	require.NoError(t, s.CreateSignal(ctx, sig))
	job := &domain.Job{Type: domain.JobRunAttempt, MaxRetries: 3, Payload: map[string]any{"signal_id": sig.ID.String()}}
	require.NoError(t, q.Enqueue(ctx, job))

	r := New(s, q, testConfig(), mockClientFactory("ask_user_question"), nil, localSandboxFactory(t, false),
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer(), "worker-1")

	claimed, err := q.Claim(ctx, "worker-1", []domain.JobType{domain.JobRunAttempt})
	require.NoError(t, err)

	require.NoError(t, r.executeAttempt(ctx, claimed))

	updatedSignal, err := s.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SignalBlocked, updatedSignal.State)

	jobAfter, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, jobAfter.Status, "NEEDS_HUMAN still completes the job; retry is a separate decision")

	require.NotNil(t, claimed.AttemptID)
	attempt, err := s.GetAttempt(ctx, *claimed.AttemptID)
	require.NoError(t, err)
	require.Equal(t, domain.AttemptNeedsHuman, attempt.Status)
	require.Equal(t, true, attempt.RunnerMetadata["interrupted_for_questions"])

	clars, err := s.GetClarificationsByQuestionIDs(ctx, attempt.ID, nil)
	require.NoError(t, err)
	require.Len(t, clars, 2, "the runner persists the interrupted batch's questions")
	require.Equal(t, "auq_0_0", clars[0].QuestionID)
	require.Equal(t, "auq_0_1", clars[1].QuestionID)
	require.False(t, clars[0].IsAnswered())
}

func TestExecuteAttempt_MissingSignalIDFailsJobWithRetry(t *testing.T) {
	s := memstore.New()
	q := queue.New(s, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), 5*time.Minute, time.Minute)
	ctx := context.Background()

	job := &domain.Job{Type: domain.JobRunAttempt, MaxRetries: 3, Payload: map[string]any{}}
	require.NoError(t, q.Enqueue(ctx, job))

	r := New(s, q, testConfig(), mockClientFactory("success"), nil, localSandboxFactory(t, false),
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer(), "worker-1")

	claimed, err := q.Claim(ctx, "worker-1", []domain.JobType{domain.JobRunAttempt})
	require.NoError(t, err)

	require.Error(t, r.executeAttempt(ctx, claimed))

	after, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, after.Status)
	require.Equal(t, 1, after.RetryCount)
}

// Bidirectional rendezvous end to end: StoreCallbacks persists the
// Clarification rows, a human answers them through the store, and the
// attempt resolves SUCCESS rather than sitting in NEEDS_HUMAN.
func TestExecuteAttempt_BidirectionalCallbacksAnswerViaStore(t *testing.T) {
	s := memstore.New()
	q := queue.New(s, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), 5*time.Minute, time.Minute)
	ctx := context.Background()

	sig := &domain.Signal{Repo: "acme/widgets", IssueNumber: 9, Title: "ambiguous", State: domain.SignalQueued}
	require.NoError(t, s.CreateSignal(ctx, sig))
	job := &domain.Job{Type: domain.JobRunAttempt, MaxRetries: 3, Payload: map[string]any{"signal_id": sig.ID.String()}}
	require.NoError(t, q.Enqueue(ctx, job))

	cfg := testConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.AskUserPollInterval = 20 * time.Millisecond

	r := New(s, q, cfg, mockClientFactory("ask_user_question"), NewStoreCallbacks, localSandboxFactory(t, true),
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer(), "worker-1")

	claimed, err := q.Claim(ctx, "worker-1", []domain.JobType{domain.JobRunAttempt})
	require.NoError(t, err)

	// executeAttempt creates the attempt and assigns it to
	// claimed.AttemptID before driving the agent; this goroutine waits
	// for that, then waits for the AskUserQuestion-created Clarification
	// rows (the scenario batches two questions into one call, so the
	// driver assigns auq_0_0 and auq_0_1), then answers them through the
	// store exactly as the outward API collaborator would.
	go func() {
		var attemptID uuid.UUID
		for i := 0; i < 200 && attemptID == uuid.Nil; i++ {
			time.Sleep(5 * time.Millisecond)
			if claimed.AttemptID != nil {
				attemptID = *claimed.AttemptID
			}
		}
		require.NotEqual(t, uuid.Nil, attemptID, "attempt should have been created")

		questionIDs := []string{"auq_0_0", "auq_0_1"}
		answers := map[string]string{
			"auq_0_0": "PostgreSQL",
			"auq_0_1": "Yes, JWT tokens",
		}
		for i := 0; i < 200; i++ {
			time.Sleep(5 * time.Millisecond)
			clars, cerr := s.GetClarificationsByQuestionIDs(ctx, attemptID, questionIDs)
			if cerr == nil && len(clars) == len(questionIDs) {
				for id, ans := range answers {
					_ = s.AnswerClarification(ctx, attemptID, id, ans, "test-human")
				}
				return
			}
		}
	}()

	require.NoError(t, r.executeAttempt(ctx, claimed))

	updatedSignal, err := s.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SignalCompleted, updatedSignal.State, "answered questions must not leave the signal blocked")

	attempt, err := s.GetAttempt(ctx, *claimed.AttemptID)
	require.NoError(t, err)
	require.Equal(t, domain.AttemptSuccess, attempt.Status)
	require.Equal(t, false, attempt.RunnerMetadata["interrupted_for_questions"])
}
