// Package runner implements AttemptRunner: the orchestration glue that
// claims RUN_ATTEMPT/RETRY_ATTEMPT jobs, acquires a sandbox, drives the
// agent, classifies the outcome, and persists everything.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"workbench.dev/core/internal/classifier"
	"workbench.dev/core/internal/config"
	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/queue"
	"workbench.dev/core/internal/sandbox"
	"workbench.dev/core/internal/store"
	"workbench.dev/core/internal/telemetry"
)

// ClientFactory builds a driver.Client for one attempt. Production
// wiring returns a driver.RealClient; tests and CLAUDE_MOCK_SCENARIO
// demo runs return a driver.MockClient.
type ClientFactory func(cfg *config.Config) (driver.Client, error)

// CallbacksFactory builds the StoreCallbacks collaborator bound to one
// attempt. A nil Runner.callbacks puts the driver in blocking mode (see
// driver.Callbacks doc).
type CallbacksFactory func(s store.Store, attemptID uuid.UUID) *StoreCallbacks

// SandboxFactory acquires the isolated workspace for one attempt.
// Production wiring calls sandbox.Acquire; tests substitute a fake that
// builds a local repository instead of cloning over the network.
type SandboxFactory func(ctx context.Context, cfg *config.Config, repo string) (*sandbox.Sandbox, error)

// DefaultSandboxFactory wraps sandbox.Acquire using the runner's
// configured tmpdir base and GitHub PAT.
func DefaultSandboxFactory(ctx context.Context, cfg *config.Config, repo string) (*sandbox.Sandbox, error) {
	return sandbox.Acquire(ctx, cfg.WorkerTmpdirBase, repo, "", cfg.GitHubPAT)
}

// Runner is the AttemptRunner: it drains RUN_ATTEMPT/RETRY_ATTEMPT jobs
// from the Queue and executes them end to end.
type Runner struct {
	store      store.Store
	queue      *queue.Queue
	cfg        *config.Config
	newClient  ClientFactory
	callbacks  CallbacksFactory
	newSandbox SandboxFactory
	log        telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	workerID   string
}

// New constructs a Runner. newSandbox may be nil to use
// DefaultSandboxFactory.
func New(s store.Store, q *queue.Queue, cfg *config.Config, newClient ClientFactory, callbacks CallbacksFactory,
	newSandbox SandboxFactory, log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, workerID string) *Runner {
	if newSandbox == nil {
		newSandbox = DefaultSandboxFactory
	}
	return &Runner{store: s, queue: q, cfg: cfg, newClient: newClient, callbacks: callbacks,
		newSandbox: newSandbox, log: log, metrics: metrics, tracer: tracer, workerID: workerID}
}

// Run polls the queue at cfg.WorkerPollInterval until ctx is cancelled,
// processing one job per iteration.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info(ctx, "runner shutting down")
			return nil
		case <-ticker.C:
			if err := r.processNext(ctx); err != nil {
				r.log.Error(ctx, "process next job failed", "error", err.Error())
			}
		}
	}
}

func (r *Runner) processNext(ctx context.Context) error {
	job, err := r.queue.Claim(ctx, r.workerID, []domain.JobType{domain.JobRunAttempt, domain.JobRetryAttempt})
	if err != nil {
		return fmt.Errorf("runner: claim: %w", err)
	}
	if job == nil {
		return nil
	}
	return r.executeAttempt(ctx, job)
}

// executeAttempt orchestrates one claimed job end to end: start the
// job, load/create the attempt, acquire a sandbox, drive the agent
// under a heartbeat, diff the workspace, classify, persist, and
// complete or fail the job. Restarting a job whose attempt already
// exists is idempotent: the attempt row is reused, started_at is only
// set once, and status only moves forward.
func (r *Runner) executeAttempt(ctx context.Context, job *domain.Job) error {
	if _, err := r.queue.Start(ctx, job.ID); err != nil {
		return fmt.Errorf("runner: start job: %w", err)
	}

	signalID, ok := job.Payload["signal_id"].(string)
	if !ok {
		return r.failJob(ctx, job, errors.New("job payload missing signal_id"))
	}
	sigID, err := uuid.Parse(signalID)
	if err != nil {
		return r.failJob(ctx, job, fmt.Errorf("invalid signal_id: %w", err))
	}
	sig, err := r.store.GetSignal(ctx, sigID)
	if err != nil {
		return r.failJob(ctx, job, fmt.Errorf("load signal: %w", err))
	}

	attempt, err := r.loadOrCreateAttempt(ctx, job, sig)
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	// A retried job whose attempt already reached a terminal status has
	// nothing left to execute; re-running would regress the status. The
	// job completes against the recorded outcome instead.
	if attempt.Status != domain.AttemptPending && attempt.Status != domain.AttemptRunning {
		if _, err := r.queue.Complete(ctx, job.ID, map[string]any{"attempt_id": attempt.ID.String(), "status": string(attempt.Status)}); err != nil {
			return fmt.Errorf("runner: complete job for finished attempt: %w", err)
		}
		return nil
	}

	now := time.Now().UTC()
	if attempt.StartedAt == nil {
		attempt.StartedAt = &now
	}
	attempt.Status = domain.AttemptRunning
	if err := r.store.UpdateAttempt(ctx, attempt); err != nil {
		return r.failJob(ctx, job, fmt.Errorf("mark attempt running: %w", err))
	}
	if err := r.store.UpdateSignalState(ctx, sig.ID, domain.SignalInProgress); err != nil {
		r.log.Warn(ctx, "failed to mark signal in_progress", "signal_id", sig.ID.String(), "error", err.Error())
	}

	var cb driver.Callbacks
	var storeCB *StoreCallbacks
	if r.callbacks != nil {
		storeCB = r.callbacks(r.store, attempt.ID)
		cb = storeCB
	}
	r.logEvent(ctx, storeCB, "attempt_started", fmt.Sprintf("attempt %d for %s#%d", attempt.AttemptNumber, sig.Repo, sig.IssueNumber))

	r.logEvent(ctx, storeCB, "cloning_repo", sig.Repo)
	sb, err := r.newSandbox(ctx, r.cfg, sig.Repo)
	if err != nil {
		return r.failAttemptAndJob(ctx, job, attempt, fmt.Errorf("acquire sandbox: %w", err))
	}
	defer sb.Release()
	attempt.BranchName = sb.BranchName
	r.logEvent(ctx, storeCB, "workspace_ready", sb.BranchName)

	client, err := r.newClient(r.cfg)
	if err != nil {
		return r.failAttemptAndJob(ctx, job, attempt, fmt.Errorf("build agent client: %w", err))
	}

	d := driver.New(client, cb, driver.Budgets{
		Timeout:      r.cfg.DefaultTimeout,
		MaxTurns:     r.cfg.DefaultMaxTurns,
		MaxToolCalls: r.cfg.MaxToolCalls,
		PollInterval: r.cfg.AskUserPollInterval,
	}, r.log, r.tracer)

	r.logEvent(ctx, storeCB, "execution_starting", "")
	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	result, err := d.Execute(ctx, r.signalContext(ctx, sig, attempt, sb.Dir))
	stopHeartbeat()
	if err != nil {
		return r.failAttemptAndJob(ctx, job, attempt, fmt.Errorf("drive agent: %w", err))
	}

	diff, err := sb.DiffStats(ctx)
	if err != nil {
		return r.failAttemptAndJob(ctx, job, attempt, fmt.Errorf("diff stats: %w", err))
	}

	limits := classifier.Limits{MaxDiffLines: r.cfg.MaxDiffLines, MaxFiles: r.cfg.MaxFilesTouched}
	outcome := classifier.Classify(result, diff, limits)

	if outcome.Status == domain.AttemptNeedsHuman {
		r.persistQuestions(ctx, attempt.ID, outcome.Questions)
	}

	if outcome.Status == domain.AttemptSuccess {
		if _, err := sb.CommitChanges(ctx, fmt.Sprintf("Resolve %s", sig.GitHubURL())); err != nil {
			r.log.Warn(ctx, "commit failed", "error", err.Error())
		}
		if err := sb.PushBranch(ctx, r.cfg.GitHubPAT); err != nil {
			r.log.Warn(ctx, "push failed", "error", err.Error())
		}
	}

	if storeCB != nil {
		line, _ := json.Marshal(map[string]any{
			"type": "event", "event": "execution_complete", "status": string(outcome.Status),
		})
		if err := storeCB.Finalize(ctx, string(line)); err != nil {
			r.log.Warn(ctx, "failed to finalize log stream", "error", err.Error())
		}
	}

	finished := time.Now().UTC()
	attempt.FinishedAt = &finished
	attempt.Status = outcome.Status
	attempt.PRUrl = outcome.PRUrl
	attempt.PRNumber = prNumberFromURL(outcome.PRUrl)
	if outcome.ErrorMessage != "" {
		attempt.ErrorMessage = outcome.ErrorMessage
	} else {
		attempt.ErrorMessage = result.ErrorMessage
	}
	attempt.Summary = map[string]any{
		"status":       string(outcome.Status),
		"what_changed": outcome.WhatChanged,
		"assumptions":  outcome.Assumptions,
		"risk_flags":   outcome.RiskFlags,
		"metrics": map[string]any{
			"tool_calls":   result.Metrics.ToolCalls,
			"turns":        result.Metrics.NumTurns,
			"commands_run": result.Metrics.CommandsRun,
			"cost_usd":     result.Metrics.TotalCostUSD,
		},
	}
	attempt.RunnerMetadata = map[string]any{
		"timed_out":                 result.TimedOut,
		"budget_exceeded":           result.BudgetExceeded,
		"interrupted_for_questions": result.InterruptedForQuestions,
		"session_id":                result.SessionID,
	}
	if err := r.store.UpdateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("runner: persist attempt outcome: %w", err)
	}

	if err := r.projectSignalState(ctx, sig.ID, outcome.Status); err != nil {
		r.log.Warn(ctx, "failed to project signal state", "signal_id", sig.ID.String(), "error", err.Error())
	}

	if _, err := r.queue.Complete(ctx, job.ID, map[string]any{"attempt_id": attempt.ID.String(), "status": string(outcome.Status)}); err != nil {
		return fmt.Errorf("runner: complete job: %w", err)
	}
	return nil
}

// startHeartbeat keeps the claimed job's heartbeat fresh while the
// agent runs, at a third of the stale threshold so a single missed beat
// never triggers recovery. The returned func stops the loop.
func (r *Runner) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	interval := r.cfg.StaleThreshold / 3
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.queue.Heartbeat(ctx, jobID); err != nil {
					r.log.Warn(ctx, "heartbeat failed", "job_id", jobID.String(), "error", err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}

// signalContext assembles the driver's view of the signal, pulling
// labels, assignees and discussion comments out of the signal's opaque
// metadata when the sync collaborator recorded them.
func (r *Runner) signalContext(ctx context.Context, sig *domain.Signal, attempt *domain.Attempt, workspaceDir string) driver.SignalContext {
	return driver.SignalContext{
		Source:              sig.Source,
		Repo:                sig.Repo,
		IssueNumber:         sig.IssueNumber,
		Title:               sig.Title,
		Body:                sig.Body,
		ExternalID:          sig.ExternalID,
		Labels:              metadataStrings(sig.Metadata, "labels"),
		Assignees:           metadataStrings(sig.Metadata, "assignees"),
		Comments:            metadataStrings(sig.Metadata, "comments"),
		ProjectFields:       sig.ProjectFields,
		PriorAttempts:       attempt.AttemptNumber - 1,
		WorkspaceDir:        workspaceDir,
		PriorClarifications: r.priorClarifications(ctx, sig.ID, attempt.ID),
	}
}

func metadataStrings(metadata map[string]any, key string) []string {
	raw, ok := metadata[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// persistQuestions writes the classifier's unanswered questions as
// pending Clarification rows. In bidirectional mode the driver already
// created rows for explicit questions, so duplicates are skipped;
// synthetic stuck questions have no driver-assigned id and get q_<i>.
func (r *Runner) persistQuestions(ctx context.Context, attemptID uuid.UUID, questions []driver.AskedQuestion) {
	for i, q := range questions {
		if q.ID == "" {
			q.ID = "q_" + strconv.Itoa(i)
		}
		err := r.store.CreateClarification(ctx, clarificationFromQuestion(attemptID, q))
		var dup *store.DuplicateError
		if err != nil && !errors.As(err, &dup) {
			r.log.Warn(ctx, "failed to persist clarification", "question_id", q.ID, "error", err.Error())
		}
	}
}

// logEvent appends one runner lifecycle event to the attempt's log
// stream; a nil StoreCallbacks (blocking mode) drops it.
func (r *Runner) logEvent(ctx context.Context, cb *StoreCallbacks, event, message string) {
	if cb == nil {
		return
	}
	entry := map[string]any{"type": "event", "event": event}
	if message != "" {
		entry["message"] = message
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := cb.Log(ctx, string(line)); err != nil {
		r.log.Warn(ctx, "failed to log runner event", "event", event, "error", err.Error())
	}
}

// prNumberFromURL parses the trailing integer off an extracted PR URL.
func prNumberFromURL(prURL string) *int {
	if prURL == "" {
		return nil
	}
	idx := strings.LastIndex(prURL, "/")
	if idx < 0 || idx == len(prURL)-1 {
		return nil
	}
	n, err := strconv.Atoi(prURL[idx+1:])
	if err != nil {
		return nil
	}
	return &n
}

// priorClarifications collects every answered question from earlier
// attempts at sig, oldest first, so the mission prompt can carry them
// forward instead of risking the agent asking the same thing twice. A
// lookup failure is logged and treated as "no prior context" rather
// than failing the attempt.
func (r *Runner) priorClarifications(ctx context.Context, signalID, currentAttemptID uuid.UUID) []driver.PriorClarification {
	attempts, err := r.store.GetAttemptsBySignal(ctx, signalID)
	if err != nil {
		r.log.Warn(ctx, "failed to load prior attempts for clarification context", "signal_id", signalID.String(), "error", err.Error())
		return nil
	}
	var out []driver.PriorClarification
	for _, a := range attempts {
		if a.ID == currentAttemptID {
			continue
		}
		for _, c := range a.Clarifications {
			if ans := c.EffectiveAnswer(); ans != nil {
				out = append(out, driver.PriorClarification{Question: c.QuestionText, Answer: *ans})
			}
		}
	}
	return out
}

// projectSignalState mirrors the outcome-to-signal-state projection:
// NEEDS_HUMAN blocks the signal, SUCCESS completes it, FAILED/NOOP
// leave it for the queue's retry policy to decide.
func (r *Runner) projectSignalState(ctx context.Context, signalID uuid.UUID, status domain.AttemptStatus) error {
	switch status {
	case domain.AttemptNeedsHuman:
		return r.store.UpdateSignalState(ctx, signalID, domain.SignalBlocked)
	case domain.AttemptSuccess:
		return r.store.UpdateSignalState(ctx, signalID, domain.SignalCompleted)
	default:
		return nil
	}
}

func (r *Runner) loadOrCreateAttempt(ctx context.Context, job *domain.Job, sig *domain.Signal) (*domain.Attempt, error) {
	if job.AttemptID != nil {
		a, err := r.store.GetAttempt(ctx, *job.AttemptID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	n, err := r.store.NextAttemptNumber(ctx, sig.ID)
	if err != nil {
		return nil, err
	}
	a := &domain.Attempt{SignalID: sig.ID, AttemptNumber: n, Status: domain.AttemptPending}
	if err := r.store.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	job.AttemptID = &a.ID
	return a, nil
}

func (r *Runner) failAttemptAndJob(ctx context.Context, job *domain.Job, attempt *domain.Attempt, cause error) error {
	finished := time.Now().UTC()
	attempt.FinishedAt = &finished
	attempt.Status = domain.AttemptFailed
	attempt.ErrorMessage = cause.Error()
	if err := r.store.UpdateAttempt(ctx, attempt); err != nil {
		r.log.Error(ctx, "failed to persist failed attempt", "error", err.Error())
	}
	return r.failJob(ctx, job, cause)
}

func (r *Runner) failJob(ctx context.Context, job *domain.Job, cause error) error {
	if _, err := r.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("runner: fail job after error (%v): %w", cause, err)
	}
	return cause
}
