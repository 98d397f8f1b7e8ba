// Package domain holds the entities shared by every core subsystem:
// Signal, Attempt, Clarification, Job, and Artifact. None of these types
// carry persistence logic; see internal/store for that.
package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SignalState tracks a signal's position in the triage-to-resolution
// workflow.
type SignalState string

const (
	SignalPending    SignalState = "pending"
	SignalQueued     SignalState = "queued"
	SignalInProgress SignalState = "in_progress"
	SignalCompleted  SignalState = "completed"
	SignalBlocked    SignalState = "blocked"
	SignalSkipped    SignalState = "skipped"
	SignalArchived   SignalState = "archived"
)

// Signal is a work item sourced from some upstream project board.
// Uniqueness is enforced on (Repo, IssueNumber) by the store.
type Signal struct {
	ID             uuid.UUID
	Source         string
	Repo           string
	IssueNumber    int
	ExternalID     string
	Title          string
	Body           string
	Metadata       map[string]any
	ProjectFields  map[string]any
	State          SignalState
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GitHubURL returns the canonical issue URL for GitHub-sourced signals.
func (s *Signal) GitHubURL() string {
	return "https://github.com/" + s.Repo + "/issues/" + strconv.Itoa(s.IssueNumber)
}

// AttemptStatus is the outcome taxonomy the worker, classifier and
// runner agree on end to end; see DESIGN.md for the decision record.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptRunning    AttemptStatus = "running"
	AttemptSuccess    AttemptStatus = "success"
	AttemptNeedsHuman AttemptStatus = "needs_human"
	AttemptFailed     AttemptStatus = "failed"
	AttemptNoop       AttemptStatus = "noop"
)

// Attempt is one execution of the agent against a Signal.
type Attempt struct {
	ID                uuid.UUID
	SignalID          uuid.UUID
	AttemptNumber     int
	Status            AttemptStatus
	StartedAt         *time.Time
	FinishedAt        *time.Time
	PRUrl             string
	PRNumber          *int
	BranchName        string
	Summary           map[string]any
	RunnerMetadata    map[string]any
	ErrorMessage      string
	Clarifications    []*Clarification
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DurationMs returns the wall-clock duration of the attempt, or nil if
// either endpoint is unset.
func (a *Attempt) DurationMs() *int64 {
	if a.StartedAt == nil || a.FinishedAt == nil {
		return nil
	}
	ms := a.FinishedAt.Sub(*a.StartedAt).Milliseconds()
	return &ms
}

// PendingClarifications returns the clarifications on this attempt that
// have neither an explicit answer nor an accepted default.
func (a *Attempt) PendingClarifications() []*Clarification {
	var out []*Clarification
	for _, c := range a.Clarifications {
		if !c.IsAnswered() {
			out = append(out, c)
		}
	}
	return out
}

// Clarification is a question the agent raised during an attempt, plus
// its human answer.
type Clarification struct {
	ID              uuid.UUID
	AttemptID       uuid.UUID
	QuestionID      string
	QuestionText    string
	QuestionContext string
	DefaultAnswer   *string
	AcceptedDefault bool
	AnswerText      *string
	AnsweredAt      *time.Time
	AnsweredBy      string
	Anchors         map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsAnswered reports whether the clarification has a usable answer.
func (c *Clarification) IsAnswered() bool {
	return c.AnswerText != nil || c.AcceptedDefault
}

// EffectiveAnswer returns the answer text if present, else the default
// answer if accepted, else nil.
func (c *Clarification) EffectiveAnswer() *string {
	if c.AnswerText != nil {
		return c.AnswerText
	}
	if c.AcceptedDefault && c.DefaultAnswer != nil {
		return c.DefaultAnswer
	}
	return nil
}

// JobType enumerates the closed, small set of job kinds the queue runs.
type JobType string

const (
	JobSyncSignals  JobType = "sync_signals"
	JobRunAttempt   JobType = "run_attempt"
	JobRetryAttempt JobType = "retry_attempt"
	JobCleanup      JobType = "cleanup"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// Job is a unit of work in the durable queue.
type Job struct {
	ID            uuid.UUID
	Type          JobType
	Payload       map[string]any
	Status        JobStatus
	Priority      int
	MaxRetries    int
	RetryCount    int
	ScheduledFor  time.Time
	WorkerID      string
	ClaimedAt     *time.Time
	HeartbeatAt   *time.Time
	CompletedAt   *time.Time
	Result        map[string]any
	Error         string
	AttemptID     *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanRetry reports whether the job has retry budget remaining.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// ArtifactType enumerates the kinds of output an attempt can produce.
type ArtifactType string

const (
	ArtifactLog        ArtifactType = "log"
	ArtifactDiff       ArtifactType = "diff"
	ArtifactPlan       ArtifactType = "plan"
	ArtifactCost       ArtifactType = "cost"
	ArtifactError      ArtifactType = "error"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactCustom     ArtifactType = "custom"
)

// Artifact is an output of an attempt: logs, diffs, plans, errors. For a
// given attempt and Type = ArtifactLog, SequenceNum is strictly
// increasing and at most one artifact has IsFinal = true.
type Artifact struct {
	ID            uuid.UUID
	AttemptID     uuid.UUID
	Type          ArtifactType
	Name          string
	MimeType      string
	ContentText   *string
	ContentBlob   []byte
	ContentPath   *string
	SizeBytes     *int
	SequenceNum   *int
	IsFinal       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasContent reports whether any of the three content slots is populated.
func (a *Artifact) HasContent() bool {
	return a.ContentText != nil || a.ContentBlob != nil || a.ContentPath != nil
}

