// Package store defines the persistence contract the rest of the core
// depends on, independent of the backing engine. internal/store/pgxstore
// implements it against Postgres; internal/store/memstore implements it
// in-memory for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"workbench.dev/core/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// DuplicateError is returned when a create would violate a uniqueness
// constraint (Signal.(repo, issue_number), Clarification.(attempt_id,
// question_id)).
type DuplicateError struct {
	Entity string
	Key    string
}

func (e *DuplicateError) Error() string {
	return "store: duplicate " + e.Entity + ": " + e.Key
}

// Store is the transactional persistence contract. ClaimJob is the one
// primitive that must be implemented as a single serializing transaction
// (SELECT ... FOR UPDATE SKIP LOCKED then UPDATE) — see pgxstore for the
// canonical implementation.
type Store interface {
	// Signals
	CreateSignal(ctx context.Context, s *domain.Signal) error
	GetSignal(ctx context.Context, id uuid.UUID) (*domain.Signal, error)
	UpdateSignalState(ctx context.Context, id uuid.UUID, state domain.SignalState) error

	// Attempts
	CreateAttempt(ctx context.Context, a *domain.Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.Attempt, error)
	UpdateAttempt(ctx context.Context, a *domain.Attempt) error
	NextAttemptNumber(ctx context.Context, signalID uuid.UUID) (int, error)
	// GetAttemptsBySignal returns every attempt recorded against signalID,
	// oldest first, each with its Clarifications populated — used to
	// carry forward previously answered questions into a new attempt's
	// mission prompt.
	GetAttemptsBySignal(ctx context.Context, signalID uuid.UUID) ([]*domain.Attempt, error)

	// Clarifications
	CreateClarification(ctx context.Context, c *domain.Clarification) error
	// GetClarificationsByQuestionIDs returns attemptID's clarifications
	// matching questionIDs; an empty questionIDs returns all of them.
	GetClarificationsByQuestionIDs(ctx context.Context, attemptID uuid.UUID, questionIDs []string) ([]*domain.Clarification, error)
	AnswerClarification(ctx context.Context, attemptID uuid.UUID, questionID, answer, answeredBy string) error

	// Artifacts
	CreateArtifact(ctx context.Context, a *domain.Artifact) error
	ListArtifacts(ctx context.Context, attemptID uuid.UUID, sequenceAfter int) ([]*domain.Artifact, error)

	// Jobs / Queue primitives
	EnqueueJob(ctx context.Context, j *domain.Job) error
	ClaimJob(ctx context.Context, workerID string, types []domain.JobType, now time.Time) (*domain.Job, error)
	StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any, now time.Time) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryBaseDelay time.Duration, now time.Time) (bool, error)
	HeartbeatJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	RecoverStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error)
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}
