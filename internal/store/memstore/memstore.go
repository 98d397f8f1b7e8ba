// Package memstore is an in-memory Store implementation used by tests.
// It preserves the same claim ordering and retry/backoff semantics as
// pgxstore, serialized behind a single mutex instead of row locks — a
// legitimate stand-in exactly because the claim-race property under
// test only requires *some* serialization point, not a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	signals        map[uuid.UUID]*domain.Signal
	attempts       map[uuid.UUID]*domain.Attempt
	clarifications map[uuid.UUID]*domain.Clarification
	artifacts      map[uuid.UUID]*domain.Artifact
	jobs           map[uuid.UUID]*domain.Job
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		signals:        map[uuid.UUID]*domain.Signal{},
		attempts:       map[uuid.UUID]*domain.Attempt{},
		clarifications: map[uuid.UUID]*domain.Clarification{},
		artifacts:      map[uuid.UUID]*domain.Artifact{},
		jobs:           map[uuid.UUID]*domain.Job{},
	}
}

func clone[T any](v T) *T {
	cp := v
	return &cp
}

func (s *Store) CreateSignal(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.signals {
		if existing.Repo == sig.Repo && existing.IssueNumber == sig.IssueNumber {
			return &store.DuplicateError{Entity: "signal", Key: sig.Repo}
		}
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	now := time.Now().UTC()
	sig.CreatedAt, sig.UpdatedAt = now, now
	cp := *sig
	s.signals[sig.ID] = &cp
	return nil
}

func (s *Store) GetSignal(ctx context.Context, id uuid.UUID) (*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (s *Store) UpdateSignalState(ctx context.Context, id uuid.UUID, state domain.SignalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	sig.State = state
	sig.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = domain.AttemptPending
	}
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	cp.Clarifications = s.clarificationsForAttemptLocked(id)
	return &cp, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, a *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.attempts[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *a
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.attempts[a.ID] = &cp
	return nil
}

func (s *Store) NextAttemptNumber(ctx context.Context, signalID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, a := range s.attempts {
		if a.SignalID == signalID && a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}
	return max + 1, nil
}

func (s *Store) GetAttemptsBySignal(ctx context.Context, signalID uuid.UUID) ([]*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Attempt
	for _, a := range s.attempts {
		if a.SignalID != signalID {
			continue
		}
		cp := *a
		cp.Clarifications = s.clarificationsForAttemptLocked(a.ID)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *Store) CreateClarification(ctx context.Context, c *domain.Clarification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clarifications {
		if existing.AttemptID == c.AttemptID && existing.QuestionID == c.QuestionID {
			return &store.DuplicateError{Entity: "clarification", Key: c.QuestionID}
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.clarifications[c.ID] = &cp
	return nil
}

func (s *Store) clarificationsForAttemptLocked(attemptID uuid.UUID) []*domain.Clarification {
	var out []*domain.Clarification
	for _, c := range s.clarifications {
		if c.AttemptID == attemptID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// GetClarificationsByQuestionIDs returns attemptID's clarifications
// matching questionIDs, or all of them when questionIDs is empty —
// mirroring pgxstore's "no filter means everything" behavior.
func (s *Store) GetClarificationsByQuestionIDs(ctx context.Context, attemptID uuid.UUID, questionIDs []string) ([]*domain.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(questionIDs) == 0 {
		return s.clarificationsForAttemptLocked(attemptID), nil
	}
	want := map[string]bool{}
	for _, q := range questionIDs {
		want[q] = true
	}
	var out []*domain.Clarification
	for _, c := range s.clarifications {
		if c.AttemptID == attemptID && want[c.QuestionID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AnswerClarification(ctx context.Context, attemptID uuid.UUID, questionID, answer, answeredBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clarifications {
		if c.AttemptID == attemptID && c.QuestionID == questionID {
			ans := answer
			c.AnswerText = &ans
			c.AnsweredBy = answeredBy
			now := time.Now().UTC()
			c.AnsweredAt = &now
			c.UpdatedAt = now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) CreateArtifact(ctx context.Context, a *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, attemptID uuid.UUID, sequenceAfter int) ([]*domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Artifact
	for _, a := range s.artifacts {
		if a.AttemptID != attemptID {
			continue
		}
		if a.SequenceNum != nil && *a.SequenceNum <= sequenceAfter {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := 0, 0
		if out[i].SequenceNum != nil {
			si = *out[i].SequenceNum
		}
		if out[j].SequenceNum != nil {
			sj = *out[j].SequenceNum
		}
		return si < sj
	})
	return out, nil
}

func (s *Store) EnqueueJob(ctx context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = time.Now().UTC()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

// ClaimJob mirrors the SQL claim protocol: eligibility is
// status=PENDING, scheduled_for<=now, retry_count<max_retries (and an
// optional type filter); ordering is priority DESC, scheduled_for ASC.
// The mutex is the in-memory stand-in for FOR UPDATE SKIP LOCKED's
// serialization point.
func (s *Store) ClaimJob(ctx context.Context, workerID string, types []domain.JobType, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := map[domain.JobType]bool{}
	for _, t := range types {
		typeSet[t] = true
	}

	var candidates []*domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobPending {
			continue
		}
		if j.ScheduledFor.After(now) {
			continue
		}
		if j.RetryCount >= j.MaxRetries {
			continue
		}
		if len(typeSet) > 0 && !typeSet[j.Type] {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ScheduledFor.Before(candidates[j].ScheduledFor)
	})

	winner := candidates[0]
	winner.Status = domain.JobClaimed
	winner.WorkerID = workerID
	winner.ClaimedAt = clone(now)
	winner.HeartbeatAt = clone(now)
	winner.UpdatedAt = now

	cp := *winner
	return &cp, nil
}

func (s *Store) StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobClaimed {
		return false, nil
	}
	j.Status = domain.JobRunning
	j.HeartbeatAt = clone(now)
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) {
		return false, nil
	}
	j.Status = domain.JobCompleted
	j.CompletedAt = clone(now)
	j.Result = result
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryBaseDelay time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) {
		return false, nil
	}
	oldRetryCount := j.RetryCount
	j.RetryCount++
	j.Error = errMsg
	j.UpdatedAt = now

	if j.RetryCount < j.MaxRetries {
		backoff := retryBaseDelay * time.Duration(1<<uint(oldRetryCount))
		j.Status = domain.JobPending
		j.ScheduledFor = now.Add(backoff)
		j.WorkerID = ""
		j.ClaimedAt = nil
		j.HeartbeatAt = nil
	} else {
		j.Status = domain.JobDead
		j.CompletedAt = clone(now)
	}
	return true, nil
}

func (s *Store) HeartbeatJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) {
		return false, nil
	}
	j.HeartbeatAt = clone(now)
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) RecoverStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := now.Add(-staleThreshold)
	count := 0
	for _, j := range s.jobs {
		if j.Status != domain.JobClaimed && j.Status != domain.JobRunning {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(threshold) {
			continue
		}
		if j.RetryCount >= j.MaxRetries {
			continue
		}
		j.Status = domain.JobPending
		j.Error = "Recovered from stale worker"
		j.RetryCount++
		j.WorkerID = ""
		j.ClaimedAt = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}
