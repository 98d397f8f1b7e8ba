// Package queue exposes the durable job-queue API workers consume,
// orchestrating store.Store's claim/backoff/recovery primitives and
// adding logging and metrics around every stateful operation.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/store"
	"workbench.dev/core/internal/telemetry"
)

// Queue is the worker-facing durable job queue.
type Queue struct {
	store          store.Store
	log            telemetry.Logger
	metrics        telemetry.Metrics
	staleThreshold time.Duration
	retryBaseDelay time.Duration
}

// New constructs a Queue over the given store. staleThreshold governs
// RecoverStale's heartbeat cutoff; retryBaseDelay is the backoff base
// for Fail's retry scheduling.
func New(s store.Store, log telemetry.Logger, metrics telemetry.Metrics, staleThreshold, retryBaseDelay time.Duration) *Queue {
	return &Queue{store: s, log: log, metrics: metrics, staleThreshold: staleThreshold, retryBaseDelay: retryBaseDelay}
}

// Enqueue adds a new job to the queue. Jobs default to PENDING and
// scheduled_for = now unless the caller sets ScheduledFor to delay it.
func (q *Queue) Enqueue(ctx context.Context, j *domain.Job) error {
	if err := q.store.EnqueueJob(ctx, j); err != nil {
		return err
	}
	q.log.Info(ctx, "job enqueued", "job_id", j.ID.String(), "type", string(j.Type))
	q.metrics.IncCounter("queue.enqueued", 1, "type", string(j.Type))
	return nil
}

// Claim atomically claims the highest-priority, oldest-scheduled
// eligible job for workerID, or returns nil, nil if none is eligible.
// types narrows the claim to a job-type subset; pass nil to claim any
// type.
func (q *Queue) Claim(ctx context.Context, workerID string, types []domain.JobType) (*domain.Job, error) {
	job, err := q.store.ClaimJob(ctx, workerID, types, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	q.log.Info(ctx, "job claimed", "job_id", job.ID.String(), "type", string(job.Type), "worker_id", workerID)
	q.metrics.IncCounter("queue.claimed", 1, "type", string(job.Type))
	return job, nil
}

// Start transitions a claimed job to RUNNING.
func (q *Queue) Start(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.store.StartJob(ctx, id, time.Now().UTC())
}

// Complete transitions a claimed or running job to COMPLETED.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result map[string]any) (bool, error) {
	ok, err := q.store.CompleteJob(ctx, id, result, time.Now().UTC())
	if err == nil && ok {
		q.log.Info(ctx, "job completed", "job_id", id.String())
		q.metrics.IncCounter("queue.completed", 1)
	}
	return ok, err
}

// Fail records a job failure. If the job still has retry budget it is
// rescheduled with exponential backoff (retryBaseDelay * 2^retry_count);
// otherwise it transitions to DEAD.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	ok, err := q.store.FailJob(ctx, id, errMsg, q.retryBaseDelay, time.Now().UTC())
	if err == nil && ok {
		q.log.Warn(ctx, "job failed", "job_id", id.String(), "error", errMsg)
		q.metrics.IncCounter("queue.failed", 1)
	}
	return ok, err
}

// Heartbeat marks a claimed or running job as still alive. Workers call
// this periodically from inside AttemptRunner's execution loop; a job
// whose heartbeat goes silent past the stale threshold is eligible for
// RecoverStale.
func (q *Queue) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.store.HeartbeatJob(ctx, id, time.Now().UTC())
}

// RecoverStale reclaims jobs whose heartbeat has gone silent past the
// configured stale threshold, returning them to PENDING with an
// incremented retry_count. DEAD jobs are never resurrected. Intended to
// be called periodically by a maintenance loop (see cmd/workbenchctl).
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	n, err := q.store.RecoverStaleJobs(ctx, q.staleThreshold, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn(ctx, "recovered stale jobs", "count", n)
		q.metrics.IncCounter("queue.recovered_stale", float64(n))
	}
	return n, nil
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}
