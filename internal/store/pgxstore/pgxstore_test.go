package pgxstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/store/pgxstore"
)

func newMock(t *testing.T) (*pgxstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return pgxstore.New(db), mock
}

func TestClaimJob_NoneEligible(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WITH next_job AS`).
		WithArgs("worker-1", now).
		WillReturnRows(sqlmock.NewRows(nil))

	job, err := s.ClaimJob(context.Background(), "worker-1", nil, now)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJob_ReturnsClaimedRow(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "type", "payload", "status", "priority", "max_retries", "retry_count",
		"scheduled_for", "worker_id", "claimed_at", "heartbeat_at", "completed_at",
		"result", "error", "attempt_id", "created_at", "updated_at",
	}).AddRow(id, "run_attempt", []byte(`{}`), "claimed", 0, 3, 0, now, "worker-1", now, now,
		nil, nil, "", nil, now, now)

	mock.ExpectQuery(`WITH next_job AS`).
		WithArgs("worker-1", now, "run_attempt").
		WillReturnRows(rows)

	job, err := s.ClaimJob(context.Background(), "worker-1", []domain.JobType{domain.JobRunAttempt}, now)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, domain.JobClaimed, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJob_RetriesWithBackoff(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectQuery(`SELECT retry_count, max_retries FROM jobs`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(1, 3))

	// retry_count (1) -> 2, under max_retries (3): backoff = base * 2^1
	mock.ExpectExec(`UPDATE jobs SET status = 'pending'`).
		WithArgs(id, "boom", 2, now.Add(2*time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.FailJob(context.Background(), id, "boom", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJob_ExhaustsRetries(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectQuery(`SELECT retry_count, max_retries FROM jobs`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(2, 3))

	mock.ExpectExec(`UPDATE jobs SET status = 'dead'`).
		WithArgs(id, "boom", 3, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.FailJob(context.Background(), id, "boom", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleJobs(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	threshold := 5 * time.Minute

	mock.ExpectExec(`UPDATE jobs SET status = 'pending', error = 'Recovered from stale worker'`).
		WithArgs(now.Add(-threshold), now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.RecoverStaleJobs(context.Background(), threshold, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatJob(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectExec(`UPDATE jobs SET heartbeat_at`).
		WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.HeartbeatJob(context.Background(), id, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
