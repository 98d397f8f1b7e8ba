// Package pgxstore implements store.Store against PostgreSQL. It uses
// database/sql with the pgx/v5 stdlib driver (rather than a native
// pgxpool.Pool) so the claim/backoff/recovery SQL can be exercised with
// github.com/DATA-DOG/go-sqlmock in unit tests, the same pairing
// jordigilh-kubernaut's datastorage repositories use.
package pgxstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL using the pgx stdlib driver.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB (used by tests with go-sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateSignal(ctx context.Context, sig *domain.Signal) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	meta, err := marshalJSON(sig.Metadata)
	if err != nil {
		return err
	}
	fields, err := marshalJSON(sig.ProjectFields)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO signals (id, source, repo, issue_number, external_id, title, body,
			metadata_json, project_fields_json, state, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`
	_, err = s.db.ExecContext(ctx, q, sig.ID, sig.Source, sig.Repo, sig.IssueNumber,
		sig.ExternalID, sig.Title, sig.Body, meta, fields, sig.State, sig.Priority)
	if err != nil && isUniqueViolation(err) {
		return &store.DuplicateError{Entity: "signal", Key: fmt.Sprintf("%s#%d", sig.Repo, sig.IssueNumber)}
	}
	return err
}

func (s *Store) GetSignal(ctx context.Context, id uuid.UUID) (*domain.Signal, error) {
	const q = `
		SELECT id, source, repo, issue_number, external_id, title, body,
			metadata_json, project_fields_json, state, priority, created_at, updated_at
		FROM signals WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanSignal(row)
}

func scanSignal(row *sql.Row) (*domain.Signal, error) {
	var sig domain.Signal
	var meta, fields []byte
	var externalID sql.NullString
	err := row.Scan(&sig.ID, &sig.Source, &sig.Repo, &sig.IssueNumber, &externalID,
		&sig.Title, &sig.Body, &meta, &fields, &sig.State, &sig.Priority, &sig.CreatedAt, &sig.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sig.ExternalID = externalID.String
	if sig.Metadata, err = unmarshalJSON(meta); err != nil {
		return nil, err
	}
	if sig.ProjectFields, err = unmarshalJSON(fields); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *Store) UpdateSignalState(ctx context.Context, id uuid.UUID, state domain.SignalState) error {
	const q = `UPDATE signals SET state = $2, updated_at = now() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, state)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = domain.AttemptPending
	}
	summary, err := marshalJSON(a.Summary)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(a.RunnerMetadata)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO attempts (id, signal_id, attempt_number, status, started_at, finished_at,
			pr_url, pr_number, branch_name, summary_json, runner_metadata_json, error_message,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now())`
	_, err = s.db.ExecContext(ctx, q, a.ID, a.SignalID, a.AttemptNumber, a.Status, a.StartedAt,
		a.FinishedAt, nullString(a.PRUrl), a.PRNumber, nullString(a.BranchName), summary, meta, nullString(a.ErrorMessage))
	return err
}

func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.Attempt, error) {
	const q = `
		SELECT id, signal_id, attempt_number, status, started_at, finished_at, pr_url,
			pr_number, branch_name, summary_json, runner_metadata_json, error_message,
			created_at, updated_at
		FROM attempts WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, err
	}
	clars, err := s.GetClarificationsByQuestionIDs(ctx, id, nil)
	if err == nil {
		a.Clarifications = clars
	}
	return a, nil
}

// attemptScanner is satisfied by both *sql.Row and *sql.Rows, so
// scanAttemptInto serves GetAttempt's single-row path and
// GetAttemptsBySignal's multi-row path alike.
type attemptScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row *sql.Row) (*domain.Attempt, error) {
	a, err := scanAttemptInto(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return a, err
}

func scanAttemptRows(rows *sql.Rows) (*domain.Attempt, error) {
	return scanAttemptInto(rows)
}

func scanAttemptInto(row attemptScanner) (*domain.Attempt, error) {
	var a domain.Attempt
	var prURL, branch, errMsg sql.NullString
	var summary, meta []byte
	err := row.Scan(&a.ID, &a.SignalID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.FinishedAt,
		&prURL, &a.PRNumber, &branch, &summary, &meta, &errMsg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.PRUrl, a.BranchName, a.ErrorMessage = prURL.String, branch.String, errMsg.String
	if a.Summary, err = unmarshalJSON(summary); err != nil {
		return nil, err
	}
	if a.RunnerMetadata, err = unmarshalJSON(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAttempt persists the attempt's mutable fields. This is a plain
// overwrite: callers are responsible for the idempotence rules (only
// set started_at once; only advance status forward).
func (s *Store) UpdateAttempt(ctx context.Context, a *domain.Attempt) error {
	summary, err := marshalJSON(a.Summary)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(a.RunnerMetadata)
	if err != nil {
		return err
	}
	const q = `
		UPDATE attempts SET status=$2, started_at=$3, finished_at=$4, pr_url=$5, pr_number=$6,
			branch_name=$7, summary_json=$8, runner_metadata_json=$9, error_message=$10, updated_at=now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, a.ID, a.Status, a.StartedAt, a.FinishedAt,
		nullString(a.PRUrl), a.PRNumber, nullString(a.BranchName), summary, meta, nullString(a.ErrorMessage))
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func (s *Store) NextAttemptNumber(ctx context.Context, signalID uuid.UUID) (int, error) {
	const q = `SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM attempts WHERE signal_id = $1`
	var n int
	err := s.db.QueryRowContext(ctx, q, signalID).Scan(&n)
	return n, err
}

// GetAttemptsBySignal returns every attempt against signalID, oldest
// first, each with its Clarifications populated.
func (s *Store) GetAttemptsBySignal(ctx context.Context, signalID uuid.UUID) ([]*domain.Attempt, error) {
	const q = `
		SELECT id, signal_id, attempt_number, status, started_at, finished_at, pr_url,
			pr_number, branch_name, summary_json, runner_metadata_json, error_message,
			created_at, updated_at
		FROM attempts WHERE signal_id = $1 ORDER BY attempt_number`
	rows, err := s.db.QueryContext(ctx, q, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		a, err := scanAttemptRows(rows)
		if err != nil {
			return nil, err
		}
		clars, err := s.GetClarificationsByQuestionIDs(ctx, a.ID, nil)
		if err != nil {
			return nil, err
		}
		a.Clarifications = clars
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateClarification(ctx context.Context, c *domain.Clarification) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	anchors, err := marshalJSON(c.Anchors)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO clarifications (id, attempt_id, question_id, question_text, question_context,
			default_answer, accepted_default, answer_text, answered_at, answered_by, anchors_json,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now())`
	_, err = s.db.ExecContext(ctx, q, c.ID, c.AttemptID, c.QuestionID, c.QuestionText,
		nullString(c.QuestionContext), c.DefaultAnswer, c.AcceptedDefault, c.AnswerText, c.AnsweredAt, nullString(c.AnsweredBy), anchors)
	if err != nil && isUniqueViolation(err) {
		return &store.DuplicateError{Entity: "clarification", Key: c.QuestionID}
	}
	return err
}

func (s *Store) GetClarificationsByQuestionIDs(ctx context.Context, attemptID uuid.UUID, questionIDs []string) ([]*domain.Clarification, error) {
	var rows *sql.Rows
	var err error
	if len(questionIDs) == 0 {
		const q = `
			SELECT id, attempt_id, question_id, question_text, question_context, default_answer,
				accepted_default, answer_text, answered_at, answered_by, anchors_json, created_at, updated_at
			FROM clarifications WHERE attempt_id = $1 ORDER BY question_id`
		rows, err = s.db.QueryContext(ctx, q, attemptID)
	} else {
		placeholders := make([]string, len(questionIDs))
		args := make([]any, 0, len(questionIDs)+1)
		args = append(args, attemptID)
		for i, qid := range questionIDs {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, qid)
		}
		q := fmt.Sprintf(`
			SELECT id, attempt_id, question_id, question_text, question_context, default_answer,
				accepted_default, answer_text, answered_at, answered_by, anchors_json, created_at, updated_at
			FROM clarifications WHERE attempt_id = $1 AND question_id IN (%s) ORDER BY question_id`,
			strings.Join(placeholders, ","))
		rows, err = s.db.QueryContext(ctx, q, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Clarification
	for rows.Next() {
		var c domain.Clarification
		var context_, answeredBy sql.NullString
		var anchors []byte
		if err := rows.Scan(&c.ID, &c.AttemptID, &c.QuestionID, &c.QuestionText, &context_,
			&c.DefaultAnswer, &c.AcceptedDefault, &c.AnswerText, &c.AnsweredAt, &answeredBy, &anchors,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.QuestionContext, c.AnsweredBy = context_.String, answeredBy.String
		if c.Anchors, err = unmarshalJSON(anchors); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) AnswerClarification(ctx context.Context, attemptID uuid.UUID, questionID, answer, answeredBy string) error {
	const q = `
		UPDATE clarifications SET answer_text=$3, answered_at=now(), answered_by=$4, updated_at=now()
		WHERE attempt_id = $1 AND question_id = $2`
	res, err := s.db.ExecContext(ctx, q, attemptID, questionID, answer, nullString(answeredBy))
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func (s *Store) CreateArtifact(ctx context.Context, a *domain.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	const q = `
		INSERT INTO artifacts (id, attempt_id, type, name, mime_type, content_text, content_blob,
			content_path, size_bytes, sequence_num, is_final, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now())`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.AttemptID, a.Type, nullString(a.Name), a.MimeType,
		a.ContentText, a.ContentBlob, a.ContentPath, a.SizeBytes, a.SequenceNum, a.IsFinal)
	return err
}

func (s *Store) ListArtifacts(ctx context.Context, attemptID uuid.UUID, sequenceAfter int) ([]*domain.Artifact, error) {
	const q = `
		SELECT id, attempt_id, type, name, mime_type, content_text, content_blob, content_path,
			size_bytes, sequence_num, is_final, created_at, updated_at
		FROM artifacts
		WHERE attempt_id = $1 AND (sequence_num IS NULL OR sequence_num > $2)
		ORDER BY sequence_num ASC NULLS FIRST`
	rows, err := s.db.QueryContext(ctx, q, attemptID, sequenceAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var name sql.NullString
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.Type, &name, &a.MimeType, &a.ContentText,
			&a.ContentBlob, &a.ContentPath, &a.SizeBytes, &a.SequenceNum, &a.IsFinal, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Name = name.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) EnqueueJob(ctx context.Context, j *domain.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = time.Now().UTC()
	}
	payload, err := marshalJSON(j.Payload)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO jobs (id, type, payload, status, priority, max_retries, retry_count,
			scheduled_for, attempt_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now())`
	_, err = s.db.ExecContext(ctx, q, j.ID, j.Type, payload, j.Status, j.Priority, j.MaxRetries,
		j.RetryCount, j.ScheduledFor, j.AttemptID)
	return err
}

// ClaimJob atomically claims the single best-eligible job: a CTE
// selects it with FOR UPDATE SKIP LOCKED, then the outer UPDATE claims
// it. Ordering: priority DESC, scheduled_for ASC.
func (s *Store) ClaimJob(ctx context.Context, workerID string, types []domain.JobType, now time.Time) (*domain.Job, error) {
	typeFilter := ""
	args := []any{workerID, now}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		typeFilter = fmt.Sprintf("AND type = ANY(ARRAY[%s])", strings.Join(placeholders, ","))
	}

	q := fmt.Sprintf(`
		WITH next_job AS (
			SELECT id
			FROM jobs
			WHERE status = 'pending'
			  AND scheduled_for <= $2
			  AND retry_count < max_retries
			  %s
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = 'claimed', worker_id = $1, claimed_at = $2, heartbeat_at = $2, updated_at = $2
		FROM next_job
		WHERE jobs.id = next_job.id
		RETURNING jobs.id, jobs.type, jobs.payload, jobs.status, jobs.priority, jobs.max_retries,
			jobs.retry_count, jobs.scheduled_for, jobs.worker_id, jobs.claimed_at, jobs.heartbeat_at,
			jobs.completed_at, jobs.result, jobs.error, jobs.attempt_id, jobs.created_at, jobs.updated_at`,
		typeFilter)

	row := s.db.QueryRowContext(ctx, q, args...)
	j, err := scanJob(row)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return j, err
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	var j domain.Job
	var payload, result []byte
	var workerID, errMsg sql.NullString
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Priority, &j.MaxRetries, &j.RetryCount,
		&j.ScheduledFor, &workerID, &j.ClaimedAt, &j.HeartbeatAt, &j.CompletedAt, &result, &errMsg,
		&j.AttemptID, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.WorkerID, j.Error = workerID.String, errMsg.String
	if j.Payload, err = unmarshalJSON(payload); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		if j.Result, err = unmarshalJSON(result); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func (s *Store) StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	const q = `
		UPDATE jobs SET status = 'running', heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'claimed'`
	return execRows(ctx, s.db, q, id, now)
}

func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any, now time.Time) (bool, error) {
	payload, err := marshalJSON(result)
	if err != nil {
		return false, err
	}
	const q = `
		UPDATE jobs SET status = 'completed', completed_at = $2, result = $3, updated_at = $2
		WHERE id = $1 AND status IN ('claimed', 'running')`
	return execRows(ctx, s.db, q, id, now, payload)
}

// FailJob implements the exponential-backoff retry-or-DEAD transition:
// retry_count += 1; if under max_retries, schedule
// `now + retry_base_delay * 2^(old retry_count)` and return to PENDING,
// otherwise mark DEAD.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryBaseDelay time.Duration, now time.Time) (bool, error) {
	var retryCount, maxRetries int
	err := s.db.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM jobs WHERE id = $1`, id).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	newRetryCount := retryCount + 1
	if newRetryCount < maxRetries {
		backoff := retryBaseDelay * time.Duration(1<<uint(retryCount))
		scheduledFor := now.Add(backoff)
		const q = `
			UPDATE jobs SET status = 'pending', error = $2, retry_count = $3, scheduled_for = $4,
				worker_id = NULL, claimed_at = NULL, heartbeat_at = NULL, updated_at = $5
			WHERE id = $1 AND status IN ('claimed', 'running')`
		return execRows(ctx, s.db, q, id, errMsg, newRetryCount, scheduledFor, now)
	}
	const q = `
		UPDATE jobs SET status = 'dead', error = $2, retry_count = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('claimed', 'running')`
	return execRows(ctx, s.db, q, id, errMsg, newRetryCount, now)
}

func (s *Store) HeartbeatJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	const q = `
		UPDATE jobs SET heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('claimed', 'running')`
	return execRows(ctx, s.db, q, id, now)
}

// RecoverStaleJobs reclaims claimed/running jobs whose heartbeat has
// gone silent past staleThreshold. DEAD jobs are never resurrected (the
// status filter excludes them).
func (s *Store) RecoverStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error) {
	threshold := now.Add(-staleThreshold)
	const q = `
		UPDATE jobs SET status = 'pending', error = 'Recovered from stale worker',
			retry_count = retry_count + 1, worker_id = NULL, claimed_at = NULL, heartbeat_at = NULL,
			updated_at = $2
		WHERE status IN ('claimed', 'running') AND heartbeat_at < $1 AND retry_count < max_retries`
	res, err := s.db.ExecContext(ctx, q, threshold, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	const q = `
		SELECT id, type, payload, status, priority, max_retries, retry_count, scheduled_for,
			worker_id, claimed_at, heartbeat_at, completed_at, result, error, attempt_id,
			created_at, updated_at
		FROM jobs WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanJob(row)
}

func execRows(ctx context.Context, db *sql.DB, q string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func noRowsToNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), same check style as
// jordigilh-kubernaut's repository tests use pgconn.PgError for.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
