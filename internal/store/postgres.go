package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
)

// Postgres persists jobs and job_events via pgx. Transition guards are
// expressed as WHERE status = $expected so a lost race is a zero-row update.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("database connection established")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const jobColumns = `
	id, status, priority, progress, stage, source_url, job_type, options,
	result, error_message, failed_stage, retry_count, max_retries,
	created_at, updated_at, started_at, completed_at
`

func (p *Postgres) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	options, err := json.Marshal(j.Input.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	result, err := json.Marshal(j.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		INSERT INTO jobs (id, status, priority, progress, stage, source_url, job_type,
		                  options, result, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`

	_, err = p.pool.Exec(ctx, query,
		j.ID, j.Status, j.Priority, j.Progress, nullString(string(j.Stage)),
		j.Input.SourceURL, j.Input.Type, options, result,
		j.RetryCount, j.MaxRetries, now,
	)
	return err
}

func (p *Postgres) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

func (p *Postgres) ListJobs(ctx context.Context, f Filter) ([]*job.Job, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(" AND job_type = $%d", len(args))
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (p *Postgres) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrJobNotFound
	}
	// events cascade via FK, but keep the explicit delete for clarity
	_, err = p.pool.Exec(ctx, `DELETE FROM job_events WHERE job_id = $1`, id)
	return err
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status job.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// cas runs a guarded UPDATE and converts a zero-row result into a
// ConflictError naming the attempted edge and the job's actual status.
func (p *Postgres) cas(ctx context.Context, id uuid.UUID, to job.Status, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := p.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &common.ConflictError{JobID: id.String(), From: string(current.Status), To: string(to)}
}

func (p *Postgres) MarkQueued(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	return p.cas(ctx, id, job.StatusQueued, query, job.StatusQueued, id, job.StatusPending)
}

func (p *Postgres) Claim(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := `
		UPDATE jobs SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING ` + jobColumns

	j, err := scanJob(p.pool.QueryRow(ctx, query, job.StatusProcessing, id, job.StatusQueued))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := p.GetJob(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &common.ConflictError{JobID: id.String(), From: string(current.Status), To: string(job.StatusProcessing)}
		}
		return nil, err
	}
	// fresh jobs have no stage yet; the row catches up on the first
	// progress update
	if j.Stage == "" {
		j.Stage = job.FirstStage(j.Input.Type)
	}
	return j, nil
}

func (p *Postgres) MarkCompleted(ctx context.Context, id uuid.UUID, res job.Result) error {
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	query := `
		UPDATE jobs SET status = $1, progress = 100, result = $2,
		       error_message = NULL, failed_stage = NULL,
		       completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return p.cas(ctx, id, job.StatusCompleted, query, job.StatusCompleted, result, id, job.StatusProcessing)
}

func (p *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, stage job.Stage, msg string) error {
	query := `
		UPDATE jobs SET status = $1, error_message = $2, failed_stage = $3,
		       completed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	return p.cas(ctx, id, job.StatusFailed, query, job.StatusFailed, msg, stage, id, job.StatusProcessing)
}

func (p *Postgres) MarkCancelled(ctx context.Context, id uuid.UUID, from job.Status, reason string) error {
	if err := job.GuardTransition(id.String(), from, job.StatusCancelled); err != nil {
		return err
	}
	query := `
		UPDATE jobs SET status = $1, error_message = COALESCE(NULLIF($2, ''), error_message),
		       completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return p.cas(ctx, id, job.StatusCancelled, query, job.StatusCancelled, reason, id, from)
}

func (p *Postgres) MarkRetried(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := `
		UPDATE jobs SET status = $1, progress = 0, stage = $2,
		       retry_count = retry_count + 1, error_message = NULL, failed_stage = NULL,
		       started_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING ` + jobColumns

	current, err := p.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	j, err := scanJob(p.pool.QueryRow(ctx, query,
		job.StatusQueued, job.FirstStage(current.Input.Type), id, job.StatusFailed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &common.ConflictError{JobID: id.String(), From: string(current.Status), To: string(job.StatusQueued)}
		}
		return nil, err
	}
	return j, nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id uuid.UUID, stage job.Stage, progress float64) error {
	query := `
		UPDATE jobs SET stage = $1, progress = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	// zero rows means the job already left processing; drop the update
	_, err := p.pool.Exec(ctx, query, stage, progress, id, job.StatusProcessing)
	return err
}

func (p *Postgres) UpdateResult(ctx context.Context, id uuid.UUID, res job.Result) error {
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	query := `
		UPDATE jobs SET result = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	_, err = p.pool.Exec(ctx, query, result, id, job.StatusProcessing)
	return err
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *job.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// publish is serialized per job (single owner), so MAX+1 is race-free
	query := `
		INSERT INTO job_events (job_id, sequence, event_type, status, stage, progress, message, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM job_events WHERE job_id = $1),
		        $2, $3, $4, $5, $6, $7)
		RETURNING sequence
	`
	return p.pool.QueryRow(ctx, query,
		ev.JobID, ev.Type, nullString(string(ev.Status)), nullString(string(ev.Stage)),
		ev.Progress, ev.Message, ev.Timestamp,
	).Scan(&ev.Sequence)
}

func (p *Postgres) ListEvents(ctx context.Context, id uuid.UUID) ([]job.Event, error) {
	query := `
		SELECT job_id, sequence, event_type, status, stage, progress, message, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY sequence
	`
	rows, err := p.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []job.Event
	for rows.Next() {
		var ev job.Event
		var status, stage, message sql.NullString
		if err := rows.Scan(&ev.JobID, &ev.Sequence, &ev.Type, &status, &stage,
			&ev.Progress, &message, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Status = job.Status(status.String)
		ev.Stage = job.Stage(stage.String)
		ev.Message = message.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var stage, errMsg, failedStage sql.NullString
	var options, result []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Status, &j.Priority, &j.Progress, &stage,
		&j.Input.SourceURL, &j.Input.Type, &options, &result,
		&errMsg, &failedStage, &j.RetryCount, &j.MaxRetries,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Stage = job.Stage(stage.String)
	j.Error = errMsg.String
	j.FailedStage = job.Stage(failedStage.String)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &j.Input.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
