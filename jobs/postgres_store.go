package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/automation/txn"
)

// PostgresStore keeps one tenant's jobs in the jobs table. Writes join the
// unit of work in ctx when there is one.
type PostgresStore struct {
	db       *sql.DB
	tenantID string
}

func NewPostgresStore(db *sql.DB, tenantID string) *PostgresStore {
	return &PostgresStore{db: db, tenantID: tenantID}
}

const jobColumns = `id, type, status, params, result, correlation_id, created_at, updated_at, started_at, finished_at`

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to encode job params: %w", err)
	}
	query := `
		INSERT INTO jobs (id, tenant_id, type, status, params, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err = txn.Querier(ctx, s.db).QueryRowContext(ctx, query,
		job.ID, s.tenantID, string(job.Type), string(job.Status), string(params), job.CorrelationID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job               Job
		typ, status       string
		params, result    []byte
		started, finished sql.NullTime
	)
	if err := row.Scan(&job.ID, &typ, &status, &params, &result, &job.CorrelationID,
		&job.CreatedAt, &job.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	job.Type = Type(typ)
	job.Status = Status(status)
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of job %s: %w", job.ID, err)
	}
	if len(result) > 0 {
		job.Result = &Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", job.ID, err)
		}
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	return &job, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND tenant_id = $2`
	job, err := scanJob(txn.Querier(ctx, s.db).QueryRowContext(ctx, query, id, s.tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE jobs SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status = $5
	`
	res, err := txn.Querier(ctx, s.db).ExecContext(ctx, query,
		string(StatusRunning), at.UTC(), id, s.tenantID, string(StatusQueued))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) Finish(ctx context.Context, id string, status Status, result *Result, at time.Time) error {
	var encoded sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode job result: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}
	query := `
		UPDATE jobs SET status = $1, result = $2, finished_at = $3, updated_at = $3
		WHERE id = $4 AND tenant_id = $5
	`
	res, err := txn.Querier(ctx, s.db).ExecContext(ctx, query, string(status), encoded, at.UTC(), id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1 AND status = $2 ORDER BY created_at, id`
	args := []any{s.tenantID, string(status)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
