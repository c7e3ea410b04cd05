// Package repository is the worker's view of the jobs table: claim, lease
// renewal, and the terminal transitions. Every write is a conditional
// UPDATE, so two workers racing on the same job resolve in SQL.
package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type JobStore interface {
	// Claim atomically takes a queued job of the given generation. A false
	// return means another worker got there first or the attempt was
	// superseded; the caller just drops the message.
	Claim(ctx context.Context, mediaID string, generation int, workerID string, lease time.Duration) (bool, error)
	// Heartbeat extends the lease while work is progressing.
	Heartbeat(ctx context.Context, mediaID string, generation int, workerID string, lease time.Duration) error
	// Complete and Fail are first-writer-wins: false means the job already
	// reached a terminal state (usually via the stall reaper).
	Complete(ctx context.Context, mediaID string, generation int, resultKey string) (bool, error)
	Fail(ctx context.Context, mediaID string, generation int, reason string) (bool, error)
}

type PostgresJobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobStore(pool *pgxpool.Pool) JobStore {
	return &PostgresJobStore{pool: pool}
}

func (s *PostgresJobStore) Claim(ctx context.Context, mediaID string, generation int, workerID string, lease time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'claimed', claimed_by = $3, lease_expires_at = NOW() + make_interval(secs => $4), updated_at = NOW()
		WHERE media_id = $1 AND generation = $2 AND status = 'queued'`

	tag, err := s.pool.Exec(ctx, query, mediaID, generation, workerID, lease.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresJobStore) Heartbeat(ctx context.Context, mediaID string, generation int, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = NOW() + make_interval(secs => $4), updated_at = NOW()
		WHERE media_id = $1 AND generation = $2 AND status = 'claimed' AND claimed_by = $3`

	_, err := s.pool.Exec(ctx, query, mediaID, generation, workerID, lease.Seconds())
	return err
}

func (s *PostgresJobStore) Complete(ctx context.Context, mediaID string, generation int, resultKey string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'completed', result_key = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE media_id = $1 AND generation = $2 AND status = 'claimed'`

	tag, err := s.pool.Exec(ctx, query, mediaID, generation, resultKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresJobStore) Fail(ctx context.Context, mediaID string, generation int, reason string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'failed', failure_reason = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE media_id = $1 AND generation = $2 AND status = 'claimed'`

	tag, err := s.pool.Exec(ctx, query, mediaID, generation, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
