package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"subtitlepipe/api/database"
	"subtitlepipe/api/dto"
	"subtitlepipe/api/models"
	"subtitlepipe/pkg/jobmsg"
)

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) Repository {
	return &PostgresRepo{db: db}
}

const mediaColumns = `id, owner_id, title, source_key, local_path, is_local_source,
	result_key, status, progress, job_generation, created_at, updated_at`

func scanMedia(row pgx.Row) (*models.MediaItem, error) {
	var m models.MediaItem
	err := row.Scan(
		&m.ID,
		&m.OwnerID,
		&m.Title,
		&m.SourceKey,
		&m.LocalPath,
		&m.IsLocalSource,
		&m.ResultKey,
		&m.Status,
		&m.Progress,
		&m.JobGeneration,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRepo) CreateMedia(ctx context.Context, item *models.MediaItem) error {
	query := `
		INSERT INTO media_items (id, owner_id, title, source_key, local_path, is_local_source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		item.ID,
		item.OwnerID,
		item.Title,
		item.SourceKey,
		item.LocalPath,
		item.IsLocalSource,
		item.Status,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
}

func (r *PostgresRepo) GetMedia(ctx context.Context, id string) (*models.MediaItem, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_items WHERE id = $1`

	item, err := scanMedia(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dto.ErrMediaNotFound
		}
		return nil, err
	}
	return item, nil
}

func (r *PostgresRepo) ListMediaByOwner(ctx context.Context, ownerID string) ([]*models.MediaItem, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_items WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.MediaItem
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetProcessing moves an item into processing for a new job generation,
// resetting progress and any previous result.
func (r *PostgresRepo) SetProcessing(ctx context.Context, id string, generation int) (*models.MediaItem, error) {
	query := `
		UPDATE media_items
		SET status = $2, progress = 0, result_key = '', job_generation = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + mediaColumns

	return r.guardedScan(ctx, query, id, models.StatusProcessing, generation)
}

// ApplyProgress is last-write-wins on the progress field but never touches a
// terminal row or a row owned by a newer job generation.
func (r *PostgresRepo) ApplyProgress(ctx context.Context, id string, generation, percent int) (*models.MediaItem, error) {
	percent = clampPercent(percent)
	query := `
		UPDATE media_items
		SET status = 'processing', progress = $3, updated_at = NOW()
		WHERE id = $1 AND job_generation = $2 AND status NOT IN ('completed', 'failed')
		RETURNING ` + mediaColumns

	return r.guardedScan(ctx, query, id, generation, percent)
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, generation int, resultKey string) (*models.MediaItem, error) {
	query := `
		UPDATE media_items
		SET status = 'completed', progress = 100, result_key = $3, updated_at = NOW()
		WHERE id = $1 AND job_generation = $2 AND status NOT IN ('completed', 'failed')
		RETURNING ` + mediaColumns

	return r.guardedScan(ctx, query, id, generation, resultKey)
}

func (r *PostgresRepo) ConfirmCompleted(ctx context.Context, id string, generation int, resultKey string) (*models.MediaItem, error) {
	query := `
		UPDATE media_items
		SET status = 'completed', progress = 100, result_key = $3, updated_at = NOW()
		WHERE id = $1 AND job_generation = $2
		RETURNING ` + mediaColumns

	return r.guardedScan(ctx, query, id, generation, resultKey)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, generation int) (*models.MediaItem, error) {
	query := `
		UPDATE media_items
		SET status = 'failed', progress = 0, result_key = '', updated_at = NOW()
		WHERE id = $1 AND job_generation = $2 AND status NOT IN ('completed', 'failed')
		RETURNING ` + mediaColumns

	return r.guardedScan(ctx, query, id, generation)
}

func (r *PostgresRepo) guardedScan(ctx context.Context, query string, args ...any) (*models.MediaItem, error) {
	item, err := scanMedia(r.db.Pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

const jobColumns = `media_id, generation, status, source_locator, is_local_source,
	auth_token, result_hint, claimed_by, lease_expires_at, result_key, failure_reason,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.MediaID,
		&j.Generation,
		&j.Status,
		&j.SourceLocator,
		&j.IsLocalSource,
		&j.AuthToken,
		&j.ResultHint,
		&j.ClaimedBy,
		&j.LeaseExpiresAt,
		&j.ResultKey,
		&j.FailureReason,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *PostgresRepo) EnqueueJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	// A conflicting active row makes the conditional upsert a no-op; the
	// existing job is then returned as-is. A terminal row is reset under
	// generation+1 (resubmission).
	query := `
		INSERT INTO jobs (media_id, generation, status, source_locator, is_local_source, auth_token, result_hint)
		VALUES ($1, 1, 'queued', $2, $3, $4, $5)
		ON CONFLICT (media_id) DO UPDATE
		SET generation = jobs.generation + 1,
		    status = 'queued',
		    source_locator = EXCLUDED.source_locator,
		    is_local_source = EXCLUDED.is_local_source,
		    auth_token = EXCLUDED.auth_token,
		    result_hint = EXCLUDED.result_hint,
		    claimed_by = '',
		    lease_expires_at = NULL,
		    result_key = '',
		    failure_reason = '',
		    updated_at = NOW()
		WHERE jobs.status IN ('completed', 'failed')
		RETURNING ` + jobColumns

	row := r.db.Pool.QueryRow(ctx, query,
		job.MediaID,
		job.SourceLocator,
		job.IsLocalSource,
		job.AuthToken,
		job.ResultHint,
	)

	created, err := scanJob(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.GetJob(ctx, job.MediaID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepo) GetJob(ctx context.Context, mediaID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE media_id = $1`

	j, err := scanJob(r.db.Pool.QueryRow(ctx, query, mediaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dto.ErrMediaNotFound
		}
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) ReapStalledJobs(ctx context.Context) ([]*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'failed', failure_reason = $1, updated_at = NOW()
		WHERE status = 'claimed' AND lease_expires_at < NOW()
		RETURNING ` + jobColumns

	rows, err := r.db.Pool.Query(ctx, query, jobmsg.StalledReason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		reaped = append(reaped, j)
	}
	return reaped, rows.Err()
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
