package repository

import (
	"context"

	"subtitlepipe/api/models"
)

// Repository is the single mutation path for media records and job rows.
// The guarded update methods (SetProcessing, ApplyProgress, MarkCompleted,
// MarkFailed) perform partial-field updates with generation and
// terminal-state checks in the query itself; a filtered update returns
// (nil, nil) so callers can drop stale or racing events without a read.
type Repository interface {
	CreateMedia(ctx context.Context, item *models.MediaItem) error
	GetMedia(ctx context.Context, id string) (*models.MediaItem, error)
	ListMediaByOwner(ctx context.Context, ownerID string) ([]*models.MediaItem, error)

	SetProcessing(ctx context.Context, id string, generation int) (*models.MediaItem, error)
	ApplyProgress(ctx context.Context, id string, generation, percent int) (*models.MediaItem, error)
	MarkCompleted(ctx context.Context, id string, generation int, resultKey string) (*models.MediaItem, error)
	// ConfirmCompleted reasserts a completed write for the same generation.
	// Unlike MarkCompleted it may touch a terminal row: it exists to repair
	// a completion overwritten by a racing progress event.
	ConfirmCompleted(ctx context.Context, id string, generation int, resultKey string) (*models.MediaItem, error)
	MarkFailed(ctx context.Context, id string, generation int) (*models.MediaItem, error)

	// EnqueueJob is idempotent by media id: an active job is returned
	// unchanged (created=false); a terminal one is reset under the next
	// generation (created=true).
	EnqueueJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetJob(ctx context.Context, mediaID string) (*models.Job, error)
	// ReapStalledJobs fails every claimed job whose lease has expired and
	// returns the rows it transitioned.
	ReapStalledJobs(ctx context.Context) ([]*models.Job, error)
}
