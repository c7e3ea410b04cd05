package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"subtitlepipe/api/cache"
	"subtitlepipe/api/dto"
	"subtitlepipe/api/kafka"
	"subtitlepipe/api/middleware"
	"subtitlepipe/api/models"
	"subtitlepipe/api/repository"
	"subtitlepipe/pkg/jobmsg"
	"subtitlepipe/pkg/storage"
)

// BlobStore is the slice of pkg/storage the ingestion service needs.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, int64, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	VerifyDurable(ctx context.Context, key string) (bool, error)
	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignedPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	Object(ctx context.Context, key string) (io.ReadCloser, error)
}

// StatusStore is the hot status cache consulted before postgres.
type StatusStore interface {
	Get(ctx context.Context, ownerID, mediaID string) (*cache.Entry, error)
	Set(ctx context.Context, ownerID, mediaID string, status models.MediaStatus, progress int) error
	Delete(ctx context.Context, ownerID, mediaID string) error
}

type MediaService struct {
	repo         repository.Repository
	blob         BlobStore
	cache        StatusStore
	producer     kafka.Producer
	fetcher      *Fetcher
	topic        string
	presignTTL   time.Duration
	processToken string
	stagingDir   string
	resultHint   string
	logger       *zap.Logger
}

func NewMediaService(
	repo repository.Repository,
	blob BlobStore,
	statusCache StatusStore,
	producer kafka.Producer,
	fetcher *Fetcher,
	topic string,
	presignTTL time.Duration,
	processToken string,
	stagingDir string,
	logger *zap.Logger,
) *MediaService {
	return &MediaService{
		repo:         repo,
		blob:         blob,
		cache:        statusCache,
		producer:     producer,
		fetcher:      fetcher,
		topic:        topic,
		presignTTL:   presignTTL,
		processToken: processToken,
		stagingDir:   stagingDir,
		resultHint:   "subtitles",
		logger:       logger,
	}
}

// SubmitDirect stores the uploaded stream durably, creates the media record
// and enqueues the first processing attempt. The record is written before the
// job, so a crash between the two leaves a recoverable pending row rather
// than an orphaned job.
func (s *MediaService) SubmitDirect(ctx context.Context, ownerID string, file io.Reader, filename string) (*dto.MediaResponse, error) {
	key := storage.SanitizeKey(fmt.Sprintf("uploads/%s/%d-%s", ownerID, time.Now().UnixMilli(), filename))

	cleanKey, size, err := s.blob.Upload(ctx, key, "video/mp4", file, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	if size == 0 {
		_ = s.blob.Remove(ctx, cleanKey)
		return nil, fmt.Errorf("%w: uploaded stream is empty", dto.ErrInvalidInput)
	}

	ok, err := s.blob.VerifyDurable(ctx, cleanKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: object %q never became readable", dto.ErrStorageUnavailable, cleanKey)
	}

	item := &models.MediaItem{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     filename,
		SourceKey: cleanKey,
		Status:    models.StatusPending,
	}
	if err := s.repo.CreateMedia(ctx, item); err != nil {
		return nil, fmt.Errorf("create media record: %w", err)
	}

	s.logger.Info("media submitted",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("media_id", item.ID),
		zap.String("key", cleanKey),
		zap.Int64("size", size),
	)

	if updated, err := s.enqueue(ctx, item); err != nil {
		// The record survives; processing can be retried via Process
		// without re-uploading.
		s.logger.Error("enqueue after submit failed",
			zap.String("media_id", item.ID),
			zap.Error(err),
		)
	} else if updated != nil {
		item = updated
	}

	return toMediaResponse(item), nil
}

// SubmitLocal stages the uploaded stream on the shared volume instead of
// object storage, for deployments where the worker mounts the same disk
// and a second network copy of a large source is wasted. Disabled unless
// a staging directory is configured.
func (s *MediaService) SubmitLocal(ctx context.Context, ownerID string, file io.Reader, filename string) (*dto.MediaResponse, error) {
	if s.stagingDir == "" {
		return nil, fmt.Errorf("%w: local staging is not configured", dto.ErrInvalidInput)
	}

	dir := filepath.Join(s.stagingDir, ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}

	name := storage.SanitizeKey(fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(filename)))
	stagedPath := filepath.Join(dir, name)

	dst, err := os.Create(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(stagedPath)
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	if size == 0 {
		_ = os.Remove(stagedPath)
		return nil, fmt.Errorf("%w: uploaded stream is empty", dto.ErrInvalidInput)
	}

	item := &models.MediaItem{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Title:         filename,
		LocalPath:     stagedPath,
		IsLocalSource: true,
		Status:        models.StatusPending,
	}
	if err := s.repo.CreateMedia(ctx, item); err != nil {
		return nil, fmt.Errorf("create media record: %w", err)
	}

	s.logger.Info("media staged locally",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("media_id", item.ID),
		zap.String("path", stagedPath),
		zap.Int64("size", size),
	)

	if updated, err := s.enqueue(ctx, item); err != nil {
		// Same recovery contract as SubmitDirect: the record survives and
		// Process re-sends the message.
		s.logger.Error("enqueue after submit failed",
			zap.String("media_id", item.ID),
			zap.Error(err),
		)
	} else if updated != nil {
		item = updated
	}

	return toMediaResponse(item), nil
}

// SubmitPresigned reserves a media record and returns a direct-to-storage
// upload URL. No job is enqueued here: the client uploads, then calls Verify
// and Process.
func (s *MediaService) SubmitPresigned(ctx context.Context, ownerID, filename string) (*dto.PresignUploadResponse, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", dto.ErrInvalidInput)
	}

	key := storage.SanitizeKey(fmt.Sprintf("uploads/%s/%d-%s", ownerID, time.Now().UnixMilli(), filename))

	uploadURL, err := s.blob.PresignedPut(ctx, key, s.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}

	item := &models.MediaItem{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     filename,
		SourceKey: key,
		Status:    models.StatusPending,
	}
	if err := s.repo.CreateMedia(ctx, item); err != nil {
		return nil, fmt.Errorf("create media record: %w", err)
	}

	s.logger.Info("presigned upload issued",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("media_id", item.ID),
		zap.String("key", key),
	)

	return &dto.PresignUploadResponse{MediaID: item.ID, Key: key, UploadURL: uploadURL}, nil
}

// SubmitFromURL fetches a remote resource, validates that it really is a
// video, and then follows the SubmitDirect path.
func (s *MediaService) SubmitFromURL(ctx context.Context, ownerID, rawURL string) (*dto.MediaResponse, error) {
	body, filename, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return s.SubmitDirect(ctx, ownerID, body, filename)
}

// Verify checks that the source artifact is actually readable, for clients
// that upload through a presigned URL and need confirmation before Process.
func (s *MediaService) Verify(ctx context.Context, ownerID, mediaID string) (*dto.VerifyResponse, error) {
	item, err := s.authorized(ctx, ownerID, mediaID)
	if err != nil {
		return nil, err
	}

	if item.IsLocalSource {
		info, err := os.Stat(item.LocalPath)
		if err != nil {
			return &dto.VerifyResponse{Verified: false, Message: "file not found"}, nil
		}
		return &dto.VerifyResponse{Verified: true, Size: info.Size()}, nil
	}

	ok, err := s.blob.Exists(ctx, item.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	if !ok {
		return &dto.VerifyResponse{Verified: false, Message: "object not found in storage"}, nil
	}
	return &dto.VerifyResponse{Verified: true}, nil
}

// Process enqueues a fresh attempt for an already-submitted item. It is the
// retry-without-reupload path: an active job is returned as-is, a terminal
// one is superseded by the next generation.
func (s *MediaService) Process(ctx context.Context, ownerID, mediaID string) (*dto.ProcessResponse, error) {
	item, err := s.authorized(ctx, ownerID, mediaID)
	if err != nil {
		return nil, err
	}

	if !item.IsLocalSource {
		ok, err := s.blob.VerifyDurable(ctx, item.SourceKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: key %q", dto.ErrSourceNotFound, item.SourceKey)
		}
	} else if _, err := os.Stat(item.LocalPath); err != nil {
		return nil, fmt.Errorf("%w: path %q", dto.ErrSourceNotFound, item.LocalPath)
	}

	updated, err := s.enqueue(ctx, item)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		item = updated
	}

	return &dto.ProcessResponse{
		MediaID:    item.ID,
		Generation: item.JobGeneration,
		Status:     string(item.Status),
	}, nil
}

func (s *MediaService) List(ctx context.Context, ownerID string) ([]*dto.MediaResponse, error) {
	items, err := s.repo.ListMediaByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.MediaResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toMediaResponse(item))
	}
	return out, nil
}

// Status serves the hot polling path from the cache, falling back to the
// authoritative record on a miss.
func (s *MediaService) Status(ctx context.Context, ownerID, mediaID string) (*dto.StatusResponse, error) {
	if entry, err := s.cache.Get(ctx, ownerID, mediaID); err == nil {
		return &dto.StatusResponse{ID: mediaID, Status: string(entry.Status), Progress: entry.Progress}, nil
	}

	item, err := s.authorized(ctx, ownerID, mediaID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, ownerID, mediaID, item.Status, item.Progress)

	return &dto.StatusResponse{ID: item.ID, Status: string(item.Status), Progress: item.Progress}, nil
}

// PlaybackInfo returns time-limited access URLs. A result locator whose
// object has gone missing degrades to a null result URL: the caller gets the
// video with no subtitles instead of an error.
func (s *MediaService) PlaybackInfo(ctx context.Context, ownerID, mediaID string) (*dto.PlaybackResponse, error) {
	item, err := s.authorized(ctx, ownerID, mediaID)
	if err != nil {
		return nil, err
	}

	var sourceURL string
	if item.IsLocalSource {
		sourceURL = "/api/media/file/" + item.ID
	} else {
		sourceURL, err = s.blob.PresignedGet(ctx, item.SourceKey, s.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
		}
	}

	resp := &dto.PlaybackResponse{
		MediaID:   item.ID,
		Title:     item.Title,
		SourceURL: sourceURL,
	}

	if item.ResultKey != "" {
		ok, err := s.blob.Exists(ctx, item.ResultKey)
		if err != nil || !ok {
			s.logger.Warn("result object missing, degrading playback info",
				zap.String("media_id", item.ID),
				zap.String("result_key", item.ResultKey),
				zap.Error(err),
			)
		} else if url, err := s.blob.PresignedGet(ctx, item.ResultKey, s.presignTTL); err == nil {
			resp.ResultURL = &url
		}
	}

	return resp, nil
}

// SourceFile resolves the local path of a locally-staged source for direct
// serving.
func (s *MediaService) SourceFile(ctx context.Context, ownerID, mediaID string) (string, error) {
	item, err := s.authorized(ctx, ownerID, mediaID)
	if err != nil {
		return "", err
	}
	if !item.IsLocalSource {
		return "", dto.ErrMediaNotFound
	}
	if _, err := os.Stat(item.LocalPath); err != nil {
		return "", fmt.Errorf("%w: %v", dto.ErrSourceNotFound, err)
	}
	return item.LocalPath, nil
}

// SubtitleObject streams a produced subtitle artifact by key.
func (s *MediaService) SubtitleObject(ctx context.Context, key string) (io.ReadCloser, error) {
	ok, err := s.blob.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dto.ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, dto.ErrMediaNotFound
	}
	return s.blob.Object(ctx, key)
}

func (s *MediaService) authorized(ctx context.Context, ownerID, mediaID string) (*models.MediaItem, error) {
	item, err := s.repo.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, dto.ErrForbidden
	}
	return item, nil
}

// enqueue writes the durable job row, syncs the media row to the job's
// generation, and only then emits the queue message, so a fast worker's
// first events can never race the generation write. Re-sending the message
// for a still-queued job is safe: the worker's claim is conditional, so
// duplicate deliveries collapse to one attempt.
func (s *MediaService) enqueue(ctx context.Context, item *models.MediaItem) (*models.MediaItem, error) {
	job := &models.Job{
		MediaID:       item.ID,
		SourceLocator: item.SourceLocator(),
		IsLocalSource: item.IsLocalSource,
		AuthToken:     s.processToken,
		ResultHint:    s.resultHint,
	}

	j, created, err := s.repo.EnqueueJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	// A media row lagging behind a queued job happens when an earlier
	// attempt died between the job write and the generation sync; every
	// worker event for that generation would be dropped as stale until
	// the rows agree again.
	var updated *models.MediaItem
	if created || (j.Status == models.JobQueued && item.JobGeneration != j.Generation) {
		updated, err = s.repo.SetProcessing(ctx, item.ID, j.Generation)
		if err != nil {
			return nil, fmt.Errorf("mark processing: %w", err)
		}
		if updated != nil {
			_ = s.cache.Set(ctx, updated.OwnerID, updated.ID, updated.Status, updated.Progress)
		}
	}

	if created || j.Status == models.JobQueued {
		payload := &jobmsg.Payload{
			MediaID:       j.MediaID,
			Generation:    j.Generation,
			SourceLocator: j.SourceLocator,
			IsLocalSource: j.IsLocalSource,
			AuthToken:     j.AuthToken,
			ResultHint:    j.ResultHint,
			TraceID:       middleware.GetTraceID(ctx),
		}
		if err := s.producer.SendJobMessage(ctx, s.topic, payload); err != nil {
			return nil, fmt.Errorf("send job message: %w", err)
		}
	}

	return updated, nil
}

func toMediaResponse(item *models.MediaItem) *dto.MediaResponse {
	return &dto.MediaResponse{
		ID:        item.ID,
		Title:     item.Title,
		Status:    string(item.Status),
		Progress:  item.Progress,
		ResultKey: item.ResultKey,
		CreatedAt: item.CreatedAt.Format(time.RFC3339),
		UpdatedAt: item.UpdatedAt.Format(time.RFC3339),
	}
}

// IsClientError reports whether an error should surface as a 4xx.
func IsClientError(err error) bool {
	return errors.Is(err, dto.ErrInvalidInput) ||
		errors.Is(err, dto.ErrNotAVideo) ||
		errors.Is(err, dto.ErrMediaNotFound) ||
		errors.Is(err, dto.ErrForbidden) ||
		errors.Is(err, dto.ErrSourceNotFound)
}
