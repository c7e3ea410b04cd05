package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"subtitlepipe/api/cache"
	"subtitlepipe/api/dto"
	"subtitlepipe/api/models"
	"subtitlepipe/pkg/jobmsg"
)

// stubRepo implements repository.Repository with overridable funcs for the
// methods the bridge touches.
type stubRepo struct {
	applyProgress    func(id string, generation, percent int) (*models.MediaItem, error)
	markCompleted    func(id string, generation int, resultKey string) (*models.MediaItem, error)
	confirmCompleted func(id string, generation int, resultKey string) (*models.MediaItem, error)
	markFailed       func(id string, generation int) (*models.MediaItem, error)
	getMedia         func(id string) (*models.MediaItem, error)
	reap             func() ([]*models.Job, error)
}

func (s *stubRepo) CreateMedia(context.Context, *models.MediaItem) error { return nil }
func (s *stubRepo) GetMedia(_ context.Context, id string) (*models.MediaItem, error) {
	if s.getMedia != nil {
		return s.getMedia(id)
	}
	return nil, dto.ErrMediaNotFound
}
func (s *stubRepo) ListMediaByOwner(context.Context, string) ([]*models.MediaItem, error) {
	return nil, nil
}
func (s *stubRepo) SetProcessing(context.Context, string, int) (*models.MediaItem, error) {
	return nil, nil
}
func (s *stubRepo) ApplyProgress(_ context.Context, id string, generation, percent int) (*models.MediaItem, error) {
	return s.applyProgress(id, generation, percent)
}
func (s *stubRepo) MarkCompleted(_ context.Context, id string, generation int, resultKey string) (*models.MediaItem, error) {
	return s.markCompleted(id, generation, resultKey)
}
func (s *stubRepo) ConfirmCompleted(_ context.Context, id string, generation int, resultKey string) (*models.MediaItem, error) {
	return s.confirmCompleted(id, generation, resultKey)
}
func (s *stubRepo) MarkFailed(_ context.Context, id string, generation int) (*models.MediaItem, error) {
	return s.markFailed(id, generation)
}
func (s *stubRepo) EnqueueJob(context.Context, *models.Job) (*models.Job, bool, error) {
	return nil, false, nil
}
func (s *stubRepo) GetJob(context.Context, string) (*models.Job, error) {
	return nil, dto.ErrMediaNotFound
}
func (s *stubRepo) ReapStalledJobs(context.Context) ([]*models.Job, error) {
	return s.reap()
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]cache.Entry)}
}

func (c *memCache) Get(_ context.Context, ownerID, mediaID string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ownerID+":"+mediaID]
	if !ok {
		return nil, context.Canceled
	}
	return &e, nil
}

func (c *memCache) Set(_ context.Context, ownerID, mediaID string, status models.MediaStatus, progress int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ownerID+":"+mediaID] = cache.Entry{Status: status, Progress: progress}
	return nil
}

func (c *memCache) Delete(_ context.Context, ownerID, mediaID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownerID+":"+mediaID)
	return nil
}

type captureHub struct {
	mu     sync.Mutex
	events []dto.LiveEvent
	owners []string
}

func (h *captureHub) Publish(ownerID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owners = append(h.owners, ownerID)
	h.events = append(h.events, payload.(dto.LiveEvent))
}

type chanSource struct{ ch chan []byte }

func (s *chanSource) Events(context.Context) <-chan []byte { return s.ch }

func TestBridgeProgress(t *testing.T) {
	repo := &stubRepo{
		applyProgress: func(id string, generation, percent int) (*models.MediaItem, error) {
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusProcessing, Progress: percent,
				JobGeneration: generation,
			}, nil
		},
	}
	statusCache := newMemCache()
	hub := &captureHub{}
	b := New(&chanSource{}, repo, statusCache, hub, zaptest.NewLogger(t))

	b.Handle(context.Background(), &jobmsg.Event{
		MediaID: "m1", Generation: 1, Type: jobmsg.EventProgress, Percent: 40, Message: "Step 2",
	})

	require.Len(t, hub.events, 1)
	assert.Equal(t, "owner-1", hub.owners[0])
	require.NotNil(t, hub.events[0].Percent)
	assert.Equal(t, 40, *hub.events[0].Percent)
	assert.Equal(t, "Step 2", hub.events[0].Message)

	entry, err := statusCache.Get(context.Background(), "owner-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, entry.Status)
	assert.Equal(t, 40, entry.Progress)
}

func TestBridgeStaleEventDropped(t *testing.T) {
	repo := &stubRepo{
		applyProgress: func(string, int, int) (*models.MediaItem, error) { return nil, nil },
	}
	statusCache := newMemCache()
	hub := &captureHub{}
	b := New(&chanSource{}, repo, statusCache, hub, zaptest.NewLogger(t))

	b.Handle(context.Background(), &jobmsg.Event{
		MediaID: "m1", Generation: 1, Type: jobmsg.EventProgress, Percent: 90,
	})

	assert.Empty(t, hub.events)
	assert.Empty(t, statusCache.entries)
}

func TestBridgeCompleted(t *testing.T) {
	var gotKey string
	repo := &stubRepo{
		markCompleted: func(id string, generation int, resultKey string) (*models.MediaItem, error) {
			gotKey = resultKey
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusCompleted, Progress: 100,
				ResultKey: resultKey, JobGeneration: generation,
			}, nil
		},
		getMedia: func(id string) (*models.MediaItem, error) {
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusCompleted, Progress: 100,
				ResultKey: "subtitles/m1.ass", JobGeneration: 1,
			}, nil
		},
	}
	statusCache := newMemCache()
	hub := &captureHub{}
	b := New(&chanSource{}, repo, statusCache, hub, zaptest.NewLogger(t))

	b.Handle(context.Background(), &jobmsg.Event{
		MediaID: "m1", Generation: 1, Type: jobmsg.EventCompleted, ResultKey: "subtitles/m1.ass",
	})

	assert.Equal(t, "subtitles/m1.ass", gotKey)
	require.Len(t, hub.events, 1)
	assert.Equal(t, "completed", hub.events[0].Type)
	require.NotNil(t, hub.events[0].ResultAvailable)
	assert.True(t, *hub.events[0].ResultAvailable)
}

func TestBridgeCompletedReassertsOverwrittenWrite(t *testing.T) {
	confirmed := 0
	repo := &stubRepo{
		markCompleted: func(id string, generation int, resultKey string) (*models.MediaItem, error) {
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusCompleted, Progress: 100,
				ResultKey: resultKey, JobGeneration: generation,
			}, nil
		},
		getMedia: func(id string) (*models.MediaItem, error) {
			// A racing progress event clobbered the completion.
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusProcessing, Progress: 90,
				JobGeneration: 1,
			}, nil
		},
		confirmCompleted: func(id string, generation int, resultKey string) (*models.MediaItem, error) {
			confirmed++
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusCompleted, Progress: 100,
				ResultKey: resultKey, JobGeneration: generation,
			}, nil
		},
	}
	statusCache := newMemCache()
	hub := &captureHub{}
	b := New(&chanSource{}, repo, statusCache, hub, zaptest.NewLogger(t))

	b.Handle(context.Background(), &jobmsg.Event{
		MediaID: "m1", Generation: 1, Type: jobmsg.EventCompleted, ResultKey: "subtitles/m1.ass",
	})

	assert.Equal(t, 1, confirmed)
	require.Len(t, hub.events, 1)
	assert.Equal(t, "completed", hub.events[0].Type)

	entry, err := statusCache.Get(context.Background(), "owner-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, entry.Status)
}

func TestBridgeFailedClassifies(t *testing.T) {
	repo := &stubRepo{
		markFailed: func(id string, generation int) (*models.MediaItem, error) {
			return &models.MediaItem{
				ID: id, OwnerID: "owner-1",
				Status: models.StatusFailed, JobGeneration: generation,
			}, nil
		},
	}
	statusCache := newMemCache()
	hub := &captureHub{}
	b := New(&chanSource{}, repo, statusCache, hub, zaptest.NewLogger(t))

	b.Handle(context.Background(), &jobmsg.Event{
		MediaID: "m1", Generation: 1, Type: jobmsg.EventFailed,
		Reason: "processing failed (exit 3): model load error",
	})

	require.Len(t, hub.events, 1)
	assert.Equal(t, "failed", hub.events[0].Type)
	assert.Equal(t, string(jobmsg.FailureProcessing), hub.events[0].Reason)
}

func TestBridgeRunConsumesStream(t *testing.T) {
	var mu sync.Mutex
	applied := 0
	repo := &stubRepo{
		applyProgress: func(id string, generation, percent int) (*models.MediaItem, error) {
			mu.Lock()
			applied++
			mu.Unlock()
			return &models.MediaItem{ID: id, OwnerID: "o", Status: models.StatusProcessing, Progress: percent}, nil
		},
	}
	src := &chanSource{ch: make(chan []byte, 4)}
	hub := &captureHub{}
	b := New(src, repo, newMemCache(), hub, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	data, err := json.Marshal(jobmsg.Event{MediaID: "m1", Generation: 1, Type: jobmsg.EventProgress, Percent: 10})
	require.NoError(t, err)
	src.ch <- []byte("{not json")
	src.ch <- data

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return applied == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		reason string
		want   jobmsg.FailureCategory
	}{
		{"source not found: key uploads/a/b.mp4", jobmsg.FailureSourceNotFound},
		{"processing failed (exit 1): boom", jobmsg.FailureProcessing},
		{"processing crashed (signal killed)", jobmsg.FailureProcessing},
		{jobmsg.StalledReason, jobmsg.FailureStalled},
		{"disk exploded", jobmsg.FailureUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyReason(tt.reason), tt.reason)
	}
}

func TestReaperPublishesFailures(t *testing.T) {
	repo := &stubRepo{
		reap: func() ([]*models.Job, error) {
			return []*models.Job{
				{MediaID: "m1", Generation: 2, Status: models.JobFailed, ClaimedBy: "worker-a"},
			}, nil
		},
	}

	var mu sync.Mutex
	var published []*jobmsg.Event
	sink := eventSinkFunc(func(_ context.Context, evt *jobmsg.Event) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, evt)
		return nil
	})

	r := NewReaper(repo, sink, time.Hour, zaptest.NewLogger(t))
	r.sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, "m1", published[0].MediaID)
	assert.Equal(t, 2, published[0].Generation)
	assert.Equal(t, jobmsg.EventFailed, published[0].Type)
	assert.Equal(t, jobmsg.StalledReason, published[0].Reason)
}

type eventSinkFunc func(ctx context.Context, evt *jobmsg.Event) error

func (f eventSinkFunc) PublishEvent(ctx context.Context, evt *jobmsg.Event) error {
	return f(ctx, evt)
}
