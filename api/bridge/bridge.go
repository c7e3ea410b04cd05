// Package bridge consumes worker lifecycle events and turns them into
// record updates, cache writes and live notifications. It is the only
// component that mutates media records on behalf of workers, so every
// generation and terminal-state guard lives in one place.
package bridge

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"subtitlepipe/api/dto"
	"subtitlepipe/api/repository"
	"subtitlepipe/api/service"
	"subtitlepipe/pkg/jobmsg"
)

// EventSource delivers raw event payloads. The redis-backed implementation
// lives in events.go; tests feed a plain channel.
type EventSource interface {
	Events(ctx context.Context) <-chan []byte
}

// Notifier pushes a live event to every open socket of an owner.
type Notifier interface {
	Publish(ownerID string, payload any)
}

type Bridge struct {
	source EventSource
	repo   repository.Repository
	cache  service.StatusStore
	hub    Notifier
	logger *zap.Logger
}

func New(source EventSource, repo repository.Repository, statusCache service.StatusStore, hub Notifier, logger *zap.Logger) *Bridge {
	return &Bridge{
		source: source,
		repo:   repo,
		cache:  statusCache,
		hub:    hub,
		logger: logger,
	}
}

// Run consumes events until ctx is done. Malformed payloads are logged and
// skipped; one bad message never stops the stream.
func (b *Bridge) Run(ctx context.Context) {
	events := b.source.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			var evt jobmsg.Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				b.logger.Warn("dropping malformed job event", zap.Error(err))
				continue
			}
			b.Handle(ctx, &evt)
		}
	}
}

// Handle applies one event. Stale events, where the guarded update matches
// no row, are dropped silently: a superseded generation or an already
// terminal item must not be disturbed.
func (b *Bridge) Handle(ctx context.Context, evt *jobmsg.Event) {
	switch evt.Type {
	case jobmsg.EventProgress:
		b.handleProgress(ctx, evt)
	case jobmsg.EventCompleted:
		b.handleCompleted(ctx, evt)
	case jobmsg.EventFailed:
		b.handleFailed(ctx, evt)
	default:
		b.logger.Warn("unknown job event type",
			zap.String("type", string(evt.Type)),
			zap.String("media_id", evt.MediaID),
		)
	}
}

func (b *Bridge) handleProgress(ctx context.Context, evt *jobmsg.Event) {
	item, err := b.repo.ApplyProgress(ctx, evt.MediaID, evt.Generation, evt.Percent)
	if err != nil {
		b.logger.Error("apply progress failed", zap.String("media_id", evt.MediaID), zap.Error(err))
		return
	}
	if item == nil {
		b.logger.Debug("dropped stale progress event",
			zap.String("media_id", evt.MediaID),
			zap.Int("generation", evt.Generation),
		)
		return
	}

	if err := b.cache.Set(ctx, item.OwnerID, item.ID, item.Status, item.Progress); err != nil {
		b.logger.Warn("status cache write failed", zap.String("media_id", item.ID), zap.Error(err))
	}

	percent := item.Progress
	b.hub.Publish(item.OwnerID, dto.LiveEvent{
		MediaID: item.ID,
		Type:    string(jobmsg.EventProgress),
		Percent: &percent,
		Message: evt.Message,
	})
}

func (b *Bridge) handleCompleted(ctx context.Context, evt *jobmsg.Event) {
	item, err := b.repo.MarkCompleted(ctx, evt.MediaID, evt.Generation, evt.ResultKey)
	if err != nil {
		b.logger.Error("mark completed failed", zap.String("media_id", evt.MediaID), zap.Error(err))
		return
	}
	if item == nil {
		b.logger.Debug("dropped stale completion event",
			zap.String("media_id", evt.MediaID),
			zap.Int("generation", evt.Generation),
		)
		return
	}

	// Read back to confirm the completion persisted: a progress event from
	// the same job racing this write can land after it. One repair attempt.
	if readback, err := b.repo.GetMedia(ctx, item.ID); err == nil &&
		(readback.Status != item.Status || readback.ResultKey != evt.ResultKey) {
		b.logger.Warn("completion overwritten by racing event, reasserting",
			zap.String("media_id", item.ID),
		)
		repaired, err := b.repo.ConfirmCompleted(ctx, item.ID, evt.Generation, evt.ResultKey)
		if err != nil {
			b.logger.Error("completion reassert failed", zap.String("media_id", item.ID), zap.Error(err))
			return
		}
		if repaired != nil {
			item = repaired
		}
	}

	if err := b.cache.Set(ctx, item.OwnerID, item.ID, item.Status, item.Progress); err != nil {
		b.logger.Warn("status cache write failed", zap.String("media_id", item.ID), zap.Error(err))
	}

	b.logger.Info("media completed",
		zap.String("media_id", item.ID),
		zap.String("result_key", item.ResultKey),
	)

	available := true
	b.hub.Publish(item.OwnerID, dto.LiveEvent{
		MediaID:         item.ID,
		Type:            string(jobmsg.EventCompleted),
		ResultAvailable: &available,
	})
}

func (b *Bridge) handleFailed(ctx context.Context, evt *jobmsg.Event) {
	item, err := b.repo.MarkFailed(ctx, evt.MediaID, evt.Generation)
	if err != nil {
		b.logger.Error("mark failed failed", zap.String("media_id", evt.MediaID), zap.Error(err))
		return
	}
	if item == nil {
		b.logger.Debug("dropped stale failure event",
			zap.String("media_id", evt.MediaID),
			zap.Int("generation", evt.Generation),
		)
		return
	}

	if err := b.cache.Set(ctx, item.OwnerID, item.ID, item.Status, item.Progress); err != nil {
		b.logger.Warn("status cache write failed", zap.String("media_id", item.ID), zap.Error(err))
	}

	category := ClassifyReason(evt.Reason)
	b.logger.Warn("media failed",
		zap.String("media_id", item.ID),
		zap.String("category", string(category)),
		zap.String("reason", evt.Reason),
	)

	b.hub.Publish(item.OwnerID, dto.LiveEvent{
		MediaID: item.ID,
		Type:    string(jobmsg.EventFailed),
		Reason:  string(category),
	})
}

// ClassifyReason maps a raw worker failure reason onto the stable category
// clients see. Raw reasons are operator-facing and stay in logs.
func ClassifyReason(reason string) jobmsg.FailureCategory {
	switch {
	case strings.HasPrefix(reason, "source not found"):
		return jobmsg.FailureSourceNotFound
	case strings.HasPrefix(reason, "processing failed"),
		strings.HasPrefix(reason, "processing crashed"):
		return jobmsg.FailureProcessing
	case strings.HasPrefix(reason, "stalled"):
		return jobmsg.FailureStalled
	default:
		return jobmsg.FailureUnknown
	}
}
