// Package events publishes job lifecycle notifications for the event bridge
// on the API side. Delivery is fire-and-forget: the durable job row is the
// source of truth, pub/sub only makes the UI fast.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subtitlepipe/pkg/jobmsg"
)

type Publisher struct {
	client *redis.Client
	logger *zap.Logger
}

func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) Progress(ctx context.Context, mediaID string, generation, percent int, message string) {
	p.publish(ctx, &jobmsg.Event{
		MediaID:    mediaID,
		Generation: generation,
		Type:       jobmsg.EventProgress,
		Percent:    percent,
		Message:    message,
	})
}

func (p *Publisher) Completed(ctx context.Context, mediaID string, generation int, resultKey string) {
	p.publish(ctx, &jobmsg.Event{
		MediaID:    mediaID,
		Generation: generation,
		Type:       jobmsg.EventCompleted,
		ResultKey:  resultKey,
	})
}

func (p *Publisher) Failed(ctx context.Context, mediaID string, generation int, reason string) {
	p.publish(ctx, &jobmsg.Event{
		MediaID:    mediaID,
		Generation: generation,
		Type:       jobmsg.EventFailed,
		Reason:     reason,
	})
}

func (p *Publisher) publish(ctx context.Context, evt *jobmsg.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, jobmsg.EventsChannel, data).Err(); err != nil {
		p.logger.Warn("event publish failed",
			zap.String("media_id", evt.MediaID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
