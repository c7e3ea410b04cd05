package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subtitlepipe/api/repository"
	"subtitlepipe/pkg/jobmsg"
)

// RedisEvents adapts a redis pub/sub channel to the EventSource interface.
type RedisEvents struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisEvents(client *redis.Client, logger *zap.Logger) *RedisEvents {
	return &RedisEvents{client: client, logger: logger}
}

func (r *RedisEvents) Events(ctx context.Context) <-chan []byte {
	sub := r.client.Subscribe(ctx, jobmsg.EventsChannel)
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()

	return out
}

// PublishEvent puts an event on the same channel workers use, so
// server-originated failures (reaped leases) flow through the one bridge
// path.
func (r *RedisEvents) PublishEvent(ctx context.Context, evt *jobmsg.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, jobmsg.EventsChannel, data).Err()
}

// EventSink is what the reaper needs to announce the failures it produces.
type EventSink interface {
	PublishEvent(ctx context.Context, evt *jobmsg.Event) error
}

// Reaper fails claimed jobs whose lease has expired. It only flips the job
// row; the media record is updated when the published event comes back
// through the bridge.
type Reaper struct {
	repo     repository.Repository
	sink     EventSink
	interval time.Duration
	logger   *zap.Logger
}

func NewReaper(repo repository.Repository, sink EventSink, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{repo: repo, sink: sink, interval: interval, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	jobs, err := r.repo.ReapStalledJobs(ctx)
	if err != nil {
		r.logger.Error("stalled job sweep failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		r.logger.Warn("reaped stalled job",
			zap.String("media_id", job.MediaID),
			zap.Int("generation", job.Generation),
			zap.String("claimed_by", job.ClaimedBy),
		)
		evt := &jobmsg.Event{
			MediaID:    job.MediaID,
			Generation: job.Generation,
			Type:       jobmsg.EventFailed,
			Reason:     jobmsg.StalledReason,
		}
		if err := r.sink.PublishEvent(ctx, evt); err != nil {
			r.logger.Error("publish reap event failed",
				zap.String("media_id", job.MediaID),
				zap.Error(err),
			)
		}
	}
}
