package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"subtitlepipe/pkg/jobmsg"
)

type MessageHandler func(ctx context.Context, msg *jobmsg.Payload) error

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

type consumerHandler struct {
	fn     MessageHandler
	ctx    context.Context
	logger *zap.Logger

	// sarama runs ConsumeClaim once per assigned partition, each on its
	// own goroutine. A transcription saturates the host, so jobs from
	// different partitions must still run one at a time per instance.
	mu sync.Mutex
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var payload jobmsg.Payload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			h.logger.Warn("skipping malformed job message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			session.MarkMessage(msg, "")
			continue
		}

		// Handler errors are not retried through kafka: the claim row and
		// the stall reaper own retry semantics. Marking the message keeps
		// the group from replaying a poison payload forever.
		h.mu.Lock()
		err := h.fn(h.ctx, &payload)
		h.mu.Unlock()
		if err != nil {
			h.logger.Error("job handler failed",
				zap.String("media_id", payload.MediaID),
				zap.Int("generation", payload.Generation),
				zap.Error(err),
			)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Consume joins the group and processes messages until ctx is cancelled.
// sarama returns on rebalance, so callers loop.
func (c *Consumer) Consume(ctx context.Context, topic string, handler MessageHandler) error {
	h := &consumerHandler{fn: handler, ctx: ctx, logger: c.logger}
	return c.consumer.Consume(ctx, []string{topic}, h)
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
