package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"subtitlepipe/pkg/jobmsg"
)

type Producer interface {
	SendJobMessage(ctx context.Context, topic string, payload *jobmsg.Payload) error
	Close() error
}

type producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &producer{producer: p}, nil
}

// SendJobMessage keys the message by media id so every attempt for one item
// lands on the same partition and is seen by a single consumer at a time.
func (p *producer) SendJobMessage(ctx context.Context, topic string, payload *jobmsg.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(payload.MediaID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}
