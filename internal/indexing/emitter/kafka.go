package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// KafkaConfig selects the status-change topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether any broker was configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes one message per status change. The key is the
// transaction id so every change of a record lands on the same partition.
type KafkaEmitter struct {
	writer messageWriter
}

func NewKafkaEmitter(cfg KafkaConfig) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: false,
		},
	}
}

func (k *KafkaEmitter) Emit(ctx context.Context, changes []domain.Change) error {
	events := statusEvents(changes)
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal status event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.TransactionID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "status", Value: []byte(strings.ToLower(ev.Status))},
			},
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write status events: %w", err)
	}
	return nil
}

func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}
