// Package kafkasink publishes lifecycle events to a Kafka topic, keyed by chunk coordinate.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/sim/lifecycle"
)

const DefaultTopic = "voxelstream.chunk-events"

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w       MessageWriter
	worldID string
	timeout time.Duration
	logger  *zap.Logger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

func New(w MessageWriter, worldID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{w: w, worldID: worldID, timeout: 5 * time.Second, logger: logger.Named("kafka")}
}

// Record is the message value. Chunk contents are not published.
type Record struct {
	WorldID string `json:"world_id"`
	journal.Entry
}

func Key(e *lifecycle.Event) []byte {
	return []byte(e.Coord.String())
}

func (p *Publisher) Messages(tick uint64, events []lifecycle.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		b, err := json.Marshal(Record{WorldID: p.worldID, Entry: journal.EntryFor(tick, &events[i])})
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: Key(&events[i]), Value: b})
	}
	return msgs, nil
}

// Publish blocks for up to the write timeout; wrap it in runtime.Async when used as a tick sink.
func (p *Publisher) Publish(tick uint64, events []lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	msgs, err := p.Messages(tick, events)
	if err != nil {
		p.logger.Error("encode", zap.Uint64("tick", tick), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Warn("publish failed", zap.Uint64("tick", tick), zap.Int("events", len(msgs)), zap.Error(err))
	}
}

func (p *Publisher) Close() error { return p.w.Close() }
