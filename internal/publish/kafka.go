// Package publish forwards committed delta events to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/metrics"
	"github.com/rpattn/feeddelta/internal/repository"
)

const defaultBatchSize = 100

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// ParseBrokers splits a comma-separated broker string
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventReader streams the persisted delta events of a run.
type EventReader interface {
	ListEvents(ctx context.Context, q repository.DeltaQuery, fn func(domain.DeltaRecord) error) error
}

// Message is the JSON value of one published delta event.
type Message struct {
	RunID         uuid.UUID       `json:"runId"`
	FeedName      domain.FeedName `json:"feedName"`
	Op            domain.DeltaOp  `json:"op"`
	EntityKey     json.RawMessage `json:"entityKey"`
	ChangedFields json.RawMessage `json:"changedFields"`
	BeforeRow     json.RawMessage `json:"beforeRow"`
	AfterRow      json.RawMessage `json:"afterRow"`
	PublishedAt   time.Time       `json:"publishedAt"`
}

// KafkaPublisher publishes one message per delta event, keyed by feed and
// entity key so that every change of an entity lands on the same partition.
type KafkaPublisher struct {
	writer    MessageWriter
	events    EventReader
	topic     string
	batchSize int
	logger    *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg Config, events EventReader, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultBatchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		// Dev brokers may not have the topic yet.
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, cfg.Topic, events, logger)
}

func newKafkaPublisher(writer MessageWriter, topic string, events EventReader, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer:    writer,
		events:    events,
		topic:     topic,
		batchSize: defaultBatchSize,
		logger:    logger,
	}
}

// PublishRun publishes the delta events of feeds for runID in feed order.
func (p *KafkaPublisher) PublishRun(ctx context.Context, runID uuid.UUID, feeds []domain.FeedName) error {
	total := 0
	batch := make([]kafka.Message, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Add(float64(len(batch)))
			return fmt.Errorf("publish delta events to %s: %w", p.topic, err)
		}
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Add(float64(len(batch)))
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, feed := range feeds {
		err := p.events.ListEvents(ctx, repository.DeltaQuery{RunID: runID, Feed: feed}, func(rec domain.DeltaRecord) error {
			msg, err := p.message(runID, rec)
			if err != nil {
				return err
			}
			batch = append(batch, msg)
			if len(batch) >= p.batchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	p.logger.Info("published delta events",
		zap.String("run_id", runID.String()),
		zap.String("topic", p.topic),
		zap.Int("messages", total),
	)
	return nil
}

func (p *KafkaPublisher) message(runID uuid.UUID, rec domain.DeltaRecord) (kafka.Message, error) {
	data, err := json.Marshal(Message{
		RunID:         runID,
		FeedName:      rec.FeedName,
		Op:            rec.Op,
		EntityKey:     nullIfEmpty(rec.EntityKeyJSON),
		ChangedFields: nullIfEmpty(rec.ChangedFieldsJSON),
		BeforeRow:     nullIfEmpty(rec.BeforeRowJSON),
		AfterRow:      nullIfEmpty(rec.AfterRowJSON),
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal delta event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(string(rec.FeedName) + "|" + string(rec.EntityKeyJSON)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(runID.String())},
			{Key: "feed_name", Value: []byte(rec.FeedName)},
			{Key: "op", Value: []byte(rec.Op)},
		},
	}, nil
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
