package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/aristath/taskflow/internal/events"
)

// DefaultEventsTopic is the topic task events are written to when none is configured.
const DefaultEventsTopic = "taskflow_events"

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events as JSON messages keyed by tree root id, so every
// event of a tree lands on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink wraps an existing writer.
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// NewKafkaWriter creates a synchronous writer for the given brokers
// (comma separated) and topic.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	log.Printf("Kafka event sink configured for topic: %s", topic)
	return w
}

func (s *KafkaSink) Put(ctx context.Context, ev events.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := ev.RootID
	if key == "" {
		key = ev.TaskID
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
