// Package eventsink exports lifecycle hook events to a Kafka topic.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the sink.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaWriter builds a synchronous writer that keeps one workspace's
// events on one partition.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Sink writes hook payloads as JSON records keyed by workspace id.
type Sink struct {
	w       MessageWriter
	timeout time.Duration
	log     *logging.Logger
}

// New creates a Sink around w.
func New(w MessageWriter, cfg Config, log *logging.Logger) *Sink {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{w: w, timeout: timeout, log: log.Sub("eventsink")}
}

// Register subscribes the sink to every lifecycle event.
func (s *Sink) Register(m *hooks.Manager) {
	m.OnAll("eventsink", s.Handle)
}

// Handle writes one payload.
func (s *Sink) Handle(ctx context.Context, p hooks.Payload) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", p.Event, err)
	}
	msg := kafka.Message{
		Key:     []byte(p.WorkspaceID),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(p.Event)}},
		Time:    p.Timestamp,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing %s event: %w", p.Event, err)
	}
	s.log.Trace().Str("event", p.Event).Str("workspace", p.WorkspaceID).Msg("event exported")
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
