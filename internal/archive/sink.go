// Package archive streams relay-confirmed events into a Kafka topic for
// external processing. Optional; failures never affect the feed.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gathersocial/gather/internal/protocol"
)

// Sink publishes events to Kafka, keyed by event id.
type Sink struct {
	writer *kafka.Writer
}

// NewSink creates a sink for the given brokers (comma-separated) and topic.
func NewSink(brokers, topic string) *Sink {
	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 200 * time.Millisecond,
			Async:        true,
		},
	}
}

// Archive writes one event. Errors are logged and swallowed.
func (s *Sink) Archive(ctx context.Context, ev *protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ID),
		Value: data,
	})
	if err != nil {
		slog.Warn("archive write failed", "event", ev.ID, "error", err)
	}
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
