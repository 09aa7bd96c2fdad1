package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/observability"
)

// KafkaBus publishes events to a single topic keyed by trip id, so all
// events for one trip land on one partition in order.
type KafkaBus struct {
	writer *kafka.Writer
	logger *slog.Logger

	// publish retry knobs
	Attempts int
	Backoff  time.Duration
}

func NewKafkaBus(brokers []string, topic string, logger *slog.Logger) *KafkaBus {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaBus{writer: w, logger: logger, Attempts: 3, Backoff: 200 * time.Millisecond}
}

// Publish writes the event with bounded retry and exponential backoff.
// The bus contract is at-least-once: a retried write may duplicate an
// already-delivered message, which consumers tolerate.
func (k *KafkaBus) Publish(ctx context.Context, e Event) error {
	b, err := e.Marshal()
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(e.TripID), Value: b}

	delay := k.Backoff
	var lastErr error
	for i := 0; i < k.Attempts; i++ {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = k.writer.WriteMessages(wctx, msg)
		cancel()
		if lastErr == nil {
			observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()
			return nil
		}
		if i < k.Attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	observability.EventPublishErrors.WithLabelValues(string(e.Type)).Inc()
	k.logger.Error("event publish failed", "type", e.Type, "trip_id", e.TripID, "error", lastErr)
	return lastErr
}

func (k *KafkaBus) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Consumer reads the event topic and routes each message to the
// registered handlers. Read errors back off exponentially, handler
// errors are logged and the message is skipped; handlers are expected
// to be idempotent so a redelivery after a crash is harmless.
type Consumer struct {
	reader   *kafka.Reader
	handlers map[EventType][]Handler
	logger   *slog.Logger
}

func NewConsumer(brokers []string, topic, group string, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, handlers: make(map[EventType][]Handler), logger: logger}
}

func (c *Consumer) Subscribe(t EventType, h Handler) {
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			observability.EventsInvalid.Inc()
			c.logger.Error("invalid event payload", "error", err)
			continue
		}

		observability.EventsConsumed.WithLabelValues(string(e.Type)).Inc()
		for _, h := range c.handlers[e.Type] {
			if err := h(ctx, e); err != nil {
				c.logger.Error("event handler failed", "type", e.Type, "trip_id", e.TripID, "error", err)
			}
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
