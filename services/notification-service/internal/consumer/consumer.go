package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arefin-labs/carebook/libs/kafkax"
	"github.com/arefin-labs/carebook/services/notification-service/internal/inbox"
)

// readRetryDelay spaces out reads after a broker error so a broken
// connection does not spin the loop.
const readRetryDelay = time.Second

type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer drains a single topic and hands each new event to its handler.
// Dedupe happens up front through the inbox: an event id that was already
// recorded is dropped without invoking the handler. A handler failure keeps
// the inbox row, so broker redelivery of that event id stays a no-op and
// retries happen through the outbox instead.
type Consumer struct {
	reader *kafka.Reader
	log    *slog.Logger
	dedupe *inbox.Repository
	handle Handler
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func New(logger *slog.Logger, inboxRepo *inbox.Repository, cfg Config, handler Handler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  kafkax.SplitBrokers(cfg.Brokers),
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		log:    logger,
		dedupe: inboxRepo,
		handle: handler,
	}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("kafka read error", "err", err)
			time.Sleep(readRetryDelay)
			continue
		}
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	fresh, err := c.dedupe.Record(ctx, meta.EventID, meta.EventType)
	if err != nil {
		c.log.Error("inbox record failed", "err", err, "topic", msg.Topic)
		span.RecordError(err)
		return
	}
	if !fresh {
		c.log.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return
	}

	if err := c.handle(ctx, msg); err != nil {
		c.log.Error("handler error", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
	}
}
