package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arefin-labs/carebook/libs/db"
	"github.com/arefin-labs/carebook/libs/kafkax"
	otelx "github.com/arefin-labs/carebook/libs/otel"
)

// Publisher drains staged events to Kafka. Topic equals event type; the
// message key is the aggregate id so one appointment's events stay ordered
// within a topic. Claim and confirm share a transaction, so a crash between
// write and confirm re-publishes the batch: delivery is at-least-once and
// consumers dedupe on event_id.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled, no kafka brokers configured")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  p.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.drainOnce(ctx, writer)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			} else if n > 0 {
				p.logger.Debug("outbox batch published", "events", n)
			}
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context, writer *kafka.Writer) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch, err := p.repo.claim(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(batch))
	for _, s := range batch {
		if err := writer.WriteMessages(ctx, p.toMessage(ctx, s)); err != nil {
			return 0, err
		}
		ids = append(ids, s.id)
	}
	if err := p.repo.confirm(ctx, tx, ids); err != nil {
		return 0, err
	}
	return len(ids), tx.Commit(ctx)
}

func (p *Publisher) toMessage(ctx context.Context, s staged) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, s.traceparent, s.tracestate)
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(s.eventID)},
		{Key: "event_type", Value: []byte(s.eventType)},
	}
	return kafka.Message{
		Topic:   s.eventType,
		Key:     []byte(s.aggregateID),
		Value:   s.payload,
		Headers: kafkax.InjectTraceHeaders(msgCtx, headers),
	}
}
