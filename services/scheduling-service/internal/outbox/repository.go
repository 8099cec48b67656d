package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arefin-labs/carebook/libs/db"
	otelx "github.com/arefin-labs/carebook/libs/otel"
)

// Repository persists lifecycle events next to the rows that produced them.
// Events only leave the database through the publisher, so an event exists
// exactly when its transaction committed.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stages the event inside the caller's transaction. Each row gets a
// fresh event id for consumer-side dedupe and carries the active trace
// context so the eventual Kafka message continues the trace.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events
			(event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

// staged is one unpublished outbox row.
type staged struct {
	id          int64
	eventID     string
	aggregateID string
	eventType   string
	payload     []byte
	traceparent string
	tracestate  string
	createdAt   time.Time
}

// claim locks a batch of unpublished rows for this publisher. SKIP LOCKED
// keeps concurrent publishers from blocking on each other's batches.
func (r *Repository) claim(ctx context.Context, tx pgx.Tx, limit int) ([]staged, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, event_type, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []staged
	for rows.Next() {
		var s staged
		if err := rows.Scan(&s.id, &s.eventID, &s.aggregateID, &s.eventType,
			&s.payload, &s.traceparent, &s.tracestate, &s.createdAt); err != nil {
			return nil, err
		}
		batch = append(batch, s)
	}
	return batch, rows.Err()
}

// confirm stamps the claimed rows published.
func (r *Repository) confirm(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)
	`, ids)
	return err
}
