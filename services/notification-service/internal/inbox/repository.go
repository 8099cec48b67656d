package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arefin-labs/carebook/libs/db"
)

// uniqueViolation is the Postgres code raised when the event id is
// already present in inbox_events.
const uniqueViolation = "23505"

// Repository tracks consumed event ids so redelivered messages can be
// dropped before they reach a handler.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts the event id and reports whether it was new. A false
// result with a nil error means the event was processed before.
func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO inbox_events (event_id, event_type) VALUES ($1, $2)`,
		eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return false, nil
	}
	return false, err
}
