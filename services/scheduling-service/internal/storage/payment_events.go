package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arefin-labs/carebook/libs/db"
)

// ErrDuplicateProviderEvent marks a webhook delivery already recorded.
var ErrDuplicateProviderEvent = errors.New("payment provider event already recorded")

// PaymentEventStore deduplicates payment provider webhook deliveries by their
// provider-assigned event id.
type PaymentEventStore struct {
	pool *db.Pool
}

func NewPaymentEventStore(pool *db.Pool) *PaymentEventStore {
	return &PaymentEventStore{pool: pool}
}

func (s *PaymentEventStore) Seen(ctx context.Context, providerEventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_provider_events WHERE provider_event_id = $1)
	`, providerEventID).Scan(&seen)
	return seen, err
}

// Record stores the delivery after the signal has been applied. A concurrent
// duplicate surfaces as ErrDuplicateProviderEvent via the unique constraint.
func (s *PaymentEventStore) Record(ctx context.Context, providerEventID, eventType string, appointmentID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_provider_events (provider_event_id, event_type, appointment_id)
		VALUES ($1, $2, $3)
	`, providerEventID, eventType, appointmentID)
	if isUniqueViolation(err) {
		return ErrDuplicateProviderEvent
	}
	return err
}

// 23505 is unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
