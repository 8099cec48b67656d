package storage

import (
	"context"

	"github.com/arefin-labs/carebook/libs/db"
)

// Notification is one dispatch attempt in the append-only audit log. The log
// never drives control flow; the outbox carries the delivery-status events.
type Notification struct {
	AppointmentID int64
	PatientID     int64
	Channel       string
	Recipient     string
	EventType     string
	Subject       string
	Body          string
	Status        string
	ErrorReason   string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(appointment_id, patient_id, channel, recipient, event_type, subject, body, status, error_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
	`, n.AppointmentID, n.PatientID, n.Channel, n.Recipient, n.EventType, n.Subject, n.Body, n.Status, n.ErrorReason)
	return err
}

// ListByAppointment supports support-desk lookups of what was sent.
func (r *Repository) ListByAppointment(ctx context.Context, appointmentID int64) ([]Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, patient_id, channel, recipient, event_type, subject, body, status, COALESCE(error_reason, '')
		FROM notifications
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.AppointmentID, &n.PatientID, &n.Channel, &n.Recipient, &n.EventType, &n.Subject, &n.Body, &n.Status, &n.ErrorReason); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
