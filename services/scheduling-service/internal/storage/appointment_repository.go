package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arefin-labs/carebook/libs/db"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
)

// AppointmentRepository is the booking ledger. All writes go through
// transactions so status changes, their outbox events, and any follow-up
// jobs commit atomically. The authoritative overlap gate is the exclusion
// constraint on the appointments table (btree_gist on clinician, centre,
// and the scheduled range, filtered to occupying statuses); a violation
// surfaces as model.ErrSlotUnavailable.
type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

// TransitionOutcome is what a lifecycle transition wants persisted along
// with the updated row, all inside the same transaction.
type TransitionOutcome struct {
	Appointment           model.Appointment
	Events                []outbox.Event
	EnqueueVideoProvision bool
}

// TransitionFunc computes the next state of a row held under FOR UPDATE.
// It must be pure: no clock reads, no store access.
type TransitionFunc func(model.Appointment) (TransitionOutcome, error)

const appointmentColumns = `
	id, patient_id, clinician_id, centre_id, mode,
	start_time, end_time, duration_minutes, status, source, notes,
	COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
	COALESCE(cancellation_reason, ''), cancellation_requested_at,
	COALESCE(cancellation_requested_by, 0),
	cancellation_approved_at, COALESCE(cancellation_approved_by, 0),
	COALESCE(prior_status, ''), paid_at, COALESCE(video_meeting_ref, ''),
	created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.ClinicianID, &a.CentreID, &a.Mode,
		&a.Start, &a.End, &a.DurationMin, &a.Status, &a.Source, &a.Notes,
		&a.PatientEmail, &a.PatientPhone,
		&a.CancelReason, &a.CancelRequestedAt, &a.CancelRequestedBy,
		&a.CancelApprovedAt, &a.CancelApprovedBy,
		&a.PriorStatus, &a.PaidAt, &a.VideoMeetingRef,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (r *AppointmentRepository) Get(ctx context.Context, id int64) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, err
}

// Create inserts the appointment and its events atomically. Events are built
// from the inserted row so payloads carry the assigned id. When idemKey is
// non-empty, the insert is guarded by the per-patient idempotency table: a
// replayed key returns the previously created appointment with replayed=true.
func (r *AppointmentRepository) Create(ctx context.Context, appt model.Appointment, buildEvents func(model.Appointment) []outbox.Event, idemKey string) (created model.Appointment, replayed bool, err error) {
	err = r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if idemKey != "" {
			priorID, lockErr := r.lockIdempotencyKey(ctx, tx, appt.PatientID, idemKey)
			if lockErr != nil {
				return lockErr
			}
			if priorID != 0 {
				prior, getErr := scanAppointment(tx.QueryRow(ctx, `
					SELECT `+appointmentColumns+` FROM appointments WHERE id = $1
				`, priorID))
				if getErr != nil {
					return getErr
				}
				created, replayed = prior, true
				return nil
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(patient_id, clinician_id, centre_id, mode, start_time, end_time,
				 duration_minutes, status, source, notes, patient_email, patient_phone, prior_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+appointmentColumns+`
		`, appt.PatientID, appt.ClinicianID, appt.CentreID, appt.Mode, appt.Start, appt.End,
			appt.DurationMin, appt.Status, appt.Source, appt.Notes, appt.PatientEmail, appt.PatientPhone, appt.PriorStatus)

		inserted, insErr := scanAppointment(row)
		if insErr != nil {
			if isExclusionViolation(insErr) {
				return model.ErrSlotUnavailable
			}
			return insErr
		}

		if buildEvents != nil {
			for _, evt := range buildEvents(inserted) {
				if obErr := r.outbox.Insert(ctx, tx, evt); obErr != nil {
					return obErr
				}
			}
		}

		if idemKey != "" {
			if finErr := r.finalizeIdempotencyKey(ctx, tx, appt.PatientID, idemKey, inserted.ID); finErr != nil {
				return finErr
			}
		}

		created = inserted
		return nil
	})
	return created, replayed, err
}

// Transition loads the row under FOR UPDATE, applies fn, and persists the
// outcome (row update, outbox events, optional provision job) atomically.
func (r *AppointmentRepository) Transition(ctx context.Context, id int64, fn TransitionFunc) (model.Appointment, error) {
	var result model.Appointment
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := r.lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		outcome, err := fn(current)
		if err != nil {
			return err
		}
		if err := r.persistOutcome(ctx, tx, outcome); err != nil {
			return err
		}
		result = outcome.Appointment
		return nil
	})
	return result, err
}

// Reschedule marks the old row terminal and inserts its replacement in one
// transaction, subject to the same overlap gate as Create. Events are built
// once both rows are known so payloads can cross-reference them.
func (r *AppointmentRepository) Reschedule(ctx context.Context, oldID int64, fn TransitionFunc, replacement model.Appointment, buildEvents func(old, created model.Appointment) []outbox.Event) (model.Appointment, error) {
	var created model.Appointment
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := r.lockAppointment(ctx, tx, oldID)
		if err != nil {
			return err
		}
		outcome, err := fn(current)
		if err != nil {
			return err
		}
		if err := r.persistOutcome(ctx, tx, outcome); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(patient_id, clinician_id, centre_id, mode, start_time, end_time,
				 duration_minutes, status, source, notes, patient_email, patient_phone, prior_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+appointmentColumns+`
		`, replacement.PatientID, replacement.ClinicianID, replacement.CentreID, replacement.Mode,
			replacement.Start, replacement.End, replacement.DurationMin, replacement.Status,
			replacement.Source, replacement.Notes, replacement.PatientEmail, replacement.PatientPhone, replacement.PriorStatus)

		inserted, insErr := scanAppointment(row)
		if insErr != nil {
			if isExclusionViolation(insErr) {
				return model.ErrSlotUnavailable
			}
			return insErr
		}

		if buildEvents != nil {
			for _, evt := range buildEvents(outcome.Appointment, inserted) {
				if obErr := r.outbox.Insert(ctx, tx, evt); obErr != nil {
					return obErr
				}
			}
		}
		created = inserted
		return nil
	})
	return created, err
}

// ListOccupying returns appointments for the clinician+centre whose interval
// overlaps [from, to) and whose status still consumes the slot.
func (r *AppointmentRepository) ListOccupying(ctx context.Context, clinicianID, centreID int64, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinician_id = $1
			AND centre_id = $2
			AND status = ANY($3)
			AND start_time < $5
			AND end_time > $4
		ORDER BY start_time ASC
	`, clinicianID, centreID, occupyingStatusStrings(), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID int64, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListForClinicianDay(ctx context.Context, clinicianID int64, dayStart, dayEnd time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinician_id = $1
			AND start_time >= $2
			AND start_time < $3
		ORDER BY start_time ASC
	`, clinicianID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ClinicianActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM clinicians WHERE id = $1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func (r *AppointmentRepository) CentreActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM centres WHERE id = $1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func (r *AppointmentRepository) lockAppointment(ctx context.Context, tx pgx.Tx, id int64) (model.Appointment, error) {
	appt, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, err
}

func (r *AppointmentRepository) persistOutcome(ctx context.Context, tx pgx.Tx, outcome TransitionOutcome) error {
	a := outcome.Appointment
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
			notes = $3,
			cancellation_reason = $4,
			cancellation_requested_at = $5,
			cancellation_requested_by = NULLIF($6::bigint, 0),
			cancellation_approved_at = $7,
			cancellation_approved_by = NULLIF($8::bigint, 0),
			prior_status = NULLIF($9, ''),
			paid_at = $10,
			video_meeting_ref = NULLIF($11, ''),
			updated_at = now()
		WHERE id = $1
	`, a.ID, a.Status, a.Notes, a.CancelReason, a.CancelRequestedAt, a.CancelRequestedBy,
		a.CancelApprovedAt, a.CancelApprovedBy, string(a.PriorStatus), a.PaidAt, a.VideoMeetingRef)
	if err != nil {
		return err
	}

	for _, evt := range outcome.Events {
		if evt.AggregateID == "" {
			evt.AggregateID = itoa(a.ID)
		}
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}

	if outcome.EnqueueVideoProvision {
		if err := enqueueProvisionJob(ctx, tx, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// lockIdempotencyKey claims the (patient, key) pair under FOR UPDATE. A
// non-zero return is the appointment id a prior booking finalized with and
// must replay; zero means this transaction now owns the key.
func (r *AppointmentRepository) lockIdempotencyKey(ctx context.Context, tx pgx.Tx, patientID int64, key string) (int64, error) {
	apptID, err := selectIdempotencyForUpdate(ctx, tx, patientID, key)
	if err == nil {
		return apptID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (patient_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (patient_id, idempotency_key) DO NOTHING
	`, patientID, key)
	if err != nil {
		return 0, err
	}

	// DO NOTHING means a concurrent transaction may have claimed and even
	// finalized the key between our select and insert, so the re-select
	// decides: it sees that transaction's row once its lock is released.
	return selectIdempotencyForUpdate(ctx, tx, patientID, key)
}

func (r *AppointmentRepository) finalizeIdempotencyKey(ctx context.Context, tx pgx.Tx, patientID int64, key string, appointmentID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3, updated_at = now()
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key, appointmentID)
	return err
}

func selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, patientID int64, key string) (int64, error) {
	var apptID int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(appointment_id, 0)
		FROM booking_idempotency_keys
		WHERE patient_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, patientID, key).Scan(&apptID)
	return apptID, err
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func occupyingStatusStrings() []string {
	out := make([]string, 0, len(model.OccupyingStatuses))
	for _, s := range model.OccupyingStatuses {
		out = append(out, string(s))
	}
	return out
}

// 23P01 is exclusion_violation: the overlap constraint rejected the insert.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, model.ErrNotFound)
}
