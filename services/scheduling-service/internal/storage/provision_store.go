package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arefin-labs/carebook/libs/db"
	otelx "github.com/arefin-labs/carebook/libs/otel"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
)

// ProvisionStore backs the video-provision worker and the reconciliation
// sweep. Jobs are unique per appointment so retried payment signals cannot
// fan out into duplicate provisioning.
type ProvisionStore struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewProvisionStore(pool *db.Pool, outboxRepo *outbox.Repository) *ProvisionStore {
	return &ProvisionStore{pool: pool, outbox: outboxRepo}
}

type ProvisionJob struct {
	ID            int64
	AppointmentID int64
	Attempts      int
	MaxAttempts   int
	NextRunAt     time.Time
	Traceparent   string
	Tracestate    string
}

// enqueueProvisionJob inserts a pending job inside the caller's transaction.
// ON CONFLICT DO NOTHING keeps the job unique per appointment.
func enqueueProvisionJob(ctx context.Context, tx pgx.Tx, appointmentID int64) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO video_provision_jobs (appointment_id, next_run_at, traceparent, tracestate)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (appointment_id) DO NOTHING
	`, appointmentID, traceparent, tracestate)
	return err
}

// LeaseDue claims up to limit due jobs and pushes their next_run_at forward
// by lease, then commits. The worker calls the video collaborator only after
// this transaction has released its locks.
func (s *ProvisionStore) LeaseDue(ctx context.Context, limit int, lease time.Duration) ([]ProvisionJob, error) {
	var jobs []ProvisionJob
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, appointment_id, attempts, max_attempts, next_run_at,
				COALESCE(traceparent, ''), COALESCE(tracestate, '')
			FROM video_provision_jobs
			WHERE status = 'pending' AND next_run_at <= now()
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var j ProvisionJob
			if err := rows.Scan(&j.ID, &j.AppointmentID, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.Traceparent, &j.Tracestate); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		if rows.Err() != nil {
			return rows.Err()
		}

		ids := make([]int64, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE video_provision_jobs
			SET next_run_at = now() + $2,
				updated_at = now()
			WHERE id = ANY($1)
		`, ids, lease)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// AppointmentForProvision re-reads the appointment before calling out; a
// booking cancelled between confirmation and provisioning must not get a
// video session.
func (s *ProvisionStore) AppointmentForProvision(ctx context.Context, appointmentID int64) (model.Appointment, error) {
	appt, err := scanAppointment(s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, appointmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, err
}

// Complete records a successful provision: session upsert (retry-safe,
// keyed by appointment), meeting ref on the ledger row, job closed, and the
// confirmation notification event, all in one transaction.
func (s *ProvisionStore) Complete(ctx context.Context, job ProvisionJob, session model.VideoSession, events []outbox.Event) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO video_sessions
				(appointment_id, clinician_id, meeting_ref, join_url, host_url, status, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (appointment_id) DO UPDATE
			SET meeting_ref = EXCLUDED.meeting_ref,
				join_url = EXCLUDED.join_url,
				host_url = EXCLUDED.host_url,
				status = EXCLUDED.status,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				updated_at = now()
		`, session.AppointmentID, session.ClinicianID, session.MeetingRef, session.JoinURL,
			session.HostURL, session.Status, session.Start, session.End)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE appointments
			SET video_meeting_ref = $2, updated_at = now()
			WHERE id = $1
		`, session.AppointmentID, session.MeetingRef)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE video_provision_jobs
			SET status = 'processed', last_error = NULL, updated_at = now()
			WHERE id = $1
		`, job.ID)
		if err != nil {
			return err
		}

		for _, evt := range events {
			if err := s.outbox.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Fail records a provisioning attempt failure. Attempts below the cap stay
// pending with a delayed next_run_at; at the cap the job is parked as failed
// and the dlq events (if any) go out for operator follow-up.
func (s *ProvisionStore) Fail(ctx context.Context, job ProvisionJob, attempts int, nextRunAt time.Time, reason string, dlq []outbox.Event) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		status := "pending"
		if attempts >= job.MaxAttempts {
			status = "failed"
		}
		_, err := tx.Exec(ctx, `
			UPDATE video_provision_jobs
			SET attempts = $2,
				status = $3,
				next_run_at = $4,
				last_error = $5,
				updated_at = now()
			WHERE id = $1
		`, job.ID, attempts, status, nextRunAt, reason)
		if err != nil {
			return err
		}
		if status != "failed" {
			return nil
		}
		for _, evt := range dlq {
			if err := s.outbox.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Skip closes a job whose appointment no longer needs a session (cancelled
// or rescheduled between confirmation and provisioning).
func (s *ProvisionStore) Skip(ctx context.Context, job ProvisionJob, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE video_provision_jobs
		SET status = 'skipped', last_error = $2, updated_at = now()
		WHERE id = $1
	`, job.ID, reason)
	return err
}

// ListStuckRemote finds confirmed remote appointments that were paid before
// the cutoff and still have no video session. These are the side effects the
// reconciliation sweep re-enqueues.
func (s *ProvisionStore) ListStuckRemote(ctx context.Context, paidBefore time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixedAppointmentColumns("a")+`
		FROM appointments a
		LEFT JOIN video_sessions v ON v.appointment_id = a.id
		WHERE a.status = $1
			AND a.mode = $2
			AND a.paid_at IS NOT NULL
			AND a.paid_at < $3
			AND v.appointment_id IS NULL
		ORDER BY a.paid_at ASC
		LIMIT $4
	`, model.StatusConfirmed, model.ModeRemote, paidBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// Requeue reopens (or creates) the provision job for an appointment found
// stuck by the reconciler, resetting the attempt budget.
func (s *ProvisionStore) Requeue(ctx context.Context, appointmentID int64) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_provision_jobs (appointment_id, next_run_at, traceparent, tracestate)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (appointment_id) DO UPDATE
		SET status = 'pending',
			attempts = 0,
			next_run_at = now(),
			last_error = NULL,
			updated_at = now()
	`, appointmentID, traceparent, tracestate)
	return err
}

// GetSession returns the provisioned session for an appointment, if any.
func (s *ProvisionStore) GetSession(ctx context.Context, appointmentID int64) (model.VideoSession, error) {
	var v model.VideoSession
	err := s.pool.QueryRow(ctx, `
		SELECT appointment_id, clinician_id, meeting_ref, join_url, host_url, status,
			start_time, end_time, created_at, updated_at
		FROM video_sessions
		WHERE appointment_id = $1
	`, appointmentID).Scan(
		&v.AppointmentID, &v.ClinicianID, &v.MeetingRef, &v.JoinURL, &v.HostURL, &v.Status,
		&v.Start, &v.End, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VideoSession{}, model.ErrNotFound
	}
	return v, err
}

// TryAdvisoryLock is best-effort leader election for singleton background
// loops (reconciler) running in multi-instance deployments.
func (s *ProvisionStore) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var locked bool
	err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked)
	return locked, err
}

func (s *ProvisionStore) AdvisoryUnlock(ctx context.Context, key int64) {
	_, _ = s.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func prefixedAppointmentColumns(alias string) string {
	return alias + `.id, ` + alias + `.patient_id, ` + alias + `.clinician_id, ` + alias + `.centre_id, ` + alias + `.mode,
	` + alias + `.start_time, ` + alias + `.end_time, ` + alias + `.duration_minutes, ` + alias + `.status, ` + alias + `.source, ` + alias + `.notes,
	COALESCE(` + alias + `.patient_email, ''), COALESCE(` + alias + `.patient_phone, ''),
	COALESCE(` + alias + `.cancellation_reason, ''), ` + alias + `.cancellation_requested_at,
	` + alias + `.cancellation_approved_at, COALESCE(` + alias + `.cancellation_approved_by, 0),
	COALESCE(` + alias + `.prior_status, ''), ` + alias + `.paid_at, COALESCE(` + alias + `.video_meeting_ref, ''),
	` + alias + `.created_at, ` + alias + `.updated_at`
}
