package provision

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/arefin-labs/carebook/libs/otel"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/video"
)

// Store is the job and session persistence the worker drives.
type Store interface {
	LeaseDue(ctx context.Context, limit int, lease time.Duration) ([]storage.ProvisionJob, error)
	AppointmentForProvision(ctx context.Context, appointmentID int64) (model.Appointment, error)
	Complete(ctx context.Context, job storage.ProvisionJob, session model.VideoSession, events []outbox.Event) error
	Fail(ctx context.Context, job storage.ProvisionJob, attempts int, nextRunAt time.Time, reason string, dlq []outbox.Event) error
	Skip(ctx context.Context, job storage.ProvisionJob, reason string) error
}

// Worker drains video provision jobs. Jobs are leased in a short transaction,
// the collaborator is called with no ledger locks held, and the result lands
// in a second transaction. Failures retry with linear backoff until the
// attempt cap, then park the job and emit a provision-failed event.
type Worker struct {
	store       Store
	provisioner video.Provisioner
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	backoff     time.Duration
	lease       time.Duration
	now         func() time.Time
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
	Lease     time.Duration
}

func NewWorker(store Store, provisioner video.Provisioner, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &Worker{
		store:       store,
		provisioner: provisioner,
		logger:      logger,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		backoff:     cfg.Backoff,
		lease:       cfg.Lease,
		now:         time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("video provision batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch leases and works one batch. Exported so the reconciler and
// tests can drive the worker without the ticker loop.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	jobs, err := w.store.LeaseDue(ctx, w.batchSize, w.lease)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		w.processJob(jobCtx, job)
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job storage.ProvisionJob) {
	appt, err := w.store.AppointmentForProvision(ctx, job.AppointmentID)
	if err != nil {
		w.fail(ctx, job, "appointment lookup failed: "+err.Error(), nil)
		return
	}
	// The booking may have moved on since the payment landed.
	if appt.Status != model.StatusConfirmed || appt.Mode != model.ModeRemote {
		if err := w.store.Skip(ctx, job, "appointment no longer needs a session"); err != nil {
			w.logger.Error("skip provision job failed", "err", err, "job_id", job.ID)
		}
		return
	}

	session, err := w.provisioner.ProvisionOrUpdate(ctx, appt)
	if err != nil {
		w.fail(ctx, job, err.Error(), w.dlqEvents(job, appt, err))
		return
	}

	record := model.VideoSession{
		AppointmentID: appt.ID,
		ClinicianID:   appt.ClinicianID,
		MeetingRef:    session.MeetingRef,
		JoinURL:       session.JoinURL,
		HostURL:       session.HostURL,
		Status:        "scheduled",
		Start:         appt.Start,
		End:           appt.End,
	}
	appt.VideoMeetingRef = session.MeetingRef
	events := []outbox.Event{
		outbox.AppointmentEvent(outbox.TopicAppointmentConfirmed, appt, func(p *outbox.AppointmentPayload) {
			p.JoinURL = session.JoinURL
		}),
	}
	if err := w.store.Complete(ctx, job, record, events); err != nil {
		w.fail(ctx, job, "recording session failed: "+err.Error(), nil)
		return
	}
	w.logger.InfoContext(ctx, "video session provisioned",
		"appointment_id", appt.ID, "meeting_ref", session.MeetingRef,
		"provider", w.provisioner.ProviderID())
}

func (w *Worker) fail(ctx context.Context, job storage.ProvisionJob, reason string, dlq []outbox.Event) {
	attempts := job.Attempts + 1
	nextRunAt := w.now().Add(time.Duration(attempts) * w.backoff)
	if err := w.store.Fail(ctx, job, attempts, nextRunAt, reason, dlq); err != nil {
		w.logger.Error("mark provision job failed", "err", err, "job_id", job.ID)
		return
	}
	if attempts >= job.MaxAttempts {
		w.logger.Error("video provision exhausted attempts",
			"appointment_id", job.AppointmentID, "attempts", attempts, "reason", reason)
		return
	}
	w.logger.WarnContext(ctx, "video provision attempt failed",
		"appointment_id", job.AppointmentID, "attempts", attempts,
		"next_run_at", nextRunAt, "reason", reason)
}

// dlqEvents are published only when the job parks as failed; the store skips
// them while retries remain.
func (w *Worker) dlqEvents(job storage.ProvisionJob, appt model.Appointment, cause error) []outbox.Event {
	if job.Attempts+1 < job.MaxAttempts {
		return nil
	}
	return []outbox.Event{
		outbox.AppointmentEvent(outbox.TopicVideoProvisionFailed, appt, func(p *outbox.AppointmentPayload) {
			p.Reason = cause.Error()
		}),
	}
}
