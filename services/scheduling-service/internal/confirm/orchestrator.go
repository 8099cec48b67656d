package confirm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
)

// Outcome is the terminal result of an external payment attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Ledger is the slice of the appointment store the orchestrator needs.
type Ledger interface {
	Transition(ctx context.Context, id int64, fn storage.TransitionFunc) (model.Appointment, error)
}

// alreadyAppliedError short-circuits the transaction when the signal has
// been applied before. The row is left untouched; the error carries it so
// replays can still report the real appointment state.
type alreadyAppliedError struct {
	current model.Appointment
}

func (e *alreadyAppliedError) Error() string { return "payment signal already applied" }

// Orchestrator reacts to payment results. It owns the pending to confirmed
// transition and schedules the side effects; it never calls external
// collaborators while the ledger row is locked. Delivery is at-least-once,
// so every step tolerates replays.
type Orchestrator struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(ledger Ledger, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{ledger: ledger, logger: logger, now: time.Now}
}

// OnPaymentResult applies a payment outcome to the appointment. Replays and
// signals for appointments no longer awaiting payment are logged no-ops.
func (o *Orchestrator) OnPaymentResult(ctx context.Context, appointmentID int64, outcome Outcome) (model.Appointment, error) {
	if appointmentID <= 0 {
		return model.Appointment{}, model.Invalid("appointment_id", "must be a positive id")
	}

	var fn storage.TransitionFunc
	switch outcome {
	case OutcomeSucceeded:
		fn = o.applySuccess
	case OutcomeFailed:
		fn = o.applyFailure
	default:
		return model.Appointment{}, model.Invalid("outcome", "must be succeeded or failed")
	}

	appt, err := o.ledger.Transition(ctx, appointmentID, fn)
	var replay *alreadyAppliedError
	if errors.As(err, &replay) {
		o.logger.InfoContext(ctx, "payment signal ignored",
			"appointment_id", replay.current.ID, "outcome", outcome, "status", replay.current.Status)
		return replay.current, nil
	}
	if err != nil {
		return model.Appointment{}, err
	}
	o.logger.InfoContext(ctx, "payment signal applied",
		"appointment_id", appt.ID, "outcome", outcome, "status", appt.Status)
	return appt, nil
}

// applySuccess confirms a pending booking, or records payment on a booking
// staff already confirmed. Remote bookings get a provision job in the same
// transaction; their confirmation notification goes out with the join link
// once provisioning succeeds. On-site confirmations notify immediately.
func (o *Orchestrator) applySuccess(a model.Appointment) (storage.TransitionOutcome, error) {
	if a.PaidAt != nil {
		return storage.TransitionOutcome{}, &alreadyAppliedError{current: a}
	}
	switch a.Status {
	case model.StatusPending:
		next, err := model.Transition(a, model.EventPaymentConfirmed)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.Status = next
	case model.StatusConfirmed:
		// staff-confirmed booking, payment arriving after the fact
	default:
		return storage.TransitionOutcome{}, &alreadyAppliedError{current: a}
	}

	t := o.now()
	a.PaidAt = &t

	out := storage.TransitionOutcome{Appointment: a}
	if a.Mode == model.ModeRemote {
		out.EnqueueVideoProvision = true
	} else {
		out.Events = []outbox.Event{
			outbox.AppointmentEvent(outbox.TopicAppointmentConfirmed, a, nil),
		}
	}
	return out, nil
}

// applyFailure cancels a pending booking whose payment failed. Anything past
// pending keeps its status; a failed retry after success must not undo a
// confirmation.
func (o *Orchestrator) applyFailure(a model.Appointment) (storage.TransitionOutcome, error) {
	if a.PaidAt != nil || a.Status != model.StatusPending {
		return storage.TransitionOutcome{}, &alreadyAppliedError{current: a}
	}
	next, err := model.Transition(a, model.EventPaymentFailed)
	if err != nil {
		return storage.TransitionOutcome{}, err
	}
	a.Status = next
	a.CancelReason = "payment failed"
	return storage.TransitionOutcome{
		Appointment: a,
		Events: []outbox.Event{
			outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, a, func(p *outbox.AppointmentPayload) {
				p.Reason = a.CancelReason
			}),
		},
	}, nil
}
