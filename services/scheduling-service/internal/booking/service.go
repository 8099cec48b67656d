package booking

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/availability"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
)

// Ledger is the transactional appointment store the state machine drives.
type Ledger interface {
	Get(ctx context.Context, id int64) (model.Appointment, error)
	Create(ctx context.Context, appt model.Appointment, buildEvents func(model.Appointment) []outbox.Event, idemKey string) (model.Appointment, bool, error)
	Transition(ctx context.Context, id int64, fn storage.TransitionFunc) (model.Appointment, error)
	Reschedule(ctx context.Context, oldID int64, fn storage.TransitionFunc, replacement model.Appointment, buildEvents func(old, created model.Appointment) []outbox.Event) (model.Appointment, error)
	ListOccupying(ctx context.Context, clinicianID, centreID int64, from, to time.Time) ([]model.Appointment, error)
	ListByPatient(ctx context.Context, patientID int64, limit int) ([]model.Appointment, error)
	ListForClinicianDay(ctx context.Context, clinicianID int64, dayStart, dayEnd time.Time) ([]model.Appointment, error)
	ClinicianActive(ctx context.Context, id int64) (bool, error)
	CentreActive(ctx context.Context, id int64) (bool, error)
}

// RuleSource reads the recurring availability rules.
type RuleSource interface {
	ListActive(ctx context.Context, clinicianID, centreID int64, weekday time.Weekday) ([]availability.Rule, error)
}

// Policy carries the configurable behavioral knobs of the state machine.
type Policy struct {
	// CancelWindow rejects patient cancellation requests starting within
	// this lead time. Zero disables the guard.
	CancelWindow time.Duration
	// StaffConfirmImmediately lets staff-assisted bookings occupy the slot
	// as confirmed before payment; side effects still wait for payment.
	StaffConfirmImmediately bool
	// MinCancelReasonLen is the minimum length of a cancellation reason.
	MinCancelReasonLen int
}

// Service validates lifecycle requests and executes them against the ledger.
// Time is injected so validation is deterministic under test.
type Service struct {
	ledger Ledger
	rules  RuleSource
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

func NewService(ledger Ledger, rules RuleSource, policy Policy, logger *slog.Logger) *Service {
	if policy.MinCancelReasonLen <= 0 {
		policy.MinCancelReasonLen = 3
	}
	return &Service{
		ledger: ledger,
		rules:  rules,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// ListSlots expands the clinician's rules for the given day into concrete
// slots, marking those overlapping an occupying appointment unavailable.
// The listing is advisory; Create re-checks conflicts authoritatively.
func (s *Service) ListSlots(ctx context.Context, clinicianID, centreID int64, day time.Time, modeFilter string) ([]availability.Slot, error) {
	if clinicianID <= 0 {
		return nil, model.Invalid("clinician_id", "must be a positive id")
	}
	if centreID <= 0 {
		return nil, model.Invalid("centre_id", "must be a positive id")
	}
	if day.IsZero() {
		return nil, model.Invalid("date", "required")
	}
	var mode model.Mode
	if modeFilter != "" {
		m, ok := model.ParseMode(modeFilter)
		if !ok {
			return nil, model.Invalid("mode", "must be on_site or remote")
		}
		mode = m
	}
	if err := s.checkParties(ctx, clinicianID, centreID); err != nil {
		return nil, err
	}

	rules, err := s.rules.ListActive(ctx, clinicianID, centreID, availability.Weekday(day))
	if err != nil {
		return nil, err
	}
	if mode != "" {
		filtered := rules[:0]
		for _, r := range rules {
			if r.Mode == mode {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}
	if len(rules) == 0 {
		return nil, nil
	}

	dayStart, dayEnd := availability.DayBounds(day)
	occupying, err := s.ledger.ListOccupying(ctx, clinicianID, centreID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	busy := make([]availability.Interval, 0, len(occupying))
	for _, a := range occupying {
		busy = append(busy, availability.Interval{Start: a.Start, End: a.End})
	}
	return availability.ExpandRules(rules, day, busy), nil
}

// CreateRequest is a validated booking attempt. DurationMin zero takes the
// matched rule's slot size.
type CreateRequest struct {
	PatientID      int64
	ClinicianID    int64
	CentreID       int64
	Mode           model.Mode
	Start          time.Time
	DurationMin    int
	Source         model.Source
	Notes          string
	PatientEmail   string
	PatientPhone   string
	IdempotencyKey string
}

// Create claims a slot. The read path validates the interval against the
// rules; the insert inside the ledger is the authoritative conflict gate and
// returns model.ErrSlotUnavailable when a concurrent booking won the slot.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Appointment, error) {
	if req.PatientID <= 0 {
		return model.Appointment{}, model.Invalid("patient_id", "must be a positive id")
	}
	if req.ClinicianID <= 0 {
		return model.Appointment{}, model.Invalid("clinician_id", "must be a positive id")
	}
	if req.CentreID <= 0 {
		return model.Appointment{}, model.Invalid("centre_id", "must be a positive id")
	}
	if _, ok := model.ParseMode(string(req.Mode)); !ok {
		return model.Appointment{}, model.Invalid("mode", "must be on_site or remote")
	}
	if req.DurationMin < 0 {
		return model.Appointment{}, model.Invalid("duration_minutes", "must not be negative")
	}
	now := s.now()
	if req.Start.IsZero() || !req.Start.After(now) {
		return model.Appointment{}, model.Invalid("start_time", "must be in the future")
	}
	if req.Source == "" {
		req.Source = model.SourceSelfService
	}
	if err := s.checkParties(ctx, req.ClinicianID, req.CentreID); err != nil {
		return model.Appointment{}, err
	}

	rules, err := s.rules.ListActive(ctx, req.ClinicianID, req.CentreID, availability.Weekday(req.Start))
	if err != nil {
		return model.Appointment{}, err
	}
	duration, end, ok := matchRule(rules, req.Mode, req.Start, req.DurationMin)
	if !ok {
		return model.Appointment{}, model.Invalid("start_time", "interval does not fit any availability rule")
	}

	status := model.StatusPending
	if req.Source == model.SourceStaff && s.policy.StaffConfirmImmediately {
		status = model.StatusConfirmed
	}

	appt := model.Appointment{
		PatientID:    req.PatientID,
		ClinicianID:  req.ClinicianID,
		CentreID:     req.CentreID,
		Mode:         req.Mode,
		Start:        req.Start,
		End:          end,
		DurationMin:  duration,
		Status:       status,
		Source:       req.Source,
		Notes:        strings.TrimSpace(req.Notes),
		PatientEmail: req.PatientEmail,
		PatientPhone: req.PatientPhone,
	}

	created, replayed, err := s.ledger.Create(ctx, appt, func(inserted model.Appointment) []outbox.Event {
		return []outbox.Event{outbox.AppointmentEvent(outbox.TopicAppointmentBooked, inserted, nil)}
	}, req.IdempotencyKey)
	if err != nil {
		return model.Appointment{}, err
	}
	if replayed {
		s.logger.InfoContext(ctx, "booking replayed from idempotency key",
			"appointment_id", created.ID, "patient_id", created.PatientID)
	} else {
		s.logger.InfoContext(ctx, "appointment booked",
			"appointment_id", created.ID, "clinician_id", created.ClinicianID,
			"start_time", created.Start, "status", created.Status)
	}
	return created, nil
}

// RequestCancellation moves an occupying appointment to
// cancellation_requested, recording the requesting actor, reason, and
// timestamp. The lead-time guard runs before the transition.
func (s *Service) RequestCancellation(ctx context.Context, id, actorID int64, reason string) (model.Appointment, error) {
	if actorID <= 0 {
		return model.Appointment{}, model.Invalid("actor_id", "must be a positive id")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < s.policy.MinCancelReasonLen {
		return model.Appointment{}, model.Invalid("reason", "required, too short")
	}
	now := s.now()
	window := s.policy.CancelWindow
	appt, err := s.ledger.Transition(ctx, id, func(a model.Appointment) (storage.TransitionOutcome, error) {
		if window > 0 && a.Start.Before(now.Add(window)) {
			return storage.TransitionOutcome{}, model.Invalid("appointment", "cancellation window has closed")
		}
		next, err := model.Transition(a, model.EventCancelRequested)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.PriorStatus = a.Status
		a.Status = next
		a.CancelReason = reason
		t := now
		a.CancelRequestedAt = &t
		a.CancelRequestedBy = actorID
		return storage.TransitionOutcome{Appointment: a}, nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.InfoContext(ctx, "cancellation requested",
		"appointment_id", appt.ID, "actor_id", actorID, "prior_status", appt.PriorStatus)
	return appt, nil
}

// ApproveCancellation finalizes a pending cancellation request. The cancelled
// event always goes out; a refund request is emitted only when the booking
// had been paid. Both are asynchronous so no external call holds the row lock.
func (s *Service) ApproveCancellation(ctx context.Context, id, staffID int64) (model.Appointment, error) {
	if staffID <= 0 {
		return model.Appointment{}, model.Invalid("staff_id", "must be a positive id")
	}
	now := s.now()
	return s.ledger.Transition(ctx, id, func(a model.Appointment) (storage.TransitionOutcome, error) {
		next, err := model.Transition(a, model.EventCancelApproved)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.Status = next
		t := now
		a.CancelApprovedAt = &t
		a.CancelApprovedBy = staffID
		events := []outbox.Event{
			outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, a, func(p *outbox.AppointmentPayload) {
				p.Reason = a.CancelReason
			}),
		}
		if a.PaidAt != nil {
			events = append(events, outbox.AppointmentEvent(outbox.TopicRefundRequested, a, func(p *outbox.AppointmentPayload) {
				p.Reason = a.CancelReason
			}))
		}
		return storage.TransitionOutcome{Appointment: a, Events: events}, nil
	})
}

// RejectCancellation restores the status the appointment held before the
// request. The recorded reason stays for audit.
func (s *Service) RejectCancellation(ctx context.Context, id, staffID int64) (model.Appointment, error) {
	if staffID <= 0 {
		return model.Appointment{}, model.Invalid("staff_id", "must be a positive id")
	}
	return s.ledger.Transition(ctx, id, func(a model.Appointment) (storage.TransitionOutcome, error) {
		restored, err := model.Transition(a, model.EventCancelRejected)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.Status = restored
		a.PriorStatus = ""
		return storage.TransitionOutcome{Appointment: a}, nil
	})
}

// StaffCancel is the direct staff override from pending or confirmed.
func (s *Service) StaffCancel(ctx context.Context, id, staffID int64, reason string) (model.Appointment, error) {
	if staffID <= 0 {
		return model.Appointment{}, model.Invalid("staff_id", "must be a positive id")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < s.policy.MinCancelReasonLen {
		return model.Appointment{}, model.Invalid("reason", "required, too short")
	}
	now := s.now()
	return s.ledger.Transition(ctx, id, func(a model.Appointment) (storage.TransitionOutcome, error) {
		next, err := model.Transition(a, model.EventStaffCancelled)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.Status = next
		a.CancelReason = reason
		t := now
		a.CancelApprovedAt = &t
		a.CancelApprovedBy = staffID
		events := []outbox.Event{
			outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, a, func(p *outbox.AppointmentPayload) {
				p.Reason = reason
			}),
		}
		if a.PaidAt != nil {
			events = append(events, outbox.AppointmentEvent(outbox.TopicRefundRequested, a, func(p *outbox.AppointmentPayload) {
				p.Reason = reason
			}))
		}
		return storage.TransitionOutcome{Appointment: a, Events: events}, nil
	})
}

// Complete marks a confirmed appointment completed once its scheduled end has
// passed. The clock check is server-side, never trusted from the caller.
func (s *Service) Complete(ctx context.Context, id int64) (model.Appointment, error) {
	return s.closeOut(ctx, id, model.EventCompleted)
}

// MarkNoShow marks a confirmed appointment as a no-show once its scheduled
// end has passed.
func (s *Service) MarkNoShow(ctx context.Context, id int64) (model.Appointment, error) {
	return s.closeOut(ctx, id, model.EventNoShow)
}

func (s *Service) closeOut(ctx context.Context, id int64, ev model.LifecycleEvent) (model.Appointment, error) {
	now := s.now()
	return s.ledger.Transition(ctx, id, func(a model.Appointment) (storage.TransitionOutcome, error) {
		if a.End.After(now) {
			return storage.TransitionOutcome{}, model.Invalid("appointment", "scheduled end has not passed")
		}
		next, err := model.Transition(a, ev)
		if err != nil {
			return storage.TransitionOutcome{}, err
		}
		a.Status = next
		return storage.TransitionOutcome{Appointment: a}, nil
	})
}

// Reschedule marks the appointment rescheduled and books a replacement at the
// new time in the same transaction. The replacement keeps the parties, mode,
// and status basis of the original and is subject to the same conflict gate.
func (s *Service) Reschedule(ctx context.Context, id int64, newStart time.Time, durationMin int) (model.Appointment, error) {
	now := s.now()
	if newStart.IsZero() || !newStart.After(now) {
		return model.Appointment{}, model.Invalid("start_time", "must be in the future")
	}
	if durationMin < 0 {
		return model.Appointment{}, model.Invalid("duration_minutes", "must not be negative")
	}

	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	rules, err := s.rules.ListActive(ctx, current.ClinicianID, current.CentreID, availability.Weekday(newStart))
	if err != nil {
		return model.Appointment{}, err
	}
	duration, end, ok := matchRule(rules, current.Mode, newStart, durationMin)
	if !ok {
		return model.Appointment{}, model.Invalid("start_time", "interval does not fit any availability rule")
	}

	replacement := current
	replacement.ID = 0
	replacement.Start = newStart
	replacement.End = end
	replacement.DurationMin = duration
	replacement.CancelReason = ""
	replacement.CancelRequestedAt = nil
	replacement.CancelApprovedAt = nil
	replacement.CancelApprovedBy = 0
	replacement.PriorStatus = ""
	replacement.VideoMeetingRef = ""

	created, err := s.ledger.Reschedule(ctx, id,
		func(a model.Appointment) (storage.TransitionOutcome, error) {
			next, err := model.Transition(a, model.EventRescheduled)
			if err != nil {
				return storage.TransitionOutcome{}, err
			}
			a.Status = next
			return storage.TransitionOutcome{Appointment: a}, nil
		},
		replacement,
		func(old, created model.Appointment) []outbox.Event {
			return []outbox.Event{
				outbox.AppointmentEvent(outbox.TopicAppointmentRescheduled, old, func(p *outbox.AppointmentPayload) {
					p.RescheduledTo = created.ID
				}),
				outbox.AppointmentEvent(outbox.TopicAppointmentBooked, created, nil),
			}
		})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.InfoContext(ctx, "appointment rescheduled",
		"appointment_id", id, "replacement_id", created.ID, "start_time", created.Start)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id int64) (model.Appointment, error) {
	if id <= 0 {
		return model.Appointment{}, model.Invalid("appointment_id", "must be a positive id")
	}
	return s.ledger.Get(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID int64, limit int) ([]model.Appointment, error) {
	if patientID <= 0 {
		return nil, model.Invalid("patient_id", "must be a positive id")
	}
	return s.ledger.ListByPatient(ctx, patientID, limit)
}

func (s *Service) ListClinicianDay(ctx context.Context, clinicianID int64, day time.Time) ([]model.Appointment, error) {
	if clinicianID <= 0 {
		return nil, model.Invalid("clinician_id", "must be a positive id")
	}
	if day.IsZero() {
		return nil, model.Invalid("date", "required")
	}
	dayStart, dayEnd := availability.DayBounds(day)
	return s.ledger.ListForClinicianDay(ctx, clinicianID, dayStart, dayEnd)
}

func (s *Service) checkParties(ctx context.Context, clinicianID, centreID int64) error {
	active, err := s.ledger.ClinicianActive(ctx, clinicianID)
	if err != nil {
		return err
	}
	if !active {
		return model.ErrNotFound
	}
	active, err = s.ledger.CentreActive(ctx, centreID)
	if err != nil {
		return err
	}
	if !active {
		return model.ErrNotFound
	}
	return nil
}

// matchRule finds the first rule (matching mode) whose grid accepts the
// interval. requestedMin zero takes the rule's own slot size.
func matchRule(rules []availability.Rule, mode model.Mode, start time.Time, requestedMin int) (duration int, end time.Time, ok bool) {
	for _, r := range rules {
		if r.Mode != mode {
			continue
		}
		d := requestedMin
		if d == 0 {
			d = r.SlotMinutes
		}
		candidateEnd := start.Add(time.Duration(d) * time.Minute)
		if availability.FitsRule(r, start, candidateEnd) {
			return d, candidateEnd, true
		}
	}
	return 0, time.Time{}, false
}
