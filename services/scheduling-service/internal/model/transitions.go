package model

import "fmt"

// LifecycleEvent names a requested lifecycle move.
type LifecycleEvent string

const (
	EventPaymentConfirmed LifecycleEvent = "payment_confirmed"
	EventPaymentFailed    LifecycleEvent = "payment_failed"
	EventCancelRequested  LifecycleEvent = "cancel_requested"
	EventCancelApproved   LifecycleEvent = "cancel_approved"
	EventCancelRejected   LifecycleEvent = "cancel_rejected"
	EventStaffCancelled   LifecycleEvent = "staff_cancelled"
	EventCompleted        LifecycleEvent = "completed"
	EventNoShow           LifecycleEvent = "no_show"
	EventRescheduled      LifecycleEvent = "rescheduled"
)

// transitions is the closed table of accepted lifecycle moves. A (status,
// event) pair absent from the table is rejected with ErrInvalidTransition.
var transitions = map[Status]map[LifecycleEvent]Status{
	StatusPending: {
		EventPaymentConfirmed: StatusConfirmed,
		EventPaymentFailed:    StatusCancelled,
		EventCancelRequested:  StatusCancellationRequested,
		EventStaffCancelled:   StatusCancelled,
		EventRescheduled:      StatusRescheduled,
	},
	StatusConfirmed: {
		EventCancelRequested: StatusCancellationRequested,
		EventStaffCancelled:  StatusCancelled,
		EventCompleted:       StatusCompleted,
		EventNoShow:          StatusNoShow,
		EventRescheduled:     StatusRescheduled,
	},
	StatusCancellationRequested: {
		EventCancelApproved: StatusCancelled,
		// EventCancelRejected restores the recorded prior status; see Transition.
		EventCancelRejected: "",
	},
}

// Transition applies ev to the appointment's current status and returns the
// next status. It is a pure function: it never mutates the appointment and
// has no clock or store access.
func Transition(a Appointment, ev LifecycleEvent) (Status, error) {
	byEvent, ok := transitions[a.Status]
	if !ok {
		return "", fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, a.Status)
	}
	next, ok := byEvent[ev]
	if !ok {
		return "", fmt.Errorf("%w: %s not accepted from %s", ErrInvalidTransition, ev, a.Status)
	}

	if ev == EventCancelRejected {
		prior := a.PriorStatus
		if prior != StatusPending && prior != StatusConfirmed {
			return "", fmt.Errorf("%w: no restorable prior status", ErrInvalidTransition)
		}
		return prior, nil
	}
	return next, nil
}
