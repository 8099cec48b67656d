package model

import "time"

// Status is the appointment lifecycle state. Transitions between statuses go
// through Transition; nothing else may rewrite a status.
type Status string

const (
	StatusPending               Status = "pending"
	StatusConfirmed             Status = "confirmed"
	StatusCancellationRequested Status = "cancellation_requested"
	StatusCancelled             Status = "cancelled"
	StatusCompleted             Status = "completed"
	StatusNoShow                Status = "no_show"
	StatusRescheduled           Status = "rescheduled"
)

// OccupyingStatuses are the statuses that consume a slot and block rebooking.
// The set must match the predicate on the appointments overlap constraint.
var OccupyingStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusCancellationRequested,
}

func (s Status) Occupying() bool {
	for _, o := range OccupyingStatuses {
		if s == o {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

// Mode is the consultation mode.
type Mode string

const (
	ModeOnSite Mode = "on_site"
	ModeRemote Mode = "remote"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case ModeOnSite, ModeRemote:
		return Mode(raw), true
	}
	return "", false
}

// Source records who made the booking.
type Source string

const (
	SourceSelfService Source = "self_service"
	SourceStaff       Source = "staff"
)

// Appointment is the ledger row. scheduled end always equals start plus
// duration and is strictly after start.
type Appointment struct {
	ID          int64
	PatientID   int64
	ClinicianID int64
	CentreID    int64
	Mode        Mode
	Start       time.Time
	End         time.Time
	DurationMin int
	Status      Status
	Source      Source
	Notes       string

	PatientEmail string
	PatientPhone string

	CancelReason      string
	CancelRequestedAt *time.Time
	CancelRequestedBy int64
	CancelApprovedAt  *time.Time
	CancelApprovedBy  int64
	// PriorStatus is the status the appointment held before a cancellation
	// request, restored when staff reject the request.
	PriorStatus Status

	PaidAt          *time.Time
	VideoMeetingRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VideoSession is the provisioned conferencing session, one row per
// appointment (upsert target, never duplicated).
type VideoSession struct {
	AppointmentID int64
	ClinicianID   int64
	MeetingRef    string
	JoinURL       string
	HostURL       string
	Status        string
	Start         time.Time
	End           time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
