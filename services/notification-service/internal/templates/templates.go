package templates

import (
	"fmt"
	"time"
)

// AppointmentEvent mirrors the payload published by the scheduling service.
type AppointmentEvent struct {
	AppointmentID int64     `json:"appointment_id"`
	PatientID     int64     `json:"patient_id"`
	ClinicianID   int64     `json:"clinician_id"`
	CentreID      int64     `json:"centre_id"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Source        string    `json:"source"`
	PatientEmail  string    `json:"patient_email"`
	PatientPhone  string    `json:"patient_phone"`
	Reason        string    `json:"reason"`
	JoinURL       string    `json:"join_url"`
	RescheduledTo int64     `json:"rescheduled_to"`
}

const (
	TopicBooked      = "scheduling.appointment.booked.v1"
	TopicConfirmed   = "scheduling.appointment.confirmed.v1"
	TopicCancelled   = "scheduling.appointment.cancelled.v1"
	TopicRescheduled = "scheduling.appointment.rescheduled.v1"
)

// Render produces the patient-facing subject and body for an event type.
// ok is false for event types this service does not message on.
func Render(eventType string, evt AppointmentEvent) (subject string, body string, ok bool) {
	when := evt.StartTime.UTC().Format("Mon, 02 Jan 2006 15:04 MST")

	switch eventType {
	case TopicBooked:
		subject = "Appointment request received"
		body = fmt.Sprintf("We received your appointment request for %s. You will get a confirmation once payment completes.", when)
	case TopicConfirmed:
		subject = "Appointment confirmed"
		if evt.JoinURL != "" {
			body = fmt.Sprintf("Your remote consultation on %s is confirmed. Join link: %s", when, evt.JoinURL)
		} else {
			body = fmt.Sprintf("Your appointment on %s is confirmed. Please arrive a few minutes early.", when)
		}
	case TopicCancelled:
		subject = "Appointment cancelled"
		if evt.Reason != "" {
			body = fmt.Sprintf("Your appointment on %s was cancelled. Reason: %s", when, evt.Reason)
		} else {
			body = fmt.Sprintf("Your appointment on %s was cancelled.", when)
		}
	case TopicRescheduled:
		subject = "Appointment rescheduled"
		body = fmt.Sprintf("Your appointment originally on %s was rescheduled. A separate confirmation covers the new time.", when)
	default:
		return "", "", false
	}
	return subject, body, true
}

// SMSBody compresses the rendered message for the SMS channel.
func SMSBody(eventType string, evt AppointmentEvent) (string, bool) {
	when := evt.StartTime.UTC().Format("02 Jan 15:04")
	switch eventType {
	case TopicBooked:
		return fmt.Sprintf("Appointment request for %s received, awaiting payment.", when), true
	case TopicConfirmed:
		if evt.JoinURL != "" {
			return fmt.Sprintf("Appointment %s confirmed. Join: %s", when, evt.JoinURL), true
		}
		return fmt.Sprintf("Appointment %s confirmed.", when), true
	case TopicCancelled:
		return fmt.Sprintf("Appointment %s cancelled.", when), true
	case TopicRescheduled:
		return fmt.Sprintf("Appointment %s rescheduled; new confirmation to follow.", when), true
	}
	return "", false
}
