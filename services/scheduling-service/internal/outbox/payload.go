package outbox

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// AppointmentPayload is the event body shared by all appointment topics.
// Consumers treat absent optional fields as "not applicable".
type AppointmentPayload struct {
	AppointmentID int64     `json:"appointment_id"`
	PatientID     int64     `json:"patient_id"`
	ClinicianID   int64     `json:"clinician_id"`
	CentreID      int64     `json:"centre_id"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Source        string    `json:"source"`
	PatientEmail  string    `json:"patient_email,omitempty"`
	PatientPhone  string    `json:"patient_phone,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	JoinURL       string    `json:"join_url,omitempty"`
	RescheduledTo int64     `json:"rescheduled_to,omitempty"`
}

func payloadFor(a model.Appointment) AppointmentPayload {
	return AppointmentPayload{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		ClinicianID:   a.ClinicianID,
		CentreID:      a.CentreID,
		Mode:          string(a.Mode),
		Status:        string(a.Status),
		StartTime:     a.Start,
		EndTime:       a.End,
		Source:        string(a.Source),
		PatientEmail:  a.PatientEmail,
		PatientPhone:  a.PatientPhone,
	}
}

// AppointmentEvent builds the outbox event for topic from the appointment
// snapshot the caller is about to commit. mutate, when non-nil, adjusts the
// payload before marshalling.
func AppointmentEvent(topic string, a model.Appointment, mutate func(*AppointmentPayload)) Event {
	p := payloadFor(a)
	if mutate != nil {
		mutate(&p)
	}
	body, _ := json.Marshal(p)
	return Event{
		AggregateType: "appointment",
		AggregateID:   strconv.FormatInt(a.ID, 10),
		EventType:     topic,
		Payload:       body,
	}
}
