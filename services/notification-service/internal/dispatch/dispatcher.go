package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arefin-labs/carebook/services/notification-service/internal/email"
	"github.com/arefin-labs/carebook/services/notification-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/notification-service/internal/sms"
	"github.com/arefin-labs/carebook/services/notification-service/internal/storage"
	"github.com/arefin-labs/carebook/services/notification-service/internal/templates"
)

// AuditLog records dispatch attempts.
type AuditLog interface {
	Insert(ctx context.Context, n storage.Notification) error
}

// StatusEmitter writes delivery-status events to the outbox.
type StatusEmitter interface {
	Emit(ctx context.Context, evt outbox.Event) error
}

// Dispatcher turns one appointment event into patient messages. Send failures
// are recorded and reported through the outbox; they are never returned as
// handler errors, since retrying the whole event would re-send the channels
// that already succeeded.
type Dispatcher struct {
	email  email.Sender
	sms    sms.Sender
	audit  AuditLog
	events StatusEmitter
	logger *slog.Logger

	emailProviderID string
}

func New(emailSender email.Sender, emailProviderID string, smsSender sms.Sender, audit AuditLog, events StatusEmitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		email:           emailSender,
		sms:             smsSender,
		audit:           audit,
		events:          events,
		logger:          logger,
		emailProviderID: emailProviderID,
	}
}

// Handle processes one event payload for the given event type.
func (d *Dispatcher) Handle(ctx context.Context, eventType string, raw []byte) error {
	var evt templates.AppointmentEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		d.logger.Error("invalid appointment event payload", "err", err, "event_type", eventType)
		return nil
	}
	if evt.AppointmentID <= 0 {
		d.logger.Error("appointment event missing appointment_id", "event_type", eventType)
		return nil
	}

	subject, body, ok := templates.Render(eventType, evt)
	if !ok {
		d.logger.Info("event type not messaged", "event_type", eventType)
		return nil
	}

	if strings.TrimSpace(evt.PatientEmail) != "" {
		d.sendEmail(ctx, eventType, evt, subject, body)
	}
	if strings.TrimSpace(evt.PatientPhone) != "" {
		if smsBody, ok := templates.SMSBody(eventType, evt); ok {
			d.sendSMS(ctx, eventType, evt, smsBody)
		}
	}
	if strings.TrimSpace(evt.PatientEmail) == "" && strings.TrimSpace(evt.PatientPhone) == "" {
		d.logger.Warn("no contact details on appointment event",
			"appointment_id", evt.AppointmentID, "event_type", eventType)
	}
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, eventType string, evt templates.AppointmentEvent, subject, body string) {
	status, reason, providerID := "sent", "", d.emailProviderID
	if err := d.email.Send(evt.PatientEmail, subject, body); err != nil {
		status, reason, providerID = "failed", err.Error(), ""
		d.logger.Error("email send failed", "err", err, "appointment_id", evt.AppointmentID)
	}
	d.record(ctx, eventType, evt, "email", evt.PatientEmail, subject, body, status, reason, providerID)
}

func (d *Dispatcher) sendSMS(ctx context.Context, eventType string, evt templates.AppointmentEvent, body string) {
	status, reason, providerID := "sent", "", d.sms.ProviderID()
	if err := d.sms.Send(ctx, evt.PatientPhone, body); err != nil {
		status, reason, providerID = "failed", err.Error(), ""
		d.logger.Error("sms send failed", "err", err, "appointment_id", evt.AppointmentID)
	}
	d.record(ctx, eventType, evt, "sms", evt.PatientPhone, "", body, status, reason, providerID)
}

func (d *Dispatcher) record(ctx context.Context, eventType string, evt templates.AppointmentEvent, channel, recipient, subject, body, status, reason, providerID string) {
	if err := d.audit.Insert(ctx, storage.Notification{
		AppointmentID: evt.AppointmentID,
		PatientID:     evt.PatientID,
		Channel:       channel,
		Recipient:     recipient,
		EventType:     eventType,
		Subject:       subject,
		Body:          body,
		Status:        status,
		ErrorReason:   reason,
	}); err != nil {
		d.logger.Error("failed to persist notification", "err", err, "appointment_id", evt.AppointmentID)
	}
	if err := d.emitStatus(ctx, evt, channel, status, reason, providerID); err != nil {
		d.logger.Error("failed to enqueue delivery status", "err", err, "appointment_id", evt.AppointmentID)
	}
}

func (d *Dispatcher) emitStatus(ctx context.Context, evt templates.AppointmentEvent, channel, status, reason, providerID string) error {
	topic := outbox.TopicNotificationSent
	fields := map[string]any{
		"appointment_id": evt.AppointmentID,
		"patient_id":     evt.PatientID,
		"channel":        channel,
	}
	if status == "sent" {
		if providerID == "" {
			providerID = "unknown"
		}
		fields["provider_id"] = providerID
		fields["sent_at"] = time.Now().UTC().Format(time.RFC3339)
	} else {
		topic = outbox.TopicNotificationFailed
		fields["error_reason"] = reason
		fields["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return d.events.Emit(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   strconv.FormatInt(evt.AppointmentID, 10),
		EventType:     topic,
		Payload:       payload,
	})
}
