package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Topics emitted by the scheduling service.
const (
	TopicAppointmentBooked      = "scheduling.appointment.booked.v1"
	TopicAppointmentConfirmed   = "scheduling.appointment.confirmed.v1"
	TopicAppointmentCancelled   = "scheduling.appointment.cancelled.v1"
	TopicAppointmentRescheduled = "scheduling.appointment.rescheduled.v1"
	TopicRefundRequested        = "scheduling.refund.requested.v1"
	TopicVideoProvisionFailed   = "scheduling.video.provision_failed.v1"
)
