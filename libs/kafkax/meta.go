package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta identifies one event across services. Producers stamp both fields
// as message headers; consumers key their dedupe tables on EventID.
type EventMeta struct {
	EventID   string
	EventType string
}

// ExtractEventMeta reads the event headers off a message, falling back to the
// message key and topic for producers that predate the headers.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, "event_id"),
		EventType: HeaderValue(msg.Headers, "event_type"),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// HeaderValue returns the first header with the given key, or "".
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma-separated broker list from config.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, entry := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(entry); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
