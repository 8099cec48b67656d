package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/confirm"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
)

// PaymentApplier applies a terminal payment outcome to an appointment.
type PaymentApplier interface {
	OnPaymentResult(ctx context.Context, appointmentID int64, outcome confirm.Outcome) (model.Appointment, error)
}

// PaymentEventLog deduplicates provider event ids across deliveries.
type PaymentEventLog interface {
	Seen(ctx context.Context, providerEventID string) (bool, error)
	Record(ctx context.Context, providerEventID, eventType string, appointmentID int64) error
}

// PaymentWebhookHandler receives the payment provider's result signals and
// feeds them to the confirmation orchestrator. Signature verification is the
// auth; delivery is at-least-once, so provider event ids are deduplicated and
// the orchestrator itself tolerates replays.
type PaymentWebhookHandler struct {
	orchestrator  PaymentApplier
	events        PaymentEventLog
	logger        *slog.Logger
	webhookSecret string
	tolerance     time.Duration
}

func NewPaymentWebhookHandler(orchestrator PaymentApplier, events PaymentEventLog, logger *slog.Logger, webhookSecret string, tolerance time.Duration) *PaymentWebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &PaymentWebhookHandler{
		orchestrator:  orchestrator,
		events:        events,
		logger:        logger,
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     tolerance,
	}
}

// Handle serves POST /webhooks/payment.
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.webhookSecret == "" {
		http.Error(w, "payment webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.webhookSecret, h.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	evtType := string(evt.Type)

	var outcome confirm.Outcome
	switch evtType {
	case "payment_intent.succeeded":
		outcome = confirm.OutcomeSucceeded
	case "payment_intent.payment_failed":
		outcome = confirm.OutcomeFailed
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ctx := r.Context()
	seen, err := h.events.Seen(ctx, evt.ID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if seen {
		h.logger.InfoContext(ctx, "payment event duplicate ignored",
			"provider_event_id", evt.ID, "event_type", evtType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		h.logger.Error("payment webhook: invalid payment intent payload", "err", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	appointmentID, err := strconv.ParseInt(strings.TrimSpace(intent.Metadata["appointment_id"]), 10, 64)
	if err != nil || appointmentID <= 0 {
		h.logger.Warn("payment webhook: missing appointment_id metadata",
			"provider_event_id", evt.ID, "event_type", evtType)
		// Not ours to retry; acknowledge so the provider stops redelivering.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	appt, err := h.orchestrator.OnPaymentResult(ctx, appointmentID, outcome)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.logger.Warn("payment webhook: unknown appointment",
				"appointment_id", appointmentID, "provider_event_id", evt.ID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		// 5xx so the provider redelivers; the orchestrator is replay-safe.
		h.logger.ErrorContext(ctx, "payment webhook: applying result failed",
			"err", err, "appointment_id", appointmentID)
		http.Error(w, "failed to apply payment result", http.StatusInternalServerError)
		return
	}

	// Record only after the signal applied, so a crash in between is
	// repaired by redelivery rather than lost.
	if err := h.events.Record(ctx, evt.ID, evtType, appointmentID); err != nil && !errors.Is(err, storage.ErrDuplicateProviderEvent) {
		h.logger.ErrorContext(ctx, "payment webhook: recording provider event failed",
			"err", err, "provider_event_id", evt.ID)
	}

	h.logger.InfoContext(ctx, "payment result applied",
		"appointment_id", appt.ID, "status", appt.Status,
		"provider_event_id", evt.ID, "event_type", evtType)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
