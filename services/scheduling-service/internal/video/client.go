package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// Session is the collaborator's view of a provisioned meeting.
type Session struct {
	MeetingRef string
	JoinURL    string
	HostURL    string
}

// Provisioner creates or updates the conferencing session for an
// appointment. Implementations must be upsert-safe on the appointment ref:
// a retried call updates the existing meeting rather than creating a second.
type Provisioner interface {
	ProvisionOrUpdate(ctx context.Context, appt model.Appointment) (Session, error)
	ProviderID() string
}

// WebhookProvisioner talks to an HTTP conferencing bridge. Calls are
// time-bounded; callers never hold ledger locks across them.
type WebhookProvisioner struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookProvisioner(url string, token string) *WebhookProvisioner {
	return &WebhookProvisioner{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *WebhookProvisioner) ProviderID() string {
	return "video-webhook"
}

type provisionRequest struct {
	AppointmentRef string    `json:"appointment_ref"`
	ClinicianID    int64     `json:"clinician_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Topic          string    `json:"topic"`
}

type provisionResponse struct {
	MeetingID string `json:"meeting_id"`
	JoinURL   string `json:"join_url"`
	HostURL   string `json:"host_url"`
}

func (p *WebhookProvisioner) ProvisionOrUpdate(ctx context.Context, appt model.Appointment) (Session, error) {
	if p.url == "" {
		return Session{}, model.DependencyFailure("video", errors.New("video webhook url not configured"))
	}
	raw, err := json.Marshal(provisionRequest{
		AppointmentRef: fmt.Sprintf("appt-%d", appt.ID),
		ClinicianID:    appt.ClinicianID,
		StartTime:      appt.Start,
		EndTime:        appt.End,
		Topic:          "Remote consultation",
	})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Session{}, model.DependencyFailure("video", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Session{}, model.DependencyFailure("video", fmt.Errorf("bridge returned %d", resp.StatusCode))
	}
	var body provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Session{}, model.DependencyFailure("video", err)
	}
	if body.MeetingID == "" || body.JoinURL == "" {
		return Session{}, model.DependencyFailure("video", errors.New("bridge response missing meeting id or join url"))
	}
	return Session{MeetingRef: body.MeetingID, JoinURL: body.JoinURL, HostURL: body.HostURL}, nil
}

// NoopProvisioner fabricates deterministic-looking sessions for local
// development without a conferencing bridge.
type NoopProvisioner struct{}

func NewNoopProvisioner() *NoopProvisioner {
	return &NoopProvisioner{}
}

func (p *NoopProvisioner) ProviderID() string {
	return "video-noop"
}

func (p *NoopProvisioner) ProvisionOrUpdate(_ context.Context, appt model.Appointment) (Session, error) {
	ref := uuid.NewString()
	return Session{
		MeetingRef: ref,
		JoinURL:    fmt.Sprintf("https://meet.invalid/j/%s?appt=%d", ref, appt.ID),
		HostURL:    fmt.Sprintf("https://meet.invalid/h/%s", ref),
	}, nil
}
