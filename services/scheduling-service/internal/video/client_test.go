package video

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

func remoteAppointment() model.Appointment {
	start := time.Date(2026, 9, 7, 10, 30, 0, 0, time.UTC)
	return model.Appointment{
		ID:          7,
		ClinicianID: 10,
		Mode:        model.ModeRemote,
		Start:       start,
		End:         start.Add(45 * time.Minute),
	}
}

func TestWebhookProvisioner_Success(t *testing.T) {
	var got provisionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekret" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(provisionResponse{
			MeetingID: "meet-123",
			JoinURL:   "https://video.example/j/meet-123",
			HostURL:   "https://video.example/h/meet-123",
		})
	}))
	defer srv.Close()

	p := NewWebhookProvisioner(srv.URL, "sekret")
	session, err := p.ProvisionOrUpdate(context.Background(), remoteAppointment())
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if session.MeetingRef != "meet-123" || session.JoinURL != "https://video.example/j/meet-123" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if got.AppointmentRef != "appt-7" || got.ClinicianID != 10 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestWebhookProvisioner_BridgeErrorIsDependencyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhookProvisioner(srv.URL, "")
	if _, err := p.ProvisionOrUpdate(context.Background(), remoteAppointment()); !model.IsDependencyFailure(err) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
}

func TestWebhookProvisioner_MissingJoinURLRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(provisionResponse{MeetingID: "meet-123"})
	}))
	defer srv.Close()

	p := NewWebhookProvisioner(srv.URL, "")
	if _, err := p.ProvisionOrUpdate(context.Background(), remoteAppointment()); !model.IsDependencyFailure(err) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
}

func TestWebhookProvisioner_UnconfiguredURL(t *testing.T) {
	p := NewWebhookProvisioner("", "")
	if _, err := p.ProvisionOrUpdate(context.Background(), remoteAppointment()); !model.IsDependencyFailure(err) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
}

func TestNoopProvisioner_ReturnsUsableSession(t *testing.T) {
	p := NewNoopProvisioner()
	session, err := p.ProvisionOrUpdate(context.Background(), remoteAppointment())
	if err != nil {
		t.Fatalf("noop provision failed: %v", err)
	}
	if session.MeetingRef == "" || session.JoinURL == "" {
		t.Fatalf("expected populated session, got %+v", session)
	}
}
