package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/availability"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/booking"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
)

type stubLedger struct {
	rows      map[int64]model.Appointment
	createErr error
}

func (s *stubLedger) Get(_ context.Context, id int64) (model.Appointment, error) {
	a, ok := s.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (s *stubLedger) Create(_ context.Context, appt model.Appointment, _ func(model.Appointment) []outbox.Event, _ string) (model.Appointment, bool, error) {
	if s.createErr != nil {
		return model.Appointment{}, false, s.createErr
	}
	appt.ID = 1
	appt.CreatedAt = time.Now()
	s.rows[appt.ID] = appt
	return appt, false, nil
}

func (s *stubLedger) Transition(_ context.Context, id int64, fn storage.TransitionFunc) (model.Appointment, error) {
	a, ok := s.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	outcome, err := fn(a)
	if err != nil {
		return model.Appointment{}, err
	}
	s.rows[id] = outcome.Appointment
	return outcome.Appointment, nil
}

func (s *stubLedger) Reschedule(_ context.Context, _ int64, _ storage.TransitionFunc, _ model.Appointment, _ func(old, created model.Appointment) []outbox.Event) (model.Appointment, error) {
	return model.Appointment{}, model.ErrNotFound
}

func (s *stubLedger) ListOccupying(_ context.Context, _, _ int64, _, _ time.Time) ([]model.Appointment, error) {
	return nil, nil
}

func (s *stubLedger) ListByPatient(_ context.Context, patientID int64, _ int) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range s.rows {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubLedger) ListForClinicianDay(_ context.Context, _ int64, _, _ time.Time) ([]model.Appointment, error) {
	return nil, nil
}

func (s *stubLedger) ClinicianActive(_ context.Context, _ int64) (bool, error) { return true, nil }
func (s *stubLedger) CentreActive(_ context.Context, _ int64) (bool, error)   { return true, nil }

type stubRules struct {
	rule availability.Rule
}

func (s *stubRules) ListActive(_ context.Context, _, _ int64, weekday time.Weekday) ([]availability.Rule, error) {
	if s.rule.Weekday != weekday {
		return nil, nil
	}
	return []availability.Rule{s.rule}, nil
}

type stubSessions struct {
	session model.VideoSession
	err     error
}

func (s *stubSessions) GetSession(_ context.Context, _ int64) (model.VideoSession, error) {
	return s.session, s.err
}

// futureStart returns a start two days out, aligned to a 09:00-13:00 window
// with 45-minute slots, plus a matching rule.
func futureStart() (time.Time, availability.Rule) {
	day := time.Now().UTC().AddDate(0, 0, 2)
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	start := midnight.Add(10*time.Hour + 30*time.Minute)
	rule := availability.Rule{
		ID: 1, ClinicianID: 10, CentreID: 20, Weekday: start.Weekday(),
		StartMinute: 9 * 60, EndMinute: 13 * 60, SlotMinutes: 45,
		Mode: model.ModeOnSite, Active: true,
	}
	return start, rule
}

func testHandler(ledger *stubLedger, rule availability.Rule, sessions SessionReader) *BookingHandler {
	svc := booking.NewService(ledger, &stubRules{rule: rule}, booking.Policy{}, slog.Default())
	return NewBookingHandler(svc, sessions, slog.Default())
}

func createBody(start time.Time) string {
	return `{"patient_id":1,"clinician_id":10,"centre_id":20,"mode":"on_site","start_time":"` +
		start.Format(time.RFC3339) + `","patient_email":"pat@example.com"}`
}

func TestCreate_Returns201WithAppointment(t *testing.T) {
	start, rule := futureStart()
	ledger := &stubLedger{rows: map[int64]model.Appointment{}}
	h := testHandler(ledger, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(createBody(start)))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AppointmentID != 1 || resp.Status != "pending" || resp.DurationMinutes != 45 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreate_SlotConflictMapsTo409(t *testing.T) {
	start, rule := futureStart()
	ledger := &stubLedger{rows: map[int64]model.Appointment{}, createErr: model.ErrSlotUnavailable}
	h := testHandler(ledger, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(createBody(start)))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "slot_unavailable" {
		t.Fatalf("expected slot_unavailable, got %q", resp["error"])
	}
}

func TestCreate_BadRequests(t *testing.T) {
	start, rule := futureStart()
	h := testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	rec = httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: expected 405, got %d", rec.Code)
	}

	body := strings.Replace(createBody(start), `"on_site"`, `"house_call"`, 1)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", rec.Code)
	}
}

func TestGet_UnknownAppointmentIs404(t *testing.T) {
	_, rule := futureStart()
	h := testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/get?id=42", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestApproveCancellation_InvalidTransitionMapsTo409(t *testing.T) {
	start, rule := futureStart()
	ledger := &stubLedger{rows: map[int64]model.Appointment{
		5: {ID: 5, PatientID: 1, Status: model.StatusCompleted, Start: start, End: start.Add(45 * time.Minute)},
	}}
	h := testHandler(ledger, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel-approve",
		strings.NewReader(`{"appointment_id":5,"staff_id":9}`))
	rec := httptest.NewRecorder()
	h.ApproveCancellation(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSlots_ValidatesQuery(t *testing.T) {
	_, rule := futureStart()
	h := testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, &stubSessions{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots?clinician_id=10&centre_id=20&date=07-09-2026", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/slots?clinician_id=abc&centre_id=20&date=2026-09-07", nil)
	rec = httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad clinician: expected 400, got %d", rec.Code)
	}
}

func TestSlots_ReturnsGrid(t *testing.T) {
	start, rule := futureStart()
	h := testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, &stubSessions{})

	day := start.Format("2006-01-02")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots?clinician_id=10&centre_id=20&date="+day, nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Slots []slotItem `json:"slots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Slots) != 5 {
		t.Fatalf("expected 5 slots in a 09:00-13:00 window of 45m, got %d", len(resp.Slots))
	}
}

func TestVideoSession_ReturnsJoinDetails(t *testing.T) {
	start, rule := futureStart()
	sessions := &stubSessions{session: model.VideoSession{
		AppointmentID: 7,
		MeetingRef:    "meet-123",
		JoinURL:       "https://video.example/j/meet-123",
		Status:        "scheduled",
		Start:         start,
		End:           start.Add(45 * time.Minute),
	}}
	h := testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, sessions)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/video-session?appointment_id=7", nil)
	rec := httptest.NewRecorder()
	h.VideoSession(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["join_url"] != "https://video.example/j/meet-123" {
		t.Fatalf("unexpected join_url: %v", resp["join_url"])
	}

	h = testHandler(&stubLedger{rows: map[int64]model.Appointment{}}, rule, &stubSessions{err: model.ErrNotFound})
	rec = httptest.NewRecorder()
	h.VideoSession(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments/video-session?appointment_id=7", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
