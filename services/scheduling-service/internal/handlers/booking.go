package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/availability"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/booking"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// SessionReader looks up the provisioned video session for an appointment.
type SessionReader interface {
	GetSession(ctx context.Context, appointmentID int64) (model.VideoSession, error)
}

type BookingHandler struct {
	svc      *booking.Service
	sessions SessionReader
	logger   *slog.Logger
}

func NewBookingHandler(svc *booking.Service, sessions SessionReader, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, sessions: sessions, logger: logger}
}

type appointmentResponse struct {
	AppointmentID   int64  `json:"appointment_id"`
	PatientID       int64  `json:"patient_id"`
	ClinicianID     int64  `json:"clinician_id"`
	CentreID        int64  `json:"centre_id"`
	Mode            string `json:"mode"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	Source          string `json:"source"`
	Notes           string `json:"notes,omitempty"`
	CancelReason    string `json:"cancellation_reason,omitempty"`
	CancelRequested string `json:"cancellation_requested_at,omitempty"`
	CancelApproved  string `json:"cancellation_approved_at,omitempty"`
	PaidAt          string `json:"paid_at,omitempty"`
	VideoMeetingRef string `json:"video_meeting_ref,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID:   a.ID,
		PatientID:       a.PatientID,
		ClinicianID:     a.ClinicianID,
		CentreID:        a.CentreID,
		Mode:            string(a.Mode),
		StartTime:       a.Start.UTC().Format(time.RFC3339),
		EndTime:         a.End.UTC().Format(time.RFC3339),
		DurationMinutes: a.DurationMin,
		Status:          string(a.Status),
		Source:          string(a.Source),
		Notes:           a.Notes,
		CancelReason:    a.CancelReason,
		VideoMeetingRef: a.VideoMeetingRef,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.CancelRequestedAt != nil {
		resp.CancelRequested = a.CancelRequestedAt.UTC().Format(time.RFC3339)
	}
	if a.CancelApprovedAt != nil {
		resp.CancelApproved = a.CancelApprovedAt.UTC().Format(time.RFC3339)
	}
	if a.PaidAt != nil {
		resp.PaidAt = a.PaidAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Mode      string `json:"mode"`
	Available bool   `json:"available"`
}

// Slots serves GET /api/v1/slots?clinician_id=&centre_id=&date=YYYY-MM-DD&mode=.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	clinicianID, err := parseID(q.Get("clinician_id"))
	if err != nil {
		http.Error(w, "invalid clinician_id", http.StatusBadRequest)
		return
	}
	centreID, err := parseID(q.Get("centre_id"))
	if err != nil {
		http.Error(w, "invalid centre_id", http.StatusBadRequest)
		return
	}
	day, err := time.ParseInLocation("2006-01-02", q.Get("date"), availability.ReferenceLocation)
	if err != nil {
		http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	slots, err := h.svc.ListSlots(r.Context(), clinicianID, centreID, day, strings.TrimSpace(q.Get("mode")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
			Mode:      string(s.Mode),
			Available: s.Available,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": items})
}

type createAppointmentRequest struct {
	PatientID       int64  `json:"patient_id"`
	ClinicianID     int64  `json:"clinician_id"`
	CentreID        int64  `json:"centre_id"`
	Mode            string `json:"mode"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Source          string `json:"source"`
	Notes           string `json:"notes"`
	PatientEmail    string `json:"patient_email"`
	PatientPhone    string `json:"patient_phone"`
}

// Create serves POST /api/v1/appointments. An Idempotency-Key header makes
// retried requests replay the original booking instead of double-booking.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time, want RFC3339", http.StatusBadRequest)
		return
	}
	source := model.SourceSelfService
	if strings.TrimSpace(req.Source) == string(model.SourceStaff) {
		source = model.SourceStaff
	}

	created, err := h.svc.Create(r.Context(), booking.CreateRequest{
		PatientID:      req.PatientID,
		ClinicianID:    req.ClinicianID,
		CentreID:       req.CentreID,
		Mode:           model.Mode(strings.TrimSpace(req.Mode)),
		Start:          start,
		DurationMin:    req.DurationMinutes,
		Source:         source,
		Notes:          req.Notes,
		PatientEmail:   strings.TrimSpace(req.PatientEmail),
		PatientPhone:   strings.TrimSpace(req.PatientPhone),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(created))
}

// Get serves GET /api/v1/appointments/get?id=.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// List serves GET /api/v1/appointments?patient_id= or ?clinician_id=&date=.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	var (
		appts []model.Appointment
		err   error
	)
	switch {
	case q.Get("patient_id") != "":
		var patientID int64
		patientID, err = parseID(q.Get("patient_id"))
		if err != nil {
			http.Error(w, "invalid patient_id", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		appts, err = h.svc.ListByPatient(r.Context(), patientID, limit)
	case q.Get("clinician_id") != "":
		var clinicianID int64
		clinicianID, err = parseID(q.Get("clinician_id"))
		if err != nil {
			http.Error(w, "invalid clinician_id", http.StatusBadRequest)
			return
		}
		var day time.Time
		day, err = time.ParseInLocation("2006-01-02", q.Get("date"), availability.ReferenceLocation)
		if err != nil {
			http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		appts, err = h.svc.ListClinicianDay(r.Context(), clinicianID, day)
	default:
		http.Error(w, "patient_id or clinician_id required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		items = append(items, toAppointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

type cancelRequestBody struct {
	AppointmentID int64  `json:"appointment_id"`
	ActorID       int64  `json:"actor_id"`
	Reason        string `json:"reason"`
}

// RequestCancellation serves POST /api/v1/appointments/cancel-request.
func (h *BookingHandler) RequestCancellation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	appt, err := h.svc.RequestCancellation(r.Context(), req.AppointmentID, req.ActorID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type staffActionBody struct {
	AppointmentID int64  `json:"appointment_id"`
	StaffID       int64  `json:"staff_id"`
	Reason        string `json:"reason"`
}

// ApproveCancellation serves POST /api/v1/appointments/cancel-approve.
func (h *BookingHandler) ApproveCancellation(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, func(ctx context.Context, req staffActionBody) (model.Appointment, error) {
		return h.svc.ApproveCancellation(ctx, req.AppointmentID, req.StaffID)
	})
}

// RejectCancellation serves POST /api/v1/appointments/cancel-reject.
func (h *BookingHandler) RejectCancellation(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, func(ctx context.Context, req staffActionBody) (model.Appointment, error) {
		return h.svc.RejectCancellation(ctx, req.AppointmentID, req.StaffID)
	})
}

// StaffCancel serves POST /api/v1/appointments/cancel.
func (h *BookingHandler) StaffCancel(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, func(ctx context.Context, req staffActionBody) (model.Appointment, error) {
		return h.svc.StaffCancel(ctx, req.AppointmentID, req.StaffID, req.Reason)
	})
}

// Complete serves POST /api/v1/appointments/complete.
func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, func(ctx context.Context, req staffActionBody) (model.Appointment, error) {
		return h.svc.Complete(ctx, req.AppointmentID)
	})
}

// MarkNoShow serves POST /api/v1/appointments/no-show.
func (h *BookingHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, func(ctx context.Context, req staffActionBody) (model.Appointment, error) {
		return h.svc.MarkNoShow(ctx, req.AppointmentID)
	})
}

func (h *BookingHandler) staffAction(w http.ResponseWriter, r *http.Request, apply func(context.Context, staffActionBody) (model.Appointment, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req staffActionBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	appt, err := apply(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type rescheduleRequest struct {
	AppointmentID   int64  `json:"appointment_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Reschedule serves POST /api/v1/appointments/reschedule.
func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time, want RFC3339", http.StatusBadRequest)
		return
	}
	created, err := h.svc.Reschedule(r.Context(), req.AppointmentID, start, req.DurationMinutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(created))
}

// VideoSession serves GET /api/v1/appointments/video-session?appointment_id=.
func (h *BookingHandler) VideoSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := parseID(r.URL.Query().Get("appointment_id"))
	if err != nil {
		http.Error(w, "invalid appointment_id", http.StatusBadRequest)
		return
	}
	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appointment_id": session.AppointmentID,
		"meeting_ref":    session.MeetingRef,
		"join_url":       session.JoinURL,
		"status":         session.Status,
		"start_time":     session.Start.UTC().Format(time.RFC3339),
		"end_time":       session.End.UTC().Format(time.RFC3339),
	})
}

func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, model.ErrSlotUnavailable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "slot_unavailable"})
	case errors.Is(err, model.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case model.IsDependencyFailure(err):
		h.logger.ErrorContext(r.Context(), "dependency failure", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dependency unavailable"})
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
