package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/availability"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
)

// fakeLedger emulates the transactional store, including the database-side
// overlap gate: inserts conflicting with an occupying row fail with
// ErrSlotUnavailable under a single mutex, so concurrent creates serialize
// the way row inserts do against the exclusion constraint.
type fakeLedger struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[int64]model.Appointment
	events     []outbox.Event
	provisions int
	idem       map[int64]map[string]int64
	inactive   map[int64]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:     map[int64]model.Appointment{},
		idem:     map[int64]map[string]int64{},
		inactive: map[int64]bool{},
	}
}

func (f *fakeLedger) Get(_ context.Context, id int64) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (f *fakeLedger) overlapsLocked(a model.Appointment, skipID int64) bool {
	for _, existing := range f.rows {
		if existing.ID == skipID {
			continue
		}
		if existing.ClinicianID != a.ClinicianID || existing.CentreID != a.CentreID {
			continue
		}
		if !existing.Status.Occupying() {
			continue
		}
		if a.Start.Before(existing.End) && existing.Start.Before(a.End) {
			return true
		}
	}
	return false
}

func (f *fakeLedger) insertLocked(a model.Appointment) (model.Appointment, error) {
	if f.overlapsLocked(a, 0) {
		return model.Appointment{}, model.ErrSlotUnavailable
	}
	f.nextID++
	a.ID = f.nextID
	a.CreatedAt = time.Now()
	f.rows[a.ID] = a
	return a, nil
}

func (f *fakeLedger) Create(_ context.Context, appt model.Appointment, buildEvents func(model.Appointment) []outbox.Event, idemKey string) (model.Appointment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idemKey != "" {
		if id, ok := f.idem[appt.PatientID][idemKey]; ok {
			return f.rows[id], true, nil
		}
	}
	inserted, err := f.insertLocked(appt)
	if err != nil {
		return model.Appointment{}, false, err
	}
	if buildEvents != nil {
		f.events = append(f.events, buildEvents(inserted)...)
	}
	if idemKey != "" {
		if f.idem[appt.PatientID] == nil {
			f.idem[appt.PatientID] = map[string]int64{}
		}
		f.idem[appt.PatientID][idemKey] = inserted.ID
	}
	return inserted, false, nil
}

func (f *fakeLedger) Transition(_ context.Context, id int64, fn storage.TransitionFunc) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	outcome, err := fn(current)
	if err != nil {
		return model.Appointment{}, err
	}
	f.rows[id] = outcome.Appointment
	f.events = append(f.events, outcome.Events...)
	if outcome.EnqueueVideoProvision {
		f.provisions++
	}
	return outcome.Appointment, nil
}

func (f *fakeLedger) Reschedule(_ context.Context, oldID int64, fn storage.TransitionFunc, replacement model.Appointment, buildEvents func(old, created model.Appointment) []outbox.Event) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.rows[oldID]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	outcome, err := fn(current)
	if err != nil {
		return model.Appointment{}, err
	}
	f.rows[oldID] = outcome.Appointment
	f.events = append(f.events, outcome.Events...)

	inserted, err := f.insertLocked(replacement)
	if err != nil {
		return model.Appointment{}, err
	}
	if buildEvents != nil {
		f.events = append(f.events, buildEvents(outcome.Appointment, inserted)...)
	}
	return inserted, nil
}

func (f *fakeLedger) ListOccupying(_ context.Context, clinicianID, centreID int64, from, to time.Time) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.rows {
		if a.ClinicianID == clinicianID && a.CentreID == centreID && a.Status.Occupying() &&
			a.Start.Before(to) && from.Before(a.End) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListByPatient(_ context.Context, patientID int64, _ int) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.rows {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListForClinicianDay(_ context.Context, clinicianID int64, dayStart, dayEnd time.Time) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.rows {
		if a.ClinicianID == clinicianID && !a.Start.Before(dayStart) && a.Start.Before(dayEnd) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeLedger) ClinicianActive(_ context.Context, id int64) (bool, error) {
	return !f.inactive[id], nil
}

func (f *fakeLedger) CentreActive(_ context.Context, id int64) (bool, error) {
	return !f.inactive[id], nil
}

func (f *fakeLedger) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeRules struct {
	rules []availability.Rule
}

func (f *fakeRules) ListActive(_ context.Context, clinicianID, centreID int64, weekday time.Weekday) ([]availability.Rule, error) {
	var out []availability.Rule
	for _, r := range f.rules {
		if r.ClinicianID == clinicianID && r.CentreID == centreID && r.Weekday == weekday && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// 2026-09-07 is a Monday.
var monday = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

func mondayAt(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func testService(t *testing.T, policy Policy) (*Service, *fakeLedger) {
	t.Helper()
	ledger := newFakeLedger()
	rules := &fakeRules{rules: []availability.Rule{{
		ID: 1, ClinicianID: 10, CentreID: 20, Weekday: time.Monday,
		StartMinute: 9 * 60, EndMinute: 13 * 60, SlotMinutes: 45,
		Mode: model.ModeOnSite, Active: true,
	}, {
		ID: 2, ClinicianID: 10, CentreID: 20, Weekday: time.Monday,
		StartMinute: 9 * 60, EndMinute: 13 * 60, SlotMinutes: 45,
		Mode: model.ModeRemote, Active: true,
	}}}
	svc := NewService(ledger, rules, policy, slog.Default())
	// Fixed clock: the Sunday before the rule's Monday.
	svc.now = func() time.Time { return monday.Add(-24 * time.Hour) }
	return svc, ledger
}

func validCreate() CreateRequest {
	return CreateRequest{
		PatientID:    1,
		ClinicianID:  10,
		CentreID:     20,
		Mode:         model.ModeOnSite,
		Start:        mondayAt(10, 30),
		Source:       model.SourceSelfService,
		PatientEmail: "pat@example.com",
	}
}

func TestCreate_BooksPendingOnRuleGrid(t *testing.T) {
	svc, ledger := testService(t, Policy{})
	created, err := svc.Create(context.Background(), validCreate())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}
	if created.DurationMin != 45 || !created.End.Equal(mondayAt(11, 15)) {
		t.Fatalf("expected rule slot size applied, got %d min ending %s", created.DurationMin, created.End)
	}
	types := ledger.eventTypes()
	if len(types) != 1 || types[0] != outbox.TopicAppointmentBooked {
		t.Fatalf("expected one booked event, got %v", types)
	}
}

func TestCreate_StaffConfirmImmediatelyPolicy(t *testing.T) {
	svc, _ := testService(t, Policy{StaffConfirmImmediately: true})
	req := validCreate()
	req.Source = model.SourceStaff
	created, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", created.Status)
	}
	if created.PaidAt != nil {
		t.Fatal("staff confirmation must not imply payment")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()

	past := validCreate()
	past.Start = monday.Add(-48 * time.Hour)
	if _, err := svc.Create(ctx, past); !model.IsValidation(err) {
		t.Fatalf("past start: expected validation error, got %v", err)
	}

	offGrid := validCreate()
	offGrid.Start = mondayAt(10, 0)
	if _, err := svc.Create(ctx, offGrid); !model.IsValidation(err) {
		t.Fatalf("off-grid start: expected validation error, got %v", err)
	}

	badMode := validCreate()
	badMode.Mode = "house_call"
	if _, err := svc.Create(ctx, badMode); !model.IsValidation(err) {
		t.Fatalf("bad mode: expected validation error, got %v", err)
	}
}

func TestCreate_UnknownClinicianIsNotFound(t *testing.T) {
	svc, ledger := testService(t, Policy{})
	ledger.inactive[10] = true
	if _, err := svc.Create(context.Background(), validCreate()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_ConflictWithOccupyingAppointment(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()
	if _, err := svc.Create(ctx, validCreate()); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	req := validCreate()
	req.PatientID = 2
	if _, err := svc.Create(ctx, req); !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestCreate_ConcurrentSameSlotExactlyOneWins(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(patient int64) {
			defer wg.Done()
			req := validCreate()
			req.PatientID = patient
			_, err := svc.Create(ctx, req)
			results <- err
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrSlotUnavailable):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}
}

func TestCreate_IdempotencyKeyReplays(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()
	req := validCreate()
	req.IdempotencyKey = "retry-abc"

	first, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replayed appointment %d, got %d", first.ID, second.ID)
	}
}

func TestRequestCancellation_RecordsReasonAndRejectsDuplicate(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()
	created, err := svc.Create(ctx, validCreate())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := svc.RequestCancellation(ctx, created.ID, created.PatientID, "schedule conflict")
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	if updated.Status != model.StatusCancellationRequested {
		t.Fatalf("expected cancellation_requested, got %s", updated.Status)
	}
	if updated.CancelReason != "schedule conflict" || updated.CancelRequestedAt == nil {
		t.Fatal("expected reason and timestamp recorded")
	}
	if updated.CancelRequestedBy != created.PatientID {
		t.Fatalf("expected requesting actor %d recorded, got %d", created.PatientID, updated.CancelRequestedBy)
	}
	if updated.PriorStatus != model.StatusPending {
		t.Fatalf("expected prior status pending, got %s", updated.PriorStatus)
	}

	if _, err := svc.RequestCancellation(ctx, created.ID, created.PatientID, "changed my mind"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("duplicate request: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestCancellation_ReasonTooShort(t *testing.T) {
	svc, _ := testService(t, Policy{})
	if _, err := svc.RequestCancellation(context.Background(), 1, 1, " x "); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequestCancellation_RequiresActor(t *testing.T) {
	svc, _ := testService(t, Policy{})
	if _, err := svc.RequestCancellation(context.Background(), 1, 0, "schedule conflict"); !model.IsValidation(err) {
		t.Fatalf("expected validation error for missing actor, got %v", err)
	}
}

func TestRequestCancellation_WindowGuard(t *testing.T) {
	// Appointment starts 34.5h after the fixed clock; a 48h window blocks.
	svc, _ := testService(t, Policy{CancelWindow: 48 * time.Hour})
	ctx := context.Background()
	created, err := svc.Create(ctx, validCreate())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.RequestCancellation(ctx, created.ID, created.PatientID, "schedule conflict"); !model.IsValidation(err) {
		t.Fatalf("expected window guard validation error, got %v", err)
	}

	// Explicit zero disables the guard.
	open, _ := testService(t, Policy{CancelWindow: 0})
	created2, err := open.Create(ctx, validCreate())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := open.RequestCancellation(ctx, created2.ID, created2.PatientID, "schedule conflict"); err != nil {
		t.Fatalf("disabled guard should allow request: %v", err)
	}
}

func TestApproveCancellation_EmitsRefundOnlyWhenPaid(t *testing.T) {
	svc, ledger := testService(t, Policy{})
	ctx := context.Background()
	created, _ := svc.Create(ctx, validCreate())
	if _, err := svc.RequestCancellation(ctx, created.ID, created.PatientID, "schedule conflict"); err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}

	updated, err := svc.ApproveCancellation(ctx, created.ID, 99)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if updated.Status != model.StatusCancelled || updated.CancelApprovedBy != 99 || updated.CancelApprovedAt == nil {
		t.Fatalf("approval not recorded: %+v", updated)
	}
	for _, et := range ledger.eventTypes() {
		if et == outbox.TopicRefundRequested {
			t.Fatal("unpaid booking must not request a refund")
		}
	}

	// Paid booking: refund event goes out with the cancellation.
	created2, _ := svc.Create(ctx, func() CreateRequest {
		r := validCreate()
		r.PatientID = 2
		r.Start = mondayAt(9, 0)
		return r
	}())
	paidAt := monday.Add(-time.Hour)
	_, err = ledger.Transition(ctx, created2.ID, func(a model.Appointment) (storage.TransitionOutcome, error) {
		a.Status = model.StatusConfirmed
		a.PaidAt = &paidAt
		return storage.TransitionOutcome{Appointment: a}, nil
	})
	if err != nil {
		t.Fatalf("seed paid appointment: %v", err)
	}
	if _, err := svc.RequestCancellation(ctx, created2.ID, created2.PatientID, "schedule conflict"); err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	if _, err := svc.ApproveCancellation(ctx, created2.ID, 99); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	sawRefund := false
	for _, et := range ledger.eventTypes() {
		if et == outbox.TopicRefundRequested {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Fatal("paid booking cancellation must request a refund")
	}
}

func TestRejectCancellation_RestoresPriorStatus(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()
	created, _ := svc.Create(ctx, validCreate())
	if _, err := svc.RequestCancellation(ctx, created.ID, created.PatientID, "schedule conflict"); err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	restored, err := svc.RejectCancellation(ctx, created.ID, 99)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if restored.Status != model.StatusPending {
		t.Fatalf("expected pending restored, got %s", restored.Status)
	}
}

func TestCompleteAndNoShow_RequireScheduledEndPassed(t *testing.T) {
	svc, ledger := testService(t, Policy{})
	ctx := context.Background()
	created, _ := svc.Create(ctx, validCreate())
	_, err := ledger.Transition(ctx, created.ID, func(a model.Appointment) (storage.TransitionOutcome, error) {
		a.Status = model.StatusConfirmed
		return storage.TransitionOutcome{Appointment: a}, nil
	})
	if err != nil {
		t.Fatalf("seed confirmed: %v", err)
	}

	if _, err := svc.Complete(ctx, created.ID); !model.IsValidation(err) {
		t.Fatalf("complete before end: expected validation error, got %v", err)
	}

	svc.now = func() time.Time { return mondayAt(12, 0) }
	done, err := svc.Complete(ctx, created.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	if _, err := svc.MarkNoShow(ctx, created.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("no-show after completed: expected ErrInvalidTransition, got %v", err)
	}
}

func TestReschedule_ReplacesAndMarksOldTerminal(t *testing.T) {
	svc, ledger := testService(t, Policy{})
	ctx := context.Background()
	created, _ := svc.Create(ctx, validCreate())

	replacement, err := svc.Reschedule(ctx, created.ID, mondayAt(11, 15), 0)
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if replacement.ID == created.ID {
		t.Fatal("expected a new appointment row")
	}
	if !replacement.Start.Equal(mondayAt(11, 15)) || replacement.Status != model.StatusPending {
		t.Fatalf("unexpected replacement: %+v", replacement)
	}

	old, _ := ledger.Get(ctx, created.ID)
	if old.Status != model.StatusRescheduled {
		t.Fatalf("expected old row rescheduled, got %s", old.Status)
	}

	types := ledger.eventTypes()
	var sawRescheduled, sawBooked int
	for _, et := range types {
		switch et {
		case outbox.TopicAppointmentRescheduled:
			sawRescheduled++
		case outbox.TopicAppointmentBooked:
			sawBooked++
		}
	}
	if sawRescheduled != 1 || sawBooked != 2 {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestListSlots_MarksBookedSlotUnavailable(t *testing.T) {
	svc, _ := testService(t, Policy{})
	ctx := context.Background()
	if _, err := svc.Create(ctx, validCreate()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	slots, err := svc.ListSlots(ctx, 10, 20, monday, string(model.ModeOnSite))
	if err != nil {
		t.Fatalf("list slots failed: %v", err)
	}
	if len(slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(slots))
	}
	for _, s := range slots {
		booked := s.Start.Equal(mondayAt(10, 30))
		if booked == s.Available {
			t.Fatalf("slot %s: available=%v", s.Start.Format("15:04"), s.Available)
		}
	}
}

func TestListSlots_NoRulesMeansEmptyNotError(t *testing.T) {
	svc, _ := testService(t, Policy{})
	slots, err := svc.ListSlots(context.Background(), 10, 20, monday.AddDate(0, 0, 1), "")
	if err != nil {
		t.Fatalf("expected empty result, got error %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots on a day without rules, got %d", len(slots))
	}
}
