package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

type fakeStore struct {
	stuck      []model.Appointment
	listedWith time.Time
	requeued   []int64
	requeueErr map[int64]error
	lockDenied bool
}

func (f *fakeStore) TryAdvisoryLock(_ context.Context, _ int64) (bool, error) {
	return !f.lockDenied, nil
}
func (f *fakeStore) AdvisoryUnlock(_ context.Context, _ int64) {}

func (f *fakeStore) ListStuckRemote(_ context.Context, paidBefore time.Time, limit int) ([]model.Appointment, error) {
	f.listedWith = paidBefore
	if len(f.stuck) > limit {
		return f.stuck[:limit], nil
	}
	return f.stuck, nil
}

func (f *fakeStore) Requeue(_ context.Context, id int64) error {
	if err := f.requeueErr[id]; err != nil {
		return err
	}
	f.requeued = append(f.requeued, id)
	return nil
}

var sweepTime = time.Date(2026, 9, 4, 17, 0, 0, 0, time.UTC)

func TestSweepOnce_RequeuesStuckAppointments(t *testing.T) {
	store := &fakeStore{stuck: []model.Appointment{{ID: 7}, {ID: 9}}}
	r := NewVideoReconciler(store, slog.Default(), VideoReconcilerConfig{Grace: 10 * time.Minute})
	r.now = func() time.Time { return sweepTime }

	r.SweepOnce(context.Background())

	if want := sweepTime.Add(-10 * time.Minute); !store.listedWith.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.listedWith)
	}
	if len(store.requeued) != 2 || store.requeued[0] != 7 || store.requeued[1] != 9 {
		t.Fatalf("expected appointments 7 and 9 requeued, got %v", store.requeued)
	}
}

func TestRun_ReturnsOnCancelWhileWaitingForLock(t *testing.T) {
	store := &fakeStore{lockDenied: true}
	r := NewVideoReconciler(store, slog.Default(), VideoReconcilerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Minute)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSweepOnce_RequeueFailureDoesNotStopTheBatch(t *testing.T) {
	store := &fakeStore{
		stuck:      []model.Appointment{{ID: 7}, {ID: 9}},
		requeueErr: map[int64]error{7: errors.New("deadlock detected")},
	}
	r := NewVideoReconciler(store, slog.Default(), VideoReconcilerConfig{})
	r.now = func() time.Time { return sweepTime }

	r.SweepOnce(context.Background())

	if len(store.requeued) != 1 || store.requeued[0] != 9 {
		t.Fatalf("expected appointment 9 still requeued, got %v", store.requeued)
	}
}
