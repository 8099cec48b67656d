package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// Store is the reconciliation surface of the provision store.
type Store interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64)
	ListStuckRemote(ctx context.Context, paidBefore time.Time, limit int) ([]model.Appointment, error)
	Requeue(ctx context.Context, appointmentID int64) error
}

// VideoReconciler sweeps for confirmed remote appointments whose payment
// landed past the grace period without a video session, and puts their
// provision jobs back on the queue. It repairs the "confirmed with no link"
// failure mode rather than letting it sit silent.
type VideoReconciler struct {
	store       Store
	logger      *slog.Logger
	grace       time.Duration
	batchSize   int
	advisoryKey int64
	now         func() time.Time
}

type VideoReconcilerConfig struct {
	Grace           time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewVideoReconciler(store Store, logger *slog.Logger, cfg VideoReconcilerConfig) *VideoReconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AdvisoryLockKey == 0 {
		// Stable default; override via env if you run multiple instances.
		cfg.AdvisoryLockKey = 7281004
	}
	return &VideoReconciler{
		store:       store,
		logger:      logger,
		grace:       cfg.Grace,
		batchSize:   cfg.BatchSize,
		advisoryKey: cfg.AdvisoryLockKey,
		now:         time.Now,
	}
}

func (r *VideoReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments. Only the
	// instance holding the advisory lock sweeps.
	for {
		if ctx.Err() != nil {
			return
		}
		locked, err := r.store.TryAdvisoryLock(ctx, r.advisoryKey)
		if err != nil {
			r.logger.Error("video reconcile: failed to acquire advisory lock", "err", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		if !locked {
			r.logger.Info("video reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			if !sleepCtx(ctx, 30*time.Second) {
				return
			}
			continue
		}
		r.logger.Info("video reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer r.store.AdvisoryUnlock(context.Background(), r.advisoryKey)
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled, reporting whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SweepOnce requeues one batch of stuck appointments. Exported for tests.
func (r *VideoReconciler) SweepOnce(ctx context.Context) {
	cutoff := r.now().Add(-r.grace)
	stuck, err := r.store.ListStuckRemote(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("video reconcile: failed to list stuck appointments", "err", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	for _, appt := range stuck {
		if ctx.Err() != nil {
			return
		}
		if err := r.store.Requeue(ctx, appt.ID); err != nil {
			r.logger.Warn("video reconcile: requeue failed", "err", err, "appointment_id", appt.ID)
			continue
		}
		r.logger.InfoContext(ctx, "video reconcile: provision requeued",
			"appointment_id", appt.ID, "paid_at", appt.PaidAt)
	}
}
