package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// keyRow scripts one SELECT against booking_idempotency_keys.
type keyRow struct {
	id  int64
	err error
}

func (r keyRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.id
	return nil
}

// idemTx plays back queued select results and counts claim inserts. Only the
// statements lockIdempotencyKey issues are scripted.
type idemTx struct {
	selects []keyRow
	inserts int
}

func (t *idemTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(t.selects) == 0 {
		return keyRow{err: pgx.ErrNoRows}
	}
	next := t.selects[0]
	t.selects = t.selects[1:]
	return next
}

func (t *idemTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	t.inserts++
	return pgconn.CommandTag{}, nil
}

func (t *idemTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not scripted") }
func (t *idemTx) Commit(context.Context) error          { return nil }
func (t *idemTx) Rollback(context.Context) error        { return nil }
func (t *idemTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not scripted")
}
func (t *idemTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *idemTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *idemTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not scripted")
}
func (t *idemTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not scripted")
}
func (t *idemTx) Conn() *pgx.Conn { return nil }

func TestLockIdempotencyKey_ExistingFinalizedKeyReplays(t *testing.T) {
	tx := &idemTx{selects: []keyRow{{id: 7}}}
	r := &AppointmentRepository{}

	id, err := r.lockIdempotencyKey(context.Background(), tx, 1, "retry-key")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected finalized appointment id 7, got %d", id)
	}
	if tx.inserts != 0 {
		t.Fatal("existing key must not be re-claimed")
	}
}

func TestLockIdempotencyKey_NewKeyClaimsWithoutReplay(t *testing.T) {
	tx := &idemTx{selects: []keyRow{{err: pgx.ErrNoRows}, {id: 0}}}
	r := &AppointmentRepository{}

	id, err := r.lockIdempotencyKey(context.Background(), tx, 1, "fresh-key")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if id != 0 {
		t.Fatalf("new key must not replay, got appointment id %d", id)
	}
	if tx.inserts != 1 {
		t.Fatalf("expected one claim insert, got %d", tx.inserts)
	}
}

func TestLockIdempotencyKey_ReplaysWhenConcurrentBookingWinsTheClaim(t *testing.T) {
	// The first select misses, the claim insert hits DO NOTHING because a
	// concurrent transaction already finalized the key, and the re-select
	// surfaces that booking's appointment id. The caller must replay it
	// instead of inserting a second appointment.
	tx := &idemTx{selects: []keyRow{{err: pgx.ErrNoRows}, {id: 42}}}
	r := &AppointmentRepository{}

	id, err := r.lockIdempotencyKey(context.Background(), tx, 1, "retry-key")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected the concurrent booking's id 42 to replay, got %d", id)
	}
}
