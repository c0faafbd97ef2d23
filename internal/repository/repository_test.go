package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/model"
	"github.com/leaseq/leaseq/internal/util"
)

// Integration tests against a real MySQL instance. The DSN must allow
// multiStatements and point at a throwaway database: every test run drops and
// recreates the schema.
func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("LEASEQ_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LEASEQ_TEST_MYSQL_DSN not set")
	}

	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func publishAttempted(t *testing.T, db *sqlx.DB, now time.Time) model.Message {
	t.Helper()
	messages := NewMessagesRepository(db)
	ctx := context.Background()

	m := model.New("test.event", json.RawMessage(`{"n":1}`), now)
	if err := messages.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tx, err := db.BeginTxx(ctx, TxOptions)
	if err != nil {
		t.Fatal(err)
	}
	promoted, err := messages.Promote(ctx, tx, m.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if promoted.ID != m.ID {
		t.Fatalf("promoted id = %q, want %q", promoted.ID, m.ID)
	}
	return promoted
}

func TestPromoteIdempotent(t *testing.T) {
	db := testDB(t)
	messages := NewMessagesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	m := publishAttempted(t, db, now)

	// a second promotion must be a no-op returning the same row
	tx, err := db.BeginTxx(ctx, TxOptions)
	if err != nil {
		t.Fatal(err)
	}
	again, err := messages.Promote(ctx, tx, m.ID)
	if err != nil {
		t.Fatalf("re-promote: %v", err)
	}
	_ = tx.Commit()
	if again.ID != m.ID || again.Name != m.Name {
		t.Fatalf("re-promote returned %+v", again)
	}

	_, attempted, err := messages.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !attempted {
		t.Fatal("message should live in the attempted pool")
	}

	unattempted, err := messages.ListEligibleUnattempted(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range unattempted {
		if u.ID == m.ID {
			t.Fatal("promoted message still listed as unattempted")
		}
	}
}

func TestAcquireExclusiveAndReclaim(t *testing.T) {
	db := testDB(t)
	leases := NewLeasesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 30 * time.Second

	m := publishAttempted(t, db, now)

	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-a", now, ttl); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// any second acquire while live fails, including the holder's own
	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-b", now, ttl); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("acquire by b = %v, want ErrLeaseHeld", err)
	}
	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-a", now, ttl); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("re-acquire by holder = %v, want ErrLeaseHeld", err)
	}

	// after expiry the message is implicitly reclaimable
	later := now.Add(ttl + time.Second)
	lease, err := leases.Acquire(ctx, nil, m.ID, "worker-b", later, ttl)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if lease.AcquiredBy != "worker-b" {
		t.Fatalf("lease holder = %q", lease.AcquiredBy)
	}

	// the old lease row is still there: leases are an append-only audit
	var rows int
	if err := db.Get(&rows, "SELECT COUNT(*) FROM leases WHERE message_id = ?", m.ID); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("lease rows = %d, want 2", rows)
	}
}

// The claim path's empty-result FOR UPDATE only takes next-key locks under
// repeatable read, so the isolation level is load-bearing, not a default.
func TestTransitionTxIsolation(t *testing.T) {
	if TxOptions.Isolation != sql.LevelRepeatableRead {
		t.Fatalf("transition isolation = %v, want %v", TxOptions.Isolation, sql.LevelRepeatableRead)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	db := testDB(t)
	leases := NewLeasesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 30 * time.Second

	m := publishAttempted(t, db, now)

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		go func() {
			<-start
			_, err := leases.Acquire(ctx, nil, m.ID, id, now, ttl)
			errs <- err
		}()
	}
	close(start)

	var won, lost int
	for i := 0; i < workers; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrLeaseHeld):
			lost++
		default:
			t.Fatalf("acquire: %v", err)
		}
	}
	if won != 1 || lost != workers-1 {
		t.Fatalf("winners = %d, conflicts = %d, want 1 and %d", won, lost, workers-1)
	}

	var rows int
	if err := db.Get(&rows, "SELECT COUNT(*) FROM leases WHERE message_id = ?", m.ID); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("lease rows = %d, want 1", rows)
	}
}

func TestRenewHolderRules(t *testing.T) {
	db := testDB(t)
	leases := NewLeasesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 30 * time.Second

	m := publishAttempted(t, db, now)

	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-a", now, ttl); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mid := now.Add(10 * time.Second)
	renewed, err := leases.Renew(ctx, m.ID, "worker-a", mid, ttl)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if want := mid.Add(ttl); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("renewed expiry = %v, want %v", renewed.ExpiresAt, want)
	}

	if _, err := leases.Renew(ctx, m.ID, "worker-b", mid, ttl); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("renew by non-holder = %v, want ErrNotHolder", err)
	}

	expired := mid.Add(ttl + time.Second)
	if _, err := leases.Renew(ctx, m.ID, "worker-a", expired, ttl); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("renew after expiry = %v, want ErrLeaseExpired", err)
	}
}

func TestReleaseEndsCustody(t *testing.T) {
	db := testDB(t)
	leases := NewLeasesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 30 * time.Second

	m := publishAttempted(t, db, now)

	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-a", now, ttl); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// release by a non-holder is a no-op, the lease stays live
	mid := now.Add(time.Second)
	if err := leases.Release(ctx, nil, m.ID, "worker-b", mid); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if _, live, err := leases.Current(ctx, m.ID, mid); err != nil || !live {
		t.Fatalf("lease should still be live, live=%v err=%v", live, err)
	}

	if err := leases.Release(ctx, nil, m.ID, "worker-a", mid); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, live, err := leases.Current(ctx, m.ID, mid); err != nil || live {
		t.Fatalf("lease should be over, live=%v err=%v", live, err)
	}

	// custody ended, so a fresh acquire succeeds immediately
	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-b", mid.Add(time.Millisecond), ttl); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseSameMicrosecondAsGrant(t *testing.T) {
	db := testDB(t)
	messages := NewMessagesRepository(db)
	leases := NewLeasesRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	ttl := 30 * time.Second

	m := publishAttempted(t, db, now)

	if _, err := leases.Acquire(ctx, nil, m.ID, "worker-a", now, ttl); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// release in the very same microsecond as the grant: the release row
	// was written last, so it decides custody despite the timestamp tie
	if err := leases.Release(ctx, nil, m.ID, "worker-a", now); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, live, err := leases.Current(ctx, m.ID, now); err != nil || live {
		t.Fatalf("lease should be over, live=%v err=%v", live, err)
	}

	// without the clock moving at all, the message is eligible again
	msgs, err := messages.ListEligibleAttempted(ctx, now, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, got := range msgs {
		if got.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("released message should be eligible in the same instant")
	}
}

func TestTerminalMutualExclusion(t *testing.T) {
	db := testDB(t)
	attempts := NewAttemptsRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	m := publishAttempted(t, db, now)

	if err := attempts.InsertSuccess(ctx, nil, m.ID, now); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := attempts.InsertDead(ctx, nil, m.ID, now); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("dead after success = %v, want ErrAlreadyTerminal", err)
	}
	if err := attempts.InsertSuccess(ctx, nil, m.ID, now); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("duplicate success = %v, want ErrAlreadyTerminal", err)
	}

	term, ok, err := attempts.Terminal(ctx, nil, m.ID)
	if err != nil || !ok {
		t.Fatalf("terminal lookup ok=%v err=%v", ok, err)
	}
	if term.State != model.TerminalSucceeded {
		t.Fatalf("terminal state = %q", term.State)
	}
}

func TestFailureAttemptIndexUnique(t *testing.T) {
	db := testDB(t)
	attempts := NewAttemptsRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	m := publishAttempted(t, db, now)

	f := model.Failure{
		ID:              util.New(),
		MessageID:       m.ID,
		FailedAt:        now,
		Attempted:       1,
		RetryEarliestAt: now.Add(time.Minute),
	}
	if err := attempts.InsertFailure(ctx, nil, f); err != nil {
		t.Fatalf("first failure: %v", err)
	}

	dup := f
	dup.ID = util.New()
	if err := attempts.InsertFailure(ctx, nil, dup); err == nil {
		t.Fatal("duplicate attempt index must be rejected")
	}

	n, err := attempts.FailureCount(ctx, nil, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("failure count = %d, want 1", n)
	}
}

func TestEligibleAttemptedScan(t *testing.T) {
	db := testDB(t)
	messages := NewMessagesRepository(db)
	leases := NewLeasesRepository(db)
	attempts := NewAttemptsRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 30 * time.Second

	listed := func(id string, at time.Time) bool {
		msgs, err := messages.ListEligibleAttempted(ctx, at, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range msgs {
			if m.ID == id {
				return true
			}
		}
		return false
	}

	// abandoned: no live lease, no failure row yet
	abandoned := publishAttempted(t, db, now)
	if !listed(abandoned.ID, now) {
		t.Fatal("abandoned message should be eligible")
	}

	// leased: custody is live, not eligible
	leased := publishAttempted(t, db, now)
	if _, err := leases.Acquire(ctx, nil, leased.ID, "w", now, ttl); err != nil {
		t.Fatal(err)
	}
	if listed(leased.ID, now) {
		t.Fatal("leased message must not be eligible")
	}
	if !listed(leased.ID, now.Add(ttl+time.Second)) {
		t.Fatal("expired lease must make the message eligible again")
	}

	// backing off: failure row with a future retry_earliest_at
	backing := publishAttempted(t, db, now)
	f := model.Failure{
		ID:              util.New(),
		MessageID:       backing.ID,
		FailedAt:        now,
		Attempted:       1,
		RetryEarliestAt: now.Add(time.Minute),
	}
	if err := attempts.InsertFailure(ctx, nil, f); err != nil {
		t.Fatal(err)
	}
	if listed(backing.ID, now) {
		t.Fatal("message must wait out its backoff")
	}
	if !listed(backing.ID, now.Add(2*time.Minute)) {
		t.Fatal("message should be eligible once backoff elapses")
	}

	// terminal: never eligible again
	done := publishAttempted(t, db, now)
	if err := attempts.InsertSuccess(ctx, nil, done.ID, now); err != nil {
		t.Fatal(err)
	}
	if listed(done.ID, now) {
		t.Fatal("succeeded message must not be eligible")
	}
}
