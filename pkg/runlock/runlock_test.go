package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type lockRow struct {
	owner   string
	expires time.Time
}

type fakeDB struct {
	mu    sync.Mutex
	locks map[string]lockRow
}

func newFakeDB() *fakeDB {
	return &fakeDB{locks: map[string]lockRow{}}
}

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	return nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()

	key, owner := args[0].(string), args[1].(string)
	ttl := time.Duration(args[2].(int64)) * time.Millisecond
	cur, held := db.locks[key]

	switch sql {
	case tryAcquireSQL:
		if held && cur.owner != owner && cur.expires.After(time.Now()) {
			return fakeRow{err: pgx.ErrNoRows}
		}
	case renewSQL:
		if !held || cur.owner != owner {
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	db.locks[key] = lockRow{owner: owner, expires: time.Now().Add(ttl)}
	return fakeRow{key: key}
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key, owner := args[0].(string), args[1].(string)
	if cur, ok := db.locks[key]; ok && cur.owner == owner {
		delete(db.locks, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.NewCommandTag("DELETE 0"), nil
}

func (db *fakeDB) steal(key string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.locks[key] = lockRow{owner: "someone-else", expires: time.Now().Add(time.Hour)}
}

func TestAcquireIsExclusive(t *testing.T) {
	db := newFakeDB()
	l := New(db)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "proj", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "proj", "run-2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := l.Acquire(ctx, "other", "run-3"); err != nil {
		t.Fatalf("other projects must not be blocked: %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if first.Context().Err() == nil {
		t.Fatal("released lease context must be canceled")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("second release must be harmless, got %v", err)
	}

	second, err := l.Acquire(ctx, "proj", "run-2")
	if err != nil {
		t.Fatalf("expected lease after release, got %v", err)
	}
	_ = second.Release(ctx)
}

func TestAcquireWaits(t *testing.T) {
	db := newFakeDB()
	ctx := context.Background()

	held, err := New(db).Acquire(ctx, "proj", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	lease, err := New(db, WithWait(5*time.Millisecond, time.Millisecond)).Acquire(waitCtx, "proj", "run-2")
	if err != nil {
		t.Fatalf("expected to acquire after waiting, got %v", err)
	}
	_ = lease.Release(ctx)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	db := newFakeDB()
	l := New(db)

	called := false
	err := l.WithLock(context.Background(), "proj", "run-1", func(ctx context.Context) error {
		called = true
		if _, err := l.Acquire(ctx, "proj", "run-2"); !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy inside lock, got %v", err)
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("WithLock() = %v, called %v", err, called)
	}
	if len(db.locks) != 0 {
		t.Fatalf("lock must be released, got %v", db.locks)
	}
}

func TestLostLeaseCancelsContext(t *testing.T) {
	db := newFakeDB()
	l := New(db, WithTTL(2*time.Second))

	lease, err := l.Acquire(context.Background(), "proj", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	db.steal(lease.Key)

	select {
	case <-lease.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lease context not canceled after loss")
	}
	if cause := context.Cause(lease.Context()); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost cause, got %v", cause)
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor("acme"); got != "alignment:acme" {
		t.Fatalf("KeyFor() = %q", got)
	}
}
