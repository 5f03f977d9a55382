// Package runlock keeps one alignment per project running at a time across
// workers, using an expiring lease row in PostgreSQL.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("alignment project is locked by another run")
	ErrLost = errors.New("alignment lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker hands out project leases.
type Locker struct {
	db dbConn

	ttl          time.Duration
	renewEvery   time.Duration
	wait         bool
	waitInterval time.Duration
	waitJitter   time.Duration
}

type Option func(*Locker)

// WithTTL sets how long a lease survives without renewal. Renewal happens at
// half the TTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
			l.renewEvery = max(ttl/2, time.Second)
		}
	}
}

// WithWait makes Acquire poll until the lease is free instead of failing
// with ErrBusy.
func WithWait(interval, jitter time.Duration) Option {
	return func(l *Locker) {
		l.wait = true
		if interval > 0 {
			l.waitInterval = interval
		}
		l.waitJitter = max(jitter, 0)
	}
}

func New(db dbConn, opts ...Option) *Locker {
	l := &Locker{
		db:           db,
		ttl:          5 * time.Minute,
		renewEvery:   150 * time.Second,
		waitInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	if l.renewEvery >= l.ttl {
		l.renewEvery = max(l.ttl/2, time.Second)
	}
	return l
}

// KeyFor returns the lock key of a project.
func KeyFor(projectKey string) string {
	return "alignment:" + projectKey
}

// Lease is a held project lock. Its context is canceled once the lease is
// released or lost.
type Lease struct {
	Key   string
	Owner string

	ctx    context.Context
	cancel context.CancelCauseFunc
	locker *Locker

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Context is canceled with ErrLost when renewal fails.
func (l *Lease) Context() context.Context { return l.ctx }

// WithLock runs fn while holding the lease of projectKey.
func (l *Locker) WithLock(ctx context.Context, projectKey, runID string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, projectKey, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[RunLock] Failed to release lease", "key", lease.Key, "err", err)
		}
	}()
	return fn(lease.ctx)
}

// Acquire takes the lease of projectKey for runID.
func (l *Locker) Acquire(ctx context.Context, projectKey, runID string) (*Lease, error) {
	if projectKey == "" {
		return nil, errors.New("lock project key is empty")
	}

	tok, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lease token: %w", err)
	}
	key := KeyFor(projectKey)
	owner := runID + ":" + tok
	ttlMs := l.ttl.Milliseconds()

	for {
		ok, err := l.tryAcquire(ctx, key, owner, ttlMs)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		if !l.wait {
			return nil, ErrBusy
		}
		if err := sleepWithJitter(ctx, l.waitInterval, l.waitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		Key:    key,
		Owner:  owner,
		ctx:    leaseCtx,
		cancel: cancel,
		locker: l,
		stopCh: make(chan struct{}),
	}
	go lease.renewLoop(ttlMs)

	logger.Debug("[RunLock] Acquired lease", "key", key, "owner", owner)
	return lease, nil
}

func (l *Locker) tryAcquire(ctx context.Context, key, owner string, ttlMs int64) (bool, error) {
	var returnedKey string
	err := l.db.QueryRow(ctx, tryAcquireSQL, key, owner, ttlMs).Scan(&returnedKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return returnedKey != "", nil
}

// Release drops the lease. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	if _, err := l.locker.db.Exec(ctx, releaseSQL, l.Key, l.Owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.Key, err)
	}
	return nil
}

func (l *Lease) renewLoop(ttlMs int64) {
	t := time.NewTicker(l.locker.renewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				logger.Error("[RunLock] Lease renewal failed", "key", l.Key, "err", err)
				l.cancel(ErrLost)
				return
			}
		}
	}
}

func (l *Lease) renewOnce(ttlMs int64) error {
	var lastErr error
	for range 3 {
		renewCtx, cancel := context.WithTimeout(l.ctx, 15*time.Second)
		var returnedKey string
		err := l.locker.db.QueryRow(renewCtx, renewSQL, l.Key, l.Owner, ttlMs).Scan(&returnedKey)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		lastErr = err
		if err := sleepWithJitter(l.ctx, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const tryAcquireSQL = `
INSERT INTO alignment_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE alignment_locks.expires_at < now()
   OR alignment_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key;
`

const renewSQL = `
UPDATE alignment_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM alignment_locks
WHERE lock_key = $1 AND locked_by = $2;
`
