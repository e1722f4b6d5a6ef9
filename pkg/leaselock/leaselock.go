// Package leaselock implements expiring locks in the kb_locks table. A
// lease is renewed in the background until it is released; its context is
// canceled when renewal fails.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configures Acquire. Zero values are replaced by defaults.
type Options struct {
	TTL          time.Duration
	RenewEvery   time.Duration
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration
}

const (
	defaultTTL          = 5 * time.Minute
	defaultWaitInterval = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = defaultWaitInterval
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

type Locker struct {
	db dbConn
}

func New(db dbConn) *Locker {
	return &Locker{db: db}
}

// Lease is a held lock.
type Lease struct {
	Key   string
	Token string

	ctx    context.Context
	cancel context.CancelCauseFunc
	locker *Locker
	once   sync.Once
	done   chan struct{}
}

// Context is canceled once the lease is released or lost.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Do runs fn while holding the lease for key.
func (l *Locker) Do(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()
	if err := fn(lease.Context()); err != nil {
		return err
	}
	if cause := context.Cause(lease.Context()); errors.Is(cause, ErrLost) {
		return fmt.Errorf("%s: %w", key, ErrLost)
	}
	return nil
}

// Acquire takes the lock for key. Without opts.Wait a held lock fails with
// ErrBusy.
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	opts = opts.withDefaults()

	token, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	ttl := opts.TTL.Milliseconds()

	for {
		ok, err := l.tryAcquire(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, fmt.Errorf("%s: %w", key, ErrBusy)
		}
		if err := sleep(ctx, opts.WaitInterval+jitter(opts.WaitJitter)); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		Key:    key,
		Token:  token,
		ctx:    leaseCtx,
		cancel: cancel,
		locker: l,
		done:   make(chan struct{}),
	}
	go lease.keepAlive(opts.RenewEvery, ttl)
	return lease, nil
}

func (l *Locker) tryAcquire(ctx context.Context, key, token string, ttl int64) (bool, error) {
	var got string
	err := l.db.QueryRow(ctx, acquireSQL, key, token, ttl).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got != "", nil
}

// Release stops renewal and deletes the lock if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.done)
		l.cancel(context.Canceled)
	})
	_, err := l.locker.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

func (l *Lease) keepAlive(every time.Duration, ttl int64) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renew(ttl); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renew(ttl int64) error {
	return util.RetryErrWithContext(l.ctx, util.RetryOptions{
		MaxTries:  3,
		Backoff:   200 * time.Millisecond,
		Timeout:   15 * time.Second,
		Retryable: func(err error) bool { return !errors.Is(err, ErrLost) },
	}, func(ctx context.Context) error {
		var got string
		err := l.locker.db.QueryRow(ctx, renewSQL, l.Key, l.Token, ttl).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		return err
	})
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const acquireSQL = `
INSERT INTO kb_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by = EXCLUDED.locked_by, expires_at = EXCLUDED.expires_at
WHERE kb_locks.expires_at < now() OR kb_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key`

const renewSQL = `
UPDATE kb_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key`

const releaseSQL = `DELETE FROM kb_locks WHERE lock_key = $1 AND locked_by = $2`
