// Package lock implements the momentary-lock factory (spec.md §4.3): a
// short-lived mutual-exclusion primitive built entirely out of unique-key
// documents in pkg/docstore, the same way the donor's pkg/auth/limiter.go
// builds a rate limiter out of a small in-process map rather than reaching
// for an external coordination service.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-uuid"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
	"promisedb/pkg/uniquekey"
)

const (
	lockPath      = "|MomentaryLock"
	maxAttempts   = 10
	baseBackoff   = 30 * time.Millisecond
	refreshPeriod = uniquekey.TTLSeconds * time.Second / 2
)

// Factory acquires and releases momentary locks backed by store.
type Factory struct {
	store *docstore.Store
	log   *slog.Logger
}

// New returns a lock Factory over store. log may be nil, in which case
// slog.Default() is used for late-release warnings.
func New(store *docstore.Store, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{store: store, log: log}
}

// Lock is a held momentary lock. Release exactly once.
type Lock struct {
	factory    *Factory
	item       *uniquekey.UniqueKey
	acquiredAt time.Time
	// corrID correlates a lock's acquire/release log lines without
	// exposing the lock's key to every log aggregation query.
	corrID string
}

// newCorrID returns a short correlation id for log lines, falling back to
// an empty string (logs simply omit "corr") if entropy is unavailable.
func newCorrID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return ""
	}
	return id
}

func itemFor(key string) *uniquekey.UniqueKey {
	uk := uniquekey.Create(lockPath, key)
	return &uk
}

// Wait acquires the lock named key, retrying with jittered exponential
// backoff on conflict up to maxAttempts times before failing
// LockUnavailable.
func (f *Factory) Wait(ctx context.Context, key string) (*Lock, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apierrors.Canceled("lock wait: " + ctx.Err().Error())
		}

		candidate := itemFor(key)
		tx := f.store.CreateTransaction(candidate.DocPartitionKey())
		if err := tx.Add(candidate); err != nil {
			_ = tx.Close()
			return nil, err
		}
		err := tx.Commit(ctx)
		if err == nil {
			l := &Lock{factory: f, item: candidate, acquiredAt: clock.From(ctx).Now(), corrID: newCorrID()}
			f.log.Debug("momentary lock acquired", "key", key, "corr", l.corrID, "attempt", attempt)
			return l, nil
		}
		if !apierrors.Is(err, apierrors.KindConcurrencyConflict) {
			return nil, err
		}
		if attempt == maxAttempts {
			return nil, apierrors.LockUnavailable(fmt.Sprintf("lock %q unavailable after %d attempts", key, maxAttempts))
		}
		backoff := time.Duration(float64(baseBackoff) * pow2(attempt))
		backoff = time.Duration(float64(backoff) * (0.85 + rand.Float64()*0.3))
		select {
		case <-ctx.Done():
			return nil, apierrors.Canceled("lock wait: " + ctx.Err().Error())
		case <-time.After(backoff):
		}
	}
	return nil, apierrors.LockUnavailable(fmt.Sprintf("lock %q unavailable", key))
}

func pow2(attempt int) float64 {
	v := 1.0
	for i := 1; i < attempt; i++ {
		v *= 2
	}
	return v
}

// Release deletes the lock's backing item. A release more than TTL after
// acquisition logs a warning (the lock may already have been stolen) but
// never returns an error for that condition alone.
func (l *Lock) Release(ctx context.Context) error {
	elapsed := clock.From(ctx).Now().Sub(l.acquiredAt)
	if elapsed > uniquekey.TTLSeconds*time.Second {
		l.factory.log.Warn("momentary lock released after its TTL elapsed",
			"key", l.item.Path, "corr", l.corrID, "elapsed", elapsed)
	}
	tx := l.factory.store.CreateTransaction(l.item.DocPartitionKey())
	defer tx.Close()
	if err := tx.DeleteIgnoringConcurrency(l.item); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	l.factory.log.Debug("momentary lock released", "corr", l.corrID, "elapsed", elapsed)
	return nil
}

// refresh extends the lock's effective lifetime by rewriting its item
// unconditionally, resetting its stored timestamp (and therefore its TTL
// deadline) without touching the caller's held reference.
func (l *Lock) refresh(ctx context.Context) error {
	tx := l.factory.store.CreateTransaction(l.item.DocPartitionKey())
	defer tx.Close()
	if err := tx.UpdateIgnoringConcurrency(l.item); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// synchronizer is the lock-free "all holders acquired" barrier WaitRange
// uses to release every holder goroutine at once once the last key has
// been acquired (spec.md §4.3).
type synchronizer struct {
	remaining int64
	done      chan struct{}
	once      sync.Once
}

func newSynchronizer(n int) *synchronizer {
	return &synchronizer{remaining: int64(n), done: make(chan struct{})}
}

func (s *synchronizer) arrive() {
	if atomic.AddInt64(&s.remaining, -1) == 0 {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *synchronizer) depart() {
	atomic.AddInt64(&s.remaining, 1)
}

// RangeLock is the composite lock WaitRange returns. Release releases every
// underlying lock, in reverse acquisition order.
type RangeLock struct {
	factory    *Factory
	locks      []*Lock
	acquiredAt time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Release stops every holder goroutine and releases all underlying locks.
func (r *RangeLock) Release(ctx context.Context) error {
	r.cancel()
	r.wg.Wait()
	var firstErr error
	for i := len(r.locks) - 1; i >= 0; i-- {
		if err := r.locks[i].Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExpiredOnDisposal reports whether more than TTL/2 elapsed between
// acquisition and the moment this was called, per spec.md §4.3's
// "reports expired-on-disposal" contract.
func (r *RangeLock) ExpiredOnDisposal(ctx context.Context) bool {
	return clock.From(ctx).Now().Sub(r.acquiredAt) > refreshPeriod
}

// WaitRange acquires locks for every key in keys, sorted into natural
// order first to prevent deadlock against concurrent WaitRange callers.
// Each acquired lock is held by a background holder goroutine that
// refreshes it at TTL/2 intervals until every key in the set has been
// acquired, at which point all holders return and the composite lock is
// handed to the caller. Already-acquired locks are released in reverse
// order if ctx is canceled before every key is acquired.
func (f *Factory) WaitRange(ctx context.Context, keys []string) (*RangeLock, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	holderCtx, cancel := context.WithCancel(ctx)
	sync_ := newSynchronizer(len(sorted))

	acquired := make([]*Lock, 0, len(sorted))
	releaseAcquired := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = acquired[i].Release(ctx)
		}
	}

	result := &RangeLock{factory: f, acquiredAt: clock.From(ctx).Now(), cancel: cancel}

	for _, key := range sorted {
		l, err := f.Wait(ctx, key)
		if err != nil {
			cancel()
			releaseAcquired()
			return nil, err
		}
		acquired = append(acquired, l)

		result.wg.Add(1)
		go f.holdUntilAllAcquired(holderCtx, &result.wg, l, sync_)
	}

	select {
	case <-sync_.done:
	case <-holderCtx.Done():
		releaseAcquired()
		result.wg.Wait()
		return nil, apierrors.Canceled("WaitRange canceled before every key was acquired")
	}

	result.locks = acquired
	return result, nil
}

// holdUntilAllAcquired refreshes l at TTL/2 intervals, decrementing sync's
// counter once on entry (this lock is now held) and waiting for every
// other holder to reach the same point. If a refresh cycle elapses before
// the barrier fires, it re-increments the counter (this lock's presence is
// momentarily "unaccounted for" while a refresh races the deadline) and
// loops.
func (f *Factory) holdUntilAllAcquired(ctx context.Context, wg *sync.WaitGroup, l *Lock, s *synchronizer) {
	defer wg.Done()
	s.arrive()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(refreshPeriod):
			s.depart()
			if err := l.refresh(ctx); err != nil {
				f.log.Warn("failed to refresh held lock", "key", l.item.Path, "error", err)
			}
			s.arrive()
		}
	}
}
