// Package salvage implements the promise salvager (spec.md §4.6): a
// background long-running task that periodically re-claims and fulfills
// promises whose Due has passed, catching work a fulfiller never got to
// (crash, outer cancellation, never-suppressed creation).
package salvage

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/docstore"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/metrics"
	"promisedb/pkg/promise"
	"promisedb/pkg/resilience"
)

// State is the salvager's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

const (
	averageDelay   = 60 * time.Second
	delayJitter    = averageDelay / 4
	drainBatchSize = 10
)

// Salvager drains due promises on a jittered periodic schedule.
type Salvager struct {
	store     *docstore.Store
	fulfiller *fulfill.Fulfiller
	log       *slog.Logger

	mu    sync.Mutex
	state State
	stop  context.CancelFunc
	done  chan struct{}
}

// New returns a Salvager wired to store and fulfiller.
func New(store *docstore.Store, fulfiller *fulfill.Fulfiller, log *slog.Logger) *Salvager {
	if log == nil {
		log = slog.Default()
	}
	return &Salvager{store: store, fulfiller: fulfiller, log: log, state: StateStopped}
}

// State reports the salvager's current lifecycle state.
func (s *Salvager) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the background loop. It returns immediately; the loop runs
// until ctx is canceled or Stop is called.
func (s *Salvager) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	s.state = StateRunning
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop requests the loop exit and blocks until it has, transitioning
// Running -> Stopping -> Stopped.
func (s *Salvager) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	cancel := s.stop
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Salvager) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		delay := averageDelay + time.Duration((rand.Float64()*2-1)*float64(delayJitter))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}()
		go func() {
			defer wg.Done()
			s.drainDuePromises(ctx)
		}()
		wg.Wait()

		if ctx.Err() != nil {
			return
		}
	}
}

// DrainOnce runs a single drain pass immediately, outside the normal
// periodic schedule. The admin HTTP front uses this to let an operator
// force an out-of-band catch-up.
func (s *Salvager) DrainOnce(ctx context.Context) {
	s.drainDuePromises(ctx)
}

func (s *Salvager) drainDuePromises(ctx context.Context) {
	expectMore := true
	for expectMore && ctx.Err() == nil {
		var batch []*promise.Promise
		err := resilience.Do(ctx, "salvage:fetch_due_batch", func(ctx context.Context) error {
			var ferr error
			batch, ferr = promise.DueBatch(ctx, s.store, drainBatchSize)
			return ferr
		})
		if err != nil {
			if apierrors.Is(err, apierrors.KindCanceled) {
				return
			}
			s.log.Error("Background fulfillment of neglected promises encountered an error", "error", err)
			return
		}

		metrics.SalvageBatchSize.Observe(float64(len(batch)))

		for _, p := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := p.ClaimForAttempt(ctx); err != nil {
				s.log.Error("Background fulfillment of neglected promises encountered an error", "error", err)
				continue
			}

			claimed := false
			err := resilience.Do(ctx, "salvage:update_claim", func(ctx context.Context) error {
				tx := s.store.CreateTransaction(p.DocPartitionKey())
				defer tx.Close()
				if err := tx.Update(p); err != nil {
					return err
				}
				if err := tx.Commit(ctx); err != nil {
					return err
				}
				claimed = true
				return nil
			})
			if err != nil {
				if apierrors.Is(err, apierrors.KindConcurrencyConflict) {
					// Another worker claimed it first; nothing to do.
					continue
				}
				if apierrors.Is(err, apierrors.KindCanceled) {
					return
				}
				s.log.Error("Background fulfillment of neglected promises encountered an error", "error", err)
				continue
			}
			if claimed {
				_ = s.fulfiller.TryFulfill(ctx, p)
			}
		}

		expectMore = len(batch) == drainBatchSize
	}
}
