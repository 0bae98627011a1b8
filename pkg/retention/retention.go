// Package retention implements the non-destructive stale-due-promise
// sweep (SPEC_FULL.md §4.8): a cron-scheduled scan that reports promises
// both far past Due and retried past a sane ceiling, without ever
// deleting or quarantining them — promise state is changed only by the
// salvager and the fulfiller, never by the sweep. Grounded on the donor's internal/retention
// package, which drives a periodic sweep by computing each next tick with
// github.com/adhocore/gronx rather than a fixed ticker.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
	"promisedb/pkg/metrics"
	"promisedb/pkg/promise"
)

// Defaults for the staleness condition (SPEC_FULL.md §4.8): a promise is
// reported only once it is both old and has clearly exhausted ordinary
// retry behavior, so a merely-slow salvager cycle never triggers a report.
const (
	DefaultHorizon = 7 * 24 * time.Hour
	DefaultCeiling = 50
)

// Sweeper periodically scans for stale due promises on a cron schedule.
type Sweeper struct {
	store   *docstore.Store
	log     *slog.Logger
	expr    string
	horizon time.Duration
	ceiling int
}

// New returns a Sweeper that runs on the given cron expression (e.g.
// "0 */6 * * *") using the default horizon and attempt ceiling. An invalid
// expression is reported here rather than at the first tick.
func New(store *docstore.Store, cronExpr string, log *slog.Logger) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Sweeper{store: store, log: log, expr: cronExpr, horizon: DefaultHorizon, ceiling: DefaultCeiling}, nil
}

// Run blocks, computing each next tick from the cron expression and
// sweeping when it arrives, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.expr, now, false)
		if err != nil {
			s.log.Error("retention scheduler failed to compute next tick", "expr", s.expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-time.After(time.Until(next)):
			s.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep reports every promise observed past Due by more than horizon AND
// retried more than ceiling times. It never mutates or deletes a promise;
// it only records that the sweep ran, via the persisted RetentionMarker.
func (s *Sweeper) sweep(ctx context.Context) {
	now := clock.From(ctx).Now()
	found, err := docstore.ListByKind(ctx, s.store, docstore.KindQuery[*promise.Promise]{
		Kind: "Promise",
		New:  func() *promise.Promise { return &promise.Promise{} },
		Filter: func(p *promise.Promise) bool {
			return now.Sub(p.Due()) > s.horizon && p.AttemptCount() > uint64(s.ceiling)
		},
	})
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	for _, p := range found {
		metrics.RetentionStaleDetected.Inc()
		s.log.Warn("StaleDuePromiseDetected",
			"id", p.ID(), "action", p.ActionName(), "due", p.Due(), "attempts", p.AttemptCount())
	}
	s.recordRun(ctx, now)
}

func (s *Sweeper) recordRun(ctx context.Context, now time.Time) {
	tx := s.store.CreateTransaction(markerPartition)
	defer tx.Close()

	existing, found, err := docstore.Load(ctx, s.store, docstore.Query[*marker]{
		Partition: markerPartition, Kind: "RetentionMarker",
		New: func() *marker { return &marker{} },
	})
	if err != nil {
		s.log.Warn("retention marker lookup failed", "error", err)
		return
	}

	if found {
		existing.lastRunUnix = now.Unix()
		err = tx.UpdateIgnoringConcurrency(existing)
	} else {
		m := &marker{lastRunUnix: now.Unix()}
		err = tx.Add(m)
	}
	if err != nil {
		s.log.Warn("retention marker write failed", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Warn("retention marker commit failed", "error", err)
	}
}
