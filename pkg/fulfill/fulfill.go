// Package fulfill implements the promise fulfiller (spec.md §4.5): given a
// claimed promise, it invokes the promise's registered action and, on
// success, deletes the promise under its own fresh context so the delete
// step is never lost to the caller's cancellation.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/docstore"
	"promisedb/pkg/metrics"
	"promisedb/pkg/promise"
	"promisedb/pkg/resilience"
)

// Action is a registered unit of work a promise invokes on fulfillment.
// Its signature matches spec.md §4.5's "(Promise, ctx) -> completion".
type Action func(ctx context.Context, p *promise.Promise) error

// Registry maps stable action names to their implementation. Action names
// are unique and, once used in production, must never be renamed (spec.md
// §4.5) — built once at process start and treated as immutable afterward.
type Registry struct {
	actions map[string]Action
}

// NewRegistry returns an empty registry. Register every action before
// starting the fulfiller or salvager.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces the implementation for actionName. Call this
// only during startup, before any promise may reference actionName.
func (r *Registry) Register(actionName string, action Action) {
	r.actions[actionName] = action
}

// Lookup returns the action registered for name, or an error if unknown.
func (r *Registry) Lookup(name string) (Action, error) {
	a, ok := r.actions[name]
	if !ok {
		return nil, apierrors.Validation(apierrors.Code("UnknownAction"), fmt.Sprintf("no action registered for %q", name))
	}
	return a, nil
}

// maxAttemptsForWarningLog is the threshold past which a fulfillment
// failure logs at Error instead of Warning (spec.md §4.5).
const maxAttemptsForWarningLog = 20

// Fulfiller invokes registered actions for claimed promises and removes
// them from the store on success.
type Fulfiller struct {
	store    *docstore.Store
	registry *Registry
	log      *slog.Logger
}

// New returns a Fulfiller wired to store and registry.
func New(store *docstore.Store, registry *Registry, log *slog.Logger) *Fulfiller {
	if log == nil {
		log = slog.Default()
	}
	return &Fulfiller{store: store, registry: registry, log: log}
}

// TryFulfill consumes p's current attempt and invokes its action. It never
// returns an error to a caller that just wants "did this succeed or was it
// deferred" — the only error it can return is a genuine programmer error
// from ConsumeAttempt (an InvalidState promise was handed in already
// claimed/suppressed elsewhere). Every other failure, including action
// errors, storage errors, and outer cancellation, is handled internally:
// logged (or silently ignored, for cancellation) and left for the
// salvager to retry on its next pass.
func (f *Fulfiller) TryFulfill(ctx context.Context, p *promise.Promise) error {
	if err := p.ConsumeAttempt(ctx); err != nil {
		return err
	}

	action, err := f.registry.Lookup(p.ActionName())
	if err != nil {
		f.recordFailure(p, "lookup", err)
		return nil
	}

	err = resilience.Do(ctx, "fulfill:action:"+p.ActionName(), func(ctx context.Context) error {
		return action(ctx, p)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || apierrors.Is(err, apierrors.KindCanceled) {
			return nil
		}
		f.recordFailure(p, "fulfill", err)
		return nil
	}

	deleteCtx := context.Background()
	err = resilience.Do(deleteCtx, "fulfill:delete", func(ctx context.Context) error {
		tx := f.store.CreateTransaction(p.DocPartitionKey())
		defer tx.Close()
		if err := tx.DeleteIgnoringConcurrency(p); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		f.recordFailure(p, "delete", err)
		return nil
	}

	metrics.PromiseFulfillerSuccesses.Inc()
	if p.AttemptCount() > 1 {
		metrics.PromiseFulfillerDelayedSuccesses.Inc()
	}
	return nil
}

func (f *Fulfiller) recordFailure(p *promise.Promise, step string, err error) {
	metrics.PromiseFulfillerErrors.Inc()
	attrs := []any{
		"step", step,
		"action", p.ActionName(),
		"id", p.ID(),
		"attempt", p.AttemptCount(),
		"error", err,
	}
	if p.AttemptCount() <= maxAttemptsForWarningLog {
		f.log.Warn("promise fulfillment attempt failed", attrs...)
		return
	}
	f.log.Error("promise fulfillment attempt failed repeatedly", attrs...)
}
