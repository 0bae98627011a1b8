package promise

import (
	"context"

	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
)

// DueBatch returns up to limit due promises (Due <= now), oldest-due-first,
// across every partition — the query the salvager drains (spec.md §4.6).
func DueBatch(ctx context.Context, store *docstore.Store, limit int) ([]*Promise, error) {
	now := clock.From(ctx).Now()
	all, err := docstore.ListByKind(ctx, store, docstore.KindQuery[*Promise]{
		Kind: "Promise",
		New:  func() *Promise { return &Promise{} },
		Filter: func(p *Promise) bool {
			return !p.Due().After(now)
		},
		Less: DueBefore,
	})
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CountDue returns the number of promises currently due (Due <= now),
// across every partition. Used by the admin front's monitoring endpoint.
func CountDue(ctx context.Context, store *docstore.Store) (int, error) {
	now := clock.From(ctx).Now()
	all, err := docstore.ListByKind(ctx, store, docstore.KindQuery[*Promise]{
		Kind: "Promise",
		New:  func() *Promise { return &Promise{} },
		Filter: func(p *Promise) bool {
			return !p.Due().After(now)
		},
	})
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
