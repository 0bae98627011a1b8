package salvage

import (
	"context"
	"testing"
	"time"

	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/promise"
)

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDrainOnceFulfillsDuePromises(t *testing.T) {
	store := openTestStore(t)
	registry := fulfill.NewRegistry()
	var runs int
	registry.Register("noop", func(ctx context.Context, p *promise.Promise) error {
		runs++
		return nil
	})
	fulfiller := fulfill.New(store, registry, nil)
	s := New(store, fulfiller, nil)

	ctx := context.Background()
	p, _ := promise.Create(ctx, "noop", "{}", 0)
	_ = p.SuppressImmediateFulfillment()
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.DrainOnce(ctx)

	if runs != 1 {
		t.Fatalf("expected the due promise's action to run exactly once, got %d", runs)
	}
	found, err := store.Get(ctx, p.ID(), p.DocPartitionKey(), &promise.Promise{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected the drained promise to be deleted")
	}
}

func TestDrainOnceIgnoresNotYetDuePromises(t *testing.T) {
	store := openTestStore(t)
	registry := fulfill.NewRegistry()
	var runs int
	registry.Register("noop", func(ctx context.Context, p *promise.Promise) error {
		runs++
		return nil
	})
	fulfiller := fulfill.New(store, registry, nil)
	s := New(store, fulfiller, nil)

	ctx := context.Background()
	p, _ := promise.Create(ctx, "noop", "{}", time.Hour)
	_ = p.SuppressImmediateFulfillment()
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.DrainOnce(ctx)

	if runs != 0 {
		t.Fatalf("did not expect a not-yet-due promise to be fulfilled")
	}
}

func TestStartStopTransitionsState(t *testing.T) {
	store := openTestStore(t)
	fulfiller := fulfill.New(store, fulfill.NewRegistry(), nil)
	s := New(store, fulfiller, nil)

	if s.State() != StateStopped {
		t.Fatalf("expected initial state Stopped, got %v", s.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	if s.State() != StateRunning {
		t.Fatalf("expected Running after Start, got %v", s.State())
	}

	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("expected Stopped after Stop, got %v", s.State())
	}
}

func TestDrainOnceUsesAmbientClock(t *testing.T) {
	store := openTestStore(t)
	fixed := clock.NewFixed(time.Unix(1_000_000, 0))
	ctx := clock.WithClock(context.Background(), fixed)

	registry := fulfill.NewRegistry()
	var runs int
	registry.Register("noop", func(ctx context.Context, p *promise.Promise) error {
		runs++
		return nil
	})
	fulfiller := fulfill.New(store, registry, nil)
	s := New(store, fulfiller, nil)

	p, _ := promise.Create(ctx, "noop", "{}", time.Minute)
	_ = p.SuppressImmediateFulfillment()
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.DrainOnce(ctx)
	if runs != 0 {
		t.Fatalf("did not expect fulfillment before the fixed clock advances")
	}

	fixed.Advance(2 * time.Minute)
	s.DrainOnce(ctx)
	if runs != 1 {
		t.Fatalf("expected fulfillment once the fixed clock passes Due, got %d runs", runs)
	}
}
