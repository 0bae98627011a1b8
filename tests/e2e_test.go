// Package tests exercises the promise execution subsystem end to end,
// against a real pebble-backed document store, the deterministic
// Incremental identity generator, and a Fixed clock — the same way a
// reproducible integration suite would pin every ambient dependency.
package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/identity"
	"promisedb/pkg/lock"
	"promisedb/pkg/migrate"
	"promisedb/pkg/partitionkey"
	"promisedb/pkg/promise"
	"promisedb/pkg/uniquekey"
)

func newHarness(t *testing.T) (*docstore.Store, context.Context) {
	t.Helper()
	store, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	ctx = clock.WithClock(ctx, clock.NewFixed(time.Unix(1_700_000_000, 0)))
	ctx = identity.WithGenerator(ctx, identity.NewIncremental())
	return store, ctx
}

// Invariant 1: after Commit of the creating transaction, every promise
// carries a non-empty etag and AvailableAttemptCount = 1.
func TestInvariantFreshPromiseHasEtagAndAvailableAttempt(t *testing.T) {
	store, ctx := newHarness(t)

	p, err := promise.Create(ctx, "send-welcome-email", "{}", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx := store.CreateTransaction(p.DocPartitionKey())
	if err := tx.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if p.DocEtag() == "" {
		t.Fatalf("expected a non-empty etag after commit")
	}
	if p.AvailableAttemptCount() != 1 {
		t.Fatalf("expected AvailableAttemptCount = 1 after commit, got %d", p.AvailableAttemptCount())
	}
}

// Invariant 2: at most one worker observes a Claim on a given (id, etag)
// as successful — simulated here by two concurrent etag-conditional
// update attempts racing to claim the same due promise.
func TestInvariantClaimIsExclusive(t *testing.T) {
	store, ctx := newHarness(t)

	p, _ := promise.Create(ctx, "send-welcome-email", "{}", 0)
	_ = p.SuppressImmediateFulfillment()
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loadA := &promise.Promise{}
	loadB := &promise.Promise{}
	if found, err := store.Get(ctx, p.ID(), p.DocPartitionKey(), loadA); err != nil || !found {
		t.Fatalf("Get A: found=%v err=%v", found, err)
	}
	if found, err := store.Get(ctx, p.ID(), p.DocPartitionKey(), loadB); err != nil || !found {
		t.Fatalf("Get B: found=%v err=%v", found, err)
	}

	if err := loadA.ClaimForAttempt(ctx); err != nil {
		t.Fatalf("ClaimForAttempt A: %v", err)
	}
	if err := loadB.ClaimForAttempt(ctx); err != nil {
		t.Fatalf("ClaimForAttempt B: %v", err)
	}

	txA := store.CreateTransaction(loadA.DocPartitionKey())
	_ = txA.Update(loadA)
	errA := txA.Commit(ctx)

	txB := store.CreateTransaction(loadB.DocPartitionKey())
	_ = txB.Update(loadB)
	errB := txB.Commit(ctx)

	succeeded := 0
	if errA == nil {
		succeeded++
	}
	if errB == nil {
		succeeded++
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one of the two racing claims to succeed, got %d (errA=%v errB=%v)", succeeded, errA, errB)
	}
	loser := errA
	if errA == nil {
		loser = errB
	}
	if !apierrors.Is(loser, apierrors.KindConcurrencyConflict) {
		t.Fatalf("expected the losing claim to fail with ConcurrencyConflict, got %v", loser)
	}
}

// Invariant 3 / scenario S3: a committed, never-suppressed promise is
// fulfilled exactly once and removed from storage.
func TestFulfillerIdempotentSuccess(t *testing.T) {
	store, ctx := newHarness(t)
	registry := fulfill.NewRegistry()
	invocations := 0
	registry.Register("welcome", func(ctx context.Context, p *promise.Promise) error {
		invocations++
		return nil
	})

	p, _ := promise.Create(ctx, "welcome", "{}", 0)
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	f := fulfill.New(store, registry, nil)
	if err := f.TryFulfill(ctx, p); err != nil {
		t.Fatalf("TryFulfill: %v", err)
	}
	if invocations != 1 {
		t.Fatalf("expected exactly one invocation, got %d", invocations)
	}

	found, err := store.Get(ctx, p.ID(), p.DocPartitionKey(), &promise.Promise{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected the promise to be absent from storage after fulfillment")
	}
}

// Scenario S4: an action that returns an error leaves the promise in
// place for a future retry, and TryFulfill itself returns no error.
func TestFulfillerActionExceptionIsSwallowed(t *testing.T) {
	store, ctx := newHarness(t)
	registry := fulfill.NewRegistry()
	registry.Register("risky", func(ctx context.Context, p *promise.Promise) error {
		return errors.New("Test exception.")
	})

	p, _ := promise.Create(ctx, "risky", "{}", 0)
	tx := store.CreateTransaction(p.DocPartitionKey())
	_ = tx.Add(p)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	f := fulfill.New(store, registry, nil)
	if err := f.TryFulfill(ctx, p); err != nil {
		t.Fatalf("expected TryFulfill to return normally despite the action's error, got %v", err)
	}

	found, err := store.Get(ctx, p.ID(), p.DocPartitionKey(), &promise.Promise{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected the promise to remain in storage for a future retry")
	}
}

// Scenario S5: Migrate run by several concurrent coordinators against the
// same store applies each
// registered migration exactly once, in order.
func TestConcurrentMigrationsApplyExactlyOnce(t *testing.T) {
	store, ctx := newHarness(t)
	lockFactory := lock.New(store, nil)

	var mu chanCounter
	defs := []migrate.Definition{
		{Description: "create-index", Apply: func(ctx context.Context) error { mu.add("create-index"); return nil }},
		{Description: "backfill-defaults", Apply: func(ctx context.Context) error { mu.add("backfill-defaults"); return nil }},
		{Description: "add-constraint", Apply: func(ctx context.Context) error { mu.add("add-constraint"); return nil }},
	}

	const parallelism = 4
	errs := make(chan error, parallelism)
	for i := 0; i < parallelism; i++ {
		go func() {
			c := migrate.New(store, lockFactory, defs, nil)
			errs <- c.Migrate(ctx)
		}()
	}
	for i := 0; i < parallelism; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}

	applied := mu.snapshot()
	if len(applied) != len(defs) {
		t.Fatalf("expected each migration applied exactly once, got %v", applied)
	}
	for i, def := range defs {
		if applied[i] != def.Description {
			t.Fatalf("expected migration order %v, got %v", []string{"create-index", "backfill-defaults", "add-constraint"}, applied)
		}
	}

	var token docstore.ContinuationToken
	var count int
	for {
		page, err := docstore.List(ctx, store, docstore.Query[*migrate.Migration]{
			Partition: migrate.Migrations,
			Kind:      "Migration",
			New:       func() *migrate.Migration { return &migrate.Migration{} },
		}, &token, 100)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		count += len(page)
		if token.Exhausted() {
			break
		}
	}
	if count != len(defs) {
		t.Fatalf("expected exactly %d migration records, got %d", len(defs), count)
	}
}

// chanCounter records calls in order from possibly-concurrent goroutines.
type chanCounter struct {
	ch   chan string
	once bool
}

func (c *chanCounter) add(name string) {
	if c.ch == nil {
		c.ch = make(chan string, 16)
	}
	c.ch <- name
}

func (c *chanCounter) snapshot() []string {
	var out []string
	for {
		select {
		case v := <-c.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Scenario S6: UniqueKey.Create encodes the candidate value as base64url
// (no padding, URL-safe alphabet) and derives Id/TimeToLive deterministically.
func TestUniqueKeyEncoding(t *testing.T) {
	uk := uniquekey.Create("|SeriTest_StringJsonProp", "/\\#?\"")
	if uk.Value != "L1wjPyI" {
		t.Fatalf("expected Value %q, got %q", "L1wjPyI", uk.Value)
	}
	if uk.ID() != "Uniq|SeriTest_StringJsonProp|L1wjPyI" {
		t.Fatalf("expected Id %q, got %q", "Uniq|SeriTest_StringJsonProp|L1wjPyI", uk.ID())
	}
	if uk.TTL != 20 {
		t.Fatalf("expected TimeToLive 20, got %d", uk.TTL)
	}
}

// Invariant 4: an id generated in-partition carries the partition's value
// as its trailing SuffixLength characters, is IDLength characters long,
// and never equals the partition key itself.
func TestInvariantIDCarriesPartitionSuffix(t *testing.T) {
	ctx := identity.WithGenerator(context.Background(), identity.NewIncremental())
	pk, err := partitionkey.FromArbitraryString("par")
	if err != nil {
		t.Fatalf("FromArbitraryString: %v", err)
	}
	id := identity.From(ctx).NewIDInPartition(pk)
	if len(id) != partitionkey.IDLength {
		t.Fatalf("expected a %d-character id, got %d", partitionkey.IDLength, len(id))
	}
	if id[len(id)-partitionkey.SuffixLength:] != "par" {
		t.Fatalf("expected the trailing suffix to equal the partition key, got %q", id)
	}
	if id == "par" {
		t.Fatalf("id must not equal the bare partition key")
	}
}

// Invariant 7: DataPartitionKey round-trips identically whether derived
// from an arbitrary string or from the trailing suffix of a 22-char id.
func TestInvariantPartitionKeyRoundTrip(t *testing.T) {
	s := "order-42"
	k, err := partitionkey.FromArbitraryString(s)
	if err != nil {
		t.Fatalf("FromArbitraryString: %v", err)
	}
	if k.String() != s {
		t.Fatalf("expected round-trip value %q, got %q", s, k.String())
	}

	id := "1234567890123456789par"
	fromID, err := partitionkey.FromID(id)
	if err != nil {
		t.Fatalf("FromID: %v", err)
	}
	if fromID.String() != id[len(id)-partitionkey.SuffixLength:] {
		t.Fatalf("expected FromID to extract the trailing suffix, got %q", fromID.String())
	}
}

// Invariant 6: paginating a static dataset with List visits every
// matching entity exactly once, with no duplicates and no omissions.
func TestInvariantPaginationVisitsEveryEntityOnce(t *testing.T) {
	store, ctx := newHarness(t)

	const n = 25
	for i := 0; i < n; i++ {
		p, _ := promise.Create(ctx, "batch", "{}", 0)
		_ = p.SuppressImmediateFulfillment()
		tx := store.CreateTransaction(p.DocPartitionKey())
		_ = tx.Add(p)
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	seen := make(map[string]int)
	var token docstore.ContinuationToken
	for {
		page, err := docstore.List(ctx, store, docstore.Query[*promise.Promise]{
			Partition: "000",
			Kind:      "Promise",
			New:       func() *promise.Promise { return &promise.Promise{} },
		}, &token, 7)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		for _, p := range page {
			seen[p.ID()]++
		}
		if token.Exhausted() {
			break
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct entities visited, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("entity %q visited %d times, expected exactly once", id, count)
		}
	}
}
