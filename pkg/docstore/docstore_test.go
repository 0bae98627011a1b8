package docstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/clock"
)

type widget struct {
	id, partition, name string
	etag                string
	ts                  int64
	ttl                 int
}

func (w *widget) DocID() string                  { return w.id }
func (w *widget) DocPartitionKey() string        { return w.partition }
func (w *widget) DocKind() string                { return "Widget" }
func (w *widget) DocEtag() string                { return w.etag }
func (w *widget) SetDocEtag(e string)            { w.etag = e }
func (w *widget) DocTimestampSeconds() int64     { return w.ts }
func (w *widget) SetDocTimestampSeconds(t int64) { w.ts = t }
func (w *widget) TTLSeconds() int                { return w.ttl }

type wireWidget struct {
	ID, Part, Name string
	Etag           string `json:"_etag,omitempty"`
	Ts             int64  `json:"_ts,omitempty"`
	TTL            int    `json:"ttl,omitempty"`
}

func (w *widget) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireWidget{ID: w.id, Part: w.partition, Name: w.name, Etag: w.etag, Ts: w.ts, TTL: w.ttl})
}

func (w *widget) UnmarshalJSON(data []byte) error {
	var wr wireWidget
	if err := json.Unmarshal(data, &wr); err != nil {
		return err
	}
	w.id, w.partition, w.name, w.etag, w.ts, w.ttl = wr.ID, wr.Part, wr.Name, wr.Etag, wr.Ts, wr.TTL
	return nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &widget{id: "w1", partition: "abc", name: "gear"}
	tx := s.CreateTransaction("abc")
	if err := tx.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if w.DocEtag() == "" {
		t.Fatalf("expected etag to be back-filled after commit")
	}

	out := &widget{}
	found, err := s.Get(ctx, "w1", "abc", out)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if out.name != "gear" {
		t.Fatalf("got name %q", out.name)
	}
}

func TestInsertConflictsIfKeyOccupied(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &widget{id: "dup", partition: "abc"}
	tx := s.CreateTransaction("abc")
	_ = tx.Add(first)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second := &widget{id: "dup", partition: "abc"}
	tx2 := s.CreateTransaction("abc")
	_ = tx2.Add(second)
	err := tx2.Commit(ctx)
	if !apierrors.Is(err, apierrors.KindConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict inserting over an occupied key, got %v", err)
	}
}

func TestUpdateRequiresMatchingEtag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &widget{id: "w2", partition: "abc"}
	tx := s.CreateTransaction("abc")
	_ = tx.Add(w)
	_ = tx.Commit(ctx)

	stale := &widget{id: "w2", partition: "abc", etag: "not-the-real-etag"}
	tx2 := s.CreateTransaction("abc")
	_ = tx2.Update(stale)
	err := tx2.Commit(ctx)
	if !apierrors.Is(err, apierrors.KindConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict on stale etag update, got %v", err)
	}
}

func TestTTLExpiryOnGet(t *testing.T) {
	s := openTestStore(t)
	fixed := clock.NewFixed(time.Unix(1_000_000, 0))
	ctx := clock.WithClock(context.Background(), fixed)

	w := &widget{id: "w3", partition: "abc", ttl: 5}
	tx := s.CreateTransaction("abc")
	_ = tx.Add(w)
	_ = tx.Commit(ctx)

	found, err := s.Get(ctx, "w3", "abc", &widget{})
	if err != nil || !found {
		t.Fatalf("expected to find w3 before TTL elapses: found=%v err=%v", found, err)
	}

	fixed.Advance(10 * time.Second)
	found, err = s.Get(ctx, "w3", "abc", &widget{})
	if err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if found {
		t.Fatalf("expected w3 to be lazily expired after TTL elapsed")
	}
}

func TestListByKindCrossesPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, part := range []string{"aaa", "bbb", "ccc"} {
		w := &widget{id: "id-" + part, partition: part, name: "x"}
		tx := s.CreateTransaction(part)
		_ = tx.Add(w)
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit in partition %s: %v", part, err)
		}
	}

	all, err := ListByKind(ctx, s, KindQuery[*widget]{
		Kind: "Widget",
		New:  func() *widget { return &widget{} },
	})
	if err != nil {
		t.Fatalf("ListByKind: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 widgets across partitions, got %d", len(all))
	}
}

func TestDeleteByIDRequiresExplicitIgnoreConcurrency(t *testing.T) {
	s := openTestStore(t)
	tx := s.CreateTransaction("abc")
	if err := tx.DeleteByID("anything", false); !apierrors.Is(err, apierrors.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestRollbackOnClose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &widget{id: "w4", partition: "abc"}
	tx := s.CreateTransaction("abc")
	_ = tx.Add(w)
	_ = tx.Close() // never committed

	found, err := s.Get(ctx, "w4", "abc", &widget{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected uncommitted insert to not be visible after Close/rollback")
	}
}
