// Package promise implements the durable promise entity and its
// attempt/claim state machine (spec.md §3, §4.4). A Promise is the
// at-least-once execution record the rest of the subsystem (fulfiller,
// salvager, retention sweeper) operates on.
package promise

import (
	"context"
	"encoding/json"
	"time"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/clock"
	"promisedb/pkg/docstore"
	"promisedb/pkg/identity"
	"promisedb/pkg/partitionkey"
)

// ClaimDuration is the window a claimed promise is reserved for before it
// becomes eligible for salvage again, per spec.md §3/glossary.
const ClaimDuration = 60 * time.Second

// Promise is a persisted, at-least-once execution record. Its partition
// key is the trailing 3 characters of its own id.
type Promise struct {
	id           string
	due          time.Time
	attemptCount uint64
	actionName   string
	data         string

	etag string
	ts   int64

	// availableAttempt is 1 when this instance currently owns an
	// attempt it has neither consumed nor suppressed, 0 otherwise. It is
	// in-memory derived state, never itself persisted (spec.md §3).
	availableAttempt int
}

// ID returns the promise's identifier.
func (p *Promise) ID() string { return p.id }

// Due returns the instant this promise becomes eligible for an attempt.
func (p *Promise) Due() time.Time { return p.due }

// AttemptCount returns the number of attempts made so far, including the
// current one.
func (p *Promise) AttemptCount() uint64 { return p.attemptCount }

// ActionName returns the registered action this promise will invoke.
func (p *Promise) ActionName() string { return p.actionName }

// Data returns the opaque payload handed to the action.
func (p *Promise) Data() string { return p.data }

// AvailableAttemptCount is 1 if this instance holds an attempt it has
// neither consumed nor suppressed, 0 otherwise (spec.md §3).
func (p *Promise) AvailableAttemptCount() int { return p.availableAttempt }

// IsFirstAttempt reports whether AttemptCount is still 1.
func (p *Promise) IsFirstAttempt() bool { return p.attemptCount == 1 }

// HasTimeToFulfill reports whether at least half of ClaimDuration remains
// before Due, per spec.md §3.
func (p *Promise) HasTimeToFulfill(ctx context.Context) bool {
	return p.due.Sub(clock.From(ctx).Now()) >= ClaimDuration/2
}

// PartitionKey returns the partition this promise lives in.
func (p *Promise) PartitionKey() (partitionkey.Key, error) {
	return partitionkey.FromID(p.id)
}

// Create builds a brand-new promise for actionName, due after delay. delay
// must not be strictly negative (spec.md §9 open question: zero is
// accepted and pushes Due to now; only negative values are rejected).
func Create(ctx context.Context, actionName string, data string, delay time.Duration) (*Promise, error) {
	if delay < 0 {
		return nil, apierrors.InvalidState("promise delay must not be negative")
	}
	id := identity.From(ctx).NewID()
	return newPromise(ctx, id, actionName, data, delay), nil
}

// CreateForEntity builds a brand-new promise whose id is generated in the
// same partition as entityPartition, so the promise and the entity it
// concerns can be committed together in one single-partition transaction.
func CreateForEntity(ctx context.Context, entityPartition partitionkey.Key, actionName string, data string, delay time.Duration) (*Promise, error) {
	if delay < 0 {
		return nil, apierrors.InvalidState("promise delay must not be negative")
	}
	id := identity.From(ctx).NewIDInPartition(entityPartition)
	return newPromise(ctx, id, actionName, data, delay), nil
}

func newPromise(ctx context.Context, id, actionName, data string, delay time.Duration) *Promise {
	return &Promise{
		id:               id,
		due:              clock.From(ctx).Now().Add(delay),
		attemptCount:     1,
		actionName:       actionName,
		data:             data,
		availableAttempt: 1,
	}
}

// SuppressImmediateFulfillment marks the current attempt as not to be
// fulfilled right away (e.g. it will be picked up by the salvager at its
// Due time instead). Legal only on a promise that has never been loaded
// from storage (spec.md §4.4).
func (p *Promise) SuppressImmediateFulfillment() error {
	if p.ts != 0 {
		return apierrors.InvalidState("SuppressImmediateFulfillment is only legal on a promise that has never been stored")
	}
	p.availableAttempt = 0
	return nil
}

// ClaimForAttempt reserves the next attempt on a promise loaded from
// storage, legal only when Due has already passed. It advances Due by
// ClaimDuration and increments AttemptCount; the caller must still persist
// this via an etag-conditional update for the claim to take effect (spec
// §4.4, §4.6).
func (p *Promise) ClaimForAttempt(ctx context.Context) error {
	if p.ts == 0 {
		return apierrors.InvalidState("ClaimForAttempt requires a promise loaded from storage")
	}
	if p.due.After(clock.From(ctx).Now()) {
		return apierrors.InvalidState("ClaimForAttempt is only legal once Due has passed")
	}
	p.due = clock.From(ctx).Now().Add(ClaimDuration)
	p.attemptCount++
	p.availableAttempt = 0
	return nil
}

// ConsumeAttempt marks the current attempt as being fulfilled right now.
// Legal only when this instance holds a persisted etag, has an available
// attempt, and either has enough time left before Due or is still on its
// first attempt (spec.md §3, §4.5).
func (p *Promise) ConsumeAttempt(ctx context.Context) error {
	if p.etag == "" {
		return apierrors.InvalidState("ConsumeAttempt requires a persisted etag")
	}
	if p.availableAttempt <= 0 {
		return apierrors.InvalidState("ConsumeAttempt requires an available attempt")
	}
	if !p.HasTimeToFulfill(ctx) && !p.IsFirstAttempt() {
		return apierrors.InvalidState("ConsumeAttempt requires enough time to fulfill, or a first attempt")
	}
	p.availableAttempt = 0
	return nil
}

// CheckForgotten implements docstore.Forgettable: a freshly-created
// promise whose first attempt was neither consumed nor suppressed before
// its transaction was disposed indicates a caller bug (spec.md §4.1). It
// reports only promises that were never stored (timestamp still zero), so
// a transaction that committed the promise never raises it; only a
// Rollback or Close of an uncommitted transaction does.
func (p *Promise) CheckForgotten() error {
	if p.IsFirstAttempt() && p.availableAttempt > 0 && p.ts == 0 {
		return apierrors.InvalidState("ForgottenPromise: promise was created but neither consumed nor suppressed before its transaction closed")
	}
	return nil
}

// --- docstore.Entity ---

func (p *Promise) DocID() string { return p.id }

func (p *Promise) DocPartitionKey() string {
	pk, err := p.PartitionKey()
	if err != nil {
		return p.id
	}
	return pk.String()
}

func (p *Promise) DocKind() string { return "Promise" }

func (p *Promise) DocEtag() string        { return p.etag }
func (p *Promise) SetDocEtag(etag string) { p.etag = etag }

func (p *Promise) DocTimestampSeconds() int64      { return p.ts }
func (p *Promise) SetDocTimestampSeconds(ts int64) { p.ts = ts }

// OnEtagRefreshed implements docstore.EtagRefreshObserver. It fires only
// when Commit persists an etag refresh on an already-stored promise (an
// Update, never the first Insert), restoring the attempt ClaimForAttempt
// reserved now that the claim itself is durable (spec.md §4.4).
func (p *Promise) OnEtagRefreshed() { p.availableAttempt = 1 }

type wirePromise struct {
	ID           string    `json:"id"`
	Part         string    `json:"part"`
	Etag         string    `json:"_etag,omitempty"`
	Ts           int64     `json:"_ts,omitempty"`
	Due          time.Time `json:"Promise_Due"`
	AttemptCount uint64    `json:"Promise_AtpCnt"`
	ActionName   string    `json:"Promise_Act"`
	Data         string    `json:"Promise_Dta"`
}

func (p *Promise) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePromise{
		ID:           p.id,
		Part:         p.DocPartitionKey(),
		Etag:         p.etag,
		Ts:           p.ts,
		Due:          p.due.UTC(),
		AttemptCount: p.attemptCount,
		ActionName:   p.actionName,
		Data:         p.data,
	})
}

func (p *Promise) UnmarshalJSON(data []byte) error {
	var w wirePromise
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.id = w.ID
	p.etag = w.Etag
	p.ts = w.Ts
	p.due = w.Due.UTC()
	p.attemptCount = w.AttemptCount
	p.actionName = w.ActionName
	p.data = w.Data
	// A promise just loaded from storage owns a fresh available attempt
	// until something (ClaimForAttempt/ConsumeAttempt) says otherwise.
	p.availableAttempt = 1
	return nil
}

// Query builds a docstore query scoped to Promise documents in partition.
func Query(partition string, filter func(*Promise) bool) docstore.Query[*Promise] {
	return docstore.Query[*Promise]{
		Partition: partition,
		Kind:      "Promise",
		New:       func() *Promise { return &Promise{} },
		Filter:    filter,
	}
}

// DueBefore orders results by Due ascending, matching the salvager's
// oldest-due-first batch contract (spec.md §4.6).
func DueBefore(a, b *Promise) bool { return a.due.Before(b.due) }
