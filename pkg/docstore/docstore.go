// Package docstore is the partitioned document store the rest of the
// subsystem treats as a capability (spec.md §1: "per-partition ACID
// batches, etag-conditional writes, TTL-based item expiry, and LINQ-style
// queries"). It is built on github.com/cockroachdb/pebble the same way the
// donor codebase's pkg/store/pebble.go builds its message/thread store on
// pebble: a single process-wide handle, prefix-scanned keys, and JSON
// document bodies — generalized here to support etag-conditional batched
// commits and TTL sweeping, neither of which pebble provides natively.
package docstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/clock"
)

// Entity is implemented by every persisted document type (Promise,
// UniqueKey, Migration, and any domain entity a use case defines). The
// wire JSON produced by json.Marshal(e) is exactly the shape spec.md §6
// prescribes — docstore never injects extra fields into it.
type Entity interface {
	DocID() string
	DocPartitionKey() string
	// DocKind is an internal-only discriminator (never serialized) used to
	// scope List/Query/Exists/Load to entities of one type, satisfying the
	// "every query must reference an entity-discriminating property"
	// contract without adding a field to the wire shape.
	DocKind() string
	DocEtag() string
	SetDocEtag(string)
	DocTimestampSeconds() int64
	SetDocTimestampSeconds(int64)
}

// TTLEntity is optionally implemented by ephemeral documents (UniqueKey)
// to opt into TTL sweeping. Entities that don't implement it never expire.
type TTLEntity interface {
	Entity
	TTLSeconds() int
}

// Forgettable is optionally implemented by entities that enforce an
// invariant at transaction disposal time — the Promise entity uses this to
// raise ForgottenPromise when a freshly-created promise's first attempt
// was neither consumed nor suppressed (spec.md §4.1). The check runs after
// Commit and on Rollback/Close; since Commit stamps the storage timestamp
// first, only an uncommitted transaction can report it.
type Forgettable interface {
	CheckForgotten() error
}

// EtagRefreshObserver is optionally implemented by entities that need to
// react when Commit refreshes the etag on an already-persisted document
// (an Update, as opposed to the first Insert) — the Promise entity uses
// this to restore its available attempt once a claim's etag is durably
// persisted (spec.md §4.4's "persist etag --> [claimed, avail=1]").
type EtagRefreshObserver interface {
	Entity
	OnEtagRefreshed()
}

// Store is the process-wide document store handle. Safe for concurrent
// use, matching spec.md §5's "document-store client is a process-wide
// singleton".
type Store struct {
	db   *pebble.DB
	lock *processLock
	// commitMu serializes Commit's conditional pre-check and batch write
	// across transactions, so two commits cannot both pass the etag check.
	commitMu sync.Mutex
}

// Open opens (creating if necessary) a pebble database at path, after
// first taking an advisory process-exclusive lock on the directory.
func Open(path string) (*Store, error) {
	lock, err := acquireProcessLock(path)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		_ = lock.release()
		return nil, apierrors.StorageError("opening document store", err)
	}
	return &Store{db: db, lock: lock}, nil
}

// Close releases the underlying pebble handle and the process lock.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		_ = s.lock.release()
		return apierrors.StorageError("closing document store", err)
	}
	return s.lock.release()
}

// Key layout:
//
//	doc\x00<partition>\x00<id>              -> json document body (exact wire shape)
//	idx\x00<partition>\x00<kind>\x00<id>    -> empty; scoped existence index for List/Query
const (
	docPrefix = "doc\x00"
	idxPrefix = "idx\x00"
	sep       = "\x00"
)

func docKey(partition, id string) []byte {
	return []byte(docPrefix + partition + sep + id)
}

func idxKey(partition, kind, id string) []byte {
	return []byte(idxPrefix + partition + sep + kind + sep + id)
}

func idxPartitionKindPrefix(partition, kind string) []byte {
	return []byte(idxPrefix + partition + sep + kind + sep)
}

// kindidx\x00<kind>\x00<partition>\x00<id> -> empty; a cross-partition
// index by kind alone. The salvager and migration coordinator need to scan
// "every due Promise" / "every Migration record" regardless of partition,
// which the partition-scoped idx family above cannot serve.
const kindIdxPrefix = "kindidx\x00"

func kindIdxKey(kind, partition, id string) []byte {
	return []byte(kindIdxPrefix + kind + sep + partition + sep + id)
}

func kindIdxPrefixFor(kind string) []byte {
	return []byte(kindIdxPrefix + kind + sep)
}

// freshInstance returns a new zero-value instance of e's concrete pointer
// type, used to probe for an existing document without disturbing the
// entity the caller is about to insert.
func freshInstance(e Entity) Entity {
	t := reflect.TypeOf(e).Elem()
	return reflect.New(t).Interface().(Entity)
}

// newEtag returns a fresh opaque version token.
func newEtag() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// Get performs a point read of a single entity by id and its (already
// derived) partition key, unmarshaling the stored document into out.
// Returns found=false if absent (including lazily-expired TTL entities).
func (s *Store) Get(ctx context.Context, id, partition string, out Entity) (bool, error) {
	val, closer, err := s.db.Get(docKey(partition, id))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apierrors.StorageError("reading document", err)
	}
	defer closer.Close()

	body := make([]byte, len(val))
	copy(body, val)
	if err := json.Unmarshal(body, out); err != nil {
		return false, apierrors.StorageError("decoding document", err)
	}
	if expired(ctx, out) {
		_ = s.expire(out)
		return false, nil
	}
	return true, nil
}

func expired(ctx context.Context, e Entity) bool {
	t, ok := e.(TTLEntity)
	if !ok || t.TTLSeconds() <= 0 {
		return false
	}
	deadline := e.DocTimestampSeconds() + int64(t.TTLSeconds())
	return clock.From(ctx).Now().Unix() >= deadline
}

func (s *Store) expire(e Entity) error {
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(docKey(e.DocPartitionKey(), e.DocID()), nil)
	_ = b.Delete(idxKey(e.DocPartitionKey(), e.DocKind(), e.DocID()), nil)
	return b.Commit(pebble.Sync)
}

// Query describes a single-partition, single-kind scan. Filter and Less
// run in-process against decoded entities after the kind-scoped index scan
// narrows candidates, mirroring the donor's prefix-iterate-then-filter
// style in pkg/store/pebble.go.
type Query[T Entity] struct {
	Partition string
	Kind      string
	// New must return a fresh *T-like zero value to unmarshal into.
	New func() T
	// Filter is applied after decoding; nil means "match all in partition/kind".
	Filter func(T) bool
	// Less orders the result set; nil means insertion/key order.
	Less func(a, b T) bool
	// FullyConsistent requests the strongest read level pebble can give;
	// pebble reads are always linearizable against committed batches, so
	// this is accepted for interface parity with spec.md §4.1 and has no
	// further effect locally.
	FullyConsistent bool
}

// ContinuationToken is the caller-owned, mutable pagination cursor for
// List/Enumerate (spec.md §4.1). Re-use the same token across calls to
// advance; a zero-value token starts from the beginning.
type ContinuationToken struct {
	lastID    string
	exhausted bool
}

// Exhausted reports whether the previous List call reached the end.
func (c *ContinuationToken) Exhausted() bool { return c.exhausted }

// scan decodes every entity of q.Kind in q.Partition, applying TTL expiry
// and Filter, returning them in key order (id order, since ids are
// time-ordered by construction).
func (s *Store) scan(ctx context.Context, q Query[Entity]) ([]Entity, error) {
	prefix := idxPartitionKindPrefix(q.Partition, q.Kind)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, apierrors.StorageError("opening scan iterator", err)
	}
	defer iter.Close()

	var ids []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		ids = append(ids, string(k[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, apierrors.StorageError("scanning index", err)
	}

	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		e := q.New()
		found, err := s.Get(ctx, id, q.Partition, e)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if q.Filter == nil || q.Filter(e) {
			out = append(out, e)
		}
	}
	if q.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })
	}
	return out, nil
}

// KindQuery describes a cross-partition scan over every document of one
// kind, ordered by Less after decoding — used by the salvager ("every due
// Promise regardless of partition") and the migration coordinator
// ("every applied Migration record").
type KindQuery[T Entity] struct {
	Kind   string
	New    func() T
	Filter func(T) bool
	Less   func(a, b T) bool
}

// scanKind decodes every entity of kind across all partitions.
func (s *Store) scanKind(ctx context.Context, kind string, newFn func() Entity, filter func(Entity) bool) ([]Entity, error) {
	prefix := kindIdxPrefixFor(kind)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, apierrors.StorageError("opening kind scan iterator", err)
	}
	defer iter.Close()

	type ref struct{ partition, id string }
	var refs []ref
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		rest := string(iter.Key()[len(prefix):])
		for i := 0; i < len(rest); i++ {
			if rest[i] == 0 {
				refs = append(refs, ref{partition: rest[:i], id: rest[i+1:]})
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, apierrors.StorageError("scanning kind index", err)
	}

	out := make([]Entity, 0, len(refs))
	for _, r := range refs {
		e := newFn()
		found, err := s.Get(ctx, r.id, r.partition, e)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListByKind returns every entity matching q, across all partitions.
func ListByKind[T Entity](ctx context.Context, s *Store, q KindQuery[T]) ([]T, error) {
	res, err := s.scanKind(ctx, q.Kind, func() Entity { return q.New() }, func(e Entity) bool {
		return q.Filter == nil || q.Filter(e.(T))
	})
	if err != nil {
		return nil, err
	}
	typed := make([]T, 0, len(res))
	for _, e := range res {
		typed = append(typed, e.(T))
	}
	if q.Less != nil {
		sort.SliceStable(typed, func(i, j int) bool { return q.Less(typed[i], typed[j]) })
	}
	return typed, nil
}

func upperBound(prefix []byte) []byte {
	up := make([]byte, len(prefix))
	copy(up, prefix)
	for i := len(up) - 1; i >= 0; i-- {
		up[i]++
		if up[i] != 0 {
			return up[:i+1]
		}
	}
	return nil // prefix was all 0xff, unbounded above
}

// Exists translates to an unordered page-of-1 query (spec.md §4.1).
func Exists[T Entity](ctx context.Context, s *Store, q Query[T]) (bool, error) {
	res, err := listN(ctx, s, q, 1)
	if err != nil {
		return false, err
	}
	return len(res) > 0, nil
}

// Load is a page-of-2 query; more than one hit fails MultipleMatches.
func Load[T Entity](ctx context.Context, s *Store, q Query[T]) (T, bool, error) {
	var zero T
	res, err := listN(ctx, s, q, 2)
	if err != nil {
		return zero, false, err
	}
	if len(res) == 0 {
		return zero, false, nil
	}
	if len(res) > 1 {
		return zero, false, apierrors.MultipleMatches(fmt.Sprintf("query for kind %q matched more than one document", q.Kind))
	}
	return res[0], true, nil
}

// List returns up to pageSize entities starting after token's cursor,
// advancing token in place.
func List[T Entity](ctx context.Context, s *Store, q Query[T], token *ContinuationToken, pageSize int) ([]T, error) {
	all, err := scanTyped(ctx, s, q)
	if err != nil {
		return nil, err
	}
	start := 0
	if token != nil && token.lastID != "" {
		for i, e := range all {
			if e.DocID() == token.lastID {
				start = i + 1
				break
			}
			// Without Less the scan is in id order, so a cursor entity that
			// has since been deleted still marks where the next page begins.
			if q.Less == nil {
				if e.DocID() > token.lastID {
					start = i
					break
				}
				start = i + 1
			}
		}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	if token != nil {
		token.exhausted = end >= len(all)
		if len(page) > 0 {
			token.lastID = page[len(page)-1].DocID()
		}
	}
	return page, nil
}

// Enumerate exposes the same paginated scan as a lazy iter.Seq2, pulling
// one page at a time under the hood.
func Enumerate[T Entity](ctx context.Context, s *Store, q Query[T], pageSize int) func(yield func(T, error) bool) {
	return func(yield func(T, error) bool) {
		token := &ContinuationToken{}
		for {
			page, err := List(ctx, s, q, token, pageSize)
			if err != nil {
				yield(*new(T), err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if token.Exhausted() {
				return
			}
		}
	}
}

func listN[T Entity](ctx context.Context, s *Store, q Query[T], n int) ([]T, error) {
	all, err := scanTyped(ctx, s, q)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func scanTyped[T Entity](ctx context.Context, s *Store, q Query[T]) ([]T, error) {
	generic := Query[Entity]{
		Partition:       q.Partition,
		Kind:            q.Kind,
		New:             func() Entity { return q.New() },
		Filter:          func(e Entity) bool { return q.Filter == nil || q.Filter(e.(T)) },
		FullyConsistent: q.FullyConsistent,
	}
	res, err := s.scan(ctx, generic)
	if err != nil {
		return nil, err
	}
	typed := make([]T, 0, len(res))
	for _, e := range res {
		typed = append(typed, e.(T))
	}
	if q.Less != nil {
		sort.SliceStable(typed, func(i, j int) bool { return q.Less(typed[i], typed[j]) })
	}
	return typed, nil
}

// op is a single buffered mutation inside a transaction.
type op struct {
	kind   opKind
	entity Entity
	// requireEtag holds the etag the operation is conditional on; empty
	// means "no existing document expected" (insert).
	requireEtag              string
	ignoresConcurrency       bool
	explicitIgnoreConcurrent bool // for DeleteByID, which has no entity to read an etag from
	deleteID                 string
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
	opDeleteByID
)

// MaxBatchOps is the maximum number of operations a single transaction may
// buffer, per spec.md §4.1.
const MaxBatchOps = 100

// Tx is a single-partition batch of up to MaxBatchOps operations. It lives
// until Commit, Rollback, or Close (disposal without commit rolls back).
type Tx struct {
	store     *Store
	partition string
	ops       []op
	mu        sync.Mutex
	done      bool
}

// CreateTransaction opens a new single-partition transaction.
func (s *Store) CreateTransaction(partition string) *Tx {
	return &Tx{store: s, partition: partition}
}

func (t *Tx) checkPartition(e Entity) error {
	if e.DocPartitionKey() != t.partition {
		return apierrors.InvalidState(fmt.Sprintf("entity partition %q does not match transaction partition %q", e.DocPartitionKey(), t.partition))
	}
	return nil
}

func (t *Tx) append(o op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return apierrors.InvalidState("transaction already committed or rolled back")
	}
	if len(t.ops) >= MaxBatchOps {
		return apierrors.InvalidState(fmt.Sprintf("transaction exceeds the %d operation limit", MaxBatchOps))
	}
	t.ops = append(t.ops, o)
	return nil
}

// Add inserts a freshly-constructed entity (no etag yet).
func (t *Tx) Add(e Entity) error {
	if err := t.checkPartition(e); err != nil {
		return err
	}
	return t.append(op{kind: opInsert, entity: e})
}

// AddRange inserts several entities.
func (t *Tx) AddRange(es ...Entity) error {
	for _, e := range es {
		if err := t.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Update replaces an existing entity, conditional on its current etag.
func (t *Tx) Update(e Entity) error {
	if err := t.checkPartition(e); err != nil {
		return err
	}
	return t.append(op{kind: opUpdate, entity: e, requireEtag: e.DocEtag()})
}

// UpdateIgnoringConcurrency replaces an entity unconditionally.
func (t *Tx) UpdateIgnoringConcurrency(e Entity) error {
	if err := t.checkPartition(e); err != nil {
		return err
	}
	return t.append(op{kind: opUpdate, entity: e, ignoresConcurrency: true})
}

// Delete removes e, conditional on its current etag.
func (t *Tx) Delete(e Entity) error {
	if err := t.checkPartition(e); err != nil {
		return err
	}
	return t.append(op{kind: opDelete, entity: e, requireEtag: e.DocEtag()})
}

// DeleteIgnoringConcurrency removes e unconditionally — the fulfiller's
// delete step (spec.md §4.5) uses this since the action already ran.
func (t *Tx) DeleteIgnoringConcurrency(e Entity) error {
	if err := t.checkPartition(e); err != nil {
		return err
	}
	return t.append(op{kind: opDelete, entity: e, ignoresConcurrency: true})
}

// DeleteByID removes a document by id alone. ignoresConcurrencyProtection
// must be true, explicitly, or the call fails InvalidState — there is no
// entity instance to read an etag from, so an unconditional delete must be
// opted into deliberately (spec.md §4.1).
func (t *Tx) DeleteByID(id string, ignoresConcurrencyProtection bool) error {
	if !ignoresConcurrencyProtection {
		return apierrors.InvalidState("DeleteByID requires ignoresConcurrencyProtection = true")
	}
	return t.append(op{kind: opDeleteByID, deleteID: id, explicitIgnoreConcurrent: true})
}

// Commit atomically applies all buffered operations. On success, etags are
// back-filled onto the original entity instances in submission order. An
// etag mismatch on any conditional operation fails the whole batch with
// ConcurrencyConflict; any other failure fails StorageError.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return apierrors.InvalidState("transaction already committed or rolled back")
	}
	t.store.commitMu.Lock()
	defer t.store.commitMu.Unlock()

	// Pre-check conditional ops against current state before buffering the
	// pebble batch, so a conflict never leaves a partial write.
	for _, o := range t.ops {
		if o.kind == opInsert {
			fresh := freshInstance(o.entity)
			found, err := t.store.Get(ctx, o.entity.DocID(), o.entity.DocPartitionKey(), fresh)
			if err != nil {
				return err
			}
			if found {
				return apierrors.ConcurrencyConflict(fmt.Sprintf("document %q already exists", o.entity.DocID()))
			}
			continue
		}
		if o.kind == opUpdate || o.kind == opDelete {
			if o.ignoresConcurrency {
				continue
			}
			current, closer, err := t.store.db.Get(docKey(o.entity.DocPartitionKey(), o.entity.DocID()))
			if err == pebble.ErrNotFound {
				return apierrors.ConcurrencyConflict(fmt.Sprintf("document %q no longer exists", o.entity.DocID()))
			}
			if err != nil {
				return apierrors.StorageError("reading document for conditional write", err)
			}
			var probe struct {
				Etag string `json:"_etag"`
			}
			perr := json.Unmarshal(current, &probe)
			closer.Close()
			if perr != nil {
				return apierrors.StorageError("decoding document for conditional write", perr)
			}
			if probe.Etag != o.requireEtag {
				return apierrors.ConcurrencyConflict(fmt.Sprintf("etag mismatch on %q", o.entity.DocID()))
			}
		}
	}

	batch := t.store.db.NewBatch()
	defer batch.Close()
	now := clock.From(ctx).Now().Unix()

	type backfill struct {
		entity   Entity
		etag     string
		isUpdate bool
	}
	var fills []backfill

	for _, o := range t.ops {
		switch o.kind {
		case opInsert, opUpdate:
			etag := newEtag()
			o.entity.SetDocEtag(etag)
			o.entity.SetDocTimestampSeconds(now)
			body, err := json.Marshal(o.entity)
			if err != nil {
				return apierrors.StorageError("encoding document", err)
			}
			if err := batch.Set(docKey(o.entity.DocPartitionKey(), o.entity.DocID()), body, nil); err != nil {
				return apierrors.StorageError("buffering write", err)
			}
			if err := batch.Set(idxKey(o.entity.DocPartitionKey(), o.entity.DocKind(), o.entity.DocID()), []byte{}, nil); err != nil {
				return apierrors.StorageError("buffering index write", err)
			}
			if err := batch.Set(kindIdxKey(o.entity.DocKind(), o.entity.DocPartitionKey(), o.entity.DocID()), []byte{}, nil); err != nil {
				return apierrors.StorageError("buffering kind index write", err)
			}
			fills = append(fills, backfill{entity: o.entity, etag: etag, isUpdate: o.kind == opUpdate})
		case opDelete:
			if err := batch.Delete(docKey(o.entity.DocPartitionKey(), o.entity.DocID()), nil); err != nil {
				return apierrors.StorageError("buffering delete", err)
			}
			if err := batch.Delete(idxKey(o.entity.DocPartitionKey(), o.entity.DocKind(), o.entity.DocID()), nil); err != nil {
				return apierrors.StorageError("buffering index delete", err)
			}
			if err := batch.Delete(kindIdxKey(o.entity.DocKind(), o.entity.DocPartitionKey(), o.entity.DocID()), nil); err != nil {
				return apierrors.StorageError("buffering kind index delete", err)
			}
		case opDeleteByID:
			if err := batch.Delete(docKey(t.partition, o.deleteID), nil); err != nil {
				return apierrors.StorageError("buffering delete", err)
			}
			// Index entries are kind-scoped; without a loaded entity we
			// cannot know the kind, so a best-effort delete sweeps nothing
			// here. Callers that need index cleanliness should prefer
			// DeleteIgnoringConcurrency(entity) instead.
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return apierrors.StorageError("committing transaction", err)
	}

	for _, f := range fills {
		f.entity.SetDocEtag(f.etag)
		if f.isUpdate {
			if obs, ok := f.entity.(EtagRefreshObserver); ok {
				obs.OnEtagRefreshed()
			}
		}
	}

	t.done = true
	return t.checkForgotten()
}

// Rollback discards all buffered operations without writing anything.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t.checkForgotten()
}

// Close disposes the transaction, rolling back if it was never committed.
// Use via defer immediately after CreateTransaction, matching the donor's
// resource-cleanup idiom elsewhere in this codebase.
func (t *Tx) Close() error {
	t.mu.Lock()
	already := t.done
	t.mu.Unlock()
	if already {
		return nil
	}
	return t.Rollback()
}

func (t *Tx) checkForgotten() error {
	for _, o := range t.ops {
		if o.entity == nil {
			continue
		}
		if f, ok := o.entity.(Forgettable); ok {
			if err := f.CheckForgotten(); err != nil {
				return err
			}
		}
	}
	return nil
}
