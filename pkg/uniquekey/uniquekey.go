// Package uniquekey implements the path-qualified global claim token used
// both for ad-hoc application uniqueness constraints and as the underlying
// item the momentary-lock factory (pkg/lock) inserts and deletes.
package uniquekey

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"promisedb/pkg/partitionkey"
)

// TTLSeconds is the fixed lifetime of a unique-key item; it is also the
// momentary-lock duration, per spec.md §3/§4.3.
const TTLSeconds = 20

// UniqueKey is an ephemeral claim token. Its partition key is its own
// base64url-encoded value (spec.md §3), so two unique-keys with the same
// Path but different values never collide on a partition.
//
// UniqueKey implements docstore.Entity directly (matching method set, no
// import of pkg/docstore needed) so the momentary-lock factory and any
// uniqueness-constraint caller can hand one straight to a transaction.
// MarshalJSON/UnmarshalJSON pin the wire shape to exactly
// {"id","part","ttl","Uniq_Path","Uniq_Val","_etag","_ts"} (spec.md §6).
type UniqueKey struct {
	Path  string
	Value string // base64url of the candidate value, already encoded
	TTL   int

	etag string
	ts   int64
}

// Create builds a UniqueKey from a dotted/piped path and a candidate raw
// value. The path must already be in wire form (e.g. "|Ord_Data|Itm"); the
// spec's design notes replace expression-tree introspection with
// compile-time-known path strings, so callers pass the path literal
// directly rather than an expression to analyze.
func Create(path string, rawValue string) UniqueKey {
	maxBytes := 2 * partitionkey.MaxBytes
	v := []byte(rawValue)
	if len(v) > maxBytes {
		v = v[:maxBytes]
	}
	return UniqueKey{
		Path:  path,
		Value: base64.RawURLEncoding.EncodeToString(v),
		TTL:   TTLSeconds,
	}
}

// ID returns the unique-key's document id: "Uniq" + Path + "|" + Value.
func (u *UniqueKey) ID() string {
	var b strings.Builder
	b.WriteString("Uniq")
	b.WriteString(u.Path)
	b.WriteString("|")
	b.WriteString(u.Value)
	return b.String()
}

// PartitionKey returns the partition this unique-key lives in: its own
// base64url value, validated as an arbitrary partition key.
func (u *UniqueKey) PartitionKey() (partitionkey.Key, error) {
	return partitionkey.FromArbitraryString(u.Value)
}

// --- docstore.Entity ---

func (u *UniqueKey) DocID() string { return u.ID() }

func (u *UniqueKey) DocPartitionKey() string {
	pk, err := u.PartitionKey()
	if err != nil {
		// Create does not validate Value; this fires when the encoded
		// value fails partition-key validation (e.g. over 100 bytes), and
		// the raw Value is used as the partition instead.
		return u.Value
	}
	return pk.String()
}

func (u *UniqueKey) DocKind() string { return "UniqueKey" }

func (u *UniqueKey) DocEtag() string                 { return u.etag }
func (u *UniqueKey) SetDocEtag(etag string)          { u.etag = etag }
func (u *UniqueKey) DocTimestampSeconds() int64      { return u.ts }
func (u *UniqueKey) SetDocTimestampSeconds(ts int64) { u.ts = ts }

// TTLSeconds implements docstore.TTLEntity.
func (u *UniqueKey) TTLSeconds() int { return u.TTL }

type wireUniqueKey struct {
	ID       string `json:"id"`
	Part     string `json:"part"`
	TTL      int    `json:"ttl"`
	UniqPath string `json:"Uniq_Path"`
	UniqVal  string `json:"Uniq_Val"`
	Etag     string `json:"_etag,omitempty"`
	Ts       int64  `json:"_ts,omitempty"`
}

func (u *UniqueKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireUniqueKey{
		ID:       u.ID(),
		Part:     u.DocPartitionKey(),
		TTL:      u.TTL,
		UniqPath: u.Path,
		UniqVal:  u.Value,
		Etag:     u.etag,
		Ts:       u.ts,
	})
}

func (u *UniqueKey) UnmarshalJSON(data []byte) error {
	var w wireUniqueKey
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u.Path = w.UniqPath
	u.Value = w.UniqVal
	u.TTL = w.TTL
	u.etag = w.Etag
	u.ts = w.Ts
	return nil
}
