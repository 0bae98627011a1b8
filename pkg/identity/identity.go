// Package identity generates the 22-character base62 identifiers used for
// every persisted entity. Generation is ambient and context-scoped (see
// design notes in SPEC_FULL.md): callers push a Generator onto a context
// and pkg/promise consults the top of that stack, the same
// way pkg/clock scopes the ambient time source.
package identity

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promisedb/pkg/partitionkey"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generator produces fresh identifiers, optionally scoped to a partition.
type Generator interface {
	// NewID returns a fresh, unscoped 22-character identifier.
	NewID() string
	// NewIDInPartition returns a fresh identifier whose trailing
	// partitionkey.SuffixLength characters are overwritten with pk. The
	// overwrite leaves partitionkey.IDLength-partitionkey.SuffixLength
	// random/ordered bits intact, which is enough entropy (>=40 bits for
	// the default generator) that collisions remain practically
	// impossible within a partition.
	NewIDInPartition(pk partitionkey.Key) string
}

type ctxKey struct{}

// WithGenerator pushes gen as the ambient generator for the returned
// context.
func WithGenerator(ctx context.Context, gen Generator) context.Context {
	return context.WithValue(ctx, ctxKey{}, gen)
}

// From returns the ambient generator carried by ctx, defaulting to a
// process-wide time-ordered random generator if none was ever pushed.
func From(ctx context.Context) Generator {
	if g, ok := ctx.Value(ctxKey{}).(Generator); ok {
		return g
	}
	return defaultGenerator
}

var defaultGenerator = NewTimeOrdered()

// TimeOrdered generates v7-UUID-style identifiers: a 48-bit millisecond
// timestamp followed by random tail bits, base62-encoded into a fixed
// 22-character string so results sort close to creation order without
// ever exposing a literal UUID format on the wire.
type TimeOrdered struct{}

// NewTimeOrdered returns the default generator. Ids are ordered by their
// millisecond timestamp; ids from the same millisecond have no defined order.
func NewTimeOrdered() *TimeOrdered { return &TimeOrdered{} }

func (g *TimeOrdered) NewID() string {
	var buf [16]byte
	ms := uint64(time.Now().UTC().UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	// google/uuid already maintains a seeded, mutex-protected CSPRNG reader
	// for its own v4 generation; reusing it here for the random tail avoids
	// a second independent random source for the same purpose.
	tail := uuid.New()
	copy(buf[6:], tail[:10])
	return encode128(buf)
}

func (g *TimeOrdered) NewIDInPartition(pk partitionkey.Key) string {
	return overwriteSuffix(g.NewID(), pk)
}

const partitionkeyIDLength = 22

// encode128 base62-encodes a 128-bit big-endian value into a fixed
// 22-character string (62^22 > 2^128, so the encoding never truncates; we
// left-pad with the alphabet's zero symbol to keep the length fixed).
func encode128(buf [16]byte) string {
	v := new(big.Int).SetBytes(buf[:])
	base := big.NewInt(62)
	rem := new(big.Int)

	out := make([]byte, partitionkeyIDLength)
	for i := partitionkeyIDLength - 1; i >= 0; i-- {
		v.DivMod(v, base, rem)
		out[i] = alphabet[rem.Int64()]
	}
	return string(out)
}

func overwriteSuffix(id string, pk partitionkey.Key) string {
	b := []byte(id)
	suffix := pk.String()
	copy(b[len(b)-len(suffix):], suffix)
	return string(b)
}

// Incremental is a deterministic, test-only generator: a monotonically
// increasing counter formatted into a fixed-width decimal field, with the
// requested partition suffix applied on top. It makes end-to-end tests
// (spec.md §8 scenario S1) reproducible without depending on wall-clock or
// crypto/rand output.
type Incremental struct {
	counter uint64
}

// NewIncremental returns a fresh counter starting at zero; the first
// generated id carries counter value 1.
func NewIncremental() *Incremental { return &Incremental{} }

func (g *Incremental) NewID() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%019d%s", n, "000")
}

func (g *Incremental) NewIDInPartition(pk partitionkey.Key) string {
	return overwriteSuffix(g.NewID(), pk)
}
