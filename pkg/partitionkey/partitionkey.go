// Package partitionkey derives and validates the partition label documents
// are stored under. A key is either the trailing 3 characters of a
// 22-character identifier, or an arbitrary validated string — the two are
// constructed through distinct functions because a string that happens to
// be 22 characters is ambiguous, and silently guessing wrong would corrupt
// routing (see the open question in SPEC_FULL.md carried from spec.md §9).
package partitionkey

import (
	"unicode"

	"promisedb/pkg/apierrors"
)

// MaxBytes is the maximum allowed UTF-8 byte length of a partition key.
const MaxBytes = 100

// IDLength is the fixed length of identifiers produced by pkg/identity.
const IDLength = 22

// SuffixLength is the number of trailing characters of an identifier that
// form its derived partition key.
const SuffixLength = 3

var forbiddenRunes = map[rune]struct{}{
	'/': {}, '\\': {}, '#': {}, '?': {}, '"': {},
}

// Key is a validated partition key. The zero value is invalid; always
// construct through FromID or FromArbitraryString.
type Key struct {
	value string
}

// String returns the underlying partition label.
func (k Key) String() string { return k.value }

// Equal compares two keys by their underlying string value, regardless of
// how each was constructed (derived-from-ID vs arbitrary-string compare
// equal only when the full strings match, per spec.md §3).
func (k Key) Equal(other Key) bool { return k.value == other.value }

// FromID derives the partition key from the last SuffixLength characters of
// a 22-character identifier. It does not accept arbitrary strings of any
// other length — use FromArbitraryString for those, even if such a string
// happens to be 22 characters long (the open question in the design notes:
// there is no safe unified coercion, so the split API is carried forward
// deliberately rather than papered over with a guessing cast).
func FromID(id string) (Key, error) {
	if len(id) != IDLength {
		return Key{}, apierrors.InvalidState("partition key cannot be derived from an id that is not 22 characters long")
	}
	return FromArbitraryString(id[len(id)-SuffixLength:])
}

// FromArbitraryString validates s as a standalone partition key: UTF-8
// length at most MaxBytes, free of path/query/quote metacharacters,
// control characters, line/paragraph separators, private-use and
// unassigned code points.
func FromArbitraryString(s string) (Key, error) {
	if len(s) > MaxBytes {
		return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueTooLong,
			"partition key exceeds the maximum of 100 UTF-8 bytes")
	}
	for _, r := range s {
		if _, bad := forbiddenRunes[r]; bad {
			return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueInvalid,
				"partition key contains a forbidden character")
		}
		if unicode.IsControl(r) {
			return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueInvalid,
				"partition key contains a control character")
		}
		switch r {
		case ' ', ' ': // line/paragraph separator
			return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueInvalid,
				"partition key contains a line or paragraph separator")
		}
		if unicode.Is(unicode.Co, r) { // private-use
			return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueInvalid,
				"partition key contains a private-use character")
		}
		if !unicode.IsGraphic(r) && !unicode.IsSpace(r) {
			return Key{}, apierrors.Validation(apierrors.CodePartitionKeyValueInvalid,
				"partition key contains an unassigned or non-graphic character")
		}
	}
	return Key{value: s}, nil
}
