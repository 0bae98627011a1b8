package partitionkey

import (
	"strings"
	"testing"

	"promisedb/pkg/apierrors"
)

func TestFromIDTakesTrailingSuffix(t *testing.T) {
	id := "1234567890123456789abc"
	if len(id) != IDLength {
		t.Fatalf("test fixture id must be %d characters, got %d", IDLength, len(id))
	}
	k, err := FromID(id)
	if err != nil {
		t.Fatalf("FromID: %v", err)
	}
	if k.String() != "abc" {
		t.Fatalf("expected suffix %q, got %q", "abc", k.String())
	}
}

func TestFromIDRejectsWrongLength(t *testing.T) {
	_, err := FromID("tooshort")
	if !apierrors.Is(err, apierrors.KindInvalidState) {
		t.Fatalf("expected InvalidState for a non-22-character id, got %v", err)
	}
}

func TestFromArbitraryStringRejectsTooLong(t *testing.T) {
	_, err := FromArbitraryString(strings.Repeat("x", MaxBytes+1))
	code, ok := apierrors.AsCode(err)
	if !ok || code != apierrors.CodePartitionKeyValueTooLong {
		t.Fatalf("expected CodePartitionKeyValueTooLong, got %v (code=%q ok=%v)", err, code, ok)
	}
}

func TestFromArbitraryStringRejectsForbiddenRunes(t *testing.T) {
	for _, bad := range []string{"a/b", "a\\b", "a#b", "a?b", `a"b`} {
		if _, err := FromArbitraryString(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestFromArbitraryStringAcceptsPlainValue(t *testing.T) {
	k, err := FromArbitraryString("order-42")
	if err != nil {
		t.Fatalf("FromArbitraryString: %v", err)
	}
	if k.String() != "order-42" {
		t.Fatalf("got %q", k.String())
	}
}

func TestEqualComparesByValue(t *testing.T) {
	a, _ := FromArbitraryString("abc")
	b, _ := FromArbitraryString("abc")
	c, _ := FromArbitraryString("xyz")
	if !a.Equal(b) {
		t.Fatalf("expected equal keys built from the same string to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("did not expect different keys to compare equal")
	}
}
