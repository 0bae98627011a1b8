package apierrors

import (
	"errors"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := ConcurrencyConflict("etag mismatch")
	if !Is(err, KindConcurrencyConflict) {
		t.Fatalf("expected Is to match KindConcurrencyConflict")
	}
	if Is(err, KindValidation) {
		t.Fatalf("did not expect Is to match an unrelated kind")
	}
}

func TestErrorsIsWorksAgainstSentinel(t *testing.T) {
	err := LockUnavailable("lock \"x\" unavailable")
	sentinel := LockUnavailable("")
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match on Kind alone when target Code is empty")
	}
}

func TestValidationMatchesOnCodeToo(t *testing.T) {
	err := Validation(CodePartitionKeyValueTooLong, "too long")
	matchSameCode := Validation(CodePartitionKeyValueTooLong, "")
	matchOtherCode := Validation(CodePartitionKeyValueInvalid, "")

	if !errors.Is(err, matchSameCode) {
		t.Fatalf("expected match on identical validation code")
	}
	if errors.Is(err, matchOtherCode) {
		t.Fatalf("did not expect match across different validation codes")
	}
}

func TestStorageErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := StorageError("writing document", cause)
	if !Is(err, KindStorageError) {
		t.Fatalf("expected KindStorageError")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach the original cause")
	}
}

func TestAsCodeOnlyForValidation(t *testing.T) {
	if _, ok := AsCode(InvalidState("boom")); ok {
		t.Fatalf("did not expect AsCode to succeed for a non-validation error")
	}
	code, ok := AsCode(Validation(CodeExternalIdValueEmpty, "empty"))
	if !ok || code != CodeExternalIdValueEmpty {
		t.Fatalf("expected AsCode to extract %q, got %q ok=%v", CodeExternalIdValueEmpty, code, ok)
	}
}
