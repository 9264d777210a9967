package pgstore

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyErrorPgCodes(t *testing.T) {
	cases := []struct {
		code string
		want FailureReason
	}{
		{"23503", ReasonFKViolation},
		{"23505", ReasonDuplicateKey},
		{"42501", ReasonPermissionDenied},
		{"99999", ReasonUnknown},
	}
	for _, c := range cases {
		err := &pgconn.PgError{Code: c.code}
		if got := classifyError(err); got != c.want {
			t.Fatalf("classifyError(%s) = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestClassifyErrorNonPgError(t *testing.T) {
	if got := classifyError(errors.New("boom")); got != ReasonUnknown {
		t.Fatalf("got %s, want %s", got, ReasonUnknown)
	}
}

func TestNormalizeUsernameStripsAt(t *testing.T) {
	if got := normalizeUsername("@@channel"); got != "channel" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeUsername("channel"); got != "channel" {
		t.Fatalf("got %q", got)
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("expected nil for empty string")
	}
	if got := nullIfEmpty("x"); got == nil || *got != "x" {
		t.Fatalf("got %v", got)
	}
}
