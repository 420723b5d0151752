package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindAndSentinel(t *testing.T) {
	err := Wrap(KindDatabase, "cards.get", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Error("ErrNotFound not recoverable")
	}
	if !IsKind(err, KindDatabase) {
		t.Error("kind not recoverable")
	}
	if IsKind(err, KindModel) {
		t.Error("wrong kind matched")
	}
}

func TestWrappingChain(t *testing.T) {
	inner := Wrap(KindDatabase, "messages.insert", ErrConstraint)
	outer := fmt.Errorf("poller: %w", inner)
	if !errors.Is(outer, ErrConstraint) {
		t.Error("sentinel lost through wrapping")
	}
	if !IsKind(outer, KindDatabase) {
		t.Error("kind lost through wrapping")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrapf(KindModel, "openai.chat", ErrRateLimit, "status %d", 429)
	s := err.Error()
	for _, want := range []string{"model", "openai.chat", "status 429", "rate limited"} {
		if !strings.Contains(s, want) {
			t.Errorf("error %q missing %q", s, want)
		}
	}
}

func TestNotFoundHelper(t *testing.T) {
	err := NotFound("cards.get", "card", "abc")
	if !errors.Is(err, ErrNotFound) || !IsKind(err, KindDatabase) {
		t.Errorf("err = %v", err)
	}
}
