package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMGenerate)
	if Reason(err) != ReasonLLMGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonLLMGenerate, Reason(err))
	}
	if !HasReason(err, ReasonLLMGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonLLMGenerate)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := Transport(assertErr{}, ReasonSTTConnect)
	wrapped := fmt.Errorf("turn 3: %w", err)
	if KindOf(wrapped) != KindTransport {
		t.Fatalf("expected transport kind, got %s", KindOf(wrapped))
	}
	if Reason(wrapped) != ReasonSTTConnect {
		t.Fatalf("expected reason %s, got %s", ReasonSTTConnect, Reason(wrapped))
	}
	if !errors.Is(wrapped, assertErr{}) {
		t.Fatalf("expected original error in chain")
	}
}

func TestInnermostKindWins(t *testing.T) {
	err := Backend(Timeout(assertErr{}, ReasonLLMFirstToken), ReasonLLMGenerate)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout kind, got %s", KindOf(err))
	}
	if KindOf(nil) != KindUnknown || KindOf(assertErr{}) != KindUnknown {
		t.Fatalf("expected unknown kind for untagged errors")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestClassifyFillsOnlyMissingTags(t *testing.T) {
	reasoned := Wrap(assertErr{}, ReasonTTSSynthesize)
	err := Backend(reasoned, ReasonLLMGenerate)
	if Reason(err) != ReasonTTSSynthesize || KindOf(err) != KindBackend {
		t.Fatalf("got reason %s kind %s", Reason(err), KindOf(err))
	}
	if Wrap(nil, ReasonTTSSynthesize) != nil || WithKind(nil, KindTimeout) != nil {
		t.Fatalf("nil errors should stay nil")
	}
	var e *Error
	if !errors.As(err, &e) || e.Error() != "boom" {
		t.Fatalf("expected *Error carrying the original message")
	}
}
