package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeProviderFailure, cause, "chat completion")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if got := CodeOf(fmt.Errorf("outer: %w", err)); got != CodeProviderFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !RetryableError(err) {
		t.Fatalf("provider failures should be retryable by default")
	}
	if want := "[PROVIDER_FAILURE] chat completion: connection reset"; err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeProviderFailure, "", WithRetryable(false), WithSeverity(SeverityCritical))
	if err.Retryable() {
		t.Fatalf("retryable override ignored")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("severity override ignored")
	}
	if err.Message() != "model provider failure" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "tool timed out")
	outer := Wrap(CodeToolExecution, inner, "shell")
	if !HasCode(outer, CodeTimeout) {
		t.Fatalf("expected nested code to be found")
	}
	if HasCode(outer, CodeStorageFailure) {
		t.Fatalf("unexpected code match")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected UNKNOWN attributes, got %+v", attr)
	}
}
