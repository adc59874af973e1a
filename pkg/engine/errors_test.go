package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDeployError_Formatting(t *testing.T) {
	err := NewTransientError("gateway not ready", fmt.Errorf("503")).
		WithStep("create-api-gateway").
		WithCode(ErrCodeRateLimited)

	msg := err.Error()
	for _, want := range []string{"transient", "gateway not ready", "create-api-gateway", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error message missing %q: %s", want, msg)
		}
	}
}

func TestDeployError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("quota exhausted")
	err := NewThrottledError("rate limited", inner)
	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to reach the wrapped error")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{NewTransientError("t", nil), true},
		{NewThrottledError("t", nil), true},
		{NewConflictError("t", nil), true},
		{NewPermanentError("t", nil), false},
		{fmt.Errorf("unclassified"), true},
		{fmt.Errorf("wrapped: %w", NewPermanentError("t", nil)), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Errorf("IsRetryable(%v): expected %v, got %v", tc.err, tc.retryable, got)
		}
	}
}

func TestCompletionError_NamesEveryMissingKey(t *testing.T) {
	err := &CompletionError{Missing: []string{"gatewayUrl", "apiKey"}}
	msg := err.Error()
	if !strings.Contains(msg, "gatewayUrl") || !strings.Contains(msg, "apiKey") {
		t.Errorf("Completion error must name missing keys: %s", msg)
	}
}
