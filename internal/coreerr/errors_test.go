package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", Network("rpc down", nil), true},
		{"rate limited", RateLimited("slow down", nil), true},
		{"validation", Validation("bad field"), false},
		{"insufficient funds", InsufficientFunds(10, 20), false},
		{"security", Security("bad signature", nil), false},
		{"ledger imbalance", LedgerImbalance(5), false},
		{"oracle unavailable", OracleUnavailable("no close yet"), true},
		{"invalid round state", InvalidRoundState("round not open"), false},
		{"wrapped", fmt.Errorf("context: %w", Network("rpc down", nil)), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestInsufficientFundsMessage(t *testing.T) {
	err := InsufficientFunds(100, 250)
	ce, ok := As(err)
	if !ok {
		t.Fatal("expected a *CoreError")
	}
	if ce.Kind != KindInsufficientFunds {
		t.Errorf("Kind = %s, want %s", ce.Kind, KindInsufficientFunds)
	}
	if ce.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want %s", ce.Severity, SeverityHigh)
	}
	want := "insufficient balance: have 100, need 250 (short 150)"
	if ce.Message != want {
		t.Errorf("Message = %q, want %q", ce.Message, want)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := Network("failed to reach node", inner)
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped inner error")
	}
}
