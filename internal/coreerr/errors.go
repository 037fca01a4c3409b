// Package coreerr classifies every error the settlement core can raise,
// mirroring the severity/retryability taxonomy the core's error handling
// design is built around: network and gateway failures are distinguished
// from validation, balance, and data-integrity failures so callers (the
// monitor, the withdrawal engine, the reconciler) can decide uniformly
// whether to retry, alert, or reject.
package coreerr

import (
	"errors"
	"fmt"
)

// Severity ranks how urgently an error needs human attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind identifies the error category from the taxonomy table.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate_limited"
	KindValidation         Kind = "validation"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindTransaction        Kind = "transaction"
	KindConfirmation       Kind = "confirmation"
	KindSecurity           Kind = "security"
	KindConfiguration      Kind = "configuration"
	KindDataIntegrity      Kind = "data_integrity"
	KindOracleUnavailable  Kind = "oracle_unavailable"
	KindLedgerImbalance    Kind = "ledger_imbalance"
	KindInvalidRoundState  Kind = "invalid_round_state"
	KindInvalidAddress     Kind = "invalid_address"
	KindNotFound           Kind = "not_found"
)

// CoreError is the single error type every core component returns.
type CoreError struct {
	Kind      Kind
	Severity  Severity
	Retryable bool
	Message   string
	Err       error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CoreError) Unwrap() error { return e.Err }

func newErr(kind Kind, sev Severity, retryable bool, msg string, wrapped error) *CoreError {
	return &CoreError{Kind: kind, Severity: sev, Retryable: retryable, Message: msg, Err: wrapped}
}

// Network wraps a gateway transport failure. Retryable.
func Network(msg string, err error) *CoreError {
	return newErr(KindNetwork, SeverityLow, true, msg, err)
}

// RateLimited marks a gateway rate-limit response. Retryable.
func RateLimited(msg string, err error) *CoreError {
	return newErr(KindRateLimited, SeverityLow, true, msg, err)
}

// Validation marks bad user input or an unparsable address. Not retryable.
func Validation(msg string) *CoreError {
	return newErr(KindValidation, SeverityMedium, false, msg, nil)
}

// InvalidAddress marks a chain address that fails the gateway's validity
// check. Not retryable.
func InvalidAddress(address string) *CoreError {
	return newErr(KindInvalidAddress, SeverityMedium, false,
		fmt.Sprintf("invalid destination address: %s", address), nil)
}

// InsufficientFunds marks a ledger precondition failure, carrying the
// shortfall so the caller can surface it to the user. Not retryable.
func InsufficientFunds(have, need int64) *CoreError {
	return newErr(KindInsufficientFunds, SeverityHigh, false,
		fmt.Sprintf("insufficient balance: have %d, need %d (short %d)", have, need, need-have), nil)
}

// Transaction marks a gateway broadcast failure (gas/nonce-class). May or
// may not be retryable depending on the specific cause; callers pass
// retryable explicitly since the gateway is the only one that knows.
func Transaction(msg string, retryable bool, err error) *CoreError {
	return newErr(KindTransaction, SeverityHigh, retryable, msg, err)
}

// Confirmation marks a reorg/replacement observed during confirmation
// polling. Retryable — the monitor simply polls again.
func Confirmation(msg string) *CoreError {
	return newErr(KindConfirmation, SeverityMedium, true, msg, nil)
}

// Security marks a key/signature-class failure. Never retryable.
func Security(msg string, err error) *CoreError {
	return newErr(KindSecurity, SeverityCritical, false, msg, err)
}

// Configuration marks a wrong contract/mint/network mismatch. Not
// retryable — it needs an operator fix.
func Configuration(msg string) *CoreError {
	return newErr(KindConfiguration, SeverityHigh, false, msg, nil)
}

// DataIntegrity marks a ledger-audit or balance mismatch. Critical,
// never auto-resolves.
func DataIntegrity(msg string) *CoreError {
	return newErr(KindDataIntegrity, SeverityCritical, false, msg, nil)
}

// OracleUnavailable marks a missing oracle close price. Retryable within
// the round's grace window; becomes a VOID settlement once the grace
// window elapses.
func OracleUnavailable(msg string) *CoreError {
	return newErr(KindOracleUnavailable, SeverityMedium, true, msg, nil)
}

// LedgerImbalance marks a post() precondition violation — the caller
// tried to post a set of entries that doesn't sum to zero. Critical,
// never retryable: it is a programming error, not a transient fault.
func LedgerImbalance(total int64) *CoreError {
	return newErr(KindLedgerImbalance, SeverityCritical, false,
		fmt.Sprintf("ledger entries must sum to zero, got %d", total), nil)
}

// InvalidRoundState marks a round-engine transition guard rejection.
func InvalidRoundState(msg string) *CoreError {
	return newErr(KindInvalidRoundState, SeverityMedium, false, msg, nil)
}

// NotFound marks a missing entity lookup.
func NotFound(msg string) *CoreError {
	return newErr(KindNotFound, SeverityMedium, false, msg, nil)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// CoreError.
func IsRetryable(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// As is a thin convenience wrapper over errors.As for *CoreError.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	ok := errors.As(err, &ce)
	return ce, ok
}
