// Package gateway defines the contract the settlement core consumes
// from a chain integration. The core never speaks to chain RPCs
// directly; it only depends on this interface, which must be pure with
// respect to database state.
package gateway

import "context"

// DepositObservation is one entry in a gateway's deposit stream.
// It carries no user or intent id: the core resolves Address against
// the deposit_intents table — the gateway itself reports only what it
// saw on-chain.
type DepositObservation struct {
	Address       string
	TxSig         string
	LogIdx        int
	AmountU       int64
	Confirmations uint32
	Raw           string
}

// Cursor is an opaque resume token (block height, slot, or similar)
// handed back by WatchDeposits so a restart can resume without
// re-scanning from genesis.
type Cursor string

// Gateway is the chain integration contract. watch_deposits is
// infinite and resumable: callers read from the returned channel until
// ctx is cancelled or the channel closes on error.
type Gateway interface {
	// MinConfirmations is the confirmation threshold this chain's
	// withdrawals and deposits must clear.
	MinConfirmations() uint32

	// WatchDeposits streams deposit observations starting after
	// cursor (empty cursor means "from now"). The returned channel is
	// closed when ctx is done or the stream ends in error; callers
	// that need the terminal error should check ctx.Err().
	WatchDeposits(ctx context.Context, cursor Cursor) (<-chan DepositObservation, error)

	// CreateWithdrawal broadcasts a transfer of amountU to address and
	// returns the transaction hash. Returns a *coreerr.CoreError of
	// kind Validation, InvalidAddress, Network, RateLimited, or
	// Transaction.
	CreateWithdrawal(ctx context.Context, address string, amountU int64) (txHash string, err error)

	// GetConfirmations returns the current confirmation count for a
	// broadcast transaction, or 0 if unknown.
	GetConfirmations(ctx context.Context, txHash string) (uint32, error)

	// GenerateAddress deterministically derives a deposit address for
	// (userID, intentID). The same pair always yields the same
	// address.
	GenerateAddress(ctx context.Context, userID, intentID string) (address string, err error)

	// IsValidAddress reports whether s is a well-formed address for
	// this chain, without consulting the network.
	IsValidAddress(s string) bool

	// BuildPaymentURI renders a scannable payment request string. The
	// exact scheme is the gateway's concern; the core only passes the
	// result through to clients.
	BuildPaymentURI(address string, amountU *int64, intentID string) string
}
