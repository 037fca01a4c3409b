// Package metrics exposes read-only aggregates over ledger and
// transfer state. Nothing here is cached: every call recomputes its
// sums from the current tables, since staleness in a custodial balance
// figure is worse than the extra query cost.
package metrics

import (
	"fmt"

	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
)

// Snapshot is one point-in-time read of the aggregates below.
type Snapshot struct {
	LockedU             int64
	TotalCashU          int64
	HouseU              int64
	FeesU               int64
	PendingWithdrawalsU int64
}

// Reader computes metric snapshots over a Storage.
type Reader struct {
	store *storage.Storage
}

// New creates a metrics Reader over store.
func New(store *storage.Storage) *Reader {
	return &Reader{store: store}
}

// Snapshot computes locked_u, total_cash_u, and pending_withdrawals_u
// fresh from ledger and transfer state.
func (r *Reader) Snapshot() (*Snapshot, error) {
	locked, err := r.store.Balance(ledger.AccountLocked, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read locked balance: %w", err)
	}

	cash, err := r.store.Balance(ledger.AccountCash, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read cash balance: %w", err)
	}

	house, err := r.store.Balance(ledger.AccountHouse, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read house balance: %w", err)
	}

	fees, err := r.store.Balance(ledger.AccountFees, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read fees balance: %w", err)
	}

	pendingWithdrawals, err := r.store.SumTransfersByTypeStatus(storage.TransferTypeWithdrawal, storage.TransferStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending withdrawal transfers: %w", err)
	}

	return &Snapshot{
		LockedU:             locked,
		TotalCashU:          cash,
		HouseU:              house,
		FeesU:               fees,
		PendingWithdrawalsU: pendingWithdrawals,
	}, nil
}
