// Package withdrawal implements the withdrawal request lifecycle:
// PENDING -> BROADCAST -> CONFIRMED, with an unwind path back to cash
// on any non-retryable broadcast failure.
package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/gateway"
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/helpers"
	"github.com/duskline/updown-core/pkg/logging"
)

// Engine drives withdrawal creation, broadcast, and confirmation.
type Engine struct {
	store           *storage.Storage
	gw              gateway.Gateway
	alerts          *alerts.Sink
	largeThresholdU int64
	log             *logging.Logger
}

// New creates a withdrawal Engine.
func New(store *storage.Storage, gw gateway.Gateway, sink *alerts.Sink, largeThresholdU int64, log *logging.Logger) *Engine {
	return &Engine{
		store:           store,
		gw:              gw,
		alerts:          sink,
		largeThresholdU: largeThresholdU,
		log:             log.Component("withdrawal"),
	}
}

// Create validates the destination and balance, locks the requested
// amount out of cash into pending_withdrawals, and inserts a PENDING
// request. Requests at or above the large-withdrawal threshold start
// unapproved and require an explicit ApproveWithdrawal before Process
// will broadcast them; smaller ones are auto-approved (mirroring the
// KYT-integration default on the upstream withdrawal model).
func (e *Engine) Create(ctx context.Context, userID, chain, destination string, amountU int64) (*storage.WithdrawalRequest, error) {
	if amountU <= 0 {
		return nil, coreerr.Validation("amount_u must be positive")
	}
	if !e.gw.IsValidAddress(destination) {
		return nil, coreerr.InvalidAddress(destination)
	}

	balance, err := e.store.Balance(ledger.AccountCash, &userID)
	if err != nil {
		return nil, err
	}
	if balance < amountU {
		return nil, coreerr.InsufficientFunds(balance, amountU)
	}

	now := time.Now()
	w := &storage.WithdrawalRequest{
		ID:               uuid.NewString(),
		UserID:           userID,
		Chain:            chain,
		Destination:      destination,
		RequestedU:       amountU,
		Status:           storage.WithdrawalStatusPending,
		MinConfirmations: e.gw.MinConfirmations(),
		AdminApproved:    amountU < e.largeThresholdU,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = e.store.WithTx(func(tx *sql.Tx) error {
		current, err := storage.BalanceTx(tx, ledger.AccountCash, &userID)
		if err != nil {
			return err
		}
		if current < amountU {
			return coreerr.InsufficientFunds(current, amountU)
		}

		if err := storage.CreateWithdrawalRequestTx(tx, w); err != nil {
			return err
		}

		// Sharing the withdrawal's id as the transfer's id keeps the
		// ledger-facing record (read by the reconciler and TVL metrics)
		// trivially joinable with the chain-facing withdrawal_requests row.
		if err := storage.CreateTransferTx(tx, &storage.Transfer{
			ID:        w.ID,
			UserID:    userID,
			Type:      storage.TransferTypeWithdrawal,
			AmountU:   amountU,
			Status:    storage.TransferStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		_, err = ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountCash, UserID: &userID, AmountU: -amountU, RefType: "withdrawal", RefID: w.ID},
			{Account: ledger.AccountPendingWithdrawals, UserID: &userID, AmountU: amountU, RefType: "withdrawal", RefID: w.ID},
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if amountU >= e.largeThresholdU {
		e.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindLargeWithdrawal,
			Severity: alerts.SeverityHigh,
			Message:  "withdrawal request requires admin approval",
			Fields: map[string]string{
				"withdrawal_id": w.ID,
				"user_id":       userID,
				"amount_u":      fmt.Sprintf("%d", amountU),
				"amount":        helpers.FormatMicroUnits(amountU),
			},
		})
	}

	e.log.Info("withdrawal requested", "withdrawal_id", w.ID, "user_id", userID, "amount_u", amountU)
	return w, nil
}

// Process broadcasts a PENDING, admin-approved withdrawal. A
// non-retryable failure (or final exhaustion upstream) unwinds the
// hold back to cash and marks the request FAILED; a retryable failure
// leaves the request PENDING for a later retry.
func (e *Engine) Process(ctx context.Context, withdrawalID string) error {
	w, err := e.store.GetWithdrawalRequest(withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != storage.WithdrawalStatusPending {
		return coreerr.InvalidRoundState(fmt.Sprintf("withdrawal %s is not PENDING (status=%s)", withdrawalID, w.Status))
	}
	if !w.AdminApproved {
		return coreerr.Security("withdrawal requires admin approval before broadcast", nil)
	}

	txHash, err := e.gw.CreateWithdrawal(ctx, w.Destination, w.RequestedU)
	if err != nil {
		if coreerr.IsRetryable(err) {
			return err
		}
		return e.fail(w, time.Now())
	}

	if err := e.store.MarkWithdrawalBroadcast(w.ID, txHash, time.Now()); err != nil {
		return err
	}

	e.log.Info("withdrawal broadcast", "withdrawal_id", w.ID, "tx_hash", txHash)
	return nil
}

func (e *Engine) fail(w *storage.WithdrawalRequest, now time.Time) error {
	uid := w.UserID
	return e.store.WithTx(func(tx *sql.Tx) error {
		if err := storage.MarkWithdrawalFailedTx(tx, w.ID, now); err != nil {
			return err
		}
		if err := storage.UpdateTransferStatusTx(tx, w.ID, storage.TransferStatusFailed, nil, now); err != nil {
			return err
		}

		_, err := ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountPendingWithdrawals, UserID: &uid, AmountU: -w.RequestedU, RefType: "withdrawal_failed", RefID: w.ID},
			{Account: ledger.AccountCash, UserID: &uid, AmountU: w.RequestedU, RefType: "withdrawal_failed", RefID: w.ID},
		}, now)
		return err
	})
}

// PollConfirmations reads the broadcast tx's confirmation count and, on
// crossing min_confirmations, transitions BROADCAST -> CONFIRMED and
// posts the final settlement entries moving the hold into house. Safe
// to call repeatedly: the CONFIRMED transition is a one-time status
// guard, so a request already CONFIRMED posts nothing further.
func (e *Engine) PollConfirmations(ctx context.Context, withdrawalID string) error {
	w, err := e.store.GetWithdrawalRequest(withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != storage.WithdrawalStatusBroadcast {
		return nil
	}

	confirmations, err := e.gw.GetConfirmations(ctx, *w.BroadcastTx)
	if err != nil {
		return err
	}

	now := time.Now()

	if confirmations < w.MinConfirmations {
		return e.store.UpdateWithdrawalConfirmations(w.ID, confirmations, now)
	}

	return e.settle(w, confirmations, now)
}

// settle transitions BROADCAST -> CONFIRMED and posts the final
// postings in one transaction. The status guard makes this idempotent:
// polling an already-CONFIRMED withdrawal again posts nothing further.
func (e *Engine) settle(w *storage.WithdrawalRequest, confirmations uint32, now time.Time) error {
	uid := w.UserID
	return e.store.WithTx(func(tx *sql.Tx) error {
		transitioned, err := storage.SettleWithdrawalConfirmedTx(tx, w.ID, confirmations, now)
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		if err := storage.UpdateTransferStatusTx(tx, w.ID, storage.TransferStatusConfirmed, w.BroadcastTx, now); err != nil {
			return err
		}

		_, err = ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountPendingWithdrawals, UserID: &uid, AmountU: -w.RequestedU, RefType: "withdrawal_settled", RefID: w.ID},
			{Account: ledger.AccountHouse, AmountU: w.RequestedU, RefType: "withdrawal_settled", RefID: w.ID},
		}, now)
		return err
	})
}
