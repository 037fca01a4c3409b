// Package deposit implements the deposit intent lifecycle: a derived
// address is issued to a user, on-chain observations walk it through
// ISSUED -> SEEN -> CONFIRMED -> CREDITED, and crediting is idempotent
// on the intent id. Under-payment never blocks crediting; it raises an
// alert instead.
package deposit

import (
	"context"
	"database/sql"
	"errors"
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

// Engine drives the deposit intent state machine.
type Engine struct {
	store  *storage.Storage
	gw     gateway.Gateway
	alerts *alerts.Sink
	log    *logging.Logger
}

// New creates a deposit Engine.
func New(store *storage.Storage, gw gateway.Gateway, sink *alerts.Sink, log *logging.Logger) *Engine {
	return &Engine{store: store, gw: gw, alerts: sink, log: log.Component("deposit")}
}

// CreateIntent derives a fresh address via the gateway and stores a new
// intent in ISSUED status. (address, chain) is unique by schema
// constraint.
func (e *Engine) CreateIntent(ctx context.Context, userID, chain string, minAmountU int64) (*storage.DepositIntent, error) {
	if minAmountU < 1 {
		return nil, coreerr.Validation("expected_min_u must be at least 1")
	}

	id := uuid.NewString()

	address, err := e.gw.GenerateAddress(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	intent := &storage.DepositIntent{
		ID:           id,
		UserID:       userID,
		Chain:        chain,
		Status:       storage.DepositIntentStatusIssued,
		ExpectedMinU: minAmountU,
		Address:      address,
		CreatedAt:    time.Now(),
	}

	// memo-bearing chains (the reference Solana-style implementation)
	// attach a reference tag derived from the intent id, mirroring the
	// upstream onramp's chain == SOL branch.
	if memoChain, ok := e.gw.(interface{ UsesMemo() bool }); ok && memoChain.UsesMemo() {
		memo := memoTagFromID(id)
		intent.MemoTag = &memo
	}

	if err := e.store.CreateDepositIntent(intent); err != nil {
		return nil, fmt.Errorf("failed to create deposit intent: %w", err)
	}

	// A PENDING transfer row tracks this intent's ledger-facing side
	// (the reconciler's chain-vs-ledger diff and the TVL metrics both
	// read transfers, not deposit_intents). Sharing the intent's id as
	// the transfer's id keeps the two rows trivially joinable.
	err = e.store.WithTx(func(tx *sql.Tx) error {
		return storage.CreateTransferTx(tx, &storage.Transfer{
			ID:        id,
			UserID:    userID,
			Type:      storage.TransferTypeDeposit,
			AmountU:   minAmountU,
			Status:    storage.TransferStatusPending,
			CreatedAt: intent.CreatedAt,
			UpdatedAt: intent.CreatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deposit transfer record: %w", err)
	}

	e.log.Info("deposit intent created", "intent_id", id, "user_id", userID, "chain", chain)
	return intent, nil
}

func memoTagFromID(id string) string {
	out := make([]byte, 0, len(id))
	for _, r := range id {
		if r != '-' {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// Observe applies a gateway deposit observation to the intent that
// issued obs.Address. It is a no-op if no such intent exists (e.g. an
// unrelated deposit to the hot wallet) or if the intent has already
// progressed past the transition this observation would trigger.
func (e *Engine) Observe(ctx context.Context, chain string, obs gateway.DepositObservation) error {
	isNew, err := e.store.RecordChainEvent(&storage.ChainEvent{
		ID:          uuid.NewString(),
		Chain:       chain,
		TxSig:       obs.TxSig,
		LogIdx:      obs.LogIdx,
		Raw:         obs.Raw,
		ProcessedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record chain event: %w", err)
	}
	if !isNew {
		// Already processed this (tx_sig, log_idx) pair: re-observing
		// produces no new ledger entries and no state changes.
		return nil
	}

	intent, err := e.store.GetDepositIntentByAddress(chain, obs.Address)
	if err != nil {
		return fmt.Errorf("failed to look up deposit intent: %w", err)
	}
	if intent == nil {
		return nil
	}

	now := time.Now()

	if intent.Status == storage.DepositIntentStatusIssued {
		if err := e.store.MarkDepositIntentSeen(intent.ID, obs.TxSig, now); err != nil {
			return fmt.Errorf("failed to mark intent seen: %w", err)
		}
		intent.Status = storage.DepositIntentStatusSeen
		intent.TxSig = &obs.TxSig
	}

	if intent.Status == storage.DepositIntentStatusSeen && obs.Confirmations >= e.gw.MinConfirmations() {
		if err := e.store.MarkDepositIntentConfirmed(intent.ID, now); err != nil {
			return fmt.Errorf("failed to mark intent confirmed: %w", err)
		}
		intent.Status = storage.DepositIntentStatusConfirmed
	}

	// A reorg/replacement dropping confirmations back to zero on an
	// intent that never reached CREDITED walks it back to SEEN so the
	// monitor re-tracks it to confirmation from scratch. Once CREDITED,
	// crediting is permanent regardless of later chain reorgs.
	if intent.Status == storage.DepositIntentStatusConfirmed && obs.Confirmations == 0 {
		if err := e.store.RevertDepositIntentToSeen(intent.ID); err != nil {
			return fmt.Errorf("failed to revert deposit intent after reorg: %w", err)
		}
		intent.Status = storage.DepositIntentStatusSeen
		e.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindReorgDrop,
			Severity: alerts.SeverityHigh,
			Message:  "deposit confirmations dropped to zero after being previously observed",
			Fields: map[string]string{
				"intent_id": intent.ID,
				"tx_sig":    obs.TxSig,
			},
		})
		return nil
	}

	if intent.Status != storage.DepositIntentStatusConfirmed {
		return nil
	}

	if obs.AmountU < intent.ExpectedMinU {
		// Policy: under-payment never blocks crediting; it is reported.
		e.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindUnderPayment,
			Severity: alerts.SeverityMedium,
			Message:  "deposit observed below expected minimum",
			Fields: map[string]string{
				"intent_id":       intent.ID,
				"expected_u":      fmt.Sprintf("%d", intent.ExpectedMinU),
				"observed_u":      fmt.Sprintf("%d", obs.AmountU),
				"expected_amount": helpers.FormatMicroUnits(intent.ExpectedMinU),
				"observed_amount": helpers.FormatMicroUnits(obs.AmountU),
			},
		})
	}

	return e.credit(intent, obs.AmountU, now)
}

// credit posts the ledger entries and marks the intent CREDITED in one
// transaction. Guarded by the CONFIRMED -> CREDITED state transition,
// so a second call for the same intent is a no-op once it has already
// succeeded once.
func (e *Engine) credit(intent *storage.DepositIntent, amountU int64, now time.Time) error {
	uid := intent.UserID

	return e.store.WithTx(func(tx *sql.Tx) error {
		if err := storage.MarkDepositIntentCreditedTx(tx, intent.ID, now); err != nil {
			if errors.Is(err, storage.ErrStatusGuardFailed) {
				// Already CREDITED by a concurrent observation: idempotent no-op.
				return nil
			}
			return fmt.Errorf("failed to mark deposit intent credited: %w", err)
		}

		if err := storage.UpdateTransferStatusTx(tx, intent.ID, storage.TransferStatusConfirmed, intent.TxSig, now); err != nil {
			return fmt.Errorf("failed to confirm deposit transfer record: %w", err)
		}

		_, err := ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountCash, UserID: &uid, AmountU: amountU, RefType: "deposit_intent", RefID: intent.ID},
			{Account: ledger.AccountHouse, AmountU: -amountU, RefType: "deposit_intent", RefID: intent.ID},
		}, now)
		return err
	})
}

// ExpireOld marks ISSUED intents older than maxAge as EXPIRED.
func (e *Engine) ExpireOld(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	count, err := e.store.ExpireOldDepositIntents(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire deposit intents: %w", err)
	}
	if count > 0 {
		e.log.Info("expired stale deposit intents", "count", count)
	}
	return count, nil
}
