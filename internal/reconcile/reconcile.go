// Package reconcile audits the ledger for internal consistency and the
// deposit/transfer tables against each other, raising alerts when they
// disagree and, for deposits the engine credited but never confirmed
// in the transfer table, healing the gap the same way the deposit
// engine would have.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/helpers"
	"github.com/duskline/updown-core/pkg/logging"
)

// LedgerReport summarizes one AuditLedger run.
type LedgerReport struct {
	GroupsChecked int
	Imbalances    []storage.RefImbalance
}

// ChainReport summarizes one AuditChain run.
type ChainReport struct {
	CreditedIntents int
	MissingTransfer int
	Healed          int
}

// BalanceReport summarizes one house-vs-hot-wallet comparison.
type BalanceReport struct {
	HouseU      int64
	HotWalletU  int64
	DifferenceU int64
	Reconciled  bool
}

// Reconciler runs the periodic audits described above.
type Reconciler struct {
	store  *storage.Storage
	alerts *alerts.Sink
	log    *logging.Logger
}

// New creates a Reconciler.
func New(store *storage.Storage, sink *alerts.Sink, log *logging.Logger) *Reconciler {
	return &Reconciler{store: store, alerts: sink, log: log.Component("reconcile")}
}

// AuditLedger verifies every (ref_type, ref_id) posting group sums to
// zero. Because ledger.Post/PostTx reject unbalanced batches before
// they ever reach storage, a non-empty result points at a bug upstream
// of the ledger package, not a transient condition — it is always
// reported at critical severity.
func (r *Reconciler) AuditLedger(ctx context.Context) (*LedgerReport, error) {
	imbalances, err := r.store.FindLedgerImbalances()
	if err != nil {
		return nil, fmt.Errorf("failed to audit ledger: %w", err)
	}

	report := &LedgerReport{Imbalances: imbalances}

	for _, im := range imbalances {
		r.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindDataIntegrity,
			Severity: alerts.SeverityCritical,
			Message:  "ledger postings for a reference group do not sum to zero",
			Fields: map[string]string{
				"ref_type": im.RefType,
				"ref_id":   im.RefID,
				"total_u":  fmt.Sprintf("%d", im.Total),
			},
		})
	}

	if len(imbalances) > 0 {
		r.log.Error("found unbalanced ledger reference groups", "count", len(imbalances))
	} else {
		r.log.Info("ledger audit clean")
	}

	return report, nil
}

// AuditChain cross-checks deposit intents the engine has already
// marked CREDITED against their paired transfer row. The deposit
// engine confirms the transfer in the same transaction it credits the
// intent, so on that path the two never drift; a CREDITED intent whose
// transfer is not CONFIRMED was marked by some other write, and is
// healed by confirming the transfer and posting the credit under
// deposit_reconciliation (once only).
func (r *Reconciler) AuditChain(ctx context.Context) (*ChainReport, error) {
	credited, err := r.store.ListDepositIntentsByStatus(storage.DepositIntentStatusCredited)
	if err != nil {
		return nil, fmt.Errorf("failed to list credited deposit intents: %w", err)
	}

	report := &ChainReport{CreditedIntents: len(credited)}

	for _, intent := range credited {
		transfer, err := r.store.GetTransfer(intent.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up transfer for intent %s: %w", intent.ID, err)
		}
		if transfer.Status == storage.TransferStatusConfirmed {
			continue
		}

		report.MissingTransfer++
		r.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindDataIntegrity,
			Severity: alerts.SeverityHigh,
			Message:  "credited deposit intent has no matching confirmed transfer",
			Fields: map[string]string{
				"intent_id": intent.ID,
			},
		})

		if err := r.healMissingTransfer(intent, transfer); err != nil {
			r.log.Error("failed to heal missing deposit transfer", "intent_id", intent.ID, "error", err)
			continue
		}
		report.Healed++
	}

	r.log.Info("chain audit complete", "credited", report.CreditedIntents, "missing_transfer", report.MissingTransfer, "healed", report.Healed)
	return report, nil
}

func (r *Reconciler) healMissingTransfer(intent *storage.DepositIntent, transfer *storage.Transfer) error {
	now := time.Now()
	return r.store.WithTx(func(tx *sql.Tx) error {
		if err := storage.UpdateTransferStatusTx(tx, transfer.ID, storage.TransferStatusConfirmed, intent.TxSig, now); err != nil {
			return err
		}

		existing, err := storage.EntriesByRefTx(tx, "deposit_reconciliation", intent.ID)
		if err != nil {
			return fmt.Errorf("failed to check for prior reconciliation postings: %w", err)
		}
		if len(existing) > 0 {
			// Already healed by an earlier reconciliation pass.
			return nil
		}

		uid := intent.UserID
		_, err = ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountCash, UserID: &uid, AmountU: transfer.AmountU, RefType: "deposit_reconciliation", RefID: intent.ID},
			{Account: ledger.AccountHouse, AmountU: -transfer.AmountU, RefType: "deposit_reconciliation", RefID: intent.ID},
		}, now)
		return err
	})
}

// HotWallet reports the custodial wallet balance a chain integration
// holds. Reconciliation compares this against the ledger's house
// balance; a gap means funds moved on-chain without a matching ledger
// posting.
type HotWallet interface {
	WalletBalanceU(ctx context.Context) (int64, error)
}

// ReconcileHouseBalance compares the ledger's house account against
// the chain's hot wallet balance and alerts (without attempting to
// auto-correct) if they diverge.
func (r *Reconciler) ReconcileHouseBalance(ctx context.Context, wallet HotWallet) (*BalanceReport, error) {
	houseU, err := r.store.Balance(ledger.AccountHouse, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read house balance: %w", err)
	}

	hotWalletU, err := wallet.WalletBalanceU(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read hot wallet balance: %w", err)
	}

	diff := hotWalletU - houseU
	report := &BalanceReport{HouseU: houseU, HotWalletU: hotWalletU, DifferenceU: diff, Reconciled: diff == 0}

	if diff != 0 {
		r.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindHouseReconcileGap,
			Severity: alerts.SeverityHigh,
			Message:  "house ledger balance and hot wallet balance disagree",
			Fields: map[string]string{
				"house_u":      fmt.Sprintf("%d", houseU),
				"hot_wallet_u": fmt.Sprintf("%d", hotWalletU),
				"difference_u": fmt.Sprintf("%d", diff),
				"difference":   helpers.FormatMicroUnits(diff),
			},
		})
	}

	return report, nil
}
