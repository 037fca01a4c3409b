// Package ledger implements the double-entry bookkeeping engine that is
// the single source of truth for every user and system balance. All
// postings are append-only and zero-sum within their (ref_type, ref_id)
// group; nothing outside this package writes to the ledger tables.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

// Account names the ledger knows about. Every posting's Account must be
// one of these.
const (
	AccountCash               = "cash"
	AccountLocked             = "locked"
	AccountPendingWithdrawals = "pending_withdrawals"
	AccountHouse              = "house"
	AccountFees               = "fees"
)

// Posting is one leg of a ledger event. A set of Postings sharing
// RefType/RefID must sum to zero.
type Posting struct {
	Account string
	UserID  *string
	AmountU int64
	RefType string
	RefID   string
}

// Engine posts and queries ledger entries.
type Engine struct {
	store *storage.Storage
	log   *logging.Logger
}

// New creates a ledger Engine over store.
func New(store *storage.Storage, log *logging.Logger) *Engine {
	return &Engine{store: store, log: log.Component("ledger")}
}

// Post validates and persists a set of postings in its own transaction.
// Use PostTx instead when the postings must commit alongside other
// writes (a bet placement, a round settlement, a withdrawal unwind).
func (e *Engine) Post(ctx context.Context, postings []Posting) ([]storage.LedgerEntry, error) {
	if err := validate(postings); err != nil {
		return nil, err
	}

	var entries []storage.LedgerEntry
	err := e.store.WithTx(func(tx *sql.Tx) error {
		var err error
		entries, err = PostTx(tx, postings, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("posted ledger entries", "count", len(entries), "ref_type", postings[0].RefType, "ref_id", postings[0].RefID)
	return entries, nil
}

// PostTx validates and persists a set of postings within an
// already-open transaction.
func PostTx(tx *sql.Tx, postings []Posting, now time.Time) ([]storage.LedgerEntry, error) {
	if err := validate(postings); err != nil {
		return nil, err
	}

	entries := make([]storage.LedgerEntry, len(postings))
	for i, p := range postings {
		entries[i] = storage.LedgerEntry{
			ID:      uuid.NewString(),
			Ts:      now,
			Account: p.Account,
			UserID:  p.UserID,
			AmountU: p.AmountU,
			RefType: p.RefType,
			RefID:   p.RefID,
		}
	}

	if err := storage.PostEntriesTx(tx, entries); err != nil {
		return nil, fmt.Errorf("failed to post ledger entries: %w", err)
	}

	return entries, nil
}

func validate(postings []Posting) error {
	if len(postings) == 0 {
		return coreerr.Validation("ledger post requires at least one entry")
	}

	var total int64
	refType, refID := postings[0].RefType, postings[0].RefID

	for _, p := range postings {
		if p.RefType != refType || p.RefID != refID {
			return coreerr.Validation("all postings in a single Post call must share ref_type/ref_id")
		}
		total += p.AmountU
	}

	if total != 0 {
		return coreerr.LedgerImbalance(total)
	}

	return nil
}

// Balance returns a user's balance in the given account.
func (e *Engine) Balance(userID, account string) (int64, error) {
	return e.store.Balance(account, &userID)
}

// Total returns the sum across all users for the given account.
func (e *Engine) Total(account string) (int64, error) {
	return e.store.Balance(account, nil)
}

// EntriesForRef returns every entry posted under a (ref_type, ref_id)
// group, for audits and display.
func (e *Engine) EntriesForRef(refType, refID string) ([]storage.LedgerEntry, error) {
	return e.store.EntriesByRef(refType, refID)
}
