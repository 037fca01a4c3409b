// Package storage - ledger storage operations.
package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// LedgerEntry is a single append-only posting. A set of entries sharing
// (RefType, RefID) must sum to zero; that invariant is enforced by the
// ledger package before the set reaches storage, not here.
type LedgerEntry struct {
	ID      string
	Ts      time.Time
	Account string
	UserID  *string
	AmountU int64
	RefType string
	RefID   string
}

// PostEntriesTx inserts a batch of ledger entries within an
// already-open transaction. Entries are never updated after insert.
func PostEntriesTx(tx *sql.Tx, entries []LedgerEntry) error {
	stmt, err := tx.Prepare(`
		INSERT INTO ledger_entries (id, ts, account, user_id, amount_u, ref_type, ref_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.ID, e.Ts.Unix(), e.Account, e.UserID, e.AmountU, e.RefType, e.RefID); err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}

	return nil
}

// Balance returns the sum of amount_u for an account, optionally scoped
// to a single user.
func (s *Storage) Balance(account string, userID *string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	var err error

	if userID != nil {
		err = s.db.QueryRow(`
			SELECT SUM(amount_u) FROM ledger_entries WHERE account = ? AND user_id = ?
		`, account, *userID).Scan(&total)
	} else {
		err = s.db.QueryRow(`
			SELECT SUM(amount_u) FROM ledger_entries WHERE account = ?
		`, account).Scan(&total)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}

	return total.Int64, nil
}

// BalanceTx is Balance's transaction-scoped counterpart, used to
// re-check a user's balance under the write lock immediately before a
// debit, so two concurrent placements cannot both pass an earlier
// unlocked check and double-spend.
func BalanceTx(tx *sql.Tx, account string, userID *string) (int64, error) {
	var total sql.NullInt64
	var err error

	if userID != nil {
		err = tx.QueryRow(`
			SELECT SUM(amount_u) FROM ledger_entries WHERE account = ? AND user_id = ?
		`, account, *userID).Scan(&total)
	} else {
		err = tx.QueryRow(`
			SELECT SUM(amount_u) FROM ledger_entries WHERE account = ?
		`, account).Scan(&total)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}

	return total.Int64, nil
}

// EntriesByRef returns every entry posted for a given (ref_type, ref_id)
// group, in insertion order.
func (s *Storage) EntriesByRef(refType, refID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, ts, account, user_id, amount_u, ref_type, ref_id
		FROM ledger_entries WHERE ref_type = ? AND ref_id = ?
		ORDER BY ts ASC, id ASC
	`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries by ref: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// EntriesByRefTx is EntriesByRef's transaction-scoped counterpart, used
// by callers that need to check a ref group's posting history from
// inside an already-open transaction (e.g. an idempotency check before
// a heal-posting). Taking s.mu.RLock() here would deadlock against the
// write lock WithTx already holds, since sync.RWMutex is not reentrant.
func EntriesByRefTx(tx *sql.Tx, refType, refID string) ([]LedgerEntry, error) {
	rows, err := tx.Query(`
		SELECT id, ts, account, user_id, amount_u, ref_type, ref_id
		FROM ledger_entries WHERE ref_type = ? AND ref_id = ?
		ORDER BY ts ASC, id ASC
	`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries by ref: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// EntriesByUser returns every entry touching a user's accounts, most
// recent first.
func (s *Storage) EntriesByUser(userID string, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, ts, account, user_id, amount_u, ref_type, ref_id
		FROM ledger_entries WHERE user_id = ?
		ORDER BY ts DESC, id DESC
	`
	args := []interface{}{userID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries by user: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// RefImbalance is one (ref_type, ref_id) group whose postings do not
// sum to zero.
type RefImbalance struct {
	RefType string
	RefID   string
	Total   int64
}

// FindLedgerImbalances groups every posted entry by (ref_type, ref_id)
// and returns the groups that do not sum to zero. A non-empty result
// means the double-entry invariant was violated somewhere upstream of
// storage, since ledger.Post/PostTx reject unbalanced batches before
// they ever reach this table.
func (s *Storage) FindLedgerImbalances() ([]RefImbalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ref_type, ref_id, SUM(amount_u) AS total
		FROM ledger_entries
		GROUP BY ref_type, ref_id
		HAVING total != 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger imbalances: %w", err)
	}
	defer rows.Close()

	var out []RefImbalance
	for rows.Next() {
		var r RefImbalance
		if err := rows.Scan(&r.RefType, &r.RefID, &r.Total); err != nil {
			return nil, fmt.Errorf("failed to scan ledger imbalance row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TotalByAccountPrefix sums amount_u across every account starting with
// prefix.
func (s *Storage) TotalByAccountPrefix(prefix string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(amount_u) FROM ledger_entries WHERE account LIKE ?
	`, prefix+"%").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries by prefix: %w", err)
	}

	return total.Int64, nil
}

func scanLedgerEntries(rows *sql.Rows) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var ts int64
		var userID sql.NullString

		if err := rows.Scan(&e.ID, &ts, &e.Account, &userID, &e.AmountU, &e.RefType, &e.RefID); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		e.Ts = time.Unix(ts, 0)
		if userID.Valid {
			v := userID.String
			e.UserID = &v
		}

		entries = append(entries, e)
	}

	return entries, nil
}
