// Package storage - deposit intent storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDepositIntentNotFound is returned when an intent lookup finds
// nothing.
var ErrDepositIntentNotFound = errors.New("deposit intent not found")

// DepositIntentStatus is the intent's lifecycle state.
type DepositIntentStatus string

const (
	DepositIntentStatusIssued    DepositIntentStatus = "ISSUED"
	DepositIntentStatusSeen      DepositIntentStatus = "SEEN"
	DepositIntentStatusConfirmed DepositIntentStatus = "CONFIRMED"
	DepositIntentStatusCredited  DepositIntentStatus = "CREDITED"
	DepositIntentStatusExpired   DepositIntentStatus = "EXPIRED"
)

// DepositIntent is a derived deposit address issued to a user and
// watched by the confirmation monitor.
type DepositIntent struct {
	ID            string
	UserID        string
	Chain         string
	TokenMint     *string
	Status        DepositIntentStatus
	ExpectedMinU  int64
	Address       string
	MemoTag       *string
	TxSig         *string
	SeenAt        *time.Time
	ConfirmedAt   *time.Time
	CreditedAt    *time.Time
	CreatedAt     time.Time
}

// CreateDepositIntent inserts a new intent in ISSUED status.
func (s *Storage) CreateDepositIntent(d *DepositIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO deposit_intents (
			id, user_id, chain, token_mint, status, expected_min_u,
			address, memo_tag, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Chain, d.TokenMint, d.Status, d.ExpectedMinU,
		d.Address, d.MemoTag, d.CreatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to create deposit intent: %w", err)
	}

	return nil
}

// GetDepositIntent retrieves an intent by id.
func (s *Storage) GetDepositIntent(id string) (*DepositIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOneDepositIntent(`
		SELECT id, user_id, chain, token_mint, status, expected_min_u,
			address, memo_tag, tx_sig, seen_at, confirmed_at, credited_at, created_at
		FROM deposit_intents WHERE id = ?
	`, id)
}

// GetDepositIntentByAddress retrieves the intent issued for an address
// on a given chain. This is how the monitor resolves an inbound
// transfer to a user — by the derived address, never by inspecting
// transaction memo/instruction data.
func (s *Storage) GetDepositIntentByAddress(chain, address string) (*DepositIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, err := s.scanOneDepositIntent(`
		SELECT id, user_id, chain, token_mint, status, expected_min_u,
			address, memo_tag, tx_sig, seen_at, confirmed_at, credited_at, created_at
		FROM deposit_intents WHERE chain = ? AND address = ?
	`, chain, address)
	if errors.Is(err, ErrDepositIntentNotFound) {
		return nil, nil
	}
	return intent, err
}

// ListDepositIntentsByStatus returns intents in the given status,
// oldest first, for the monitor to poll.
func (s *Storage) ListDepositIntentsByStatus(status DepositIntentStatus) ([]*DepositIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, chain, token_mint, status, expected_min_u,
			address, memo_tag, tx_sig, seen_at, confirmed_at, credited_at, created_at
		FROM deposit_intents WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit intents: %w", err)
	}
	defer rows.Close()

	var intents []*DepositIntent
	for rows.Next() {
		d, err := scanDepositIntentRow(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, d)
	}

	return intents, nil
}

// MarkDepositIntentSeen records the first observation of an inbound
// transfer, transitioning ISSUED -> SEEN.
func (s *Storage) MarkDepositIntentSeen(id, txSig string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE deposit_intents SET status = ?, tx_sig = ?, seen_at = ?
		WHERE id = ? AND status = ?
	`, DepositIntentStatusSeen, txSig, seenAt.Unix(), id, DepositIntentStatusIssued)
	if err != nil {
		return fmt.Errorf("failed to mark deposit intent seen: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deposit intent %s not in ISSUED status", id)
	}

	return nil
}

// MarkDepositIntentConfirmed transitions SEEN -> CONFIRMED once the
// gateway reports enough confirmations.
func (s *Storage) MarkDepositIntentConfirmed(id string, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE deposit_intents SET status = ?, confirmed_at = ?
		WHERE id = ? AND status = ?
	`, DepositIntentStatusConfirmed, confirmedAt.Unix(), id, DepositIntentStatusSeen)
	if err != nil {
		return fmt.Errorf("failed to mark deposit intent confirmed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deposit intent %s not in SEEN status", id)
	}

	return nil
}

// MarkDepositIntentCreditedTx transitions CONFIRMED -> CREDITED within
// the same transaction as the ledger credit, so a crash between the two
// can never happen.
func MarkDepositIntentCreditedTx(tx *sql.Tx, id string, creditedAt time.Time) error {
	result, err := tx.Exec(`
		UPDATE deposit_intents SET status = ?, credited_at = ?
		WHERE id = ? AND status = ?
	`, DepositIntentStatusCredited, creditedAt.Unix(), id, DepositIntentStatusConfirmed)
	if err != nil {
		return fmt.Errorf("failed to mark deposit intent credited: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deposit intent %s not in CONFIRMED status: %w", id, ErrStatusGuardFailed)
	}

	return nil
}

// RevertDepositIntentToSeen walks a CONFIRMED intent back to SEEN when
// a reorg drops its confirmation count back to zero.
func (s *Storage) RevertDepositIntentToSeen(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE deposit_intents SET status = ?, confirmed_at = NULL
		WHERE id = ? AND status = ?
	`, DepositIntentStatusSeen, id, DepositIntentStatusConfirmed)
	if err != nil {
		return fmt.Errorf("failed to revert deposit intent: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deposit intent %s not in CONFIRMED status", id)
	}

	return nil
}

// ExpireOldDepositIntents marks ISSUED intents older than cutoff as
// EXPIRED.
func (s *Storage) ExpireOldDepositIntents(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE deposit_intents SET status = ?
		WHERE status = ? AND created_at < ?
	`, DepositIntentStatusExpired, DepositIntentStatusIssued, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire deposit intents: %w", err)
	}

	return result.RowsAffected()
}

func (s *Storage) scanOneDepositIntent(query string, args ...interface{}) (*DepositIntent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit intent: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrDepositIntentNotFound
	}

	return scanDepositIntentRow(rows)
}

func scanDepositIntentRow(rows *sql.Rows) (*DepositIntent, error) {
	var d DepositIntent
	var tokenMint, memoTag, txSig sql.NullString
	var seenAt, confirmedAt, creditedAt sql.NullInt64
	var createdAt int64

	if err := rows.Scan(
		&d.ID, &d.UserID, &d.Chain, &tokenMint, &d.Status, &d.ExpectedMinU,
		&d.Address, &memoTag, &txSig, &seenAt, &confirmedAt, &creditedAt, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan deposit intent: %w", err)
	}

	if tokenMint.Valid {
		v := tokenMint.String
		d.TokenMint = &v
	}
	if memoTag.Valid {
		v := memoTag.String
		d.MemoTag = &v
	}
	if txSig.Valid {
		v := txSig.String
		d.TxSig = &v
	}
	if seenAt.Valid {
		t := time.Unix(seenAt.Int64, 0)
		d.SeenAt = &t
	}
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0)
		d.ConfirmedAt = &t
	}
	if creditedAt.Valid {
		t := time.Unix(creditedAt.Int64, 0)
		d.CreditedAt = &t
	}
	d.CreatedAt = time.Unix(createdAt, 0)

	return &d, nil
}
