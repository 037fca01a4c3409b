// Package storage - withdrawal request storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWithdrawalNotFound is returned when a withdrawal lookup finds
// nothing.
var ErrWithdrawalNotFound = errors.New("withdrawal request not found")

// WithdrawalStatus is the withdrawal's lifecycle state.
type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "PENDING"
	WithdrawalStatusBroadcast WithdrawalStatus = "BROADCAST"
	WithdrawalStatusConfirmed WithdrawalStatus = "CONFIRMED"
	WithdrawalStatusFailed    WithdrawalStatus = "FAILED"
)

// WithdrawalRequest is a user's request to move funds off-platform.
type WithdrawalRequest struct {
	ID               string
	UserID           string
	Chain            string
	Destination      string
	RequestedU       int64
	Status           WithdrawalStatus
	BroadcastTx      *string
	Confirmations    uint32
	MinConfirmations uint32
	RiskScore        int
	AdminApproved    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateWithdrawalRequestTx inserts a withdrawal request within an
// already-open transaction, alongside the hold placed on the user's
// balance.
func CreateWithdrawalRequestTx(tx *sql.Tx, w *WithdrawalRequest) error {
	_, err := tx.Exec(`
		INSERT INTO withdrawal_requests (
			id, user_id, chain, destination, requested_u, status,
			min_confirmations, risk_score, admin_approved, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.UserID, w.Chain, w.Destination, w.RequestedU, w.Status,
		w.MinConfirmations, w.RiskScore, boolToInt(w.AdminApproved), w.CreatedAt.Unix(), w.UpdatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	return nil
}

// GetWithdrawalRequest retrieves a withdrawal request by id.
func (s *Storage) GetWithdrawalRequest(id string) (*WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOneWithdrawal(`
		SELECT id, user_id, chain, destination, requested_u, status, broadcast_tx,
			confirmations, min_confirmations, risk_score, admin_approved, created_at, updated_at
		FROM withdrawal_requests WHERE id = ?
	`, id)
}

// ListWithdrawalsByStatus returns withdrawals in the given status,
// oldest first, for the monitor to poll.
func (s *Storage) ListWithdrawalsByStatus(status WithdrawalStatus) ([]*WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, chain, destination, requested_u, status, broadcast_tx,
			confirmations, min_confirmations, risk_score, admin_approved, created_at, updated_at
		FROM withdrawal_requests WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawal requests: %w", err)
	}
	defer rows.Close()

	var withdrawals []*WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}

	return withdrawals, nil
}

// ApproveWithdrawal marks a pending large withdrawal admin-approved,
// clearing the approval gate the withdrawal engine checks before
// broadcasting.
func (s *Storage) ApproveWithdrawal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE withdrawal_requests SET admin_approved = 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, time.Now().Unix(), id, WithdrawalStatusPending)
	if err != nil {
		return fmt.Errorf("failed to approve withdrawal: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWithdrawalNotFound
	}

	return nil
}

// MarkWithdrawalBroadcast records the outbound transaction hash and
// moves PENDING -> BROADCAST.
func (s *Storage) MarkWithdrawalBroadcast(id, txHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE withdrawal_requests SET status = ?, broadcast_tx = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, WithdrawalStatusBroadcast, txHash, now.Unix(), id, WithdrawalStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal broadcast: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("withdrawal %s not in PENDING status", id)
	}

	return nil
}

// UpdateWithdrawalConfirmations records the gateway's latest
// confirmation count and, once it clears MinConfirmations, transitions
// BROADCAST -> CONFIRMED.
func (s *Storage) UpdateWithdrawalConfirmations(id string, confirmations uint32, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.scanOneWithdrawal(`
		SELECT id, user_id, chain, destination, requested_u, status, broadcast_tx,
			confirmations, min_confirmations, risk_score, admin_approved, created_at, updated_at
		FROM withdrawal_requests WHERE id = ?
	`, id)
	if err != nil {
		return err
	}

	status := w.Status
	if status == WithdrawalStatusBroadcast && confirmations >= w.MinConfirmations {
		status = WithdrawalStatusConfirmed
	}

	_, err = s.db.Exec(`
		UPDATE withdrawal_requests SET confirmations = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, confirmations, status, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal confirmations: %w", err)
	}

	return nil
}

// SettleWithdrawalConfirmedTx transitions BROADCAST -> CONFIRMED within
// the same transaction as the settlement ledger postings, guarded so a
// second call for an already-CONFIRMED withdrawal is a no-op (reports
// transitioned=false rather than posting twice).
func SettleWithdrawalConfirmedTx(tx *sql.Tx, id string, confirmations uint32, now time.Time) (bool, error) {
	result, err := tx.Exec(`
		UPDATE withdrawal_requests SET confirmations = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, confirmations, WithdrawalStatusConfirmed, now.Unix(), id, WithdrawalStatusBroadcast)
	if err != nil {
		return false, fmt.Errorf("failed to settle withdrawal confirmed: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkWithdrawalFailedTx moves a withdrawal to FAILED within the same
// transaction as the unwind ledger postings that return the held funds.
func MarkWithdrawalFailedTx(tx *sql.Tx, id string, now time.Time) error {
	result, err := tx.Exec(`
		UPDATE withdrawal_requests SET status = ?, updated_at = ? WHERE id = ?
	`, WithdrawalStatusFailed, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWithdrawalNotFound
	}

	return nil
}

func (s *Storage) scanOneWithdrawal(query string, args ...interface{}) (*WithdrawalRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrWithdrawalNotFound
	}

	return scanWithdrawalRow(rows)
}

func scanWithdrawalRow(rows *sql.Rows) (*WithdrawalRequest, error) {
	var w WithdrawalRequest
	var broadcastTx sql.NullString
	var adminApproved int
	var createdAt, updatedAt int64

	if err := rows.Scan(
		&w.ID, &w.UserID, &w.Chain, &w.Destination, &w.RequestedU, &w.Status, &broadcastTx,
		&w.Confirmations, &w.MinConfirmations, &w.RiskScore, &adminApproved, &createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
	}

	if broadcastTx.Valid {
		v := broadcastTx.String
		w.BroadcastTx = &v
	}
	w.AdminApproved = adminApproved == 1
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)

	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
