// Package storage - transfer storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTransferNotFound is returned when a transfer lookup finds nothing.
var ErrTransferNotFound = errors.New("transfer not found")

// TransferType distinguishes which side of the custodial flow a
// transfer records.
type TransferType string

const (
	TransferTypeDeposit    TransferType = "DEPOSIT"
	TransferTypeWithdrawal TransferType = "WITHDRAWAL"
)

// TransferStatus is the transfer's lifecycle state.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusConfirmed TransferStatus = "CONFIRMED"
	TransferStatusFailed    TransferStatus = "FAILED"
)

// Transfer is the ledger-facing record of one deposit or withdrawal,
// kept separately from the deposit_intents/withdrawal_requests tables
// that track the chain side of the flow.
type Transfer struct {
	ID        string
	UserID    string
	Type      TransferType
	AmountU   int64
	Status    TransferStatus
	TxHash    *string
	RiskScore int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateTransferTx inserts a transfer row within an already-open
// transaction, alongside its ledger postings.
func CreateTransferTx(tx *sql.Tx, t *Transfer) error {
	_, err := tx.Exec(`
		INSERT INTO transfers (id, user_id, type, amount_u, status, tx_hash, risk_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Type, t.AmountU, t.Status, t.TxHash, t.RiskScore, t.CreatedAt.Unix(), t.UpdatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}

	return nil
}

// SumTransfersByTypeStatus sums amount_u across transfers matching the
// given type and status, used by the TVL metrics to compute
// pending_withdrawals_u directly from transfer state.
func (s *Storage) SumTransfersByTypeStatus(t TransferType, status TransferStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(amount_u) FROM transfers WHERE type = ? AND status = ?
	`, t, status).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transfers: %w", err)
	}

	return total.Int64, nil
}

// GetTransfer retrieves a transfer by id.
func (s *Storage) GetTransfer(id string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, type, amount_u, status, tx_hash, risk_score, created_at, updated_at
		FROM transfers WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrTransferNotFound
	}

	return scanTransferRow(rows)
}

// TransfersByUser returns a user's transfers, most recent first.
func (s *Storage) TransfersByUser(userID string, limit int) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, type, amount_u, status, tx_hash, risk_score, created_at, updated_at
		FROM transfers WHERE user_id = ? ORDER BY created_at DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers by user: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		tr, err := scanTransferRow(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}

	return transfers, nil
}

// UpdateTransferStatusTx updates a transfer's status and tx hash within
// an already-open transaction.
func UpdateTransferStatusTx(tx *sql.Tx, id string, status TransferStatus, txHash *string, now time.Time) error {
	result, err := tx.Exec(`
		UPDATE transfers SET status = ?, tx_hash = ?, updated_at = ? WHERE id = ?
	`, status, txHash, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransferNotFound
	}

	return nil
}

func scanTransferRow(rows *sql.Rows) (*Transfer, error) {
	var t Transfer
	var txHash sql.NullString
	var createdAt, updatedAt int64

	if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountU, &t.Status, &txHash, &t.RiskScore, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}

	if txHash.Valid {
		v := txHash.String
		t.TxHash = &v
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)

	return &t, nil
}
