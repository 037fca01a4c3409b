// Package storage - bet storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBetNotFound is returned when a bet lookup finds nothing.
var ErrBetNotFound = errors.New("bet not found")

// Side is which direction a bet stakes on.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// BetStatus is the bet's lifecycle state, settled alongside its round.
type BetStatus string

const (
	BetStatusPlaced   BetStatus = "PLACED"
	BetStatusWon      BetStatus = "WON"
	BetStatusLost     BetStatus = "LOST"
	BetStatusRefunded BetStatus = "REFUNDED"
)

// Bet is one user's stake on one side of one round.
type Bet struct {
	ID        string
	RoundID   string
	UserID    string
	Side      Side
	StakeU    int64
	Status    BetStatus
	CreatedAt time.Time
}

// CreateBetTx inserts a bet within an already-open transaction, so the
// stake's ledger debit and the bet row commit atomically.
func CreateBetTx(tx *sql.Tx, b *Bet) error {
	_, err := tx.Exec(`
		INSERT INTO bets (id, round_id, user_id, side, stake_u, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.RoundID, b.UserID, b.Side, b.StakeU, b.Status, b.CreatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to create bet: %w", err)
	}

	return nil
}

// BetsByRound returns every bet placed on a round.
func (s *Storage) BetsByRound(roundID string) ([]*Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, round_id, user_id, side, stake_u, status, created_at
		FROM bets WHERE round_id = ? ORDER BY created_at ASC
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets by round: %w", err)
	}
	defer rows.Close()

	return scanBets(rows)
}

// BetsByRoundAndSide returns bets placed on one side of a round.
func (s *Storage) BetsByRoundAndSide(roundID string, side Side) ([]*Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, round_id, user_id, side, stake_u, status, created_at
		FROM bets WHERE round_id = ? AND side = ? ORDER BY created_at ASC
	`, roundID, side)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets by round and side: %w", err)
	}
	defer rows.Close()

	return scanBets(rows)
}

// BetsByUser returns a user's bets, most recent first.
func (s *Storage) BetsByUser(userID string, limit int) ([]*Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, round_id, user_id, side, stake_u, status, created_at
		FROM bets WHERE user_id = ? ORDER BY created_at DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets by user: %w", err)
	}
	defer rows.Close()

	return scanBets(rows)
}

// UpdateBetStatusTx marks a bet WON, LOST, or REFUNDED within the
// settlement transaction.
func UpdateBetStatusTx(tx *sql.Tx, id string, status BetStatus) error {
	result, err := tx.Exec(`UPDATE bets SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update bet status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrBetNotFound
	}

	return nil
}

func scanBets(rows *sql.Rows) ([]*Bet, error) {
	var bets []*Bet
	for rows.Next() {
		var b Bet
		var createdAt int64

		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &b.Side, &b.StakeU, &b.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}

		b.CreatedAt = time.Unix(createdAt, 0)
		bets = append(bets, &b)
	}

	return bets, nil
}
