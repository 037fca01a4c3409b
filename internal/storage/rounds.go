// Package storage - round storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Round errors
var (
	ErrRoundNotFound = errors.New("round not found")
)

// RoundStatus is the round's lifecycle state.
type RoundStatus string

const (
	RoundStatusOpen      RoundStatus = "OPEN"
	RoundStatusLocked    RoundStatus = "LOCKED"
	RoundStatusSettled   RoundStatus = "SETTLED"
	RoundStatusCancelled RoundStatus = "CANCELLED"
)

// RoundResult is the settled outcome, empty until settlement.
type RoundResult string

const (
	RoundResultUp   RoundResult = "UP"
	RoundResultDown RoundResult = "DOWN"
	RoundResultVoid RoundResult = "VOID"
)

// Round is one 24-hour Up/Down prediction market.
type Round struct {
	ID       string
	Code     string
	StartTs  time.Time
	LockTs   time.Time
	SettleTs time.Time

	Status RoundStatus
	Result *RoundResult

	CommitHash string
	Reveal     *string
}

// CreateRound inserts a new round in OPEN status.
func (s *Storage) CreateRound(r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO rounds (id, code, start_ts, lock_ts, settle_ts, status, commit_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Code, r.StartTs.Unix(), r.LockTs.Unix(), r.SettleTs.Unix(), r.Status, r.CommitHash)

	if err != nil {
		return fmt.Errorf("failed to create round: %w", err)
	}

	return nil
}

// GetRound retrieves a round by id.
func (s *Storage) GetRound(id string) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOneRound(`
		SELECT id, code, start_ts, lock_ts, settle_ts, status, result, commit_hash, reveal
		FROM rounds WHERE id = ?
	`, id)
}

// GetRoundByCode retrieves a round by its human-readable code (e.g. a
// calendar date string).
func (s *Storage) GetRoundByCode(code string) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOneRound(`
		SELECT id, code, start_ts, lock_ts, settle_ts, status, result, commit_hash, reveal
		FROM rounds WHERE code = ?
	`, code)
}

// GetOpenRound returns the most recently started round in OPEN status,
// if any. Nothing prevents several rounds from being OPEN at once.
func (s *Storage) GetOpenRound() (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	round, err := s.scanOneRound(`
		SELECT id, code, start_ts, lock_ts, settle_ts, status, result, commit_hash, reveal
		FROM rounds WHERE status = ? ORDER BY start_ts DESC LIMIT 1
	`, RoundStatusOpen)
	if errors.Is(err, ErrRoundNotFound) {
		return nil, nil
	}
	return round, err
}

// ListRoundsByStatus returns rounds in the given status, oldest first.
func (s *Storage) ListRoundsByStatus(status RoundStatus) ([]*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, code, start_ts, lock_ts, settle_ts, status, result, commit_hash, reveal
		FROM rounds WHERE status = ? ORDER BY start_ts ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*Round
	for rows.Next() {
		r, err := scanRoundRow(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}

	return rounds, nil
}

// LockRound transitions a round from OPEN to LOCKED.
func (s *Storage) LockRound(id string) error {
	return s.updateRoundStatus(id, RoundStatusOpen, RoundStatusLocked)
}

// CancelRound transitions a round from OPEN or LOCKED to CANCELLED.
func (s *Storage) CancelRound(id string, from RoundStatus) error {
	return s.updateRoundStatus(id, from, RoundStatusCancelled)
}

func (s *Storage) updateRoundStatus(id string, from, to RoundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE rounds SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update round status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("round %s not in status %s", id, from)
	}

	return nil
}

// SettleRoundTx marks a round SETTLED with its result and reveal, within
// the same transaction as the payout postings.
func SettleRoundTx(tx *sql.Tx, id string, result RoundResult, reveal string) error {
	res, err := tx.Exec(`
		UPDATE rounds SET status = ?, result = ?, reveal = ?
		WHERE id = ? AND status = ?
	`, RoundStatusSettled, result, reveal, id, RoundStatusLocked)
	if err != nil {
		return fmt.Errorf("failed to settle round: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("round %s not in LOCKED status", id)
	}

	return nil
}

func (s *Storage) scanOneRound(query string, args ...interface{}) (*Round, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrRoundNotFound
	}

	return scanRoundRow(rows)
}

func scanRoundRow(rows *sql.Rows) (*Round, error) {
	var r Round
	var startTs, lockTs, settleTs int64
	var result, reveal sql.NullString

	if err := rows.Scan(&r.ID, &r.Code, &startTs, &lockTs, &settleTs, &r.Status, &result, &r.CommitHash, &reveal); err != nil {
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}

	r.StartTs = time.Unix(startTs, 0)
	r.LockTs = time.Unix(lockTs, 0)
	r.SettleTs = time.Unix(settleTs, 0)

	if result.Valid {
		rr := RoundResult(result.String)
		r.Result = &rr
	}
	if reveal.Valid {
		v := reveal.String
		r.Reveal = &v
	}

	return &r, nil
}
