// Package storage - chain event storage operations.
package storage

import (
	"fmt"
	"time"
)

// ChainEvent is a raw confirmation observed by a chain gateway,
// deduplicated on (tx_sig, log_idx) so a gateway that double-delivers
// the same log never gets processed twice.
type ChainEvent struct {
	ID          string
	Chain       string
	TxSig       string
	LogIdx      int
	Raw         string
	ProcessedAt time.Time
}

// RecordChainEvent inserts a chain event, silently ignoring duplicates
// on (tx_sig, log_idx).
func (s *Storage) RecordChainEvent(e *ChainEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO chain_events (id, chain, tx_sig, log_idx, raw, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Chain, e.TxSig, e.LogIdx, e.Raw, e.ProcessedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record chain event: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// HasChainEvent reports whether a (tx_sig, log_idx) pair has already
// been processed.
func (s *Storage) HasChainEvent(txSig string, logIdx int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chain_events WHERE tx_sig = ? AND log_idx = ?
	`, txSig, logIdx).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check chain event: %w", err)
	}

	return count > 0, nil
}
