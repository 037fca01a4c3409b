// Package payout computes pari-mutuel distributions for a settled
// round. It is pure in-memory arithmetic: callers flush the resulting
// postings and bet outcomes in one transaction alongside the round's
// status transition.
package payout

import (
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
)

// BetOutcome records the terminal status a bet must transition to, to
// be applied by the caller inside its settlement transaction.
type BetOutcome struct {
	BetID  string
	Status storage.BetStatus
}

// Compute returns the ledger postings and bet status transitions for a
// round settling with result (UP, DOWN, or VOID), given the full set of
// PLACED bets for that round and the configured house fee in basis
// points. It performs no I/O and has no side effects.
func Compute(roundID string, result storage.RoundResult, bets []*storage.Bet, feeBps int64) ([]ledger.Posting, []BetOutcome) {
	if result == storage.RoundResultVoid {
		return computeVoid(roundID, bets)
	}
	return computeWinLoss(roundID, result, bets, feeBps)
}

func computeVoid(roundID string, bets []*storage.Bet) ([]ledger.Posting, []BetOutcome) {
	var postings []ledger.Posting
	var outcomes []BetOutcome

	for _, b := range bets {
		uid := b.UserID
		postings = append(postings,
			ledger.Posting{Account: ledger.AccountLocked, UserID: &uid, AmountU: -b.StakeU, RefType: "round", RefID: roundID},
			ledger.Posting{Account: ledger.AccountCash, UserID: &uid, AmountU: b.StakeU, RefType: "round", RefID: roundID},
		)
		outcomes = append(outcomes, BetOutcome{BetID: b.ID, Status: storage.BetStatusRefunded})
	}

	return postings, outcomes
}

func computeWinLoss(roundID string, result storage.RoundResult, bets []*storage.Bet, feeBps int64) ([]ledger.Posting, []BetOutcome) {
	winningSide := storage.SideUp
	if result == storage.RoundResultDown {
		winningSide = storage.SideDown
	}

	var winners, losers []*storage.Bet
	var winnerPool, loserPool int64
	for _, b := range bets {
		if b.Side == winningSide {
			winners = append(winners, b)
			winnerPool += b.StakeU
		} else {
			losers = append(losers, b)
			loserPool += b.StakeU
		}
	}

	var postings []ledger.Posting
	var outcomes []BetOutcome

	fee := (loserPool * feeBps) / 10000
	distributable := loserPool - fee

	if fee != 0 {
		postings = append(postings, ledger.Posting{Account: ledger.AccountHouse, AmountU: fee, RefType: "round", RefID: roundID})
	}

	// When no bets landed on the winning side, winners is empty and
	// this loop never divides by winnerPool=0; the entire loserPool
	// (fee + residual below) flows to house and every losing bettor
	// is marked LOST, per the same-side-loses edge case.
	var distributed int64
	for _, b := range winners {
		uid := b.UserID
		share := (b.StakeU * distributable) / winnerPool
		payout := b.StakeU + share
		distributed += share

		postings = append(postings,
			ledger.Posting{Account: ledger.AccountLocked, UserID: &uid, AmountU: -b.StakeU, RefType: "round", RefID: roundID},
			ledger.Posting{Account: ledger.AccountCash, UserID: &uid, AmountU: payout, RefType: "round", RefID: roundID},
		)
		outcomes = append(outcomes, BetOutcome{BetID: b.ID, Status: storage.BetStatusWon})
	}

	for _, b := range losers {
		uid := b.UserID
		postings = append(postings, ledger.Posting{Account: ledger.AccountLocked, UserID: &uid, AmountU: -b.StakeU, RefType: "round", RefID: roundID})
		outcomes = append(outcomes, BetOutcome{BetID: b.ID, Status: storage.BetStatusLost})
	}

	// Any positive residual left by integer flooring across winners'
	// shares goes to house, so the whole event sums to zero: the
	// losers' locked debits are exactly covered by fee + distributed
	// shares + this residual.
	residual := distributable - distributed
	if residual != 0 {
		postings = append(postings, ledger.Posting{Account: ledger.AccountHouse, AmountU: residual, RefType: "round", RefID: roundID})
	}

	return postings, outcomes
}
