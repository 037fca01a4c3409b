// Package round implements the daily OPEN/LOCKED/SETTLED/CANCELLED
// round state machine: bet placement, commit-reveal round creation,
// oracle-driven automatic settlement, and the grace/void fallback.
package round

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/oracle"
	"github.com/duskline/updown-core/internal/payout"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

// Engine drives round creation, bet placement, and settlement.
type Engine struct {
	store          *storage.Storage
	oracle         oracle.PriceOracle
	loc            *time.Location
	feeBps         int64
	graceMinutes   int
	closeDelayMins int
	log            *logging.Logger
}

// Config configures an Engine.
type Config struct {
	Location               *time.Location
	FeeBps                 int64
	SettleGraceMinutes     int
	CloseFetchDelayMinutes int
}

// New creates a round Engine.
func New(store *storage.Storage, po oracle.PriceOracle, cfg Config, log *logging.Logger) *Engine {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:          store,
		oracle:         po,
		loc:            loc,
		feeBps:         cfg.FeeBps,
		graceMinutes:   cfg.SettleGraceMinutes,
		closeDelayMins: cfg.CloseFetchDelayMinutes,
		log:            log.Component("round"),
	}
}

// canonicalJSON marshals v with sorted keys, matching the settlement
// contract's requirement that commit_hash be reproducible by a
// third-party verifier from the same inputs. encoding/json sorts
// map keys lexicographically but serializes struct fields in
// declaration order, so callers must pass a map[string]interface{},
// not a struct, to get a canonical encoding.
func canonicalJSON(v map[string]interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// CreateRound opens a new round for the given day code and wall-clock
// start. lock_ts is 15:59:59 local; settle_ts is 16:00 local plus
// close_fetch_delay_min, both computed in the engine's configured zone
// so the boundary is zone-aware regardless of the server's local TZ.
func (e *Engine) CreateRound(startTs time.Time) (*storage.Round, error) {
	startLocal := startTs.In(e.loc)
	code := startLocal.Format("20060102")

	lockTs := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 15, 59, 59, 0, e.loc)
	settleTs := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 16, e.closeDelayMins, 0, 0, e.loc)

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate round seed: %w", err)
	}

	payload := map[string]interface{}{
		"code":     code,
		"start_ts": startLocal.Format(time.RFC3339),
		"fee_bps":  e.feeBps,
		"seed":     hex.EncodeToString(seed),
	}
	data, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit payload: %w", err)
	}
	sum := sha256.Sum256(data)

	r := &storage.Round{
		ID:         uuid.NewString(),
		Code:       code,
		StartTs:    startLocal,
		LockTs:     lockTs,
		SettleTs:   settleTs,
		Status:     storage.RoundStatusOpen,
		CommitHash: hex.EncodeToString(sum[:]),
	}

	if err := e.store.CreateRound(r); err != nil {
		return nil, err
	}

	e.log.Info("round created", "round_id", r.ID, "code", code, "lock_ts", lockTs, "settle_ts", settleTs)
	return r, nil
}

// PlaceBet moves stake_u from a user's cash into locked and records a
// PLACED bet, atomically. Requires the round to be OPEN and the user's
// cash balance to cover the stake.
func (e *Engine) PlaceBet(ctx context.Context, roundID, userID string, side storage.Side, stakeU int64) (*storage.Bet, error) {
	if stakeU <= 0 {
		return nil, coreerr.Validation("stake_u must be positive")
	}

	r, err := e.store.GetRound(roundID)
	if err != nil {
		return nil, err
	}
	if r.Status != storage.RoundStatusOpen {
		return nil, coreerr.InvalidRoundState(fmt.Sprintf("round %s is not OPEN (status=%s)", roundID, r.Status))
	}

	balance, err := e.store.Balance(ledger.AccountCash, &userID)
	if err != nil {
		return nil, err
	}
	if balance < stakeU {
		return nil, coreerr.InsufficientFunds(balance, stakeU)
	}

	bet := &storage.Bet{
		ID:        uuid.NewString(),
		RoundID:   roundID,
		UserID:    userID,
		Side:      side,
		StakeU:    stakeU,
		Status:    storage.BetStatusPlaced,
		CreatedAt: time.Now(),
	}

	err = e.store.WithTx(func(tx *sql.Tx) error {
		// Re-check the balance under the transaction lock so two
		// concurrent placements by the same user cannot both pass the
		// earlier unlocked check and double-spend cash.
		current, err := storage.BalanceTx(tx, ledger.AccountCash, &userID)
		if err != nil {
			return err
		}
		if current < stakeU {
			return coreerr.InsufficientFunds(current, stakeU)
		}

		if err := storage.CreateBetTx(tx, bet); err != nil {
			return err
		}

		_, err = ledger.PostTx(tx, []ledger.Posting{
			{Account: ledger.AccountCash, UserID: &userID, AmountU: -stakeU, RefType: "bet", RefID: bet.ID},
			{Account: ledger.AccountLocked, UserID: &userID, AmountU: stakeU, RefType: "bet", RefID: bet.ID},
		}, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	return bet, nil
}

// LockDue transitions every OPEN round whose lock_ts has passed to
// LOCKED.
func (e *Engine) LockDue(ctx context.Context) error {
	open, err := e.store.ListRoundsByStatus(storage.RoundStatusOpen)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range open {
		if now.Before(r.LockTs) {
			continue
		}
		if err := e.store.LockRound(r.ID); err != nil {
			e.log.Warn("failed to lock round", "round_id", r.ID, "error", err)
			continue
		}
		e.log.Info("round locked", "round_id", r.ID, "code", r.Code)
	}

	return nil
}

// SettleDue attempts settle_auto on every LOCKED round whose settle_ts
// has passed. An OracleUnavailable is swallowed here: the round stays
// LOCKED until either the oracle recovers or VoidGraceElapsed fires.
func (e *Engine) SettleDue(ctx context.Context) error {
	locked, err := e.store.ListRoundsByStatus(storage.RoundStatusLocked)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range locked {
		if now.Before(r.SettleTs) {
			continue
		}

		date := r.SettleTs.In(e.loc)
		if err := e.SettleAuto(ctx, r.ID, date); err != nil {
			if ce, ok := coreerr.As(err); ok && ce.Kind == coreerr.KindOracleUnavailable {
				e.log.Warn("oracle unavailable, round remains LOCKED pending grace window", "round_id", r.ID)
				continue
			}
			e.log.Warn("failed to settle round", "round_id", r.ID, "error", err)
		}
	}

	return nil
}

// SettleAuto fetches the prior and current close prices, determines
// UP/DOWN (ties go to DOWN), and invokes the payout engine. Fails with
// OracleUnavailable if either close price is absent.
func (e *Engine) SettleAuto(ctx context.Context, roundID string, date time.Time) error {
	prevDate := date.AddDate(0, 0, -1)

	prevPrice, ok, err := e.oracle.Close(ctx, prevDate)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.OracleUnavailable(fmt.Sprintf("no close price for %s", prevDate.Format("2006-01-02")))
	}

	currPrice, ok, err := e.oracle.Close(ctx, date)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.OracleUnavailable(fmt.Sprintf("no close price for %s", date.Format("2006-01-02")))
	}

	result := storage.RoundResultDown
	if currPrice.Cmp(prevPrice) > 0 {
		result = storage.RoundResultUp
	}

	reveal := map[string]string{
		"date":          date.Format("2006-01-02"),
		"prev_price":    prevPrice.FloatString(6),
		"current_price": currPrice.FloatString(6),
		"result":        string(result),
	}
	revealJSON, err := json.Marshal(reveal)
	if err != nil {
		return fmt.Errorf("failed to encode reveal: %w", err)
	}

	return e.settle(roundID, result, string(revealJSON))
}

// settle loads the round's bets, computes postings via the payout
// engine, and flushes everything in one transaction alongside the
// round's status transition and every bet's terminal status.
func (e *Engine) settle(roundID string, result storage.RoundResult, reveal string) error {
	r, err := e.store.GetRound(roundID)
	if err != nil {
		return err
	}
	if r.Status != storage.RoundStatusLocked {
		return coreerr.InvalidRoundState(fmt.Sprintf("round %s is not LOCKED (status=%s)", roundID, r.Status))
	}

	bets, err := e.store.BetsByRound(roundID)
	if err != nil {
		return err
	}

	var placed []*storage.Bet
	for _, b := range bets {
		if b.Status == storage.BetStatusPlaced {
			placed = append(placed, b)
		}
	}

	postings, outcomes := payout.Compute(roundID, result, placed, e.feeBps)

	return e.store.WithTx(func(tx *sql.Tx) error {
		if err := storage.SettleRoundTx(tx, roundID, result, reveal); err != nil {
			return err
		}

		for _, o := range outcomes {
			if err := storage.UpdateBetStatusTx(tx, o.BetID, o.Status); err != nil {
				return err
			}
		}

		if len(postings) > 0 {
			if _, err := ledger.PostTx(tx, postings, time.Now()); err != nil {
				return err
			}
		}

		return nil
	})
}

// VoidGraceElapsed settles every LOCKED round whose settle_ts plus the
// configured grace window has passed without a successful SettleAuto,
// marking it VOID and refunding every bet.
func (e *Engine) VoidGraceElapsed(ctx context.Context) error {
	locked, err := e.store.ListRoundsByStatus(storage.RoundStatusLocked)
	if err != nil {
		return err
	}

	now := time.Now()
	grace := time.Duration(e.graceMinutes) * time.Minute

	for _, r := range locked {
		if now.Before(r.SettleTs.Add(grace)) {
			continue
		}

		reveal := fmt.Sprintf(`{"result":"VOID","reason":"oracle unavailable through grace window","settle_ts":%q}`, r.SettleTs.Format(time.RFC3339))
		if err := e.settle(r.ID, storage.RoundResultVoid, reveal); err != nil {
			e.log.Warn("failed to void round", "round_id", r.ID, "error", err)
			continue
		}
		e.log.Warn("round voided after grace window elapsed", "round_id", r.ID, "code", r.Code)
	}

	return nil
}
