// Package oracle defines the price oracle contract the round engine
// settles against, plus a fixture-backed implementation for tests and
// local demo runs. A real price feed is out of scope; this package only
// owns the contract and a deterministic stand-in.
package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// PriceOracle returns an official market close price for a given date.
// Close returns ok=false, not an error, when the price is temporarily
// unavailable — the caller (round engine) treats that as retryable
// within its grace window, not as a hard failure.
type PriceOracle interface {
	Close(ctx context.Context, date time.Time) (price *big.Rat, ok bool, err error)
}

// FixtureOracle is an in-memory PriceOracle backed by a fixed table of
// prices, with a deterministic fallback generator for dates outside the
// table so round-engine tests can exercise arbitrary date ranges without
// hand-seeding every day.
type FixtureOracle struct {
	mu               sync.Mutex
	prices           map[string]*big.Rat
	generated        map[string]*big.Rat
	unavailableDates map[string]bool
}

// NewFixtureOracle builds a FixtureOracle seeded with prices, keyed by
// the date's RFC3339 day. Callers need not truncate to UTC midnight:
// both this constructor and Close reduce each date to its UTC day.
func NewFixtureOracle(prices map[time.Time]*big.Rat) *FixtureOracle {
	o := &FixtureOracle{
		prices:           make(map[string]*big.Rat),
		generated:        make(map[string]*big.Rat),
		unavailableDates: make(map[string]bool),
	}
	for d, p := range prices {
		o.prices[dayKey(d)] = p
	}
	return o
}

func dayKey(d time.Time) string {
	return d.UTC().Format("2006-01-02")
}

// Close implements PriceOracle. Missing dates fall back to a
// deterministic pseudo-price derived from the date itself, so the same
// date always yields the same price across calls and process restarts,
// without requiring every test to pre-seed every day it touches.
func (o *FixtureOracle) Close(ctx context.Context, date time.Time) (*big.Rat, bool, error) {
	key := dayKey(date)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.unavailableDates[key] {
		return nil, false, nil
	}
	if p, ok := o.prices[key]; ok {
		return p, true, nil
	}
	if p, ok := o.generated[key]; ok {
		return p, true, nil
	}

	p := generatePrice(date)
	o.generated[key] = p
	return p, true, nil
}

// SetPrice installs (or overwrites) the fixture price for date.
func (o *FixtureOracle) SetPrice(date time.Time, price *big.Rat) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[dayKey(date)] = price
}

// SimulateUnavailable removes date's fixture price and any generated
// cache entry, so the next Close call returns ok=false — used by tests
// exercising OracleUnavailable and the settlement grace window.
func (o *FixtureOracle) SimulateUnavailable(date time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := dayKey(date)
	delete(o.prices, key)
	delete(o.generated, key)
	o.unavailableDates[key] = true
}

// generatePrice derives a deterministic price in [50, 200) from date's
// ordinal day number, mirroring the reference fixture oracle's
// seeded-random behavior without depending on math/rand's global state.
func generatePrice(date time.Time) *big.Rat {
	ordinal := date.UTC().Unix() / 86400
	variation := ordinal % 15000 // 0..14999, cents of variation
	price := big.NewRat(5000+variation, 100)
	return price
}

var _ PriceOracle = (*FixtureOracle)(nil)
