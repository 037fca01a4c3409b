package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestFixtureOracleSeededPrice(t *testing.T) {
	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	price := big.NewRat(12345, 100)

	o := NewFixtureOracle(map[time.Time]*big.Rat{date: price})

	got, ok, err := o.Close(context.Background(), date)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !ok {
		t.Fatal("Close() ok = false, want true")
	}
	if got.Cmp(price) != 0 {
		t.Errorf("Close() = %s, want %s", got, price)
	}
}

func TestFixtureOracleGeneratedIsDeterministic(t *testing.T) {
	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	o := NewFixtureOracle(nil)

	p1, ok, err := o.Close(context.Background(), date)
	if err != nil || !ok {
		t.Fatalf("Close() = %v, %v, %v", p1, ok, err)
	}

	o2 := NewFixtureOracle(nil)
	p2, ok, err := o2.Close(context.Background(), date)
	if err != nil || !ok {
		t.Fatalf("Close() = %v, %v, %v", p2, ok, err)
	}

	if p1.Cmp(p2) != 0 {
		t.Errorf("generated price not deterministic across instances: %s != %s", p1, p2)
	}
}

func TestFixtureOracleSimulateUnavailable(t *testing.T) {
	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	price := big.NewRat(100, 1)

	o := NewFixtureOracle(map[time.Time]*big.Rat{date: price})
	o.SimulateUnavailable(date)

	_, ok, err := o.Close(context.Background(), date)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ok {
		t.Error("Close() ok = true after SimulateUnavailable, want false")
	}
}

func TestFixtureOracleSetPriceOverrides(t *testing.T) {
	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	o := NewFixtureOracle(nil)

	updated := big.NewRat(999, 1)
	o.SetPrice(date, updated)

	got, ok, err := o.Close(context.Background(), date)
	if err != nil || !ok {
		t.Fatalf("Close() = %v, %v, %v", got, ok, err)
	}
	if got.Cmp(updated) != 0 {
		t.Errorf("Close() = %s, want %s", got, updated)
	}
}
