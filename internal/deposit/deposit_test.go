package deposit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/gateway"
	"github.com/duskline/updown-core/internal/gateway/refchain"
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Storage, *refchain.SolanaChain, *alerts.Sink) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "updown-deposit-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	chain := refchain.NewSolanaChain("test-seed", 3)
	sink := alerts.NewSink(time.Minute, 10)
	eng := New(store, chain, sink, logging.Default())

	if err := store.CreateUser(&storage.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	return eng, store, chain, sink
}

func TestCreateIntentAttachesMemoForMemoChain(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	intent, err := eng.CreateIntent(context.Background(), "u1", "SOL", 1_000_000)
	if err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}
	if intent.Status != storage.DepositIntentStatusIssued {
		t.Errorf("Status = %s, want ISSUED", intent.Status)
	}
	if intent.MemoTag == nil || *intent.MemoTag == "" {
		t.Error("expected a memo tag for a memo-bearing chain")
	}
	if intent.Address == "" {
		t.Error("expected a derived address")
	}
}

func TestObserveWalksIntentThroughConfirmationsAndCreditsOnce(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)

	intent, err := eng.CreateIntent(context.Background(), "u1", "SOL", 1_000_000)
	if err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}

	// First sighting: 1 confirmation, below the 3-confirmation threshold.
	err = eng.Observe(context.Background(), "SOL", gateway.DepositObservation{
		Address:       intent.Address,
		TxSig:         "sig1",
		LogIdx:        0,
		AmountU:       1_000_000,
		Confirmations: 1,
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	seen, err := store.GetDepositIntent(intent.ID)
	if err != nil {
		t.Fatalf("GetDepositIntent() error = %v", err)
	}
	if seen.Status != storage.DepositIntentStatusSeen {
		t.Errorf("Status = %s, want SEEN", seen.Status)
	}

	// Same tx_sig observed again under a new log_idx at 3 confirmations:
	// crosses the threshold and credits.
	err = eng.Observe(context.Background(), "SOL", gateway.DepositObservation{
		Address:       intent.Address,
		TxSig:         "sig1",
		LogIdx:        1,
		AmountU:       1_000_000,
		Confirmations: 3,
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	confirmed, err := store.GetDepositIntent(intent.ID)
	if err != nil {
		t.Fatalf("GetDepositIntent() error = %v", err)
	}
	if confirmed.Status != storage.DepositIntentStatusCredited {
		t.Errorf("Status = %s, want CREDITED", confirmed.Status)
	}

	cash, err := store.Balance(ledger.AccountCash, strPtr("u1"))
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if cash != 1_000_000 {
		t.Errorf("cash = %d, want 1,000,000", cash)
	}

	entries, err := store.EntriesByRef("deposit_intent", intent.ID)
	if err != nil {
		t.Fatalf("EntriesByRef() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	// Further observations at higher confirmation counts (same or new
	// log indices) must not produce additional ledger rows.
	for _, conf := range []uint32{5, 10} {
		err = eng.Observe(context.Background(), "SOL", gateway.DepositObservation{
			Address:       intent.Address,
			TxSig:         "sig1",
			LogIdx:        2,
			AmountU:       1_000_000,
			Confirmations: conf,
		})
		if err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
	}

	entries, err = store.EntriesByRef("deposit_intent", intent.ID)
	if err != nil {
		t.Fatalf("EntriesByRef() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) after repeated observation = %d, want 2 (still)", len(entries))
	}

	cash, err = store.Balance(ledger.AccountCash, strPtr("u1"))
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if cash != 1_000_000 {
		t.Errorf("cash after repeated observation = %d, want 1,000,000 (unchanged)", cash)
	}
}

func TestObserveDuplicateEventIsNoop(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)

	intent, err := eng.CreateIntent(context.Background(), "u1", "SOL", 1_000_000)
	if err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}

	obs := gateway.DepositObservation{
		Address:       intent.Address,
		TxSig:         "sig1",
		LogIdx:        0,
		AmountU:       1_000_000,
		Confirmations: 3,
	}

	if err := eng.Observe(context.Background(), "SOL", obs); err != nil {
		t.Fatalf("first Observe() error = %v", err)
	}
	if err := eng.Observe(context.Background(), "SOL", obs); err != nil {
		t.Fatalf("duplicate Observe() error = %v", err)
	}

	entries, err := store.EntriesByRef("deposit_intent", intent.ID)
	if err != nil {
		t.Fatalf("EntriesByRef() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2 (duplicate event must not re-credit)", len(entries))
	}
}

func TestObserveUnderPaymentCreditsObservedAmountAndAlerts(t *testing.T) {
	eng, store, _, sink := newTestEngine(t)

	intent, err := eng.CreateIntent(context.Background(), "u1", "SOL", 1_000_000)
	if err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}

	err = eng.Observe(context.Background(), "SOL", gateway.DepositObservation{
		Address:       intent.Address,
		TxSig:         "sig1",
		LogIdx:        0,
		AmountU:       400_000,
		Confirmations: 3,
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	// Observed-amount policy: the intent is credited with what was
	// actually observed on-chain, not the expected minimum.
	cash, err := store.Balance(ledger.AccountCash, strPtr("u1"))
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if cash != 400_000 {
		t.Errorf("cash = %d, want 400,000 (observed amount, not expected minimum)", cash)
	}

	select {
	case a := <-sink.C():
		if a.Kind != alerts.KindUnderPayment {
			t.Errorf("alert kind = %s, want %s", a.Kind, alerts.KindUnderPayment)
		}
	default:
		t.Fatal("expected an under-payment alert to be published")
	}
}

func TestObserveUnrelatedAddressIsNoop(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	err := eng.Observe(context.Background(), "SOL", gateway.DepositObservation{
		Address:       "some-address-nobody-was-issued",
		TxSig:         "sig-unrelated",
		LogIdx:        0,
		AmountU:       1_000_000,
		Confirmations: 5,
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
}

func TestExpireOldMarksStaleIntentsExpired(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)

	intent, err := eng.CreateIntent(context.Background(), "u1", "SOL", 1_000_000)
	if err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}

	// A negative max age pushes the cutoff into the future, guaranteeing
	// the intent just created above falls before it regardless of
	// second-level clock granularity.
	count, err := eng.ExpireOld(-time.Hour)
	if err != nil {
		t.Fatalf("ExpireOld() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	expired, err := store.GetDepositIntent(intent.ID)
	if err != nil {
		t.Fatalf("GetDepositIntent() error = %v", err)
	}
	if expired.Status != storage.DepositIntentStatusExpired {
		t.Errorf("Status = %s, want EXPIRED", expired.Status)
	}
}

func strPtr(s string) *string { return &s }
