package withdrawal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/gateway"
	"github.com/duskline/updown-core/internal/gateway/refchain"
	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

// failingGateway wraps a real reference chain but forces every
// CreateWithdrawal call to fail non-retryably, exercising the unwind
// path without needing a second reference-chain implementation.
type failingGateway struct {
	*refchain.SolanaChain
}

func (f *failingGateway) CreateWithdrawal(ctx context.Context, address string, amountU int64) (string, error) {
	return "", coreerr.Transaction("broadcast rejected by the network", false, nil)
}

func newTestEngine(t *testing.T, gw gateway.Gateway, largeThresholdU int64) (*Engine, *storage.Storage, *alerts.Sink) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "updown-withdrawal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink := alerts.NewSink(time.Minute, 10)
	eng := New(store, gw, sink, largeThresholdU, logging.Default())

	if err := store.CreateUser(&storage.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	return eng, store, sink
}

func fundUser(t *testing.T, store *storage.Storage, userID string, amount int64) {
	t.Helper()
	le := ledger.New(store, logging.Default())
	uid := userID
	if _, err := le.Post(context.Background(), []ledger.Posting{
		{Account: ledger.AccountHouse, AmountU: -amount, RefType: "seed", RefID: userID},
		{Account: ledger.AccountCash, UserID: &uid, AmountU: amount, RefType: "seed", RefID: userID},
	}); err != nil {
		t.Fatalf("seed fund Post() error = %v", err)
	}
}

func TestCreateLocksCashIntoPending(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	eng, store, _ := newTestEngine(t, chain, 1_000_000_000)
	fundUser(t, store, "u1", 500_000)

	dest, err := chain.GenerateAddress(context.Background(), "somebody-else", "intent-x")
	if err != nil {
		t.Fatalf("GenerateAddress() error = %v", err)
	}

	w, err := eng.Create(context.Background(), "u1", "SOL", dest, 500_000)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w.Status != storage.WithdrawalStatusPending {
		t.Errorf("Status = %s, want PENDING", w.Status)
	}
	if !w.AdminApproved {
		t.Error("expected auto-approval below the large-withdrawal threshold")
	}

	cash, _ := store.Balance(ledger.AccountCash, strPtr("u1"))
	pending, _ := store.Balance(ledger.AccountPendingWithdrawals, strPtr("u1"))
	if cash != 0 {
		t.Errorf("cash = %d, want 0", cash)
	}
	if pending != 500_000 {
		t.Errorf("pending = %d, want 500,000", pending)
	}
}

func TestCreateRejectsInsufficientFunds(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	eng, store, _ := newTestEngine(t, chain, 1_000_000_000)
	fundUser(t, store, "u1", 100)

	dest, _ := chain.GenerateAddress(context.Background(), "somebody-else", "intent-x")
	_, err := eng.Create(context.Background(), "u1", "SOL", dest, 500_000)
	if err == nil {
		t.Fatal("expected InsufficientFunds error")
	}
}

func TestCreateRejectsInvalidDestination(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	eng, store, _ := newTestEngine(t, chain, 1_000_000_000)
	fundUser(t, store, "u1", 500_000)

	_, err := eng.Create(context.Background(), "u1", "SOL", "not-a-real-address", 500_000)
	if err == nil {
		t.Fatal("expected InvalidAddress error")
	}
}

func TestCreateAboveThresholdRequiresApproval(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	eng, store, sink := newTestEngine(t, chain, 400_000)
	fundUser(t, store, "u1", 500_000)

	dest, _ := chain.GenerateAddress(context.Background(), "somebody-else", "intent-x")
	w, err := eng.Create(context.Background(), "u1", "SOL", dest, 500_000)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w.AdminApproved {
		t.Error("expected a large withdrawal to start unapproved")
	}

	select {
	case a := <-sink.C():
		if a.Kind != alerts.KindLargeWithdrawal {
			t.Errorf("alert kind = %s, want %s", a.Kind, alerts.KindLargeWithdrawal)
		}
	default:
		t.Fatal("expected a large-withdrawal alert")
	}

	err = eng.Process(context.Background(), w.ID)
	if err == nil {
		t.Fatal("expected Process to refuse an unapproved large withdrawal")
	}

	if err := store.ApproveWithdrawal(w.ID); err != nil {
		t.Fatalf("ApproveWithdrawal() error = %v", err)
	}
	if err := eng.Process(context.Background(), w.ID); err != nil {
		t.Fatalf("Process() after approval error = %v", err)
	}
}

func TestProcessBroadcastAndConfirmSettlesToHouse(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	eng, store, _ := newTestEngine(t, chain, 1_000_000_000)
	fundUser(t, store, "u1", 500_000)

	dest, _ := chain.GenerateAddress(context.Background(), "somebody-else", "intent-x")
	w, err := eng.Create(context.Background(), "u1", "SOL", dest, 500_000)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := eng.Process(context.Background(), w.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	broadcast, err := store.GetWithdrawalRequest(w.ID)
	if err != nil {
		t.Fatalf("GetWithdrawalRequest() error = %v", err)
	}
	if broadcast.Status != storage.WithdrawalStatusBroadcast {
		t.Fatalf("Status = %s, want BROADCAST", broadcast.Status)
	}

	chain.AdvanceConfirmations(*broadcast.BroadcastTx, 1)
	if err := eng.PollConfirmations(context.Background(), w.ID); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}
	mid, _ := store.GetWithdrawalRequest(w.ID)
	if mid.Status != storage.WithdrawalStatusBroadcast {
		t.Errorf("Status = %s, want still BROADCAST below threshold", mid.Status)
	}

	chain.AdvanceConfirmations(*broadcast.BroadcastTx, 2)
	if err := eng.PollConfirmations(context.Background(), w.ID); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}

	settled, err := store.GetWithdrawalRequest(w.ID)
	if err != nil {
		t.Fatalf("GetWithdrawalRequest() error = %v", err)
	}
	if settled.Status != storage.WithdrawalStatusConfirmed {
		t.Errorf("Status = %s, want CONFIRMED", settled.Status)
	}

	pending, _ := store.Balance(ledger.AccountPendingWithdrawals, strPtr("u1"))
	house, _ := store.Balance(ledger.AccountHouse, nil)
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
	// fundUser seeded u1's cash out of house (house -500,000); settling
	// the withdrawal posts the matching +500,000 back to house, netting
	// zero across the full round trip.
	if house != 0 {
		t.Errorf("house = %d, want 0 (net zero across fund + withdrawal)", house)
	}

	// Re-polling an already-CONFIRMED withdrawal must not post again.
	if err := eng.PollConfirmations(context.Background(), w.ID); err != nil {
		t.Fatalf("second PollConfirmations() error = %v", err)
	}
	houseAgain, _ := store.Balance(ledger.AccountHouse, nil)
	if houseAgain != house {
		t.Errorf("house after re-poll = %d, want unchanged %d", houseAgain, house)
	}
}

func TestProcessUnwindsOnNonRetryableFailure(t *testing.T) {
	chain := refchain.NewSolanaChain("seed", 2)
	gw := &failingGateway{SolanaChain: chain}
	eng, store, _ := newTestEngine(t, gw, 1_000_000_000)
	fundUser(t, store, "u1", 500_000)

	dest, _ := chain.GenerateAddress(context.Background(), "somebody-else", "intent-x")
	w, err := eng.Create(context.Background(), "u1", "SOL", dest, 500_000)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cash, _ := store.Balance(ledger.AccountCash, strPtr("u1"))
	pending, _ := store.Balance(ledger.AccountPendingWithdrawals, strPtr("u1"))
	if cash != 0 || pending != 500_000 {
		t.Fatalf("unexpected pre-process balances: cash=%d pending=%d", cash, pending)
	}

	if err := eng.Process(context.Background(), w.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	failed, err := store.GetWithdrawalRequest(w.ID)
	if err != nil {
		t.Fatalf("GetWithdrawalRequest() error = %v", err)
	}
	if failed.Status != storage.WithdrawalStatusFailed {
		t.Errorf("Status = %s, want FAILED", failed.Status)
	}

	cash, _ = store.Balance(ledger.AccountCash, strPtr("u1"))
	pending, _ = store.Balance(ledger.AccountPendingWithdrawals, strPtr("u1"))
	if cash != 500_000 {
		t.Errorf("cash after unwind = %d, want 500,000", cash)
	}
	if pending != 0 {
		t.Errorf("pending after unwind = %d, want 0", pending)
	}
}

func strPtr(s string) *string { return &s }
