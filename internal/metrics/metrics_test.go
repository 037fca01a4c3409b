package metrics

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/duskline/updown-core/internal/ledger"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "updown-metrics-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateUser(&storage.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return store
}

func TestSnapshotReflectsLedgerAndTransferState(t *testing.T) {
	store := newTestStore(t)
	le := ledger.New(store, logging.Default())
	uid := "u1"

	if _, err := le.Post(context.Background(), []ledger.Posting{
		{Account: ledger.AccountHouse, AmountU: -1_000_000, RefType: "seed", RefID: "r1"},
		{Account: ledger.AccountCash, UserID: &uid, AmountU: 1_000_000, RefType: "seed", RefID: "r1"},
	}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if _, err := le.Post(context.Background(), []ledger.Posting{
		{Account: ledger.AccountCash, UserID: &uid, AmountU: -300_000, RefType: "lock", RefID: "bet1"},
		{Account: ledger.AccountLocked, UserID: &uid, AmountU: 300_000, RefType: "lock", RefID: "bet1"},
	}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	now := time.Now()
	if err := store.WithTx(func(tx *sql.Tx) error {
		return storage.CreateTransferTx(tx, &storage.Transfer{
			ID:        "wd1",
			UserID:    "u1",
			Type:      storage.TransferTypeWithdrawal,
			AmountU:   150_000,
			Status:    storage.TransferStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}); err != nil {
		t.Fatalf("CreateTransferTx() error = %v", err)
	}
	if err := store.WithTx(func(tx *sql.Tx) error {
		return storage.CreateTransferTx(tx, &storage.Transfer{
			ID:        "wd2-confirmed",
			UserID:    "u1",
			Type:      storage.TransferTypeWithdrawal,
			AmountU:   999_999,
			Status:    storage.TransferStatusConfirmed,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}); err != nil {
		t.Fatalf("CreateTransferTx() error = %v", err)
	}

	r := New(store)
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if snap.LockedU != 300_000 {
		t.Errorf("LockedU = %d, want 300,000", snap.LockedU)
	}
	if snap.TotalCashU != 700_000 {
		t.Errorf("TotalCashU = %d, want 700,000", snap.TotalCashU)
	}
	if snap.HouseU != -1_000_000 {
		t.Errorf("HouseU = %d, want -1,000,000", snap.HouseU)
	}
	if snap.PendingWithdrawalsU != 150_000 {
		t.Errorf("PendingWithdrawalsU = %d, want 150,000 (only the PENDING transfer)", snap.PendingWithdrawalsU)
	}
}
