package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "updown-ledger-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store, logging.Default()), store
}

func TestPostZeroSum(t *testing.T) {
	eng, store := newTestEngine(t)

	if err := store.CreateUser(&storage.User{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	uid := "u1"
	entries, err := eng.Post(context.Background(), []Posting{
		{Account: AccountHouse, AmountU: -500000, RefType: "deposit_intent", RefID: "i1"},
		{Account: AccountCash, UserID: &uid, AmountU: 500000, RefType: "deposit_intent", RefID: "i1"},
	})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	balance, err := eng.Balance("u1", AccountCash)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 500000 {
		t.Errorf("Balance() = %d, want 500000", balance)
	}

	total, err := eng.Total(AccountHouse)
	if err != nil {
		t.Fatalf("Total() error = %v", err)
	}
	if total != -500000 {
		t.Errorf("Total(house) = %d, want -500000", total)
	}
}

func TestPostImbalanceFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	uid := "u1"
	_, err := eng.Post(context.Background(), []Posting{
		{Account: AccountCash, UserID: &uid, AmountU: 100, RefType: "deposit_intent", RefID: "i1"},
	})

	ce, ok := coreerr.As(err)
	if !ok {
		t.Fatalf("expected a *CoreError, got %v", err)
	}
	if ce.Kind != coreerr.KindLedgerImbalance {
		t.Errorf("Kind = %s, want %s", ce.Kind, coreerr.KindLedgerImbalance)
	}
}

func TestPostEmptyFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Post(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for empty postings")
	}
}

func TestPostMismatchedRefFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	uid := "u1"
	_, err := eng.Post(context.Background(), []Posting{
		{Account: AccountCash, UserID: &uid, AmountU: 100, RefType: "deposit_intent", RefID: "i1"},
		{Account: AccountHouse, AmountU: -100, RefType: "deposit_intent", RefID: "i2"},
	})
	if err == nil {
		t.Fatal("expected error for mismatched ref_id across postings")
	}
}

func TestEntriesForRef(t *testing.T) {
	eng, store := newTestEngine(t)

	if err := store.CreateUser(&storage.User{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	uid := "u1"
	if _, err := eng.Post(context.Background(), []Posting{
		{Account: AccountHouse, AmountU: -100, RefType: "deposit_intent", RefID: "i1"},
		{Account: AccountCash, UserID: &uid, AmountU: 100, RefType: "deposit_intent", RefID: "i1"},
	}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	entries, err := eng.EntriesForRef("deposit_intent", "i1")
	if err != nil {
		t.Fatalf("EntriesForRef() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}
