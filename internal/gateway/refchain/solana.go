// Package refchain provides reference Gateway implementations used by
// tests and the CLI demo command. They are not production chain
// clients — no RPC, no real broadcast — but they implement the
// gateway.Gateway contract with real cryptographic address derivation
// so the core's deposit/withdrawal flows can be exercised end to end.
package refchain

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/gateway"
)

// SolanaChain is a Solana-style reference gateway: base58(pubkey)
// addresses derived from ed25519 keys, with a memo tag supporting
// memo-bearing intents.
type SolanaChain struct {
	deriveSeed   string
	minConfirms  uint32

	mu       sync.Mutex
	watchers []chan gateway.DepositObservation
	sent     map[string]int64 // txHash -> amountU, for the in-memory confirmation stub
	confirms map[string]uint32
}

// NewSolanaChain constructs a Solana-style reference gateway.
func NewSolanaChain(deriveSeed string, minConfirms uint32) *SolanaChain {
	return &SolanaChain{
		deriveSeed:  deriveSeed,
		minConfirms: minConfirms,
		sent:        make(map[string]int64),
		confirms:    make(map[string]uint32),
	}
}

// UsesMemo reports that this chain attaches a memo tag to deposit
// intents, matching the reference chain's on-chain memo instruction.
func (s *SolanaChain) UsesMemo() bool { return true }

func (s *SolanaChain) MinConfirmations() uint32 { return s.minConfirms }

// WatchDeposits returns a channel that the reference chain's Feed
// method pushes observations onto. cursor is ignored; this reference
// implementation has no durable log to resume from.
func (s *SolanaChain) WatchDeposits(ctx context.Context, cursor gateway.Cursor) (<-chan gateway.DepositObservation, error) {
	ch := make(chan gateway.DepositObservation, 16)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Feed injects a simulated on-chain observation to every active
// watcher. Tests use this to drive the deposit flow without a real
// RPC endpoint.
func (s *SolanaChain) Feed(obs gateway.DepositObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		select {
		case w <- obs:
		default:
		}
	}
}

// CreateWithdrawal derives a synthetic transaction signature and
// records the amount so GetConfirmations has something to report.
func (s *SolanaChain) CreateWithdrawal(ctx context.Context, address string, amountU int64) (string, error) {
	if !s.IsValidAddress(address) {
		return "", coreerr.InvalidAddress(address)
	}
	if amountU <= 0 {
		return "", coreerr.Validation("withdrawal amount must be positive")
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", address, amountU, len(s.sent))))
	txHash := base58.Encode(sum[:])

	s.mu.Lock()
	s.sent[txHash] = amountU
	s.confirms[txHash] = 0
	s.mu.Unlock()

	return txHash, nil
}

// AdvanceConfirmations simulates block production for tests: it sets
// txHash's confirmation count directly, including going backwards to
// simulate a reorg.
func (s *SolanaChain) AdvanceConfirmations(txHash string, confirmations uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms[txHash] = confirmations
}

func (s *SolanaChain) GetConfirmations(ctx context.Context, txHash string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms[txHash], nil
}

// GenerateAddress derives a deterministic ed25519 keypair from
// HMAC-SHA256(deriveSeed, userID||intentID) and base58-encodes the raw
// public key, exactly as a real Solana address is formed.
func (s *SolanaChain) GenerateAddress(ctx context.Context, userID, intentID string) (string, error) {
	seed := derivationSeed(s.deriveSeed, userID, intentID)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}

// IsValidAddress reports whether s decodes as base58 to exactly 32
// bytes, the length of an ed25519 public key.
func (s *SolanaChain) IsValidAddress(addr string) bool {
	decoded := base58.Decode(addr)
	return len(decoded) == ed25519.PublicKeySize
}

// BuildPaymentURI renders a solana: payment URI.
func (s *SolanaChain) BuildPaymentURI(address string, amountU *int64, intentID string) string {
	uri := fmt.Sprintf("solana:%s?reference=%s", address, intentID)
	if amountU != nil {
		uri += fmt.Sprintf("&amount=%d", *amountU)
	}
	return uri
}

// derivationSeed computes a 32-byte ed25519 seed deterministic in
// (rootSeed, userID, intentID).
func derivationSeed(rootSeed, userID, intentID string) []byte {
	mac := hmac.New(sha256.New, []byte(rootSeed))
	mac.Write([]byte(userID))
	mac.Write([]byte(":"))
	mac.Write([]byte(intentID))
	return mac.Sum(nil)
}

var _ gateway.Gateway = (*SolanaChain)(nil)
