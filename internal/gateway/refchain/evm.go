package refchain

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/duskline/updown-core/internal/coreerr"
	"github.com/duskline/updown-core/internal/gateway"
)

// EVMChain is an EVM-style reference gateway: 0x-prefixed hex addresses
// derived from secp256k1 keys via Keccak256, matching how a real EVM
// chain assigns an address to a public key.
type EVMChain struct {
	deriveSeed  string
	minConfirms uint32

	mu       sync.Mutex
	watchers []chan gateway.DepositObservation
	sent     map[string]int64
	confirms map[string]uint32
	nonce    int
}

// NewEVMChain constructs an EVM-style reference gateway.
func NewEVMChain(deriveSeed string, minConfirms uint32) *EVMChain {
	return &EVMChain{
		deriveSeed:  deriveSeed,
		minConfirms: minConfirms,
		sent:        make(map[string]int64),
		confirms:    make(map[string]uint32),
	}
}

// UsesMemo reports that EVM deposits are resolved purely by derived
// address, with no memo field.
func (e *EVMChain) UsesMemo() bool { return false }

func (e *EVMChain) MinConfirmations() uint32 { return e.minConfirms }

func (e *EVMChain) WatchDeposits(ctx context.Context, cursor gateway.Cursor) (<-chan gateway.DepositObservation, error) {
	ch := make(chan gateway.DepositObservation, 16)

	e.mu.Lock()
	e.watchers = append(e.watchers, ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, w := range e.watchers {
			if w == ch {
				e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Feed injects a simulated on-chain observation to every active
// watcher.
func (e *EVMChain) Feed(obs gateway.DepositObservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.watchers {
		select {
		case w <- obs:
		default:
		}
	}
}

func (e *EVMChain) CreateWithdrawal(ctx context.Context, address string, amountU int64) (string, error) {
	if !e.IsValidAddress(address) {
		return "", coreerr.InvalidAddress(address)
	}
	if amountU <= 0 {
		return "", coreerr.Validation("withdrawal amount must be positive")
	}

	e.mu.Lock()
	e.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", address, amountU, e.nonce)))
	txHash := "0x" + ethcommon.Bytes2Hex(sum[:])
	e.sent[txHash] = amountU
	e.confirms[txHash] = 0
	e.mu.Unlock()

	return txHash, nil
}

// AdvanceConfirmations simulates block production for tests.
func (e *EVMChain) AdvanceConfirmations(txHash string, confirmations uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirms[txHash] = confirmations
}

func (e *EVMChain) GetConfirmations(ctx context.Context, txHash string) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirms[txHash], nil
}

// GenerateAddress derives a deterministic secp256k1 keypair from
// HMAC-SHA256(deriveSeed, userID||intentID) and computes the EVM
// address as the last 20 bytes of Keccak256(pubkey).
func (e *EVMChain) GenerateAddress(ctx context.Context, userID, intentID string) (string, error) {
	seed := derivationSeed(e.deriveSeed, userID, intentID)
	priv, _ := btcec.PrivKeyFromBytes(seed)

	pub := priv.PubKey()
	addr := ethcrypto.PubkeyToAddress(*pub.ToECDSA())
	return addr.Hex(), nil
}

// IsValidAddress reports whether s is a well-formed 0x-prefixed,
// 20-byte hex address.
func (e *EVMChain) IsValidAddress(s string) bool {
	return ethcommon.IsHexAddress(s) && strings.HasPrefix(s, "0x")
}

// BuildPaymentURI renders an ethereum: payment URI.
func (e *EVMChain) BuildPaymentURI(address string, amountU *int64, intentID string) string {
	uri := fmt.Sprintf("ethereum:%s?reference=%s", address, intentID)
	if amountU != nil {
		uri += fmt.Sprintf("&amount=%d", *amountU)
	}
	return uri
}

var _ gateway.Gateway = (*EVMChain)(nil)
