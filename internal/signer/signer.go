// Package signer signs transactions without exposing key material to the
// rest of the process. Production uses an encrypted keystore; development
// and tests use an in-memory key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey     = errors.New("signer: invalid private key")
	ErrNoAccount      = errors.New("signer: no keystore account")
	ErrUnlockFailed   = errors.New("signer: keystore unlock failed")
	ErrNilTransaction = errors.New("signer: nil transaction")
)

// Request identifies what a signature is for. It is logged with HSM events.
type Request struct {
	TradeID string
	UserID  string
}

// Signer signs transactions for a single account.
type Signer interface {
	Sign(ctx context.Context, tx *types.Transaction, req Request) (*types.Transaction, error)
	Address() common.Address
}

// Mode names a signer implementation.
const (
	ModeDev      = "dev"
	ModeKeystore = "keystore"
)

// -----------------------------------------------------------------------------
// Dev signer
// -----------------------------------------------------------------------------

// DevSigner holds a raw key in memory.
type DevSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewDevSigner loads a hex-encoded key. An empty key generates a fresh one.
func NewDevSigner(hexKey string, chainID *big.Int) (*DevSigner, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &DevSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *DevSigner) Sign(_ context.Context, tx *types.Transaction, _ Request) (*types.Transaction, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	return types.SignTx(tx, s.signer, s.key)
}

func (s *DevSigner) Address() common.Address { return s.address }

// -----------------------------------------------------------------------------
// Keystore signer
// -----------------------------------------------------------------------------

// KeystoreSigner signs with an account from an encrypted keystore
// directory. The key is unlocked once at construction.
type KeystoreSigner struct {
	ks      *keystore.KeyStore
	account accounts.Account
	chainID *big.Int
}

// NewKeystoreSigner opens dir and unlocks its first account, or the account
// matching address when one is given.
func NewKeystoreSigner(dir, passphrase, address string, chainID *big.Int) (*KeystoreSigner, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoAccount, dir)
	}
	acct := accts[0]
	if address != "" {
		want := common.HexToAddress(address)
		found := false
		for _, a := range accts {
			if a.Address == want {
				acct, found = a, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoAccount, want.Hex())
		}
	}
	if err := ks.Unlock(acct, passphrase); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnlockFailed, err)
	}
	return &KeystoreSigner{ks: ks, account: acct, chainID: new(big.Int).Set(chainID)}, nil
}

func (s *KeystoreSigner) Sign(_ context.Context, tx *types.Transaction, _ Request) (*types.Transaction, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	return s.ks.SignTx(s.account, tx, s.chainID)
}

func (s *KeystoreSigner) Address() common.Address { return s.account.Address }

// Lock drops the unlocked key from memory.
func (s *KeystoreSigner) Lock() error {
	return s.ks.Lock(s.account.Address)
}

// -----------------------------------------------------------------------------
// Guarded
// -----------------------------------------------------------------------------

// HSMRecorder receives signing outcomes. *circuitbreaker.Manager satisfies
// it.
type HSMRecorder interface {
	RecordHSMEvent(ctx context.Context, success bool, metadata map[string]any) bool
}

// Guarded reports every signing attempt to the HSM breaker.
type Guarded struct {
	next     Signer
	recorder HSMRecorder
	logger   *slog.Logger
}

// NewGuarded wraps next. A nil logger uses slog.Default.
func NewGuarded(next Signer, recorder HSMRecorder, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, recorder: recorder, logger: logger}
}

func (g *Guarded) Sign(ctx context.Context, tx *types.Transaction, req Request) (*types.Transaction, error) {
	start := time.Now()
	signed, err := g.next.Sign(ctx, tx, req)
	md := map[string]any{
		"trade_id":    req.TradeID,
		"user_id":     req.UserID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		md["error"] = err.Error()
		g.logger.Error("transaction signing failed", "trade_id", req.TradeID, "error", err)
	}
	if g.recorder != nil {
		g.recorder.RecordHSMEvent(ctx, err == nil, md)
	}
	return signed, err
}

func (g *Guarded) Address() common.Address { return g.next.Address() }

var (
	_ Signer = (*DevSigner)(nil)
	_ Signer = (*KeystoreSigner)(nil)
	_ Signer = (*Guarded)(nil)
)
