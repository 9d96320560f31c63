// Package chain submits signed transactions and reports their on-chain
// status. Every RPC goes through a rate limiter and a transport breaker.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrRPCConnection  = errors.New("chain: RPC connection failed")
	ErrRateLimited    = errors.New("chain: rate limit exceeded")
	ErrInvalidHash    = errors.New("chain: invalid transaction hash")
	ErrTransportOpen  = errors.New("chain: network connection breaker open")
	ErrProgramFailure = errors.New("chain: program execution reverted")
)

// Error wraps RPC failures with the operation and transaction involved.
type Error struct {
	Op     string
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// NetworkRecorder receives RPC connectivity outcomes. *circuitbreaker.Manager
// satisfies it.
type NetworkRecorder interface {
	RecordNetworkEvent(ctx context.Context, success bool, metadata map[string]any) bool
}

// TxStatus is the confirmation state of one transaction.
type TxStatus struct {
	Confirmations int    `json:"confirmations"`
	BlockHeight   uint64 `json:"block_height,omitempty"`
	Finalized     bool   `json:"finalized"`
	Pending       bool   `json:"pending"`
	Failed        bool   `json:"failed"`
	Error         string `json:"error,omitempty"`
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.eth = ec }
}

// WithRateLimit caps RPC calls per second.
func WithRateLimit(perSecond int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

// WithNetworkRecorder reports transport breaker transitions as network events.
func WithNetworkRecorder(r NetworkRecorder) Option {
	return func(c *Client) { c.network = r }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is the production chain collaborator.
type Client struct {
	eth     EthClient
	chainID *big.Int
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	network NetworkRecorder
	logger  *slog.Logger
}

// Dial connects to rpcURL unless an EthClient was supplied.
func Dial(rpcURL string, chainID int64, opts ...Option) (*Client, error) {
	c := &Client{
		chainID: big.NewInt(chainID),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chain-rpc",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5)
		},
		OnStateChange: c.onTransportStateChange,
	})

	if c.eth == nil {
		if rpcURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		ec, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = ec
	}
	return c, nil
}

func (c *Client) onTransportStateChange(name string, from, to gobreaker.State) {
	c.logger.Warn("chain transport breaker state changed",
		"breaker", name, "from", from.String(), "to", to.String())
	if c.network == nil {
		return
	}
	switch to {
	case gobreaker.StateOpen:
		c.network.RecordNetworkEvent(context.Background(), false, map[string]any{
			"source": "transport_breaker", "state": to.String(),
		})
	case gobreaker.StateClosed:
		c.network.RecordNetworkEvent(context.Background(), true, map[string]any{
			"source": "transport_breaker", "state": to.String(),
		})
	}
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// call paces and guards one RPC.
func (c *Client) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	res, err := c.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrTransportOpen, err)
	}
	return res, err
}

// TransactionStatus reports confirmations for txHash. Confirmations count the
// inclusion block itself; finality is judged against the finalized header.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if !isHash(txHash) {
		return TxStatus{}, &Error{Op: "status", TxHash: txHash, Err: ErrInvalidHash}
	}
	hash := common.HexToHash(txHash)

	res, err := c.call(ctx, func() (any, error) {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return (*types.Receipt)(nil), nil
		}
		return receipt, err
	})
	if err != nil {
		return TxStatus{}, &Error{Op: "receipt", TxHash: txHash, Err: err}
	}
	receipt, _ := res.(*types.Receipt)

	if receipt == nil {
		// Not mined yet. A transaction the node no longer knows is still
		// reported as pending; expiry decides its fate.
		return TxStatus{Pending: true}, nil
	}

	res, err = c.call(ctx, func() (any, error) {
		return c.eth.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return TxStatus{}, &Error{Op: "head", TxHash: txHash, Err: err}
	}
	head := res.(*types.Header)

	block := receipt.BlockNumber.Uint64()
	st := TxStatus{BlockHeight: block}
	if h := head.Number.Uint64(); h >= block {
		st.Confirmations = int(h - block + 1)
	}

	res, err = c.call(ctx, func() (any, error) {
		return c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	})
	if err == nil {
		if fin, ok := res.(*types.Header); ok && fin != nil {
			st.Finalized = fin.Number.Uint64() >= block
		}
	} else {
		// Nodes without finality tags still answer receipts.
		c.logger.Debug("finalized header unavailable", "error", err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		st.Failed = true
		st.Error = ErrProgramFailure.Error()
	}
	return st, nil
}

// SubmitTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	hash := tx.Hash().Hex()
	if _, err := c.call(ctx, func() (any, error) {
		return nil, c.eth.SendTransaction(ctx, tx)
	}); err != nil {
		return "", &Error{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

// PendingNonce returns the next nonce for account.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.call(ctx, func() (any, error) {
		return c.eth.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, &Error{Op: "nonce", Err: err}
	}
	return res.(uint64), nil
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	res, err := c.call(ctx, func() (any, error) {
		return c.eth.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, &Error{Op: "gas_price", Err: err}
	}
	return res.(*big.Int), nil
}

// Ping checks that the node answers. Used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, func() (any, error) {
		return c.eth.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}

func isHash(s string) bool {
	if len(s) != 66 || s[:2] != "0x" {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
