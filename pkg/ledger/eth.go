package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
)

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// EthBackend is the subset of *ethclient.Client the ledger client uses.
type EthBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// EthConfig configures an EthClient. Contract and account addresses are
// always supplied here, never taken from package globals.
type EthConfig struct {
	RPCURL              string
	ChainID             *big.Int
	Token               common.Address
	Keys                []*ecdsa.PrivateKey
	GasLimit            uint64 // zero means estimate per call
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
}

// EthClient talks to an ERC-20 token contract over JSON-RPC and signs
// transactions locally for the custodial accounts it holds keys for.
type EthClient struct {
	backend        EthBackend
	abi            abi.ABI
	token          common.Address
	signer         types.Signer
	keys           map[common.Address]*ecdsa.PrivateKey
	gasLimit       uint64
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *zap.Logger
	closer         func()

	mu      sync.Mutex
	senders map[common.Address]*sync.Mutex
}

// DialEth connects to cfg.RPCURL and returns a ready client.
func DialEth(ctx context.Context, cfg EthConfig, logger *zap.Logger) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}
	c, err := NewEthClient(rpc, cfg, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	return c, nil
}

// NewEthClient builds a client on an existing backend.
func NewEthClient(backend EthBackend, cfg EthConfig, logger *zap.Logger) (*EthClient, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("token contract address is required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[crypto.PubkeyToAddress(k.PublicKey)] = k
	}

	return &EthClient{
		backend:        backend,
		abi:            parsed,
		token:          cfg.Token,
		signer:         types.LatestSignerForChainID(cfg.ChainID),
		keys:           keys,
		gasLimit:       cfg.GasLimit,
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmationTimeout,
		logger:         logger,
		senders:        make(map[common.Address]*sync.Mutex),
	}, nil
}

func (c *EthClient) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, "balanceOf", account)
}

func (c *EthClient) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, "allowance", owner, spender)
}

func (c *EthClient) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (*Receipt, error) {
	return c.submit(ctx, owner, "approve", spender, amount)
}

func (c *EthClient) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (*Receipt, error) {
	return c.submit(ctx, spender, "transferFrom", from, to, amount)
}

func (c *EthClient) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (*Receipt, error) {
	return c.submit(ctx, from, "transfer", to, amount)
}

// Receipt looks up the current state of a previously submitted transaction.
func (c *EthClient) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	out := &Receipt{TxHash: txHash}
	r, err := c.backend.TransactionReceipt(ctx, txHash)
	if err == nil {
		c.applyReceipt(out, r)
		return out, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return nil, apperr.Transport("ledger.Receipt", err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		out.Status = StatusUnknown
	case err != nil:
		return nil, apperr.Transport("ledger.Receipt", err)
	case pending:
		out.Status = StatusPending
	default:
		// Known, not pending, but no receipt yet: the node is still indexing.
		out.Status = StatusPending
	}
	return out, nil
}

// Close releases the underlying RPC connection.
func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EthClient) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, apperr.Transport("ledger."+method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result arity %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}

func (c *EthClient) senderLock(from common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.senders[from]
	if !ok {
		m = &sync.Mutex{}
		c.senders[from] = m
	}
	return m
}

// submit signs and sends a token call from the given account, then waits for
// it to be mined. Nonce assignment is serialized per sender.
func (c *EthClient) submit(ctx context.Context, from common.Address, method string, args ...interface{}) (*Receipt, error) {
	op := "ledger." + method
	key, ok := c.keys[from]
	if !ok {
		return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("%w %s", ErrUnknownAccount, from.Hex()))
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	lock := c.senderLock(from)
	lock.Lock()
	receipt, err := c.signAndSend(ctx, key, from, method, data)
	lock.Unlock()
	if err != nil {
		return receipt, err
	}

	return c.waitForConfirmation(ctx, receipt)
}

func (c *EthClient) signAndSend(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, method string, data []byte) (*Receipt, error) {
	op := "ledger." + method
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, apperr.Transport(op, fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperr.Transport(op, fmt.Errorf("gas price: %w", err))
	}
	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.token, Data: data})
		if err != nil {
			return nil, apperr.Transport(op, fmt.Errorf("estimate gas: %w", err))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.token,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	receipt := &Receipt{
		TxHash:      signed.Hash(),
		Method:      method,
		Status:      StatusPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return receipt, apperr.Transport(op, fmt.Errorf("send %s: %w", receipt.TxHash.Hex(), err))
	}

	c.logger.Info("Ledger transaction submitted",
		zap.String("method", method),
		zap.String("from", from.Hex()),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("nonce", nonce))
	return receipt, nil
}

// waitForConfirmation polls for the receipt until it is mined, the
// confirmation timeout passes, or the caller stops waiting. Abandoning the
// wait does not cancel the transaction.
func (c *EthClient) waitForConfirmation(ctx context.Context, receipt *Receipt) (*Receipt, error) {
	op := "ledger." + receipt.Method
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(ctx, receipt.TxHash)
		if err == nil {
			c.applyReceipt(receipt, r)
			if receipt.Status == StatusFailed {
				return receipt, apperr.Wrap(apperr.KindStateConflict, op, fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex()))
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("Receipt lookup failed, will retry",
				zap.String("tx_hash", receipt.TxHash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return receipt, apperr.Transport(op, fmt.Errorf("waiting for %s: %w", receipt.TxHash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (c *EthClient) applyReceipt(out *Receipt, r *types.Receipt) {
	now := time.Now().UTC()
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	out.GasUsed = r.GasUsed
	out.ConfirmedAt = &now
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusConfirmed
	} else {
		out.Status = StatusFailed
	}
}
