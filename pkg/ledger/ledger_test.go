package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
)

var (
	donor  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	escrow = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	lawyer = common.HexToAddress("0x000000000000000000000000000000000000001a")
)

func TestSimulatedApproveThenTransferFrom(t *testing.T) {
	ctx := context.Background()
	l := NewSimulated()
	l.Mint(donor, big.NewInt(1000))

	_, err := l.TransferFrom(ctx, escrow, donor, escrow, big.NewInt(100))
	require.Error(t, err, "transferFrom without allowance reverts")
	assert.ErrorIs(t, err, ErrReverted)

	r, err := l.Approve(ctx, donor, escrow, big.NewInt(400))
	require.NoError(t, err)
	assert.True(t, r.Confirmed())

	r, err = l.TransferFrom(ctx, escrow, donor, escrow, big.NewInt(400))
	require.NoError(t, err)
	assert.True(t, r.Confirmed())

	bal, _ := l.BalanceOf(ctx, escrow)
	assert.Equal(t, int64(400), bal.Int64())
	allowance, _ := l.Allowance(ctx, donor, escrow)
	assert.Equal(t, int64(0), allowance.Int64())

	stored, err := l.Receipt(ctx, r.TxHash)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stored.Status)
}

func TestSimulatedFaults(t *testing.T) {
	ctx := context.Background()
	l := NewSimulated()
	l.Mint(escrow, big.NewInt(500))

	l.InjectFault("transfer", FaultDropRequest)
	r, err := l.Transfer(ctx, escrow, lawyer, big.NewInt(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransport))
	lookup, err := l.Receipt(ctx, r.TxHash)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, lookup.Status)
	assert.Equal(t, 0, l.Calls("transfer"))

	l.InjectFault("transfer", FaultLoseReceipt)
	r, err = l.Transfer(ctx, escrow, lawyer, big.NewInt(100))
	require.Error(t, err)
	assert.Equal(t, StatusPending, r.Status)
	lookup, err = l.Receipt(ctx, r.TxHash)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, lookup.Status, "the call was applied even though the caller timed out")

	bal, _ := l.BalanceOf(ctx, lawyer)
	assert.Equal(t, int64(100), bal.Int64())
}

func TestInstrumentedCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics(prometheus.NewRegistry())
	l := NewSimulated()
	l.Mint(escrow, big.NewInt(10))
	inst := Instrumented(l, m)

	_, err := inst.Transfer(ctx, escrow, lawyer, big.NewInt(5))
	require.NoError(t, err)
	_, err = inst.Transfer(ctx, escrow, lawyer, big.NewInt(50))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("transfer", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("transfer", "reverted")))
}

// fakeBackend is a minimal JSON-RPC stand-in that mines every transaction
// after a configurable number of receipt polls.
type fakeBackend struct {
	mu          sync.Mutex
	abi         abi.ABI
	balance     *big.Int
	sent        []*types.Transaction
	pollsBefore int
	polls       int
	revert      bool
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.abi.Methods["balanceOf"].Outputs.Pack(f.balance)
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pollsBefore {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: txHash, BlockNumber: big.NewInt(77), GasUsed: 51_000}, nil
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func newFakeClient(t *testing.T, backend *fakeBackend) (*EthClient, common.Address) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	backend.abi = parsed

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := NewEthClient(backend, EthConfig{
		ChainID:             big.NewInt(31337),
		Token:               common.HexToAddress("0x0000000000000000000000000000000000007070"),
		Keys:                []*ecdsa.PrivateKey{key},
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return c, crypto.PubkeyToAddress(key.PublicKey)
}

func TestEthClientDecodesViewCalls(t *testing.T) {
	c, _ := newFakeClient(t, &fakeBackend{balance: big.NewInt(4242)})

	bal, err := c.BalanceOf(context.Background(), donor)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), bal.Int64())
}

func TestEthClientSubmitWaitsForConfirmation(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(0), pollsBefore: 2}
	c, from := newFakeClient(t, backend)

	r, err := c.Transfer(context.Background(), from, lawyer, big.NewInt(600))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, uint64(77), r.BlockNumber)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, tx.Hash(), r.TxHash)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
}

func TestEthClientRevertAndUnknownAccount(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(0), revert: true}
	c, from := newFakeClient(t, backend)

	r, err := c.Transfer(context.Background(), from, lawyer, big.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, StatusFailed, r.Status)

	_, err = c.Transfer(context.Background(), donor, lawyer, big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnknownAccount)
	assert.Len(t, backend.sent, 1, "nothing is sent for an account without a key")
}

func TestEthClientReceiptLookupUnknown(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(0), pollsBefore: 100}
	c, _ := newFakeClient(t, backend)

	r, err := c.Receipt(context.Background(), common.HexToHash("0x99"))
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, r.Status)
}
