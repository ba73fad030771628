package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
)

// Fault describes an injected transport failure for the simulated ledger.
type Fault int

const (
	// FaultDropRequest fails the call before the ledger sees it.
	FaultDropRequest Fault = iota + 1
	// FaultLoseReceipt applies the call on the ledger but reports a timeout
	// to the caller, the case reconciliation exists for.
	FaultLoseReceipt
)

type allowanceKey struct {
	owner, spender common.Address
}

// Simulated is an in-process token ledger with ERC-20 semantics. It backs
// development mode and tests.
type Simulated struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	receipts   map[common.Hash]*Receipt
	faults     map[string][]Fault
	block      uint64
	nonce      uint64
	calls      map[string]int
}

// NewSimulated returns an empty ledger.
func NewSimulated() *Simulated {
	return &Simulated{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		receipts:   make(map[common.Hash]*Receipt),
		faults:     make(map[string][]Fault),
		calls:      make(map[string]int),
	}
}

// Mint credits account with amount, outside of any transaction.
func (s *Simulated) Mint(account common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = new(big.Int).Add(s.balanceLocked(account), amount)
}

// InjectFault queues a fault for the next call of method.
func (s *Simulated) InjectFault(method string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], f)
}

// Calls returns how many mutating calls of method reached the ledger.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Simulated) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transport("ledger.balanceOf", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceLocked(account)), nil
}

func (s *Simulated) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transport("ledger.allowance", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.allowanceLocked(owner, spender)), nil
}

func (s *Simulated) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (*Receipt, error) {
	return s.execute(ctx, "approve", func() error {
		s.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
		return nil
	})
}

func (s *Simulated) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (*Receipt, error) {
	return s.execute(ctx, "transferFrom", func() error {
		allowance := s.allowanceLocked(from, spender)
		if allowance.Cmp(amount) < 0 {
			return fmt.Errorf("insufficient allowance")
		}
		if err := s.moveLocked(from, to, amount); err != nil {
			return err
		}
		s.allowances[allowanceKey{from, spender}] = new(big.Int).Sub(allowance, amount)
		return nil
	})
}

func (s *Simulated) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (*Receipt, error) {
	return s.execute(ctx, "transfer", func() error {
		return s.moveLocked(from, to, amount)
	})
}

func (s *Simulated) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transport("ledger.Receipt", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[txHash]
	if !ok {
		return &Receipt{TxHash: txHash, Status: StatusUnknown}, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Simulated) execute(ctx context.Context, method string, apply func() error) (*Receipt, error) {
	op := "ledger." + method
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transport(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], s.nonce)
	receipt := &Receipt{
		TxHash:      crypto.Keccak256Hash([]byte(method), seed[:]),
		Method:      method,
		Status:      StatusPending,
		SubmittedAt: time.Now().UTC(),
	}

	fault := s.popFaultLocked(method)
	if fault == FaultDropRequest {
		return receipt, apperr.Transport(op, context.DeadlineExceeded)
	}

	s.calls[method]++
	s.block++
	now := time.Now().UTC()
	receipt.BlockNumber = s.block
	receipt.ConfirmedAt = &now

	applyErr := apply()
	if applyErr != nil {
		receipt.Status = StatusFailed
	} else {
		receipt.Status = StatusConfirmed
	}
	stored := *receipt
	s.receipts[receipt.TxHash] = &stored

	if fault == FaultLoseReceipt {
		lost := &Receipt{TxHash: receipt.TxHash, Method: method, Status: StatusPending, SubmittedAt: receipt.SubmittedAt}
		return lost, apperr.Transport(op, context.DeadlineExceeded)
	}
	if applyErr != nil {
		return receipt, apperr.Wrap(apperr.KindStateConflict, op, fmt.Errorf("%w: %v", ErrReverted, applyErr))
	}
	return receipt, nil
}

func (s *Simulated) popFaultLocked(method string) Fault {
	q := s.faults[method]
	if len(q) == 0 {
		return 0
	}
	f := q[0]
	s.faults[method] = q[1:]
	return f
}

func (s *Simulated) moveLocked(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount")
	}
	bal := s.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	s.balances[from] = new(big.Int).Sub(bal, amount)
	s.balances[to] = new(big.Int).Add(s.balanceLocked(to), amount)
	return nil
}

func (s *Simulated) balanceLocked(a common.Address) *big.Int {
	if b, ok := s.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (s *Simulated) allowanceLocked(owner, spender common.Address) *big.Int {
	if v, ok := s.allowances[allowanceKey{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}
