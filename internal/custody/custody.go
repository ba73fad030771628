// Package custody moves tokens between participants and the escrow account.
//
// Every value-moving operation is split into an approval phase that may be
// repeated freely and an action phase that re-reads live ledger state right
// before submitting. Nothing in this package retries a transfer.
package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/ledger"
)

// Custody holds tokens in a single escrow account.
type Custody struct {
	ledger ledger.TokenLedger
	escrow common.Address
	logger *zap.Logger
}

// New returns a custody module operating escrow on l.
func New(l ledger.TokenLedger, escrow common.Address, logger *zap.Logger) *Custody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custody{ledger: l, escrow: escrow, logger: logger}
}

// Escrow returns the custody account address.
func (c *Custody) Escrow() common.Address {
	return c.escrow
}

func checkAmount(op string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return apperr.Validation(op, "amount must be a positive integer")
	}
	return nil
}

// EnsureAllowance makes sure owner has approved at least amount to the escrow
// account. It returns a nil receipt when the existing allowance already
// covers amount.
func (c *Custody) EnsureAllowance(ctx context.Context, owner common.Address, amount *big.Int) (*ledger.Receipt, error) {
	const op = "custody.EnsureAllowance"
	if err := checkAmount(op, amount); err != nil {
		return nil, err
	}

	current, err := c.ledger.Allowance(ctx, owner, c.escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}

	receipt, err := c.ledger.Approve(ctx, owner, c.escrow, amount)
	if err != nil {
		return receipt, fmt.Errorf("failed to approve escrow: %w", err)
	}
	c.logger.Info("Escrow allowance approved",
		zap.String("owner", owner.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", receipt.TxHash.Hex()))
	return receipt, nil
}

// Deposit pulls amount from owner into escrow. Allowance and balance are
// re-read immediately before the transfer is submitted. On a transport error
// the returned receipt still carries the transaction hash.
func (c *Custody) Deposit(ctx context.Context, owner common.Address, amount *big.Int) (*ledger.Receipt, error) {
	const op = "custody.Deposit"
	if err := checkAmount(op, amount); err != nil {
		return nil, err
	}

	allowance, err := c.ledger.Allowance(ctx, owner, c.escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return nil, apperr.Conflict(op, "allowance %s is below deposit %s", allowance, amount)
	}
	balance, err := c.ledger.BalanceOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, apperr.Conflict(op, "balance %s is below deposit %s", balance, amount)
	}

	receipt, err := c.ledger.TransferFrom(ctx, c.escrow, owner, c.escrow, amount)
	if err != nil {
		c.logger.Warn("Deposit did not confirm",
			zap.String("owner", owner.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return receipt, fmt.Errorf("failed to deposit into escrow: %w", err)
	}
	c.logger.Info("Deposit confirmed",
		zap.String("owner", owner.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", receipt.TxHash.Hex()))
	return receipt, nil
}

// Release pays amount out of escrow to to.
func (c *Custody) Release(ctx context.Context, to common.Address, amount *big.Int) (*ledger.Receipt, error) {
	const op = "custody.Release"
	if err := checkAmount(op, amount); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, apperr.Validation(op, "recipient address is required")
	}

	balance, err := c.ledger.BalanceOf(ctx, c.escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, apperr.Conflict(op, "escrow balance %s is below release %s", balance, amount)
	}

	receipt, err := c.ledger.Transfer(ctx, c.escrow, to, amount)
	if err != nil {
		c.logger.Warn("Release did not confirm",
			zap.String("to", to.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return receipt, fmt.Errorf("failed to release from escrow: %w", err)
	}
	c.logger.Info("Release confirmed",
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", receipt.TxHash.Hex()))
	return receipt, nil
}

// Status looks up the ledger receipt for txHash.
func (c *Custody) Status(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	return c.ledger.Receipt(ctx, txHash)
}

// EscrowBalance returns the escrow account balance.
func (c *Custody) EscrowBalance(ctx context.Context) (*big.Int, error) {
	return c.ledger.BalanceOf(ctx, c.escrow)
}
