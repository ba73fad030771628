// Package ledger is the transport to the token ledger. Every remote result is
// decoded into a typed Receipt here, once, so callers never index into raw
// call output.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiptStatus is the ledger's view of a submitted transaction.
type ReceiptStatus string

const (
	// StatusPending means the transaction was submitted but no receipt has
	// been observed yet.
	StatusPending ReceiptStatus = "pending"
	// StatusConfirmed means the transaction was mined and succeeded.
	StatusConfirmed ReceiptStatus = "confirmed"
	// StatusFailed means the transaction was mined and reverted.
	StatusFailed ReceiptStatus = "failed"
	// StatusUnknown means the ledger has no record of the transaction.
	StatusUnknown ReceiptStatus = "unknown"
)

// Receipt is the confirmed (or last known) outcome of a mutating call.
// TxHash is populated as soon as the transaction is signed, so it is usable
// for correlation even when submission times out.
type Receipt struct {
	TxHash      common.Hash   `json:"tx_hash"`
	Method      string        `json:"method"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	GasUsed     uint64        `json:"gas_used,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
}

// Confirmed reports whether the receipt shows a successful, mined call.
func (r *Receipt) Confirmed() bool {
	return r != nil && r.Status == StatusConfirmed
}

var (
	// ErrReverted is returned when a transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrUnknownAccount is returned when asked to sign for an address the
	// client holds no key for.
	ErrUnknownAccount = errors.New("no signing key for account")
)

// TokenLedger is the custody surface of a fungible token contract.
// Mutating calls block until the transaction is confirmed, reverted, or the
// context ends. None of them is retried internally.
type TokenLedger interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (*Receipt, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (*Receipt, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (*Receipt, error)
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}
