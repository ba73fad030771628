package esign

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Envelope is a signable document, keyed by its content hash.
type Envelope struct {
	Hash      common.Hash    `json:"hash" db:"hash"`
	Name      string         `json:"name" db:"name"`
	Owner     common.Address `json:"owner" db:"owner"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	IsActive  bool           `json:"is_active" db:"is_active"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty" db:"revoked_at"`
}

// SignatureRequest asks one signer to sign one envelope. It is never
// deleted; signing marks it completed.
type SignatureRequest struct {
	DocumentHash common.Hash    `json:"document_hash" db:"document_hash"`
	Signer       common.Address `json:"signer" db:"signer"`
	SignerName   string         `json:"signer_name" db:"signer_name"`
	SignerEmail  string         `json:"signer_email" db:"signer_email"`
	RequestedAt  time.Time      `json:"requested_at" db:"requested_at"`
	IsCompleted  bool           `json:"is_completed" db:"is_completed"`
}

// Signature is the recorded outcome of a successful signDocument call.
type Signature struct {
	DocumentHash   common.Hash    `json:"document_hash" db:"document_hash"`
	Signer         common.Address `json:"signer" db:"signer"`
	SignerName     string         `json:"signer_name" db:"signer_name"`
	SignerEmail    string         `json:"signer_email" db:"signer_email"`
	SignedAt       time.Time      `json:"signed_at" db:"signed_at"`
	SignatureBytes hexutil.Bytes  `json:"signature" db:"signature_bytes"`
	IsValid        bool           `json:"is_valid" db:"is_valid"`
}

// DocumentStats summarises request completion. SignedCount+PendingCount
// always equals TotalSigners.
type DocumentStats struct {
	TotalSigners int `json:"total_signers"`
	SignedCount  int `json:"signed_count"`
	PendingCount int `json:"pending_count"`
}

// Verification is the result of one verification path.
type Verification struct {
	Valid  bool   `json:"valid"`
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}

type RegisterRequest struct {
	Hash string `json:"hash" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type SignatureRequestInput struct {
	Signer common.Address `json:"signer" binding:"required"`
	Name   string         `json:"name"`
	Email  string         `json:"email"`
}

type SignInput struct {
	Signature hexutil.Bytes `json:"signature" binding:"required"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
}

type VerifyInput struct {
	Signer common.Address `json:"signer" binding:"required"`
	// Message defaults to the canonical signing message for the hash.
	Message string `json:"message"`
	// Signature, when present, is also checked offline.
	Signature hexutil.Bytes `json:"signature"`
}
