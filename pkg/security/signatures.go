// Package security holds the pure signing and verification primitives used
// by the e-signature registry. Nothing here performs I/O: any third party can
// verify a document signature with this package alone.
package security

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrInvalidSignatureLength = errors.New("signature must be 65 bytes")
	ErrInvalidRecoveryID      = errors.New("invalid signature recovery id")
	ErrMalleableSignature     = errors.New("signature values out of range")
)

// SigningMessage is the canonical message a signer approves for a document.
// It is tied to the content hash only, so re-deriving it never requires
// registry access.
func SigningMessage(documentHash common.Hash) []byte {
	return []byte(fmt.Sprintf("Sign document %s", documentHash.Hex()))
}

// Sign signs message with the EIP-191 personal message prefix and returns a
// 65 byte signature with V in {27, 28}, the form wallets produce.
func Sign(message []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over message.
func Recover(message, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)

	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, ErrInvalidRecoveryID
	}
	normalized[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, ErrMalleableSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyOffline reports whether sig over message recovers to signer.
// Malformed signatures return an error; a well-formed signature from a
// different key returns false.
func VerifyOffline(message, sig []byte, signer common.Address) (bool, error) {
	recovered, err := Recover(message, sig)
	if err != nil {
		return false, err
	}
	return recovered == signer, nil
}

// SignatureInfo describes the outcome of verifying one signature.
type SignatureInfo struct {
	Signer    common.Address `json:"signer"`
	Recovered common.Address `json:"recovered"`
	IsValid   bool           `json:"is_valid"`
}

// Validator recovers and checks signatures. Services depend on the interface
// so tests can substitute a fake.
type Validator interface {
	Recover(message, sig []byte) (common.Address, error)
	Verify(message, sig []byte, signer common.Address) (*SignatureInfo, error)
}

type secp256k1Validator struct{}

// NewValidator returns the secp256k1 / EIP-191 validator.
func NewValidator() Validator {
	return secp256k1Validator{}
}

func (secp256k1Validator) Recover(message, sig []byte) (common.Address, error) {
	return Recover(message, sig)
}

func (secp256k1Validator) Verify(message, sig []byte, signer common.Address) (*SignatureInfo, error) {
	recovered, err := Recover(message, sig)
	if err != nil {
		return nil, err
	}
	return &SignatureInfo{
		Signer:    signer,
		Recovered: recovered,
		IsValid:   recovered == signer,
	}, nil
}
