// Package auth issues and checks the bearer tokens that bind an HTTP caller
// to a ledger address. Callers prove control of the address by signing a
// one-time challenge with the same key they sign documents with.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

const issuer = "bounty-portal"

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT body. The subject is the checksummed caller address.
type Claims struct {
	jwt.RegisteredClaims
}

type Service struct {
	secret    []byte
	ttl       time.Duration
	nonces    *NonceStore
	validator security.Validator
	logger    *zap.Logger
}

func NewService(secret string, ttl time.Duration, nonces *NonceStore, validator security.Validator, logger *zap.Logger) *Service {
	return &Service{
		secret:    []byte(secret),
		ttl:       ttl,
		nonces:    nonces,
		validator: validator,
		logger:    logger,
	}
}

// Challenge creates the message addr must sign to log in.
func (s *Service) Challenge(addr common.Address) (string, error) {
	if addr == (common.Address{}) {
		return "", apperr.Validation("auth.Challenge", "address is required")
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	message := fmt.Sprintf("Log in to bounty portal as %s\nnonce: %s", addr.Hex(), hex.EncodeToString(nonce[:]))
	s.nonces.Put(addr, message)
	return message, nil
}

// Login checks sig against the outstanding challenge for addr and issues a
// token.
func (s *Service) Login(addr common.Address, sig []byte) (string, time.Time, error) {
	const op = "auth.Login"
	message, ok := s.nonces.Take(addr)
	if !ok {
		return "", time.Time{}, apperr.Authorization(op, "no outstanding challenge for %s", addr.Hex())
	}
	info, err := s.validator.Verify([]byte(message), sig, addr)
	if err != nil {
		return "", time.Time{}, apperr.Crypto(op, "malformed signature: %v", err)
	}
	if !info.IsValid {
		s.logger.Warn("Login signature mismatch",
			zap.String("address", addr.Hex()),
			zap.String("recovered", info.Recovered.Hex()))
		return "", time.Time{}, apperr.Crypto(op, "signature does not recover to %s", addr.Hex())
	}
	return s.IssueToken(addr)
}

// IssueToken signs a token for addr.
func (s *Service) IssueToken(addr common.Address) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   addr.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// ParseToken validates tokenString and returns the caller address.
func (s *Service) ParseToken(tokenString string) (common.Address, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	return common.HexToAddress(claims.Subject), nil
}
