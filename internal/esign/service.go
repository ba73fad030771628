// Package esign is the multi-signer e-signature registry. It records who
// was asked to sign which envelope and who did; the signature math lives in
// pkg/security so third parties can check signatures without this package.
package esign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/events"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/pdf"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

const (
	// SourceRegistry marks a Verification checked against recorded signatures.
	SourceRegistry = "registry"
	// SourceOffline marks a Verification recovered from the signature alone.
	SourceOffline = "offline"
)

// Service registers envelopes, collects signatures from requested signers
// and verifies them.
type Service interface {
	RegisterDocument(ctx context.Context, owner common.Address, hash common.Hash, name string) (*Envelope, error)
	RequestSignature(ctx context.Context, caller common.Address, hash common.Hash, signer common.Address, name, email string) (*SignatureRequest, error)
	SignDocument(ctx context.Context, caller common.Address, hash common.Hash, sig []byte, name, email string) (*Signature, error)
	// VerifySignature is the registry path: a recorded valid signature on a
	// non-revoked envelope that recovers to signer over message. A nil
	// message means the canonical signing message for hash.
	VerifySignature(ctx context.Context, hash common.Hash, signer common.Address, message []byte) (*Verification, error)
	GetDocumentInfo(ctx context.Context, hash common.Hash) (*Envelope, error)
	GetSignatureInfo(ctx context.Context, hash common.Hash, signer common.Address) (*Signature, error)
	GetDocumentSigners(ctx context.Context, hash common.Hash) ([]common.Address, error)
	GetSignatureRequests(ctx context.Context, hash common.Hash) ([]SignatureRequest, error)
	RevokeDocument(ctx context.Context, caller common.Address, hash common.Hash) (*Envelope, error)
	IsDocumentFullySigned(ctx context.Context, hash common.Hash) (bool, error)
	GetDocumentStats(ctx context.Context, hash common.Hash) (*DocumentStats, error)
	CompletionCertificate(ctx context.Context, hash common.Hash) ([]byte, error)
}

// VerifyOffline is the registry-free path. Anyone holding message, sig and
// the claimed signer can run it.
func VerifyOffline(message, sig []byte, signer common.Address) Verification {
	ok, err := security.VerifyOffline(message, sig, signer)
	if err != nil {
		return Verification{Valid: false, Source: SourceOffline, Reason: err.Error()}
	}
	if !ok {
		return Verification{Valid: false, Source: SourceOffline, Reason: "signature recovers to a different address"}
	}
	return Verification{Valid: true, Source: SourceOffline}
}

type esignService struct {
	repo      Repository
	validator security.Validator
	certs     pdf.Generator
	publisher events.Publisher
	logger    *zap.Logger
}

func NewService(repo Repository, validator security.Validator, certs pdf.Generator, publisher events.Publisher, logger *zap.Logger) Service {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &esignService{
		repo:      repo,
		validator: validator,
		certs:     certs,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *esignService) envelope(ctx context.Context, op string, hash common.Hash) (*Envelope, error) {
	env, err := s.repo.GetEnvelope(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	if env == nil {
		return nil, apperr.NotFound(op, "no envelope for document %s", hash.Hex())
	}
	return env, nil
}

func (s *esignService) RegisterDocument(ctx context.Context, owner common.Address, hash common.Hash, name string) (*Envelope, error) {
	const op = "esign.RegisterDocument"
	name = strings.TrimSpace(name)
	if hash == (common.Hash{}) {
		return nil, apperr.Validation(op, "document hash must not be zero")
	}
	if name == "" {
		return nil, apperr.Validation(op, "document name is required")
	}

	env := &Envelope{
		Hash:      hash,
		Name:      name,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	created, err := s.repo.CreateEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to store envelope: %w", err)
	}
	if created {
		s.logger.Info("Envelope registered",
			zap.String("hash", hash.Hex()),
			zap.String("owner", owner.Hex()))
		return env, nil
	}

	existing, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	if existing.Owner != owner {
		return nil, apperr.Conflict(op, "document %s is registered by another owner", hash.Hex())
	}
	return existing, nil
}

func (s *esignService) RequestSignature(ctx context.Context, caller common.Address, hash common.Hash, signer common.Address, name, email string) (*SignatureRequest, error) {
	const op = "esign.RequestSignature"
	if signer == (common.Address{}) {
		return nil, apperr.Validation(op, "signer address is required")
	}
	env, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	if env.Owner != caller {
		return nil, apperr.Authorization(op, "only the document owner can request signatures")
	}
	if !env.IsActive {
		return nil, apperr.Conflict(op, "document %s has been revoked", hash.Hex())
	}

	written, err := s.repo.UpsertRequest(ctx, &SignatureRequest{
		DocumentHash: hash,
		Signer:       signer,
		SignerName:   strings.TrimSpace(name),
		SignerEmail:  strings.TrimSpace(email),
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store signature request: %w", err)
	}
	if !written {
		return nil, apperr.Conflict(op, "document %s has been revoked", hash.Hex())
	}

	req, err := s.repo.GetRequest(ctx, hash, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature request: %w", err)
	}
	s.publisher.Publish(events.Event{
		Type:  events.TypeSignatureRequested,
		Topic: hash.Hex(),
		Data:  map[string]any{"signer": signer.Hex()},
	})
	return req, nil
}

func (s *esignService) SignDocument(ctx context.Context, caller common.Address, hash common.Hash, sig []byte, name, email string) (*Signature, error) {
	const op = "esign.SignDocument"
	env, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	if !env.IsActive {
		return nil, apperr.Conflict(op, "document %s has been revoked", hash.Hex())
	}
	req, err := s.repo.GetRequest(ctx, hash, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature request: %w", err)
	}
	if req == nil {
		return nil, apperr.Authorization(op, "%s was not asked to sign %s", caller.Hex(), hash.Hex())
	}
	if req.IsCompleted {
		return nil, apperr.Conflict(op, "%s already signed %s", caller.Hex(), hash.Hex())
	}

	recovered, err := s.validator.Recover(security.SigningMessage(hash), sig)
	if err != nil {
		return nil, apperr.Crypto(op, "malformed signature: %v", err)
	}
	if recovered != caller {
		s.logger.Warn("Signature does not match signer",
			zap.String("hash", hash.Hex()),
			zap.String("signer", caller.Hex()),
			zap.String("recovered", recovered.Hex()))
		return nil, apperr.Crypto(op, "signature recovers to %s, not %s", recovered.Hex(), caller.Hex())
	}

	if name == "" {
		name = req.SignerName
	}
	if email == "" {
		email = req.SignerEmail
	}
	signature := &Signature{
		DocumentHash:   hash,
		Signer:         caller,
		SignerName:     strings.TrimSpace(name),
		SignerEmail:    strings.TrimSpace(email),
		SignedAt:       time.Now().UTC(),
		SignatureBytes: hexutil.Bytes(append([]byte(nil), sig...)),
		IsValid:        true,
	}
	if err := s.repo.CompleteSignature(ctx, signature); err != nil {
		if errors.Is(err, ErrNotSignable) {
			return nil, apperr.Conflict(op, "signature request for %s on %s is no longer open", caller.Hex(), hash.Hex())
		}
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}

	s.logger.Info("Document signed",
		zap.String("hash", hash.Hex()),
		zap.String("signer", caller.Hex()))
	s.publisher.Publish(events.Event{
		Type:  events.TypeDocumentSigned,
		Topic: hash.Hex(),
		Data:  map[string]any{"signer": caller.Hex()},
	})
	return signature, nil
}

func (s *esignService) VerifySignature(ctx context.Context, hash common.Hash, signer common.Address, message []byte) (*Verification, error) {
	const op = "esign.VerifySignature"
	env, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	if !env.IsActive {
		return &Verification{Valid: false, Source: SourceRegistry, Reason: "document revoked"}, nil
	}
	sig, err := s.repo.GetSignature(ctx, hash, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature: %w", err)
	}
	if sig == nil {
		return &Verification{Valid: false, Source: SourceRegistry, Reason: "no signature recorded"}, nil
	}
	if !sig.IsValid {
		return &Verification{Valid: false, Source: SourceRegistry, Reason: "recorded signature is invalid"}, nil
	}
	if message == nil {
		message = security.SigningMessage(hash)
	}
	v := VerifyOffline(message, sig.SignatureBytes, signer)
	v.Source = SourceRegistry
	return &v, nil
}

func (s *esignService) GetDocumentInfo(ctx context.Context, hash common.Hash) (*Envelope, error) {
	return s.envelope(ctx, "esign.GetDocumentInfo", hash)
}

func (s *esignService) GetSignatureInfo(ctx context.Context, hash common.Hash, signer common.Address) (*Signature, error) {
	const op = "esign.GetSignatureInfo"
	if _, err := s.envelope(ctx, op, hash); err != nil {
		return nil, err
	}
	sig, err := s.repo.GetSignature(ctx, hash, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature: %w", err)
	}
	if sig == nil {
		return nil, apperr.NotFound(op, "%s has not signed %s", signer.Hex(), hash.Hex())
	}
	return sig, nil
}

func (s *esignService) GetDocumentSigners(ctx context.Context, hash common.Hash) ([]common.Address, error) {
	reqs, err := s.GetSignatureRequests(ctx, hash)
	if err != nil {
		return nil, err
	}
	signers := make([]common.Address, 0, len(reqs))
	for _, r := range reqs {
		signers = append(signers, r.Signer)
	}
	return signers, nil
}

func (s *esignService) GetSignatureRequests(ctx context.Context, hash common.Hash) ([]SignatureRequest, error) {
	if _, err := s.envelope(ctx, "esign.GetSignatureRequests", hash); err != nil {
		return nil, err
	}
	reqs, err := s.repo.ListRequests(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list signature requests: %w", err)
	}
	return reqs, nil
}

func (s *esignService) RevokeDocument(ctx context.Context, caller common.Address, hash common.Hash) (*Envelope, error) {
	const op = "esign.RevokeDocument"
	env, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	if env.Owner != caller {
		return nil, apperr.Authorization(op, "only the document owner can revoke it")
	}
	if !env.IsActive {
		return env, nil
	}

	revoked, err := s.repo.RevokeEnvelope(ctx, hash, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to revoke envelope: %w", err)
	}
	if revoked {
		s.logger.Info("Envelope revoked", zap.String("hash", hash.Hex()))
		s.publisher.Publish(events.Event{Type: events.TypeDocumentRevoked, Topic: hash.Hex()})
	}
	return s.envelope(ctx, op, hash)
}

func (s *esignService) IsDocumentFullySigned(ctx context.Context, hash common.Hash) (bool, error) {
	stats, err := s.GetDocumentStats(ctx, hash)
	if err != nil {
		return false, err
	}
	// zero requested signers is not fully signed
	return stats.TotalSigners > 0 && stats.PendingCount == 0, nil
}

func (s *esignService) GetDocumentStats(ctx context.Context, hash common.Hash) (*DocumentStats, error) {
	reqs, err := s.GetSignatureRequests(ctx, hash)
	if err != nil {
		return nil, err
	}
	stats := &DocumentStats{TotalSigners: len(reqs)}
	for _, r := range reqs {
		if r.IsCompleted {
			stats.SignedCount++
		}
	}
	stats.PendingCount = stats.TotalSigners - stats.SignedCount
	return stats, nil
}

func (s *esignService) CompletionCertificate(ctx context.Context, hash common.Hash) ([]byte, error) {
	const op = "esign.CompletionCertificate"
	env, err := s.envelope(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	complete, err := s.IsDocumentFullySigned(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, apperr.Conflict(op, "document %s is not fully signed", hash.Hex())
	}
	sigs, err := s.repo.ListSignatures(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}

	cert := pdf.Certificate{
		DocumentName: env.Name,
		DocumentHash: hash.Hex(),
		Owner:        env.Owner.Hex(),
		RegisteredAt: env.CreatedAt,
	}
	for _, sig := range sigs {
		cert.Signers = append(cert.Signers, pdf.CertificateSigner{
			Address:   sig.Signer.Hex(),
			Name:      sig.SignerName,
			Email:     sig.SignerEmail,
			SignedAt:  sig.SignedAt,
			Signature: sig.SignatureBytes.String(),
		})
	}
	return s.certs.Certificate(cert)
}
