package documents

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
)

// Service is the document integrity registry.
type Service interface {
	// RegisterDocument binds hash to a bounty milestone. Registering the same
	// binding again returns the existing record.
	RegisterDocument(ctx context.Context, uploader common.Address, hash common.Hash, bountyID uuid.UUID, milestoneID int) (*Document, error)
	// RegisterContent hashes content with the configured algorithm and
	// registers the digest.
	RegisterContent(ctx context.Context, uploader common.Address, content []byte, bountyID uuid.UUID, milestoneID int) (*Document, error)
	VerifyDocument(ctx context.Context, hash common.Hash, verifier common.Address) (*Document, error)
	GetDocument(ctx context.Context, hash common.Hash) (*Document, error)
	ListByBounty(ctx context.Context, bountyID uuid.UUID) ([]Document, error)
}

// VerifierPolicy decides who may mark a document verified.
type VerifierPolicy interface {
	CanVerify(ctx context.Context, doc *Document, verifier common.Address) error
}

type documentService struct {
	repo      Repository
	algorithm contenthash.Algorithm
	policy    VerifierPolicy
	logger    *zap.Logger
}

// NewService builds the registry. A nil policy lets any caller verify.
func NewService(repo Repository, algorithm contenthash.Algorithm, policy VerifierPolicy, logger *zap.Logger) Service {
	return &documentService{
		repo:      repo,
		algorithm: algorithm,
		policy:    policy,
		logger:    logger,
	}
}

func (s *documentService) RegisterDocument(ctx context.Context, uploader common.Address, hash common.Hash, bountyID uuid.UUID, milestoneID int) (*Document, error) {
	const op = "documents.RegisterDocument"
	if hash == (common.Hash{}) {
		return nil, apperr.Validation(op, "document hash must not be zero")
	}
	if bountyID == uuid.Nil {
		return nil, apperr.Validation(op, "bounty id is required")
	}
	if milestoneID < 1 {
		return nil, apperr.Validation(op, "milestone id must be at least 1")
	}

	doc := &Document{
		Hash:        hash,
		Uploader:    uploader,
		BountyID:    bountyID,
		MilestoneID: milestoneID,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if created {
		s.logger.Info("Document registered",
			zap.String("hash", hash.Hex()),
			zap.String("bounty_id", bountyID.String()),
			zap.Int("milestone_id", milestoneID))
		return doc, nil
	}

	existing, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if existing == nil {
		return nil, apperr.Conflict(op, "document %s vanished during registration", hash.Hex())
	}
	if !existing.BoundTo(bountyID, milestoneID) {
		return nil, apperr.Conflict(op, "document %s is already registered to bounty %s milestone %d",
			hash.Hex(), existing.BountyID, existing.MilestoneID)
	}
	return existing, nil
}

func (s *documentService) RegisterContent(ctx context.Context, uploader common.Address, content []byte, bountyID uuid.UUID, milestoneID int) (*Document, error) {
	if len(content) == 0 {
		return nil, apperr.Validation("documents.RegisterContent", "content is empty")
	}
	hash, err := contenthash.Sum(s.algorithm, content)
	if err != nil {
		return nil, apperr.Validation("documents.RegisterContent", "%v", err)
	}
	return s.RegisterDocument(ctx, uploader, hash, bountyID, milestoneID)
}

func (s *documentService) VerifyDocument(ctx context.Context, hash common.Hash, verifier common.Address) (*Document, error) {
	const op = "documents.VerifyDocument"
	doc, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc == nil {
		return nil, apperr.NotFound(op, "document %s is not registered", hash.Hex())
	}
	if s.policy != nil {
		if err := s.policy.CanVerify(ctx, doc, verifier); err != nil {
			return nil, err
		}
	}
	if doc.Verified {
		return doc, nil
	}

	if _, err := s.repo.MarkVerified(ctx, hash, verifier, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to mark document verified: %w", err)
	}
	s.logger.Info("Document verified",
		zap.String("hash", hash.Hex()),
		zap.String("verifier", verifier.Hex()))
	return s.repo.GetByHash(ctx, hash)
}

func (s *documentService) GetDocument(ctx context.Context, hash common.Hash) (*Document, error) {
	doc, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc == nil {
		return nil, apperr.NotFound("documents.GetDocument", "document %s is not registered", hash.Hex())
	}
	return doc, nil
}

func (s *documentService) ListByBounty(ctx context.Context, bountyID uuid.UUID) ([]Document, error) {
	return s.repo.ListByBounty(ctx, bountyID)
}
