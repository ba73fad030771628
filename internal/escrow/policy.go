package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/documents"
)

// CreatorPolicy lets only the creator of the bounty a document is bound to
// mark that document verified.
type CreatorPolicy struct {
	repo Repository
}

func NewCreatorPolicy(repo Repository) *CreatorPolicy {
	return &CreatorPolicy{repo: repo}
}

func (p *CreatorPolicy) CanVerify(ctx context.Context, doc *documents.Document, verifier common.Address) error {
	const op = "documents.VerifyDocument"
	b, err := p.repo.GetBounty(ctx, doc.BountyID)
	if err != nil {
		return fmt.Errorf("failed to load bounty: %w", err)
	}
	if b == nil {
		return apperr.NotFound(op, "bounty %s not found", doc.BountyID)
	}
	if b.Creator != verifier {
		return apperr.Authorization(op, "only the bounty creator can verify its documents")
	}
	return nil
}

var _ documents.VerifierPolicy = (*CreatorPolicy)(nil)
