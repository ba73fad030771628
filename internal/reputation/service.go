// Package reputation keeps provider ratings, one per rater per completed
// bounty.
package reputation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/escrow"
)

const recentRatings = 10

// BountyReader is the part of the escrow engine ratings are checked against.
type BountyReader interface {
	GetBounty(ctx context.Context, id uuid.UUID) (*escrow.Bounty, error)
	ListContributions(ctx context.Context, bountyID uuid.UUID) ([]escrow.Contribution, error)
}

type Service interface {
	Rate(ctx context.Context, bountyID uuid.UUID, rater common.Address, score int, comment string) (*Rating, error)
	ProviderReputation(ctx context.Context, provider common.Address) (*Reputation, error)
}

type reputationService struct {
	repo     Repository
	bounties BountyReader
	logger   *zap.Logger
}

func NewService(repo Repository, bounties BountyReader, logger *zap.Logger) Service {
	return &reputationService{repo: repo, bounties: bounties, logger: logger}
}

func (s *reputationService) Rate(ctx context.Context, bountyID uuid.UUID, rater common.Address, score int, comment string) (*Rating, error) {
	const op = "reputation.Rate"
	if score < MinScore || score > MaxScore {
		return nil, apperr.Validation(op, "score must be between %d and %d", MinScore, MaxScore)
	}
	b, err := s.bounties.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status != escrow.BountyStatusCompleted {
		return nil, apperr.Conflict(op, "bounty %s is %s; only completed bounties can be rated", bountyID, b.Status)
	}
	if b.AssignedProvider == nil {
		return nil, apperr.Conflict(op, "bounty %s has no provider", bountyID)
	}
	if rater == *b.AssignedProvider {
		return nil, apperr.Authorization(op, "providers cannot rate themselves")
	}
	if err := s.checkRater(ctx, op, b, rater); err != nil {
		return nil, err
	}

	rating := &Rating{
		BountyID: bountyID,
		Provider: *b.AssignedProvider,
		Rater:    rater,
		Score:    score,
		Comment:  strings.TrimSpace(comment),
	}
	created, err := s.repo.Create(ctx, rating)
	if err != nil {
		return nil, fmt.Errorf("failed to store rating: %w", err)
	}
	if !created {
		return nil, apperr.Conflict(op, "%s already rated bounty %s", rater.Hex(), bountyID)
	}

	s.logger.Info("Provider rated",
		zap.String("bounty_id", bountyID.String()),
		zap.String("provider", rating.Provider.Hex()),
		zap.Int("score", score))
	return rating, nil
}

// checkRater allows the creator and any donor with a confirmed contribution.
func (s *reputationService) checkRater(ctx context.Context, op string, b *escrow.Bounty, rater common.Address) error {
	if b.Creator == rater {
		return nil
	}
	contributions, err := s.bounties.ListContributions(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, c := range contributions {
		if c.Donor == rater && c.Status == escrow.ContributionStatusConfirmed {
			return nil
		}
	}
	return apperr.Authorization(op, "only the creator or a confirmed donor can rate bounty %s", b.ID)
}

func (s *reputationService) ProviderReputation(ctx context.Context, provider common.Address) (*Reputation, error) {
	count, sum, err := s.repo.Totals(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to total ratings: %w", err)
	}
	recent, err := s.repo.ListByProvider(ctx, provider, recentRatings)
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	rep := &Reputation{Provider: provider, Count: count, Average: decimal.Zero, Recent: recent}
	if count > 0 {
		rep.Average = decimal.NewFromInt(sum).Div(decimal.NewFromInt(count)).Round(2)
	}
	return rep, nil
}
