package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrPayoutExists is returned when a second payout is created for a milestone.
	ErrPayoutExists = errors.New("payout already exists for milestone")
	// ErrInsufficientHeld is returned when a bounty no longer holds enough
	// unreleased funds for the milestone being verified.
	ErrInsufficientHeld = errors.New("bounty holds too little to release milestone")
)

// Repository persists bounties and their money movements. Every state
// transition is a conditional write that reports whether it applied, so
// the store is the serialization point for concurrent callers.
type Repository interface {
	CreateBounty(ctx context.Context, b *Bounty) error
	GetBounty(ctx context.Context, id uuid.UUID) (*Bounty, error)
	ListBounties(ctx context.Context, filter BountyFilter) ([]Bounty, error)
	// AssignProvider moves an open bounty to in_progress.
	AssignProvider(ctx context.Context, id uuid.UUID, provider common.Address) (bool, error)
	// CompleteIfAllVerified moves an in_progress bounty whose milestones are
	// all verified to completed.
	CompleteIfAllVerified(ctx context.Context, id uuid.UUID) (bool, error)

	// SubmitProof moves a pending milestone to submitted.
	SubmitProof(ctx context.Context, bountyID uuid.UUID, idx int, hash common.Hash, at time.Time) (bool, error)
	// VerifyMilestone moves a submitted milestone to verified, adds its
	// amount to released_amount and inserts payout, all or nothing. It fails
	// with ErrInsufficientHeld when raised minus released is below the amount.
	VerifyMilestone(ctx context.Context, bountyID uuid.UUID, idx int, at time.Time, payout *Payout) (bool, error)

	// CreateContribution reserves c.Amount of the bounty's remaining capacity
	// and inserts c. It reports false when the bounty is completed or the
	// amount no longer fits.
	CreateContribution(ctx context.Context, c *Contribution) (bool, error)
	GetContribution(ctx context.Context, id uuid.UUID) (*Contribution, error)
	ListContributions(ctx context.Context, bountyID uuid.UUID) ([]Contribution, error)
	ListContributionsByStatus(ctx context.Context, status ContributionStatus, limit int) ([]Contribution, error)
	// MarkTransferring moves an approved contribution to transferring.
	MarkTransferring(ctx context.Context, id uuid.UUID) (bool, error)
	// RecordTransfer stores the deposit tx hash of a transferring contribution.
	RecordTransfer(ctx context.Context, id uuid.UUID, txHash common.Hash, receipt datatypes.JSON, lastError string) error
	// SettleContribution confirms a transferring contribution and moves its
	// reservation into raised_amount.
	SettleContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON) (bool, error)
	// FailContribution moves a transferring or approved contribution to failed
	// and returns its reservation to the bounty.
	FailContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON, lastError string) (bool, error)

	GetPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error)
	ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int) ([]Payout, error)
	// ClaimPayoutAttempt reserves the next submission of a pending payout that
	// has no submission in flight, and marks it in flight. Only one caller
	// observing attempts wins.
	ClaimPayoutAttempt(ctx context.Context, id uuid.UUID, attempts int) (bool, error)
	// RecordPayoutAttempt stores the outcome of a submission for a payout that
	// is still pending and clears its in-flight mark.
	RecordPayoutAttempt(ctx context.Context, id uuid.UUID, txHash *common.Hash, receipt datatypes.JSON, lastError string) error
	// SetPayoutStatus moves a pending payout to confirmed or failed.
	SetPayoutStatus(ctx context.Context, id uuid.UUID, status PayoutStatus, receipt datatypes.JSON, lastError string) (bool, error)
}

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Bounty{}, &Milestone{}, &Contribution{}, &Payout{}}
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm-backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func orderedMilestones(db *gorm.DB) *gorm.DB {
	return db.Order("idx ASC")
}

func (r *gormRepository) CreateBounty(ctx context.Context, b *Bounty) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *gormRepository) GetBounty(ctx context.Context, id uuid.UUID) (*Bounty, error) {
	var b Bounty
	err := r.db.WithContext(ctx).Preload("Milestones", orderedMilestones).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) ListBounties(ctx context.Context, filter BountyFilter) ([]Bounty, error) {
	query := r.db.WithContext(ctx).Preload("Milestones", orderedMilestones).Order("created_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Creator != nil {
		query = query.Where("creator = ?", *filter.Creator)
	}
	if filter.Provider != nil {
		query = query.Where("assigned_provider = ?", *filter.Provider)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var bounties []Bounty
	if err := query.Find(&bounties).Error; err != nil {
		return nil, err
	}
	return bounties, nil
}

func (r *gormRepository) AssignProvider(ctx context.Context, id uuid.UUID, provider common.Address) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Bounty{}).
		Where("id = ? AND status = ?", id, BountyStatusOpen).
		Updates(map[string]interface{}{
			"status":            BountyStatusInProgress,
			"assigned_provider": provider,
			"updated_at":        time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) CompleteIfAllVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	db := r.db.WithContext(ctx)
	unverified := db.Model(&Milestone{}).Select("1").
		Where("bounty_id = ? AND status <> ?", id, MilestoneStatusVerified)
	res := db.Model(&Bounty{}).
		Where("id = ? AND status = ?", id, BountyStatusInProgress).
		Where("NOT EXISTS (?)", unverified).
		Updates(map[string]interface{}{
			"status":     BountyStatusCompleted,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) SubmitProof(ctx context.Context, bountyID uuid.UUID, idx int, hash common.Hash, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Milestone{}).
		Where("bounty_id = ? AND idx = ? AND status = ?", bountyID, idx, MilestoneStatusPending).
		Updates(map[string]interface{}{
			"status":       MilestoneStatusSubmitted,
			"proof_hash":   hash,
			"submitted_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) VerifyMilestone(ctx context.Context, bountyID uuid.UUID, idx int, at time.Time, payout *Payout) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Milestone{}).
			Where("bounty_id = ? AND idx = ? AND status = ?", bountyID, idx, MilestoneStatusSubmitted).
			Updates(map[string]interface{}{
				"status":      MilestoneStatusVerified,
				"verified_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		res = tx.Model(&Bounty{}).
			Where("id = ? AND raised_amount >= released_amount + ?", bountyID, payout.Amount).
			Updates(map[string]interface{}{
				"released_amount": gorm.Expr("released_amount + ?", payout.Amount),
				"updated_at":      at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInsufficientHeld
		}

		var existing int64
		if err := tx.Model(&Payout{}).
			Where("bounty_id = ? AND milestone_idx = ?", bountyID, idx).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrPayoutExists
		}
		if err := tx.Create(payout).Error; err != nil {
			return fmt.Errorf("failed to create payout: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *gormRepository) CreateContribution(ctx context.Context, c *Contribution) (bool, error) {
	reserved := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Bounty{}).
			Where("id = ? AND status <> ?", c.BountyID, BountyStatusCompleted).
			Where("raised_amount + reserved_amount + ? <= total_amount", c.Amount).
			Updates(map[string]interface{}{
				"reserved_amount": gorm.Expr("reserved_amount + ?", c.Amount),
				"updated_at":      time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("failed to create contribution: %w", err)
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

func (r *gormRepository) GetContribution(ctx context.Context, id uuid.UUID) (*Contribution, error) {
	var c Contribution
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) ListContributions(ctx context.Context, bountyID uuid.UUID) ([]Contribution, error) {
	var out []Contribution
	err := r.db.WithContext(ctx).
		Where("bounty_id = ?", bountyID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *gormRepository) ListContributionsByStatus(ctx context.Context, status ContributionStatus, limit int) ([]Contribution, error) {
	var out []Contribution
	query := r.db.WithContext(ctx).Where("status = ?", status).Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

func (r *gormRepository) MarkTransferring(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Contribution{}).
		Where("id = ? AND status = ?", id, ContributionStatusApproved).
		Updates(map[string]interface{}{
			"status":     ContributionStatusTransferring,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) RecordTransfer(ctx context.Context, id uuid.UUID, txHash common.Hash, receipt datatypes.JSON, lastError string) error {
	return r.db.WithContext(ctx).Model(&Contribution{}).
		Where("id = ? AND status = ?", id, ContributionStatusTransferring).
		Updates(map[string]interface{}{
			"transfer_tx": txHash,
			"receipt":     receipt,
			"last_error":  lastError,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *gormRepository) SettleContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON) (bool, error) {
	settled := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Contribution
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Model(&Contribution{}).
			Where("id = ? AND status = ?", id, ContributionStatusTransferring).
			Updates(map[string]interface{}{
				"status":     ContributionStatusConfirmed,
				"receipt":    receipt,
				"last_error": "",
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		res = tx.Model(&Bounty{}).Where("id = ?", c.BountyID).
			Updates(map[string]interface{}{
				"raised_amount":   gorm.Expr("raised_amount + ?", c.Amount),
				"reserved_amount": gorm.Expr("reserved_amount - ?", c.Amount),
				"updated_at":      time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

func (r *gormRepository) FailContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON, lastError string) (bool, error) {
	failed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Contribution
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Model(&Contribution{}).
			Where("id = ? AND status IN ?", id, []ContributionStatus{ContributionStatusApproved, ContributionStatusTransferring}).
			Updates(map[string]interface{}{
				"status":     ContributionStatusFailed,
				"receipt":    receipt,
				"last_error": lastError,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		res = tx.Model(&Bounty{}).Where("id = ?", c.BountyID).
			Updates(map[string]interface{}{
				"reserved_amount": gorm.Expr("reserved_amount - ?", c.Amount),
				"updated_at":      time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		failed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return failed, nil
}

func (r *gormRepository) GetPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error) {
	var p Payout
	err := r.db.WithContext(ctx).First(&p, "bounty_id = ? AND milestone_idx = ?", bountyID, idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int) ([]Payout, error) {
	var out []Payout
	query := r.db.WithContext(ctx).Where("status = ?", status).Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

func (r *gormRepository) ClaimPayoutAttempt(ctx context.Context, id uuid.UUID, attempts int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status = ? AND attempts = ? AND in_flight = ?", id, PayoutStatusPending, attempts, false).
		Updates(map[string]interface{}{
			"attempts":   attempts + 1,
			"in_flight":  true,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) RecordPayoutAttempt(ctx context.Context, id uuid.UUID, txHash *common.Hash, receipt datatypes.JSON, lastError string) error {
	return r.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status = ?", id, PayoutStatusPending).
		Updates(map[string]interface{}{
			"tx_hash":    txHash,
			"in_flight":  false,
			"receipt":    receipt,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *gormRepository) SetPayoutStatus(ctx context.Context, id uuid.UUID, status PayoutStatus, receipt datatypes.JSON, lastError string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status = ?", id, PayoutStatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"receipt":    receipt,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

