package escrow

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/ledger"
)

// BountyStatus is the lifecycle status of a bounty.
type BountyStatus string

const (
	BountyStatusOpen       BountyStatus = "open"
	BountyStatusInProgress BountyStatus = "in_progress"
	BountyStatusCompleted  BountyStatus = "completed"
)

// MilestoneStatus is the lifecycle status of one milestone.
type MilestoneStatus string

const (
	MilestoneStatusPending   MilestoneStatus = "pending"
	MilestoneStatusSubmitted MilestoneStatus = "submitted"
	MilestoneStatusVerified  MilestoneStatus = "verified"
)

// ContributionStatus tracks the two funding phases of one donation.
type ContributionStatus string

const (
	ContributionStatusApproved     ContributionStatus = "approved"
	ContributionStatusTransferring ContributionStatus = "transferring"
	ContributionStatusConfirmed    ContributionStatus = "confirmed"
	ContributionStatusFailed       ContributionStatus = "failed"
)

// PayoutStatus tracks the single release of a verified milestone.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusConfirmed PayoutStatus = "confirmed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

// Bounty is an escrowed request for legal work, paid out per milestone.
// ReservedAmount is the capacity held by contributions that have not
// settled yet; raised plus reserved never exceeds the total.
type Bounty struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	Title            string          `json:"title" gorm:"not null"`
	Description      string          `json:"description"`
	Creator          common.Address  `json:"creator" gorm:"type:bytea;not null;index"`
	TotalAmount      decimal.Decimal `json:"total_amount" gorm:"type:numeric(78,0);not null"`
	RaisedAmount     decimal.Decimal `json:"raised_amount" gorm:"type:numeric(78,0);not null;default:0"`
	ReservedAmount   decimal.Decimal `json:"reserved_amount" gorm:"type:numeric(78,0);not null;default:0"`
	ReleasedAmount   decimal.Decimal `json:"released_amount" gorm:"type:numeric(78,0);not null;default:0"`
	Status           BountyStatus    `json:"status" gorm:"not null;default:'open';index"`
	AssignedProvider *common.Address `json:"assigned_provider,omitempty" gorm:"type:bytea"`
	Milestones       []Milestone     `json:"milestones" gorm:"foreignKey:BountyID"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// Milestone is one payable unit of a bounty. Idx is 1-based and unique
// within the bounty.
type Milestone struct {
	BountyID    uuid.UUID       `json:"bounty_id" gorm:"type:uuid;primaryKey"`
	Idx         int             `json:"idx" gorm:"primaryKey;autoIncrement:false"`
	Title       string          `json:"title" gorm:"not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(78,0);not null"`
	Status      MilestoneStatus `json:"status" gorm:"not null;default:'pending'"`
	ProofHash   *common.Hash    `json:"proof_document_hash,omitempty" gorm:"type:bytea"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty"`
}

func (Milestone) TableName() string { return "bounty_milestones" }

// Contribution records one donor's funding of a bounty across the approve
// and transfer phases.
type Contribution struct {
	ID         uuid.UUID          `json:"id" gorm:"type:uuid;primary_key"`
	BountyID   uuid.UUID          `json:"bounty_id" gorm:"type:uuid;not null;index"`
	Donor      common.Address     `json:"donor" gorm:"type:bytea;not null;index"`
	Amount     decimal.Decimal    `json:"amount" gorm:"type:numeric(78,0);not null"`
	ApproveTx  *common.Hash       `json:"approve_tx,omitempty" gorm:"type:bytea"`
	TransferTx *common.Hash       `json:"transfer_tx,omitempty" gorm:"type:bytea"`
	Status     ContributionStatus `json:"status" gorm:"not null;index"`
	LastError  string             `json:"last_error,omitempty"`
	Receipt    datatypes.JSON     `json:"receipt,omitempty"`
	CreatedAt  time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

// Payout is the single release record of a verified milestone. InFlight is
// set while a submission is between its claim and its recorded outcome.
type Payout struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	BountyID     uuid.UUID       `json:"bounty_id" gorm:"type:uuid;not null;uniqueIndex:idx_payout_milestone"`
	MilestoneIdx int             `json:"milestone_idx" gorm:"not null;uniqueIndex:idx_payout_milestone"`
	Provider     common.Address  `json:"provider" gorm:"type:bytea;not null;index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(78,0);not null"`
	TxHash       *common.Hash    `json:"tx_hash,omitempty" gorm:"type:bytea"`
	Status       PayoutStatus    `json:"status" gorm:"not null;index"`
	Attempts     int             `json:"attempts" gorm:"not null;default:0"`
	InFlight     bool            `json:"in_flight" gorm:"not null;default:false"`
	LastError    string          `json:"last_error,omitempty"`
	Receipt      datatypes.JSON  `json:"receipt,omitempty"`
	CreatedAt    time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate hook for UUID generation
func (b *Bounty) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (c *Contribution) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (p *Payout) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Milestone returns the milestone with the given 1-based index.
func (b *Bounty) Milestone(idx int) *Milestone {
	for i := range b.Milestones {
		if b.Milestones[i].Idx == idx {
			return &b.Milestones[i]
		}
	}
	return nil
}

// AllVerified reports whether every milestone has been verified.
func (b *Bounty) AllVerified() bool {
	if len(b.Milestones) == 0 {
		return false
	}
	for _, m := range b.Milestones {
		if m.Status != MilestoneStatusVerified {
			return false
		}
	}
	return true
}

// MilestoneSpec is one milestone of a bounty creation request.
type MilestoneSpec struct {
	Title  string          `json:"title" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// CreateBountyRequest is the input of CreateBounty.
type CreateBountyRequest struct {
	Title       string          `json:"title" binding:"required"`
	Description string          `json:"description"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Milestones  []MilestoneSpec `json:"milestones" binding:"required,min=1,dive"`
}

type FundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type AssignRequest struct {
	Provider common.Address `json:"provider" binding:"required"`
}

type ProofRequest struct {
	DocumentHash string `json:"document_hash" binding:"required"`
}

// FundResult pairs the contribution with the ledger receipts of both phases.
type FundResult struct {
	Contribution    *Contribution   `json:"contribution"`
	ApproveReceipt  *ledger.Receipt `json:"approve_receipt,omitempty"`
	TransferReceipt *ledger.Receipt `json:"transfer_receipt,omitempty"`
}

// VerifyResult is the outcome of verifying a milestone.
type VerifyResult struct {
	Bounty  *Bounty         `json:"bounty"`
	Payout  *Payout         `json:"payout"`
	Receipt *ledger.Receipt `json:"receipt,omitempty"`
}

// BountyFilter narrows ListBounties.
type BountyFilter struct {
	Status   BountyStatus
	Creator  *common.Address
	Provider *common.Address
	Limit    int
	Offset   int
}
