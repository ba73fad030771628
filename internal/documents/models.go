package documents

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Document is a content-addressed proof document bound to one milestone of
// one bounty. The hash is the primary key: identical bytes always map to the
// same record.
type Document struct {
	Hash        common.Hash     `json:"hash" db:"hash"`
	Uploader    common.Address  `json:"uploader" db:"uploader"`
	BountyID    uuid.UUID       `json:"bounty_id" db:"bounty_id"`
	MilestoneID int             `json:"milestone_id" db:"milestone_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	Verified    bool            `json:"verified" db:"verified"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedBy  *common.Address `json:"verified_by,omitempty" db:"verified_by"`
}

// BoundTo reports whether the document is registered under the given
// bounty milestone.
func (d *Document) BoundTo(bountyID uuid.UUID, milestoneID int) bool {
	return d.BountyID == bountyID && d.MilestoneID == milestoneID
}

type RegisterRequest struct {
	Hash        string    `json:"hash"`
	Content     []byte    `json:"content"`
	BountyID    uuid.UUID `json:"bounty_id" binding:"required"`
	MilestoneID int       `json:"milestone_id" binding:"required,min=1"`
}
