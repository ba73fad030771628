package reputation

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	MinScore = 1
	MaxScore = 5
)

// Rating is one participant's score for the provider of a completed bounty.
type Rating struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	BountyID  uuid.UUID      `json:"bounty_id" gorm:"type:uuid;not null;uniqueIndex:idx_rating_bounty_rater"`
	Provider  common.Address `json:"provider" gorm:"type:bytea;not null;index"`
	Rater     common.Address `json:"rater" gorm:"type:bytea;not null;uniqueIndex:idx_rating_bounty_rater"`
	Score     int            `json:"score" gorm:"not null"`
	Comment   string         `json:"comment,omitempty"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (r *Rating) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Reputation aggregates a provider's ratings.
type Reputation struct {
	Provider common.Address  `json:"provider"`
	Count    int64           `json:"count"`
	Average  decimal.Decimal `json:"average"`
	Recent   []Rating        `json:"recent"`
}

type RateRequest struct {
	Score   int    `json:"score" binding:"required"`
	Comment string `json:"comment"`
}
