package reputation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	// Create stores r unless the rater already rated the bounty.
	Create(ctx context.Context, r *Rating) (bool, error)
	// Totals returns the number of ratings and the sum of their scores.
	Totals(ctx context.Context, provider common.Address) (count int64, sum int64, err error)
	ListByProvider(ctx context.Context, provider common.Address, limit int) ([]Rating, error)
}

func Models() []interface{} {
	return []interface{}{&Rating{}}
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rating *Rating) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "bounty_id"}, {Name: "rater"}}, DoNothing: true}).
		Create(rating)
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) Totals(ctx context.Context, provider common.Address) (int64, int64, error) {
	var row struct {
		Count int64
		Sum   int64
	}
	err := r.db.WithContext(ctx).Model(&Rating{}).
		Select("COUNT(*) AS count, COALESCE(SUM(score), 0) AS sum").
		Where("provider = ?", provider).
		Scan(&row).Error
	return row.Count, row.Sum, err
}

func (r *gormRepository) ListByProvider(ctx context.Context, provider common.Address, limit int) ([]Rating, error) {
	var out []Rating
	query := r.db.WithContext(ctx).Where("provider = ?", provider).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}
