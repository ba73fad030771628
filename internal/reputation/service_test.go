package reputation

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/escrow"
)

var (
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	donor    = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	failed   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	lawyer   = common.HexToAddress("0x000000000000000000000000000000000000001a")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

type MockBountyReader struct {
	mock.Mock
}

func (m *MockBountyReader) GetBounty(ctx context.Context, id uuid.UUID) (*escrow.Bounty, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*escrow.Bounty), args.Error(1)
}

func (m *MockBountyReader) ListContributions(ctx context.Context, bountyID uuid.UUID) ([]escrow.Contribution, error) {
	args := m.Called(ctx, bountyID)
	return args.Get(0).([]escrow.Contribution), args.Error(1)
}

func completedBounty(status escrow.BountyStatus) *escrow.Bounty {
	provider := lawyer
	return &escrow.Bounty{
		ID:               uuid.New(),
		Creator:          creator,
		Status:           status,
		AssignedProvider: &provider,
	}
}

func newReader(b *escrow.Bounty) *MockBountyReader {
	reader := &MockBountyReader{}
	reader.On("GetBounty", mock.Anything, b.ID).Return(b, nil)
	reader.On("ListContributions", mock.Anything, b.ID).Return([]escrow.Contribution{
		{BountyID: b.ID, Donor: donor, Status: escrow.ContributionStatusConfirmed},
		{BountyID: b.ID, Donor: failed, Status: escrow.ContributionStatusFailed},
	}, nil)
	return reader
}

func TestRate(t *testing.T) {
	ctx := context.Background()
	b := completedBounty(escrow.BountyStatusCompleted)
	svc := NewService(NewMemoryRepository(), newReader(b), zap.NewNop())

	tests := []struct {
		name  string
		rater common.Address
		score int
		want  error
	}{
		{"score too low", creator, 0, apperr.ErrValidation},
		{"score too high", creator, 6, apperr.ErrValidation},
		{"stranger", stranger, 4, apperr.ErrAuthorization},
		{"failed donor", failed, 4, apperr.ErrAuthorization},
		{"provider", lawyer, 5, apperr.ErrAuthorization},
		{"creator", creator, 5, nil},
		{"confirmed donor", donor, 4, nil},
		{"creator again", creator, 1, apperr.ErrStateConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rating, err := svc.Rate(ctx, b.ID, tt.rater, tt.score, " thorough ")
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, lawyer, rating.Provider)
				assert.Equal(t, "thorough", rating.Comment)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	rep, err := svc.ProviderReputation(ctx, lawyer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Count)
	assert.True(t, rep.Average.Equal(decimal.RequireFromString("4.5")))
	assert.Len(t, rep.Recent, 2)
}

func TestRateRequiresCompletedBounty(t *testing.T) {
	b := completedBounty(escrow.BountyStatusInProgress)
	svc := NewService(NewMemoryRepository(), newReader(b), zap.NewNop())

	_, err := svc.Rate(context.Background(), b.ID, creator, 5, "")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
}

func TestRateUnknownBounty(t *testing.T) {
	id := uuid.New()
	reader := &MockBountyReader{}
	reader.On("GetBounty", mock.Anything, id).Return(nil, apperr.NotFound("escrow.GetBounty", "bounty %s not found", id))
	svc := NewService(NewMemoryRepository(), reader, zap.NewNop())

	_, err := svc.Rate(context.Background(), id, creator, 5, "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	reader.AssertExpectations(t)
}

func TestProviderReputationEmpty(t *testing.T) {
	svc := NewService(NewMemoryRepository(), &MockBountyReader{}, zap.NewNop())
	rep, err := svc.ProviderReputation(context.Background(), lawyer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rep.Count)
	assert.True(t, rep.Average.IsZero())
}

func TestGormRepository(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	repo := NewRepository(db)
	ctx := context.Background()

	bountyID := uuid.New()
	created, err := repo.Create(ctx, &Rating{BountyID: bountyID, Provider: lawyer, Rater: creator, Score: 5})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.Create(ctx, &Rating{BountyID: bountyID, Provider: lawyer, Rater: creator, Score: 1})
	require.NoError(t, err)
	assert.False(t, created, "one rating per bounty and rater")
	created, err = repo.Create(ctx, &Rating{BountyID: bountyID, Provider: lawyer, Rater: donor, Score: 2})
	require.NoError(t, err)
	assert.True(t, created)

	count, sum, err := repo.Totals(ctx, lawyer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(7), sum)

	ratings, err := repo.ListByProvider(ctx, lawyer, 1)
	require.NoError(t, err)
	assert.Len(t, ratings, 1)
}
