package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLiteRepository(t *testing.T) Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps the in-memory database alive and shared
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Models()...))
	return NewRepository(db)
}

func newBounty(total int64, parts ...int64) *Bounty {
	b := &Bounty{
		Title:          "Trademark filing",
		Creator:        creator,
		TotalAmount:    decimal.NewFromInt(total),
		RaisedAmount:   decimal.Zero,
		ReleasedAmount: decimal.Zero,
		Status:         BountyStatusOpen,
	}
	for i, p := range parts {
		b.Milestones = append(b.Milestones, Milestone{
			Idx:    i + 1,
			Title:  "step",
			Amount: decimal.NewFromInt(p),
			Status: MilestoneStatusPending,
		})
	}
	return b
}

// Both repositories must agree on every conditional write.
func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"gorm":   newSQLiteRepository(t),
	}
}

func TestRepositoryBountyLifecycle(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBounty(1000, 400, 600)
			b.RaisedAmount = b.TotalAmount
			require.NoError(t, repo.CreateBounty(ctx, b))

			got, err := repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Len(t, got.Milestones, 2)
			assert.Equal(t, 1, got.Milestones[0].Idx)
			assert.Equal(t, creator, got.Creator)
			assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(1000)))

			ok, err := repo.AssignProvider(ctx, b.ID, lawyer)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.AssignProvider(ctx, b.ID, stranger)
			require.NoError(t, err)
			assert.False(t, ok, "only an open bounty can be assigned")

			list, err := repo.ListBounties(ctx, BountyFilter{Provider: &lawyer})
			require.NoError(t, err)
			assert.Len(t, list, 1)
			list, err = repo.ListBounties(ctx, BountyFilter{Status: BountyStatusOpen})
			require.NoError(t, err)
			assert.Empty(t, list)

			now := time.Now().UTC()
			proof := common.HexToHash("0x01")
			ok, err = repo.SubmitProof(ctx, b.ID, 1, proof, now)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.SubmitProof(ctx, b.ID, 1, proof, now)
			require.NoError(t, err)
			assert.False(t, ok)

			payout := &Payout{BountyID: b.ID, MilestoneIdx: 1, Provider: lawyer, Amount: decimal.NewFromInt(400), Status: PayoutStatusPending}
			ok, err = repo.VerifyMilestone(ctx, b.ID, 1, now, payout)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.VerifyMilestone(ctx, b.ID, 1, now, &Payout{BountyID: b.ID, MilestoneIdx: 1, Provider: lawyer, Amount: decimal.NewFromInt(400), Status: PayoutStatusPending})
			require.NoError(t, err)
			assert.False(t, ok, "verified is terminal")

			ok, err = repo.CompleteIfAllVerified(ctx, b.ID)
			require.NoError(t, err)
			assert.False(t, ok, "milestone 2 is still pending")

			got, err = repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, got.ReleasedAmount.Equal(decimal.NewFromInt(400)))
			require.NotNil(t, got.Milestone(1).ProofHash)
			assert.Equal(t, proof, *got.Milestone(1).ProofHash)

			_, _ = repo.SubmitProof(ctx, b.ID, 2, common.HexToHash("0x02"), now)
			_, err = repo.VerifyMilestone(ctx, b.ID, 2, now, &Payout{BountyID: b.ID, MilestoneIdx: 2, Provider: lawyer, Amount: decimal.NewFromInt(600), Status: PayoutStatusPending})
			require.NoError(t, err)
			ok, err = repo.CompleteIfAllVerified(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestRepositoryContributionSettlement(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBounty(1000, 1000)
			require.NoError(t, repo.CreateBounty(ctx, b))

			first := &Contribution{BountyID: b.ID, Donor: donor, Amount: decimal.NewFromInt(800), Status: ContributionStatusApproved}
			second := &Contribution{BountyID: b.ID, Donor: donor, Amount: decimal.NewFromInt(300), Status: ContributionStatusApproved}
			ok, err := repo.CreateContribution(ctx, first)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.CreateContribution(ctx, second)
			require.NoError(t, err)
			assert.False(t, ok, "800 is already reserved")
			stored, err := repo.GetContribution(ctx, second.ID)
			require.NoError(t, err)
			assert.Nil(t, stored, "a rejected contribution is not stored")

			got, err := repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, got.ReservedAmount.Equal(decimal.NewFromInt(800)))
			assert.True(t, got.RaisedAmount.IsZero())

			ok, err = repo.MarkTransferring(ctx, first.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, repo.RecordTransfer(ctx, first.ID, common.HexToHash("0xaa"), nil, ""))

			settled, err := repo.SettleContribution(ctx, first.ID, nil)
			require.NoError(t, err)
			assert.True(t, settled)
			settled, err = repo.SettleContribution(ctx, first.ID, nil)
			require.NoError(t, err)
			assert.False(t, settled, "settles once")

			got, err = repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, got.RaisedAmount.Equal(decimal.NewFromInt(800)))
			assert.True(t, got.ReservedAmount.IsZero())

			stored, err = repo.GetContribution(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, ContributionStatusConfirmed, stored.Status)
			require.NotNil(t, stored.TransferTx)
			assert.Equal(t, common.HexToHash("0xaa"), *stored.TransferTx)

			ok, err = repo.FailContribution(ctx, first.ID, nil, "late")
			require.NoError(t, err)
			assert.False(t, ok, "confirmed contributions never fail")
		})
	}
}

func TestRepositoryFailedContributionFreesCapacity(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBounty(1000, 1000)
			require.NoError(t, repo.CreateBounty(ctx, b))

			c := &Contribution{BountyID: b.ID, Donor: donor, Amount: decimal.NewFromInt(1000), Status: ContributionStatusApproved}
			ok, err := repo.CreateContribution(ctx, c)
			require.NoError(t, err)
			require.True(t, ok)
			_, _ = repo.MarkTransferring(ctx, c.ID)

			ok, err = repo.FailContribution(ctx, c.ID, nil, "reverted")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.FailContribution(ctx, c.ID, nil, "reverted")
			require.NoError(t, err)
			assert.False(t, ok, "the reservation is returned once")

			got, err := repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, got.ReservedAmount.IsZero())

			again := &Contribution{BountyID: b.ID, Donor: donor, Amount: decimal.NewFromInt(1000), Status: ContributionStatusApproved}
			ok, err = repo.CreateContribution(ctx, again)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestRepositoryVerifyChecksHeldFunds(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			b := newBounty(1000, 500, 500)
			b.RaisedAmount = decimal.NewFromInt(500)
			require.NoError(t, repo.CreateBounty(ctx, b))
			_, _ = repo.AssignProvider(ctx, b.ID, lawyer)
			_, _ = repo.SubmitProof(ctx, b.ID, 1, common.HexToHash("0x11"), now)
			_, _ = repo.SubmitProof(ctx, b.ID, 2, common.HexToHash("0x12"), now)

			errs := make(chan error, 2)
			var wg sync.WaitGroup
			for idx := 1; idx <= 2; idx++ {
				idx := idx
				wg.Add(1)
				go func() {
					defer wg.Done()
					payout := &Payout{BountyID: b.ID, MilestoneIdx: idx, Provider: lawyer, Amount: decimal.NewFromInt(500), Status: PayoutStatusPending}
					ok, err := repo.VerifyMilestone(ctx, b.ID, idx, now, payout)
					if err == nil && !ok {
						err = errors.New("not applied")
					}
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)

			var applied, short int
			for err := range errs {
				switch {
				case err == nil:
					applied++
				case errors.Is(err, ErrInsufficientHeld):
					short++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, applied)
			assert.Equal(t, 1, short)

			got, err := repo.GetBounty(ctx, b.ID)
			require.NoError(t, err)
			assert.True(t, got.ReleasedAmount.Equal(got.RaisedAmount))
			verified := 0
			for _, m := range got.Milestones {
				if m.Status == MilestoneStatusVerified {
					verified++
				}
			}
			assert.Equal(t, 1, verified, "the short milestone is rolled back")

			pending, err := repo.ListPayoutsByStatus(ctx, PayoutStatusPending, 10)
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}

func TestRepositoryPayoutAttempts(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBounty(100, 100)
			b.RaisedAmount = b.TotalAmount
			require.NoError(t, repo.CreateBounty(ctx, b))
			_, _ = repo.AssignProvider(ctx, b.ID, lawyer)
			_, _ = repo.SubmitProof(ctx, b.ID, 1, common.HexToHash("0x03"), time.Now().UTC())
			payout := &Payout{BountyID: b.ID, MilestoneIdx: 1, Provider: lawyer, Amount: decimal.NewFromInt(100), Status: PayoutStatusPending}
			ok, err := repo.VerifyMilestone(ctx, b.ID, 1, time.Now().UTC(), payout)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = repo.ClaimPayoutAttempt(ctx, payout.ID, 0)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.ClaimPayoutAttempt(ctx, payout.ID, 0)
			require.NoError(t, err)
			assert.False(t, ok, "a stale attempt count loses")

			inflight, err := repo.GetPayout(ctx, b.ID, 1)
			require.NoError(t, err)
			assert.True(t, inflight.InFlight)
			assert.Nil(t, inflight.TxHash)
			ok, err = repo.ClaimPayoutAttempt(ctx, payout.ID, 1)
			require.NoError(t, err)
			assert.False(t, ok, "no second claim while an attempt is in flight")

			tx := common.HexToHash("0xbeef")
			require.NoError(t, repo.RecordPayoutAttempt(ctx, payout.ID, &tx, nil, "timeout"))
			pending, err := repo.ListPayoutsByStatus(ctx, PayoutStatusPending, 10)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, 1, pending[0].Attempts)
			assert.False(t, pending[0].InFlight)
			require.NotNil(t, pending[0].TxHash)
			assert.Equal(t, tx, *pending[0].TxHash)

			ok, err = repo.SetPayoutStatus(ctx, payout.ID, PayoutStatusConfirmed, nil, "")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = repo.SetPayoutStatus(ctx, payout.ID, PayoutStatusFailed, nil, "")
			require.NoError(t, err)
			assert.False(t, ok, "confirmed is final")

			got, err := repo.GetPayout(ctx, b.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, PayoutStatusConfirmed, got.Status)
		})
	}
}
