package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/custody"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/documents"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/escrow"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/events"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/ledger"
)

type MockEscrow struct {
	mock.Mock
}

func (m *MockEscrow) PendingPayouts(ctx context.Context, limit int) ([]escrow.Payout, error) {
	args := m.Called(ctx, limit)
	payouts, _ := args.Get(0).([]escrow.Payout)
	return payouts, args.Error(1)
}

func (m *MockEscrow) RetryPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*escrow.Payout, error) {
	args := m.Called(ctx, bountyID, idx)
	p, _ := args.Get(0).(*escrow.Payout)
	return p, args.Error(1)
}

func (m *MockEscrow) TransferringContributions(ctx context.Context, limit int) ([]escrow.Contribution, error) {
	args := m.Called(ctx, limit)
	cs, _ := args.Get(0).([]escrow.Contribution)
	return cs, args.Error(1)
}

func (m *MockEscrow) ReconcileContribution(ctx context.Context, id uuid.UUID) (*escrow.Contribution, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*escrow.Contribution)
	return c, args.Error(1)
}

func TestPassClassifiesOutcomes(t *testing.T) {
	ctx := context.Background()
	m := new(MockEscrow)

	bounty := uuid.New()
	payouts := []escrow.Payout{
		{BountyID: bounty, MilestoneIdx: 1},
		{BountyID: bounty, MilestoneIdx: 2},
		{BountyID: bounty, MilestoneIdx: 3},
		{BountyID: bounty, MilestoneIdx: 4},
	}
	m.On("PendingPayouts", ctx, 10).Return(payouts, nil)
	m.On("RetryPayout", ctx, bounty, 1).Return(&escrow.Payout{Status: escrow.PayoutStatusConfirmed}, nil)
	m.On("RetryPayout", ctx, bounty, 2).Return(nil, apperr.Conflict("op", "attempts exhausted"))
	m.On("RetryPayout", ctx, bounty, 3).Return(&escrow.Payout{Status: escrow.PayoutStatusPending}, apperr.Transport("op", errors.New("tx unknown")))
	m.On("RetryPayout", ctx, bounty, 4).Return(nil, errors.New("database is down"))

	settled, failed, waiting := uuid.New(), uuid.New(), uuid.New()
	m.On("TransferringContributions", ctx, 10).Return([]escrow.Contribution{{ID: settled}, {ID: failed}, {ID: waiting}}, nil)
	m.On("ReconcileContribution", ctx, settled).Return(&escrow.Contribution{Status: escrow.ContributionStatusConfirmed}, nil)
	m.On("ReconcileContribution", ctx, failed).Return(&escrow.Contribution{Status: escrow.ContributionStatusFailed}, nil)
	m.On("ReconcileContribution", ctx, waiting).Return(&escrow.Contribution{Status: escrow.ContributionStatusTransferring}, nil)

	r := New(m, Config{Schedule: "@every 1m", BatchSize: 10}, zap.NewNop())
	s := r.Pass(ctx)

	assert.Equal(t, Summary{
		PayoutsConfirmed:        1,
		PayoutsFailed:           1,
		PayoutsUnresolved:       1,
		ContributionsSettled:    1,
		ContributionsFailed:     1,
		ContributionsUnresolved: 1,
		Errors:                  1,
	}, s)
	m.AssertExpectations(t)
}

func TestPassContinuesAfterListError(t *testing.T) {
	ctx := context.Background()
	m := new(MockEscrow)
	m.On("PendingPayouts", ctx, 50).Return(nil, errors.New("timeout"))
	m.On("TransferringContributions", ctx, 50).Return(nil, nil)

	s := New(m, Config{Schedule: "@every 1m"}, nil).Pass(ctx)
	assert.Equal(t, 1, s.Errors)
	m.AssertExpectations(t)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	r := New(new(MockEscrow), Config{Schedule: "whenever"}, zap.NewNop())
	assert.Error(t, r.Start(context.Background()))

	r = New(new(MockEscrow), Config{Schedule: "@every 1h"}, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "already running")
	r.Stop()
	r.Stop()
}

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	creator    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	donor      = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	lawyer     = common.HexToAddress("0x000000000000000000000000000000000000001a")
)

func TestPassResolvesLostReceipts(t *testing.T) {
	ctx := context.Background()
	repo := escrow.NewMemoryRepository()
	sim := ledger.NewSimulated()
	sim.Mint(donor, big.NewInt(1000))
	docs := documents.NewService(documents.NewMemoryRepository(), contenthash.Default, escrow.NewCreatorPolicy(repo), zap.NewNop())
	svc := escrow.NewService(repo, custody.New(sim, escrowAddr, zap.NewNop()), docs, events.Nop(), zap.NewNop())
	r := New(svc, Config{Schedule: "@every 1m", BatchSize: 10}, zap.NewNop())

	b, err := svc.CreateBounty(ctx, creator, escrow.CreateBountyRequest{
		Title:       "Review a supplier contract",
		TotalAmount: decimal.NewFromInt(500),
		Milestones: []escrow.MilestoneSpec{
			{Title: "Redline", Amount: decimal.NewFromInt(200)},
			{Title: "Final review", Amount: decimal.NewFromInt(300)},
		},
	})
	require.NoError(t, err)

	sim.InjectFault("transferFrom", ledger.FaultLoseReceipt)
	_, err = svc.FundBounty(ctx, b.ID, donor, decimal.NewFromInt(500))
	require.Error(t, err)
	inflight, err := svc.TransferringContributions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, inflight, 1)

	s := r.Pass(ctx)
	assert.Equal(t, 1, s.ContributionsSettled)
	b, err = svc.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, b.RaisedAmount.Equal(decimal.NewFromInt(500)))

	_, err = svc.AssignLawyer(ctx, b.ID, creator, lawyer)
	require.NoError(t, err)
	for idx, content := range []string{"redline v1", "final memo"} {
		doc, err := docs.RegisterContent(ctx, lawyer, []byte(content), b.ID, idx+1)
		require.NoError(t, err)
		_, err = svc.SubmitMilestoneProof(ctx, b.ID, idx+1, lawyer, doc.Hash)
		require.NoError(t, err)
	}

	// Milestone 1: the transfer lands but its receipt is lost.
	sim.InjectFault("transfer", ledger.FaultLoseReceipt)
	_, err = svc.VerifyMilestone(ctx, b.ID, 1, creator)
	require.Error(t, err)
	// Milestone 2: the transfer never reaches the ledger.
	sim.InjectFault("transfer", ledger.FaultDropRequest)
	_, err = svc.VerifyMilestone(ctx, b.ID, 2, creator)
	require.Error(t, err)

	pending, err := svc.PendingPayouts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	s = r.Pass(ctx)
	assert.Equal(t, 1, s.PayoutsConfirmed)
	assert.Equal(t, 1, s.PayoutsUnresolved, "an unknown transaction is never resubmitted")
	assert.Equal(t, 1, sim.Calls("transfer"))

	p, err := svc.GetPayout(ctx, b.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.PayoutStatusConfirmed, p.Status)
	p, err = svc.GetPayout(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, escrow.PayoutStatusPending, p.Status)

	bal, err := sim.BalanceOf(ctx, lawyer)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal.Int64())
}
