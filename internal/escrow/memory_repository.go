package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type payoutKey struct {
	bountyID uuid.UUID
	idx      int
}

type memoryRepository struct {
	mu            sync.RWMutex
	bounties      map[uuid.UUID]*Bounty
	contributions map[uuid.UUID]*Contribution
	payouts       map[payoutKey]*Payout
}

// NewMemoryRepository returns a process-local Repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		bounties:      make(map[uuid.UUID]*Bounty),
		contributions: make(map[uuid.UUID]*Contribution),
		payouts:       make(map[payoutKey]*Payout),
	}
}

func copyBounty(b *Bounty) Bounty {
	cp := *b
	cp.Milestones = append([]Milestone(nil), b.Milestones...)
	return cp
}

func (r *memoryRepository) CreateBounty(ctx context.Context, b *Bounty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	for i := range b.Milestones {
		b.Milestones[i].BountyID = b.ID
	}
	stored := copyBounty(b)
	r.bounties[b.ID] = &stored
	return nil
}

func (r *memoryRepository) GetBounty(ctx context.Context, id uuid.UUID) (*Bounty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bounties[id]
	if !ok {
		return nil, nil
	}
	cp := copyBounty(b)
	return &cp, nil
}

func (r *memoryRepository) ListBounties(ctx context.Context, filter BountyFilter) ([]Bounty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bounty, 0, len(r.bounties))
	for _, b := range r.bounties {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.Creator != nil && b.Creator != *filter.Creator {
			continue
		}
		if filter.Provider != nil && (b.AssignedProvider == nil || *b.AssignedProvider != *filter.Provider) {
			continue
		}
		out = append(out, copyBounty(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Bounty{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepository) AssignProvider(ctx context.Context, id uuid.UUID, provider common.Address) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bounties[id]
	if !ok || b.Status != BountyStatusOpen {
		return false, nil
	}
	b.Status = BountyStatusInProgress
	b.AssignedProvider = &provider
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memoryRepository) CompleteIfAllVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bounties[id]
	if !ok || b.Status != BountyStatusInProgress || !b.AllVerified() {
		return false, nil
	}
	b.Status = BountyStatusCompleted
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memoryRepository) SubmitProof(ctx context.Context, bountyID uuid.UUID, idx int, hash common.Hash, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bounties[bountyID]
	if !ok {
		return false, nil
	}
	m := b.Milestone(idx)
	if m == nil || m.Status != MilestoneStatusPending {
		return false, nil
	}
	m.Status = MilestoneStatusSubmitted
	m.ProofHash = &hash
	m.SubmittedAt = &at
	return true, nil
}

func (r *memoryRepository) VerifyMilestone(ctx context.Context, bountyID uuid.UUID, idx int, at time.Time, payout *Payout) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bounties[bountyID]
	if !ok {
		return false, nil
	}
	m := b.Milestone(idx)
	if m == nil || m.Status != MilestoneStatusSubmitted {
		return false, nil
	}
	key := payoutKey{bountyID, idx}
	if _, exists := r.payouts[key]; exists {
		return false, ErrPayoutExists
	}
	if b.RaisedAmount.Sub(b.ReleasedAmount).LessThan(payout.Amount) {
		return false, ErrInsufficientHeld
	}

	m.Status = MilestoneStatusVerified
	m.VerifiedAt = &at
	b.ReleasedAmount = b.ReleasedAmount.Add(payout.Amount)
	b.UpdatedAt = at

	if payout.ID == uuid.Nil {
		payout.ID = uuid.New()
	}
	payout.CreatedAt, payout.UpdatedAt = at, at
	stored := *payout
	r.payouts[key] = &stored
	return true, nil
}

func (r *memoryRepository) CreateContribution(ctx context.Context, c *Contribution) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bounties[c.BountyID]
	if !ok || b.Status == BountyStatusCompleted {
		return false, nil
	}
	if b.RaisedAmount.Add(b.ReservedAmount).Add(c.Amount).GreaterThan(b.TotalAmount) {
		return false, nil
	}
	b.ReservedAmount = b.ReservedAmount.Add(c.Amount)

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	b.UpdatedAt = now
	stored := *c
	r.contributions[c.ID] = &stored
	return true, nil
}

func (r *memoryRepository) GetContribution(ctx context.Context, id uuid.UUID) (*Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contributions[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memoryRepository) filterContributions(keep func(*Contribution) bool) []Contribution {
	out := []Contribution{}
	for _, c := range r.contributions {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memoryRepository) ListContributions(ctx context.Context, bountyID uuid.UUID) ([]Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterContributions(func(c *Contribution) bool { return c.BountyID == bountyID }), nil
}

func (r *memoryRepository) ListContributionsByStatus(ctx context.Context, status ContributionStatus, limit int) ([]Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filterContributions(func(c *Contribution) bool { return c.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) MarkTransferring(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contributions[id]
	if !ok || c.Status != ContributionStatusApproved {
		return false, nil
	}
	c.Status = ContributionStatusTransferring
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memoryRepository) RecordTransfer(ctx context.Context, id uuid.UUID, txHash common.Hash, receipt datatypes.JSON, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contributions[id]
	if !ok || c.Status != ContributionStatusTransferring {
		return nil
	}
	c.TransferTx = &txHash
	c.Receipt = receipt
	c.LastError = lastError
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepository) SettleContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contributions[id]
	if !ok || c.Status != ContributionStatusTransferring {
		return false, nil
	}
	now := time.Now().UTC()
	if b, ok := r.bounties[c.BountyID]; ok {
		b.RaisedAmount = b.RaisedAmount.Add(c.Amount)
		b.ReservedAmount = b.ReservedAmount.Sub(c.Amount)
		b.UpdatedAt = now
	}
	c.Status = ContributionStatusConfirmed
	c.Receipt = receipt
	c.LastError = ""
	c.UpdatedAt = now
	return true, nil
}

func (r *memoryRepository) FailContribution(ctx context.Context, id uuid.UUID, receipt datatypes.JSON, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contributions[id]
	if !ok || (c.Status != ContributionStatusApproved && c.Status != ContributionStatusTransferring) {
		return false, nil
	}
	now := time.Now().UTC()
	if b, ok := r.bounties[c.BountyID]; ok {
		b.ReservedAmount = b.ReservedAmount.Sub(c.Amount)
		b.UpdatedAt = now
	}
	c.Status = ContributionStatusFailed
	c.Receipt = receipt
	c.LastError = lastError
	c.UpdatedAt = now
	return true, nil
}

func (r *memoryRepository) GetPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payouts[payoutKey{bountyID, idx}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memoryRepository) ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int) ([]Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Payout{}
	for _, p := range r.payouts {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) payoutByID(id uuid.UUID) *Payout {
	for _, p := range r.payouts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *memoryRepository) ClaimPayoutAttempt(ctx context.Context, id uuid.UUID, attempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payoutByID(id)
	if p == nil || p.Status != PayoutStatusPending || p.Attempts != attempts || p.InFlight {
		return false, nil
	}
	p.Attempts++
	p.InFlight = true
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memoryRepository) RecordPayoutAttempt(ctx context.Context, id uuid.UUID, txHash *common.Hash, receipt datatypes.JSON, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payoutByID(id)
	if p == nil || p.Status != PayoutStatusPending {
		return nil
	}
	p.TxHash = txHash
	p.InFlight = false
	p.Receipt = receipt
	p.LastError = lastError
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepository) SetPayoutStatus(ctx context.Context, id uuid.UUID, status PayoutStatus, receipt datatypes.JSON, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payoutByID(id)
	if p == nil || p.Status != PayoutStatusPending {
		return false, nil
	}
	p.Status = status
	p.Receipt = receipt
	p.LastError = lastError
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}
