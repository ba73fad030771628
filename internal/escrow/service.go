// Package escrow runs the bounty lifecycle: creation, incremental funding
// into escrow, provider assignment, milestone proof and verification, and
// the single payout each verified milestone earns.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/documents"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/events"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/ledger"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/workflows"
)

// MaxPayoutAttempts bounds how many times one payout is submitted to the
// ledger before it is marked failed for an operator.
const MaxPayoutAttempts = 3

// Custodian is the subset of custody the engine moves money through.
type Custodian interface {
	EnsureAllowance(ctx context.Context, owner common.Address, amount *big.Int) (*ledger.Receipt, error)
	Deposit(ctx context.Context, owner common.Address, amount *big.Int) (*ledger.Receipt, error)
	Release(ctx context.Context, to common.Address, amount *big.Int) (*ledger.Receipt, error)
	Status(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error)
	EscrowBalance(ctx context.Context) (*big.Int, error)
}

// Service is the bounty escrow engine.
type Service interface {
	CreateBounty(ctx context.Context, creator common.Address, req CreateBountyRequest) (*Bounty, error)
	FundBounty(ctx context.Context, bountyID uuid.UUID, donor common.Address, amount decimal.Decimal) (*FundResult, error)
	ReconcileContribution(ctx context.Context, id uuid.UUID) (*Contribution, error)
	AssignLawyer(ctx context.Context, bountyID uuid.UUID, caller, provider common.Address) (*Bounty, error)
	SubmitMilestoneProof(ctx context.Context, bountyID uuid.UUID, idx int, caller common.Address, hash common.Hash) (*Bounty, error)
	VerifyMilestone(ctx context.Context, bountyID uuid.UUID, idx int, caller common.Address) (*VerifyResult, error)
	RetryPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error)

	GetBounty(ctx context.Context, id uuid.UUID) (*Bounty, error)
	ListBounties(ctx context.Context, filter BountyFilter) ([]Bounty, error)
	GetContribution(ctx context.Context, id uuid.UUID) (*Contribution, error)
	ListContributions(ctx context.Context, bountyID uuid.UUID) ([]Contribution, error)
	GetPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error)

	// PendingPayouts and TransferringContributions feed the reconciler.
	PendingPayouts(ctx context.Context, limit int) ([]Payout, error)
	TransferringContributions(ctx context.Context, limit int) ([]Contribution, error)
}

type escrowService struct {
	repo       Repository
	custody    Custodian
	docs       documents.Service
	publisher  events.Publisher
	bounties   *workflows.StateMachine
	milestones *workflows.StateMachine
	logger     *zap.Logger
}

func NewService(repo Repository, custody Custodian, docs documents.Service, publisher events.Publisher, logger *zap.Logger) Service {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &escrowService{
		repo:       repo,
		custody:    custody,
		docs:       docs,
		publisher:  publisher,
		bounties:   workflows.NewBountyStateMachine(),
		milestones: workflows.NewMilestoneStateMachine(),
		logger:     logger,
	}
}

func isWholePositive(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(0))
}

func receiptJSON(r *ledger.Receipt) datatypes.JSON {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func txHashOf(r *ledger.Receipt) *common.Hash {
	if r == nil || r.TxHash == (common.Hash{}) {
		return nil
	}
	h := r.TxHash
	return &h
}

func (s *escrowService) bounty(ctx context.Context, op string, id uuid.UUID) (*Bounty, error) {
	b, err := s.repo.GetBounty(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load bounty: %w", err)
	}
	if b == nil {
		return nil, apperr.NotFound(op, "bounty %s not found", id)
	}
	return b, nil
}

func (s *escrowService) CreateBounty(ctx context.Context, creator common.Address, req CreateBountyRequest) (*Bounty, error) {
	const op = "escrow.CreateBounty"
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation(op, "title is required")
	}
	if len(req.Milestones) == 0 {
		return nil, apperr.Validation(op, "at least one milestone is required")
	}
	if !isWholePositive(req.TotalAmount) {
		return nil, apperr.Validation(op, "total amount must be a positive integer")
	}

	sum := decimal.Zero
	milestones := make([]Milestone, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return nil, apperr.Validation(op, "milestone %d title is required", i+1)
		}
		if !isWholePositive(m.Amount) {
			return nil, apperr.Validation(op, "milestone %d amount must be a positive integer", i+1)
		}
		sum = sum.Add(m.Amount)
		milestones = append(milestones, Milestone{
			Idx:    i + 1,
			Title:  strings.TrimSpace(m.Title),
			Amount: m.Amount,
			Status: MilestoneStatusPending,
		})
	}
	if !sum.Equal(req.TotalAmount) {
		return nil, apperr.Validation(op, "milestone amounts sum to %s, total is %s", sum, req.TotalAmount)
	}

	b := &Bounty{
		Title:          title,
		Description:    req.Description,
		Creator:        creator,
		TotalAmount:    req.TotalAmount,
		RaisedAmount:   decimal.Zero,
		ReservedAmount: decimal.Zero,
		ReleasedAmount: decimal.Zero,
		Status:         BountyStatusOpen,
		Milestones:     milestones,
	}
	if err := s.repo.CreateBounty(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create bounty: %w", err)
	}

	s.logger.Info("Bounty created",
		zap.String("bounty_id", b.ID.String()),
		zap.String("creator", creator.Hex()),
		zap.String("total_amount", b.TotalAmount.String()))
	s.publisher.Publish(events.Event{Type: events.TypeBountyCreated, Topic: b.ID.String()})
	return b, nil
}

func (s *escrowService) FundBounty(ctx context.Context, bountyID uuid.UUID, donor common.Address, amount decimal.Decimal) (*FundResult, error) {
	const op = "escrow.FundBounty"
	if !isWholePositive(amount) {
		return nil, apperr.Validation(op, "amount must be a positive integer")
	}
	b, err := s.bounty(ctx, op, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status == BountyStatusCompleted {
		return nil, apperr.Conflict(op, "bounty %s is completed", bountyID)
	}
	committed := b.RaisedAmount.Add(b.ReservedAmount)
	if committed.Add(amount).GreaterThan(b.TotalAmount) {
		return nil, apperr.Validation(op, "contribution %s exceeds the remaining %s",
			amount, b.TotalAmount.Sub(committed))
	}

	// phase 1: re-callable
	approve, err := s.custody.EnsureAllowance(ctx, donor, amount.BigInt())
	if err != nil {
		return nil, err
	}
	result := &FundResult{ApproveReceipt: approve}

	c := &Contribution{
		BountyID:  bountyID,
		Donor:     donor,
		Amount:    amount,
		ApproveTx: txHashOf(approve),
		Status:    ContributionStatusApproved,
	}
	reserved, err := s.repo.CreateContribution(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}
	if !reserved {
		return nil, apperr.Validation(op, "contribution %s no longer fits the remaining capacity of bounty %s", amount, bountyID)
	}
	if _, err := s.repo.MarkTransferring(ctx, c.ID); err != nil {
		if _, failErr := s.repo.FailContribution(ctx, c.ID, nil, err.Error()); failErr != nil {
			s.logger.Error("Failed to release contribution reservation", zap.String("contribution_id", c.ID.String()), zap.Error(failErr))
		}
		return nil, fmt.Errorf("failed to mark contribution transferring: %w", err)
	}

	// phase 2: custody re-checks allowance and balance before submitting
	receipt, depositErr := s.custody.Deposit(ctx, donor, amount.BigInt())
	result.TransferReceipt = receipt
	if depositErr != nil {
		if apperr.KindOf(depositErr) == apperr.KindTransport && txHashOf(receipt) != nil {
			// submitted with unknown outcome: keep transferring for reconciliation
			if err := s.repo.RecordTransfer(ctx, c.ID, receipt.TxHash, receiptJSON(receipt), depositErr.Error()); err != nil {
				s.logger.Error("Failed to record deposit tx", zap.String("contribution_id", c.ID.String()), zap.Error(err))
			}
			s.logger.Warn("Deposit outcome unknown, awaiting reconciliation",
				zap.String("bounty_id", bountyID.String()),
				zap.String("contribution_id", c.ID.String()),
				zap.String("tx_hash", receipt.TxHash.Hex()))
		} else {
			if _, err := s.repo.FailContribution(ctx, c.ID, receiptJSON(receipt), depositErr.Error()); err != nil {
				s.logger.Error("Failed to mark contribution failed", zap.String("contribution_id", c.ID.String()), zap.Error(err))
			}
			s.publisher.Publish(events.Event{
				Type:  events.TypeContributionFailed,
				Topic: bountyID.String(),
				Data:  map[string]any{"contribution_id": c.ID.String(), "error": depositErr.Error()},
			})
		}
		result.Contribution, _ = s.repo.GetContribution(ctx, c.ID)
		return result, depositErr
	}

	if err := s.repo.RecordTransfer(ctx, c.ID, receipt.TxHash, receiptJSON(receipt), ""); err != nil {
		return nil, fmt.Errorf("failed to record deposit tx: %w", err)
	}
	if err := s.settle(ctx, c.ID, receipt); err != nil {
		return nil, err
	}
	result.Contribution, err = s.repo.GetContribution(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	return result, nil
}

func (s *escrowService) settle(ctx context.Context, id uuid.UUID, receipt *ledger.Receipt) error {
	settled, err := s.repo.SettleContribution(ctx, id, receiptJSON(receipt))
	if err != nil {
		return fmt.Errorf("failed to settle contribution: %w", err)
	}
	if !settled {
		return nil
	}
	c, err := s.repo.GetContribution(ctx, id)
	if err != nil || c == nil {
		return err
	}

	s.logger.Info("Bounty funded",
		zap.String("bounty_id", c.BountyID.String()),
		zap.String("donor", c.Donor.Hex()),
		zap.String("amount", c.Amount.String()),
		zap.String("tx_hash", receipt.TxHash.Hex()))
	s.publisher.Publish(events.Event{
		Type:   events.TypeBountyFunded,
		Topic:  c.BountyID.String(),
		TxHash: receipt.TxHash.Hex(),
		Status: string(receipt.Status),
		Data:   map[string]any{"contribution_id": c.ID.String(), "amount": c.Amount.String()},
	})
	return nil
}

func (s *escrowService) ReconcileContribution(ctx context.Context, id uuid.UUID) (*Contribution, error) {
	const op = "escrow.ReconcileContribution"
	c, err := s.GetContribution(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ContributionStatusTransferring || c.TransferTx == nil {
		return c, nil
	}

	receipt, err := s.custody.Status(ctx, *c.TransferTx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up deposit: %w", err)
	}
	switch receipt.Status {
	case ledger.StatusConfirmed:
		if err := s.settle(ctx, id, receipt); err != nil {
			return nil, err
		}
	case ledger.StatusFailed:
		if _, err := s.repo.FailContribution(ctx, id, receiptJSON(receipt), ledger.ErrReverted.Error()); err != nil {
			return nil, fmt.Errorf("failed to mark contribution failed: %w", err)
		}
		s.publisher.Publish(events.Event{
			Type:   events.TypeContributionFailed,
			Topic:  c.BountyID.String(),
			TxHash: receipt.TxHash.Hex(),
			Status: string(receipt.Status),
		})
	default:
		s.logger.Debug("Deposit still unresolved",
			zap.String("op", op),
			zap.String("contribution_id", id.String()),
			zap.String("status", string(receipt.Status)))
	}
	return s.GetContribution(ctx, id)
}

func (s *escrowService) AssignLawyer(ctx context.Context, bountyID uuid.UUID, caller, provider common.Address) (*Bounty, error) {
	const op = "escrow.AssignLawyer"
	if provider == (common.Address{}) {
		return nil, apperr.Validation(op, "provider address is required")
	}
	b, err := s.bounty(ctx, op, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Creator != caller {
		return nil, apperr.Authorization(op, "only the bounty creator can assign a provider")
	}
	if !s.bounties.CanTransition(string(b.Status), string(BountyStatusInProgress)) {
		return nil, apperr.Conflict(op, "bounty %s is %s, not open", bountyID, b.Status)
	}

	assigned, err := s.repo.AssignProvider(ctx, bountyID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to assign provider: %w", err)
	}
	if !assigned {
		return nil, apperr.Conflict(op, "bounty %s is no longer open", bountyID)
	}

	s.logger.Info("Provider assigned",
		zap.String("bounty_id", bountyID.String()),
		zap.String("provider", provider.Hex()))
	s.publisher.Publish(events.Event{
		Type:  events.TypeBountyAssigned,
		Topic: bountyID.String(),
		Data:  map[string]any{"provider": provider.Hex()},
	})
	return s.bounty(ctx, op, bountyID)
}

func (s *escrowService) SubmitMilestoneProof(ctx context.Context, bountyID uuid.UUID, idx int, caller common.Address, hash common.Hash) (*Bounty, error) {
	const op = "escrow.SubmitMilestoneProof"
	b, err := s.bounty(ctx, op, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status != BountyStatusInProgress {
		return nil, apperr.Conflict(op, "bounty %s is %s, not in_progress", bountyID, b.Status)
	}
	if b.AssignedProvider == nil || *b.AssignedProvider != caller {
		return nil, apperr.Authorization(op, "only the assigned provider can submit proof")
	}
	m := b.Milestone(idx)
	if m == nil {
		return nil, apperr.NotFound(op, "bounty %s has no milestone %d", bountyID, idx)
	}
	if done, err := submittedAlready(op, m, hash); done || err != nil {
		return b, err
	}

	doc, err := s.docs.GetDocument(ctx, hash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Conflict(op, "document %s must be registered before it is submitted", hash.Hex())
		}
		return nil, err
	}
	if !doc.BoundTo(bountyID, idx) {
		return nil, apperr.Conflict(op, "document %s is registered to bounty %s milestone %d",
			hash.Hex(), doc.BountyID, doc.MilestoneID)
	}

	submitted, err := s.repo.SubmitProof(ctx, bountyID, idx, hash, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to submit proof: %w", err)
	}
	if !submitted {
		// lost a race; apply the same rules to the winner's write
		b, err = s.bounty(ctx, op, bountyID)
		if err != nil {
			return nil, err
		}
		if done, err := submittedAlready(op, b.Milestone(idx), hash); done || err != nil {
			return b, err
		}
		return nil, apperr.Conflict(op, "milestone %d changed concurrently", idx)
	}

	s.logger.Info("Milestone proof submitted",
		zap.String("bounty_id", bountyID.String()),
		zap.Int("milestone", idx),
		zap.String("document_hash", hash.Hex()))
	s.publisher.Publish(events.Event{
		Type:  events.TypeMilestoneSubmitted,
		Topic: bountyID.String(),
		Data:  map[string]any{"milestone": idx, "document_hash": hash.Hex()},
	})
	return s.bounty(ctx, op, bountyID)
}

// submittedAlready reports whether m already carries hash as submitted
// proof, and rejects any other non-pending state.
func submittedAlready(op string, m *Milestone, hash common.Hash) (bool, error) {
	switch m.Status {
	case MilestoneStatusPending:
		return false, nil
	case MilestoneStatusSubmitted:
		if m.ProofHash != nil && *m.ProofHash == hash {
			return true, nil
		}
		return false, apperr.Conflict(op, "milestone %d already has different proof submitted", m.Idx)
	default:
		return false, apperr.Conflict(op, "milestone %d is already %s", m.Idx, m.Status)
	}
}

func (s *escrowService) VerifyMilestone(ctx context.Context, bountyID uuid.UUID, idx int, caller common.Address) (*VerifyResult, error) {
	const op = "escrow.VerifyMilestone"
	b, err := s.bounty(ctx, op, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Creator != caller {
		return nil, apperr.Authorization(op, "only the bounty creator can verify milestones")
	}
	m := b.Milestone(idx)
	if m == nil {
		return nil, apperr.NotFound(op, "bounty %s has no milestone %d", bountyID, idx)
	}
	if !s.milestones.CanTransition(string(m.Status), string(MilestoneStatusVerified)) {
		return nil, apperr.Conflict(op, "milestone %d is %s, not submitted", idx, m.Status)
	}
	if b.AssignedProvider == nil || m.ProofHash == nil {
		return nil, apperr.Conflict(op, "milestone %d has no provider or proof", idx)
	}

	held := b.RaisedAmount.Sub(b.ReleasedAmount)
	if held.LessThan(m.Amount) {
		return nil, apperr.Conflict(op, "bounty holds %s in escrow, milestone %d needs %s", held, idx, m.Amount)
	}
	balance, err := s.custody.EscrowBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	if balance.Cmp(m.Amount.BigInt()) < 0 {
		return nil, apperr.Conflict(op, "escrow balance %s is below milestone amount %s", balance, m.Amount)
	}

	if _, err := s.docs.VerifyDocument(ctx, *m.ProofHash, caller); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payout := &Payout{
		BountyID:     bountyID,
		MilestoneIdx: idx,
		Provider:     *b.AssignedProvider,
		Amount:       m.Amount,
		Status:       PayoutStatusPending,
	}
	applied, err := s.repo.VerifyMilestone(ctx, bountyID, idx, now, payout)
	if errors.Is(err, ErrPayoutExists) {
		return nil, apperr.Conflict(op, "milestone %d already has a payout", idx)
	}
	if errors.Is(err, ErrInsufficientHeld) {
		return nil, apperr.Conflict(op, "bounty no longer holds %s for milestone %d", m.Amount, idx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify milestone: %w", err)
	}
	if !applied {
		return nil, apperr.Conflict(op, "milestone %d was verified concurrently", idx)
	}

	s.logger.Info("Milestone verified",
		zap.String("bounty_id", bountyID.String()),
		zap.Int("milestone", idx))
	s.publisher.Publish(events.Event{
		Type:  events.TypeMilestoneVerified,
		Topic: bountyID.String(),
		Data:  map[string]any{"milestone": idx},
	})

	completed, err := s.repo.CompleteIfAllVerified(ctx, bountyID)
	if err != nil {
		s.logger.Error("Failed to complete bounty", zap.String("bounty_id", bountyID.String()), zap.Error(err))
	}
	if completed {
		s.logger.Info("Bounty completed", zap.String("bounty_id", bountyID.String()))
		s.publisher.Publish(events.Event{Type: events.TypeBountyCompleted, Topic: bountyID.String()})
	}

	paid, receipt, releaseErr := s.submitPayout(ctx, payout)
	result := &VerifyResult{Payout: paid, Receipt: receipt}
	result.Bounty, err = s.bounty(ctx, op, bountyID)
	if err != nil {
		return nil, err
	}
	return result, releaseErr
}

// submitPayout claims the next attempt of a pending payout and releases its
// amount. The payout is marked in flight from the claim until the outcome is
// recorded, and stays pending with the tx hash when the outcome is unknown.
func (s *escrowService) submitPayout(ctx context.Context, p *Payout) (*Payout, *ledger.Receipt, error) {
	const op = "escrow.submitPayout"
	claimed, err := s.repo.ClaimPayoutAttempt(ctx, p.ID, p.Attempts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim payout attempt: %w", err)
	}
	if !claimed {
		return nil, nil, apperr.Conflict(op, "payout for milestone %d is already being submitted", p.MilestoneIdx)
	}

	receipt, releaseErr := s.custody.Release(ctx, p.Provider, p.Amount.BigInt())
	// a cancelled caller must not leave the attempt marked in flight
	if err := s.repo.RecordPayoutAttempt(context.WithoutCancel(ctx), p.ID, txHashOf(receipt), receiptJSON(receipt), errString(releaseErr)); err != nil {
		return nil, receipt, fmt.Errorf("failed to record payout attempt: %w", err)
	}

	fields := []zap.Field{
		zap.String("bounty_id", p.BountyID.String()),
		zap.Int("milestone", p.MilestoneIdx),
		zap.String("provider", p.Provider.Hex()),
		zap.String("amount", p.Amount.String()),
	}
	if releaseErr != nil {
		s.logger.Warn("Payout not confirmed", append(fields, zap.Error(releaseErr))...)
		ev := events.Event{Type: events.TypePayoutPending, Topic: p.BountyID.String(), Data: map[string]any{"milestone": p.MilestoneIdx}}
		if receipt != nil {
			ev.TxHash, ev.Status = receipt.TxHash.Hex(), string(receipt.Status)
		}
		s.publisher.Publish(ev)
	} else {
		if _, err := s.repo.SetPayoutStatus(ctx, p.ID, PayoutStatusConfirmed, receiptJSON(receipt), ""); err != nil {
			return nil, receipt, fmt.Errorf("failed to confirm payout: %w", err)
		}
		s.logger.Info("Payout confirmed", append(fields, zap.String("tx_hash", receipt.TxHash.Hex()))...)
		s.publisher.Publish(events.Event{
			Type:   events.TypePayoutConfirmed,
			Topic:  p.BountyID.String(),
			TxHash: receipt.TxHash.Hex(),
			Status: string(receipt.Status),
			Data:   map[string]any{"milestone": p.MilestoneIdx, "amount": p.Amount.String()},
		})
	}

	stored, err := s.repo.GetPayout(ctx, p.BountyID, p.MilestoneIdx)
	if err != nil {
		return nil, receipt, fmt.Errorf("failed to load payout: %w", err)
	}
	return stored, receipt, releaseErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *escrowService) RetryPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error) {
	const op = "escrow.RetryPayout"
	p, err := s.GetPayout(ctx, bountyID, idx)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case PayoutStatusConfirmed:
		return p, nil
	case PayoutStatusFailed:
		return nil, apperr.Conflict(op, "payout for milestone %d failed after %d attempts", idx, p.Attempts)
	}
	if p.InFlight {
		return p, apperr.Transport(op, fmt.Errorf("payout for milestone %d has attempt %d in flight; not resubmitting", idx, p.Attempts))
	}

	if p.TxHash != nil {
		receipt, err := s.custody.Status(ctx, *p.TxHash)
		if err != nil {
			return nil, fmt.Errorf("failed to look up payout tx: %w", err)
		}
		switch receipt.Status {
		case ledger.StatusConfirmed:
			if _, err := s.repo.SetPayoutStatus(ctx, p.ID, PayoutStatusConfirmed, receiptJSON(receipt), ""); err != nil {
				return nil, fmt.Errorf("failed to confirm payout: %w", err)
			}
			s.logger.Info("Payout reconciled as confirmed",
				zap.String("bounty_id", bountyID.String()),
				zap.Int("milestone", idx),
				zap.String("tx_hash", receipt.TxHash.Hex()))
			s.publisher.Publish(events.Event{
				Type:   events.TypePayoutConfirmed,
				Topic:  bountyID.String(),
				TxHash: receipt.TxHash.Hex(),
				Status: string(receipt.Status),
				Data:   map[string]any{"milestone": idx, "amount": p.Amount.String()},
			})
			return s.GetPayout(ctx, bountyID, idx)
		case ledger.StatusFailed:
			// reverted on the ledger; safe to submit again
		default:
			return p, apperr.Transport(op, fmt.Errorf("payout tx %s is %s; not resubmitting", p.TxHash.Hex(), receipt.Status))
		}
	}

	if p.Attempts >= MaxPayoutAttempts {
		if _, err := s.repo.SetPayoutStatus(ctx, p.ID, PayoutStatusFailed, p.Receipt, "submission attempts exhausted"); err != nil {
			return nil, fmt.Errorf("failed to fail payout: %w", err)
		}
		return nil, apperr.Conflict(op, "payout for milestone %d exhausted %d attempts", idx, p.Attempts)
	}

	paid, _, err := s.submitPayout(ctx, p)
	return paid, err
}

func (s *escrowService) GetBounty(ctx context.Context, id uuid.UUID) (*Bounty, error) {
	return s.bounty(ctx, "escrow.GetBounty", id)
}

func (s *escrowService) ListBounties(ctx context.Context, filter BountyFilter) ([]Bounty, error) {
	if filter.Status != "" {
		switch filter.Status {
		case BountyStatusOpen, BountyStatusInProgress, BountyStatusCompleted:
		default:
			return nil, apperr.Validation("escrow.ListBounties", "unknown status %q", filter.Status)
		}
	}
	return s.repo.ListBounties(ctx, filter)
}

func (s *escrowService) GetContribution(ctx context.Context, id uuid.UUID) (*Contribution, error) {
	c, err := s.repo.GetContribution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	if c == nil {
		return nil, apperr.NotFound("escrow.GetContribution", "contribution %s not found", id)
	}
	return c, nil
}

func (s *escrowService) ListContributions(ctx context.Context, bountyID uuid.UUID) ([]Contribution, error) {
	if _, err := s.bounty(ctx, "escrow.ListContributions", bountyID); err != nil {
		return nil, err
	}
	return s.repo.ListContributions(ctx, bountyID)
}

func (s *escrowService) GetPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*Payout, error) {
	p, err := s.repo.GetPayout(ctx, bountyID, idx)
	if err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	if p == nil {
		return nil, apperr.NotFound("escrow.GetPayout", "no payout for bounty %s milestone %d", bountyID, idx)
	}
	return p, nil
}

func (s *escrowService) PendingPayouts(ctx context.Context, limit int) ([]Payout, error) {
	return s.repo.ListPayoutsByStatus(ctx, PayoutStatusPending, limit)
}

func (s *escrowService) TransferringContributions(ctx context.Context, limit int) ([]Contribution, error) {
	return s.repo.ListContributionsByStatus(ctx, ContributionStatusTransferring, limit)
}
