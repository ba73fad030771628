// Package reconcile periodically resolves payouts and deposits whose ledger
// outcome was not known when they were submitted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/escrow"
)

// Escrow is the part of escrow.Service the reconciler drives.
type Escrow interface {
	PendingPayouts(ctx context.Context, limit int) ([]escrow.Payout, error)
	RetryPayout(ctx context.Context, bountyID uuid.UUID, idx int) (*escrow.Payout, error)
	TransferringContributions(ctx context.Context, limit int) ([]escrow.Contribution, error)
	ReconcileContribution(ctx context.Context, id uuid.UUID) (*escrow.Contribution, error)
}

// Config controls how often and how much the reconciler works.
type Config struct {
	Schedule  string
	BatchSize int
}

// Summary counts the outcomes of one pass.
type Summary struct {
	PayoutsConfirmed        int
	PayoutsFailed           int
	PayoutsUnresolved       int
	ContributionsSettled    int
	ContributionsFailed     int
	ContributionsUnresolved int
	Errors                  int
}

// Reconciler runs Pass on a cron schedule.
type Reconciler struct {
	cron    *cron.Cron
	escrow  Escrow
	config  Config
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

// New creates a reconciler. Overlapping passes are skipped.
func New(e Escrow, config Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	return &Reconciler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		escrow: e,
		config: config,
		logger: logger,
	}
}

// Start schedules the pass and starts the cron loop. ctx bounds every pass.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reconciler already running")
	}
	if _, err := r.cron.AddFunc(r.config.Schedule, func() { r.Pass(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.config.Schedule, err)
	}
	r.cron.Start()
	r.running = true
	r.logger.Info("Reconciler started",
		zap.String("schedule", r.config.Schedule),
		zap.Int("batch_size", r.config.BatchSize))
	return nil
}

// Stop waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("Reconciler stopped")
}

// Pass resolves one batch of pending payouts and one batch of in-flight
// deposits. Transactions the ledger cannot account for are left as they are.
func (r *Reconciler) Pass(ctx context.Context) Summary {
	var s Summary

	payouts, err := r.escrow.PendingPayouts(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list pending payouts", zap.Error(err))
		s.Errors++
	}
	for _, p := range payouts {
		if ctx.Err() != nil {
			return s
		}
		r.payout(ctx, p, &s)
	}

	contributions, err := r.escrow.TransferringContributions(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list in-flight contributions", zap.Error(err))
		s.Errors++
	}
	for _, c := range contributions {
		if ctx.Err() != nil {
			return s
		}
		r.contribution(ctx, c, &s)
	}

	if len(payouts)+len(contributions) > 0 || s.Errors > 0 {
		r.logger.Info("Reconcile pass finished",
			zap.Int("payouts_confirmed", s.PayoutsConfirmed),
			zap.Int("payouts_failed", s.PayoutsFailed),
			zap.Int("payouts_unresolved", s.PayoutsUnresolved),
			zap.Int("contributions_settled", s.ContributionsSettled),
			zap.Int("contributions_failed", s.ContributionsFailed),
			zap.Int("contributions_unresolved", s.ContributionsUnresolved),
			zap.Int("errors", s.Errors))
	}
	return s
}

func (r *Reconciler) payout(ctx context.Context, p escrow.Payout, s *Summary) {
	fields := []zap.Field{
		zap.String("bounty_id", p.BountyID.String()),
		zap.Int("milestone", p.MilestoneIdx),
		zap.Int("attempts", p.Attempts),
	}
	got, err := r.escrow.RetryPayout(ctx, p.BountyID, p.MilestoneIdx)
	switch {
	case err == nil && got != nil && got.Status == escrow.PayoutStatusConfirmed:
		s.PayoutsConfirmed++
	case err == nil:
		s.PayoutsUnresolved++
	case errors.Is(err, apperr.ErrStateConflict):
		r.logger.Warn("Payout given up", append(fields, zap.Error(err))...)
		s.PayoutsFailed++
	case errors.Is(err, apperr.ErrTransport):
		r.logger.Warn("Payout still unresolved", append(fields, zap.Error(err))...)
		s.PayoutsUnresolved++
	default:
		r.logger.Error("Payout retry failed", append(fields, zap.Error(err))...)
		s.Errors++
	}
}

func (r *Reconciler) contribution(ctx context.Context, c escrow.Contribution, s *Summary) {
	got, err := r.escrow.ReconcileContribution(ctx, c.ID)
	if err != nil {
		r.logger.Error("Contribution reconcile failed",
			zap.String("contribution_id", c.ID.String()),
			zap.Error(err))
		s.Errors++
		return
	}
	switch got.Status {
	case escrow.ContributionStatusConfirmed:
		s.ContributionsSettled++
	case escrow.ContributionStatusFailed:
		s.ContributionsFailed++
	default:
		s.ContributionsUnresolved++
	}
}
