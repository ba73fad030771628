package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
)

// Metrics holds the ledger call collectors.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bounty_portal",
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger calls by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bounty_portal",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Ledger call round-trip time, including confirmation for mutating calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.latency)
	}
	return m
}

func (m *Metrics) observe(method string, start time.Time, err error) {
	m.latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	m.calls.WithLabelValues(method, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, apperr.ErrTransport):
		return "transport_error"
	default:
		return "error"
	}
}

type instrumented struct {
	next    TokenLedger
	metrics *Metrics
}

// Instrumented wraps next so every call is counted and timed.
func Instrumented(next TokenLedger, m *Metrics) TokenLedger {
	return &instrumented{next: next, metrics: m}
}

func (i *instrumented) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	start := time.Now()
	v, err := i.next.BalanceOf(ctx, account)
	i.metrics.observe("balanceOf", start, err)
	return v, err
}

func (i *instrumented) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	start := time.Now()
	v, err := i.next.Allowance(ctx, owner, spender)
	i.metrics.observe("allowance", start, err)
	return v, err
}

func (i *instrumented) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (*Receipt, error) {
	start := time.Now()
	r, err := i.next.Approve(ctx, owner, spender, amount)
	i.metrics.observe("approve", start, err)
	return r, err
}

func (i *instrumented) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (*Receipt, error) {
	start := time.Now()
	r, err := i.next.TransferFrom(ctx, spender, from, to, amount)
	i.metrics.observe("transferFrom", start, err)
	return r, err
}

func (i *instrumented) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (*Receipt, error) {
	start := time.Now()
	r, err := i.next.Transfer(ctx, from, to, amount)
	i.metrics.observe("transfer", start, err)
	return r, err
}

func (i *instrumented) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	start := time.Now()
	r, err := i.next.Receipt(ctx, txHash)
	i.metrics.observe("receipt", start, err)
	return r, err
}
