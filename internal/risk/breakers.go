package risk

import (
	"sync"
	"time"

	"github.com/helios-desk/options-engine/internal/metrics"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type equitySample struct {
	at     time.Time
	equity decimal.Decimal
}

// BreakerState is the reporting view of the circuit breakers.
type BreakerState struct {
	Tripped     bool      `json:"tripped"`
	Reason      string    `json:"reason,omitempty"`
	TrippedAt   time.Time `json:"trippedAt,omitempty"`
	ClearsAt    time.Time `json:"clearsAt,omitempty"`
	LossStreak  int       `json:"lossStreak"`
	MarginUsage float64   `json:"marginUsage"`
}

// Breakers watches the account for rapid drawdown, excessive margin usage
// and loss streaks. A trip suspends every new entry system-wide for the
// cooldown window; exits are never consulted against breakers.
type Breakers struct {
	logger *zap.Logger
	cfg    types.BreakerConfig

	mu          sync.RWMutex
	samples     []equitySample
	lossStreak  int
	marginUsage float64
	tripped     bool
	reason      string
	trippedAt   time.Time
}

// NewBreakers creates the breaker set.
func NewBreakers(logger *zap.Logger, cfg types.BreakerConfig) *Breakers {
	return &Breakers{
		logger: logger.Named("breakers"),
		cfg:    cfg,
	}
}

// RecordOutcome feeds a closed-position result into the consecutive-loss
// breaker. Wins reset the streak.
func (b *Breakers) RecordOutcome(outcome types.TradeOutcome, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome.IsWin {
		b.lossStreak = 0
		return
	}
	b.lossStreak++
	if b.lossStreak >= b.cfg.ConsecutiveLosses {
		b.tripLocked("consecutive losses", now)
	}
}

// Observe folds an account snapshot into the drawdown and margin breakers.
// Called once per tick before any entry is considered.
func (b *Breakers) Observe(account types.AccountSnapshot, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, equitySample{at: now, equity: account.Equity})
	cutoff := now.Add(-b.cfg.DrawdownWindow)
	for len(b.samples) > 0 && b.samples[0].at.Before(cutoff) {
		b.samples = b.samples[1:]
	}

	peak := account.Equity
	for _, s := range b.samples {
		if s.equity.GreaterThan(peak) {
			peak = s.equity
		}
	}
	if peak.IsPositive() {
		drawdown, _ := peak.Sub(account.Equity).Div(peak).Float64()
		if drawdown >= b.cfg.DrawdownFraction {
			b.tripLocked("rapid drawdown", now)
		}
	}

	b.marginUsage = 0
	if account.Equity.IsPositive() {
		b.marginUsage, _ = account.UsedMargin.Div(account.Equity).Float64()
	}
	if b.marginUsage >= b.cfg.MarginUsageMax {
		b.tripLocked("margin usage", now)
	}
}

func (b *Breakers) tripLocked(reason string, now time.Time) {
	if b.tripped {
		// Refresh the cooldown on a repeat trip.
		b.trippedAt = now
		return
	}
	b.tripped = true
	b.reason = reason
	b.trippedAt = now
	metrics.BreakerTrips.WithLabelValues(reason).Inc()
	b.logger.Warn("Circuit breaker tripped; suspending new entries",
		zap.String("reason", reason),
		zap.Duration("cooldown", b.cfg.Cooldown))
}

// EntriesSuspended reports whether entries are blocked right now. The trip
// auto-clears after the cooldown window.
func (b *Breakers) EntriesSuspended(now time.Time) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return false, ""
	}
	if now.Sub(b.trippedAt) >= b.cfg.Cooldown {
		b.logger.Info("Circuit breaker cooldown elapsed; entries resume",
			zap.String("reason", b.reason))
		b.tripped = false
		b.reason = ""
		return false, ""
	}
	return true, b.reason
}

// State returns an immutable snapshot for reporting.
func (b *Breakers) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := BreakerState{
		Tripped:     b.tripped,
		Reason:      b.reason,
		LossStreak:  b.lossStreak,
		MarginUsage: b.marginUsage,
	}
	if b.tripped {
		s.TrippedAt = b.trippedAt
		s.ClearsAt = b.trippedAt.Add(b.cfg.Cooldown)
	}
	return s
}
