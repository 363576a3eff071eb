// Package sizing computes position unit counts from account equity, the
// regime buying-power ceiling and per-strategy risk limits, with an optional
// fractional-Kelly adjustment driven by realized trade statistics.
package sizing

import (
	"fmt"
	"math"
	"sync"

	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EdgeStats summarizes recent closed trades for one strategy.
type EdgeStats struct {
	Trades  int     `json:"trades"`
	WinRate float64 `json:"winRate"`
	AvgWin  float64 `json:"avgWin"`  // mean winning P&L, positive
	AvgLoss float64 `json:"avgLoss"` // mean losing P&L magnitude, positive
}

// Kelly returns the full-Kelly fraction f* = p - q/b where b is the
// win/loss payoff ratio. Returns 0 when the edge is non-positive or the
// ratio is undefined.
func (s EdgeStats) Kelly() float64 {
	if s.AvgLoss <= 0 || s.AvgWin <= 0 {
		return 0
	}
	b := s.AvgWin / s.AvgLoss
	f := s.WinRate - (1-s.WinRate)/b
	if f < 0 {
		return 0
	}
	return f
}

// Sizer computes unit counts. It keeps a bounded window of closed-trade
// outcomes per strategy; until a strategy has MinTradesForEdge outcomes its
// size falls back to the flat risk-capital bound.
type Sizer struct {
	logger *zap.Logger
	cfg    types.SizingConfig

	mu       sync.RWMutex
	outcomes map[string][]types.TradeOutcome // strategy ID -> recent closes
}

// NewSizer creates a sizer with the given configuration.
func NewSizer(logger *zap.Logger, cfg types.SizingConfig) *Sizer {
	return &Sizer{
		logger:   logger.Named("sizing"),
		cfg:      cfg,
		outcomes: make(map[string][]types.TradeOutcome),
	}
}

// Record appends a closed-trade outcome, trimming to the lookback window.
func (s *Sizer) Record(outcome types.TradeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append(s.outcomes[outcome.StrategyID], outcome)
	if s.cfg.LookbackTrades > 0 && len(window) > s.cfg.LookbackTrades {
		window = window[len(window)-s.cfg.LookbackTrades:]
	}
	s.outcomes[outcome.StrategyID] = window
}

// Stats returns the edge statistics for one strategy.
func (s *Sizer) Stats(strategyID string) EdgeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.outcomes[strategyID]
	stats := EdgeStats{Trades: len(window)}
	if len(window) == 0 {
		return stats
	}
	var wins, winSum, lossSum float64
	var losses int
	for _, o := range window {
		pnl, _ := o.PnL.Float64()
		if o.IsWin {
			wins++
			winSum += pnl
		} else {
			losses++
			lossSum += -pnl
		}
	}
	stats.WinRate = wins / float64(len(window))
	if wins > 0 {
		stats.AvgWin = winSum / wins
	}
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	return stats
}

// Size returns the unit count for a prospective entry. The implied risk
// capital never exceeds equity times the smaller of the regime ceiling and
// the strategy's own allocation fraction. A result of 0 means "do not
// enter"; it is not an error. A non-positive margin estimate fails with
// ErrInvalidMarginEstimate.
func (s *Sizer) Size(strategyID string, equity decimal.Decimal, regimeCeiling, strategyMaxAllocation float64, marginPerUnit decimal.Decimal) (int, error) {
	if marginPerUnit.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: margin per unit %s", types.ErrInvalidMarginEstimate, marginPerUnit)
	}

	fraction := math.Min(regimeCeiling, strategyMaxAllocation)
	if fraction <= 0 || equity.LessThanOrEqual(decimal.Zero) {
		return 0, nil
	}
	maxRiskCapital := equity.Mul(decimal.NewFromFloat(fraction))

	riskCapital := maxRiskCapital
	stats := s.Stats(strategyID)
	if stats.Trades >= s.cfg.MinTradesForEdge {
		// Fractional Kelly, never exceeding the flat bound.
		kelly := stats.Kelly() * s.cfg.KellyFraction
		if kelly <= 0 {
			s.logger.Debug("No positive edge; sizing declines entry",
				zap.String("strategy", strategyID),
				zap.Float64("winRate", stats.WinRate))
			return 0, nil
		}
		kellyCapital := equity.Mul(decimal.NewFromFloat(kelly))
		if kellyCapital.LessThan(riskCapital) {
			riskCapital = kellyCapital
		}
	}

	// The Kelly multiplier arrives through float64, so the quotient can sit
	// a hair below a whole unit. Round that noise off before truncating.
	units := int(riskCapital.Div(marginPerUnit).Round(9).IntPart())
	if units > s.cfg.MaxUnits {
		units = s.cfg.MaxUnits
	}
	if units < s.cfg.MinUnits {
		return 0, nil
	}
	s.logger.Debug("Sized entry",
		zap.String("strategy", strategyID),
		zap.Int("units", units),
		zap.String("riskCapital", riskCapital.StringFixed(2)),
		zap.String("marginPerUnit", marginPerUnit.StringFixed(2)))
	return units, nil
}
