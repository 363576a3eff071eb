// Package greeks provides Black-Scholes option pricing and portfolio-level
// Greeks aggregation.
package greeks

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// ContractMultiplier is the share equivalent of one option contract.
const ContractMultiplier = 100

// yearHours converts expiry distance to Black-Scholes time.
const yearHours = 24 * 365.0

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func d1d2(spot, strike, vol, rate, t float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*t) / (vol * math.Sqrt(t))
	return d1, d1 - vol*math.Sqrt(t)
}

// Price returns the Black-Scholes value of one option on one share.
func Price(optType types.OptionType, spot, strike, vol, rate, t float64) float64 {
	if t <= 0 {
		// Expired: intrinsic value only.
		if optType == types.OptionCall {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}
	d1, d2 := d1d2(spot, strike, vol, rate, t)
	if optType == types.OptionCall {
		return spot*normCDF(d1) - strike*math.Exp(-rate*t)*normCDF(d2)
	}
	return strike*math.Exp(-rate*t)*normCDF(-d2) - spot*normCDF(-d1)
}

// Delta returns the option delta per share.
func Delta(optType types.OptionType, spot, strike, vol, rate, t float64) float64 {
	if t <= 0 {
		switch {
		case optType == types.OptionCall && spot > strike:
			return 1
		case optType == types.OptionPut && spot < strike:
			return -1
		default:
			return 0
		}
	}
	d1, _ := d1d2(spot, strike, vol, rate, t)
	if optType == types.OptionCall {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// Gamma is identical for calls and puts.
func Gamma(spot, strike, vol, rate, t float64) float64 {
	if t <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, vol, rate, t)
	return normPDF(d1) / (spot * vol * math.Sqrt(t))
}

// Theta returns the per-day time decay.
func Theta(optType types.OptionType, spot, strike, vol, rate, t float64) float64 {
	if t <= 0 {
		return 0
	}
	d1, d2 := d1d2(spot, strike, vol, rate, t)
	common := -spot * normPDF(d1) * vol / (2 * math.Sqrt(t))
	var annual float64
	if optType == types.OptionCall {
		annual = common - rate*strike*math.Exp(-rate*t)*normCDF(d2)
	} else {
		annual = common + rate*strike*math.Exp(-rate*t)*normCDF(-d2)
	}
	return annual / 365.0
}

// Vega returns the sensitivity to a one-point (1.00) change in volatility.
func Vega(spot, strike, vol, rate, t float64) float64 {
	if t <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, vol, rate, t)
	return spot * normPDF(d1) * math.Sqrt(t)
}

// LegGreeks holds per-leg Greeks scaled by signed quantity and the contract
// multiplier.
type LegGreeks struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// ForLeg prices a single leg at the given spot and volatility, signed by side.
func ForLeg(leg types.Leg, spot, vol, rate float64, now time.Time) (LegGreeks, error) {
	if spot <= 0 {
		return LegGreeks{}, fmt.Errorf("non-positive spot %.4f for %s", spot, leg.Underlying)
	}
	if vol <= 0 {
		return LegGreeks{}, fmt.Errorf("non-positive volatility %.4f for %s", vol, leg.Symbol)
	}
	strike, _ := leg.Strike.Float64()
	t := leg.Expiration.Sub(now).Hours() / yearHours
	qty := float64(leg.SignedQuantity()) * ContractMultiplier

	return LegGreeks{
		Price: Price(leg.OptionType, spot, strike, vol, rate, t) * qty,
		Delta: Delta(leg.OptionType, spot, strike, vol, rate, t) * qty,
		Gamma: Gamma(spot, strike, vol, rate, t) * qty,
		Theta: Theta(leg.OptionType, spot, strike, vol, rate, t) * qty,
		Vega:  Vega(spot, strike, vol, rate, t) * qty,
	}, nil
}

// MarketView supplies the inputs the aggregation needs per underlying.
type MarketView struct {
	Spot map[string]float64 // underlying -> spot price
	Vol  map[string]float64 // underlying -> implied volatility (annualized)
}

// Engine aggregates portfolio Greeks across fully-established positions.
// Recomputed on a fixed cadence and on every position-count change; the
// snapshot carries a computation timestamp and is handed out by value.
type Engine struct {
	logger *zap.Logger
	rate   float64

	mu      sync.RWMutex
	current types.GreeksSnapshot
}

// NewEngine creates a Greeks engine with the given risk-free rate.
func NewEngine(logger *zap.Logger, riskFreeRate float64) *Engine {
	return &Engine{
		logger: logger.Named("greeks"),
		rate:   riskFreeRate,
	}
}

// Recompute aggregates Greeks over the given positions. Positions whose
// underlying is missing from the view are skipped with a warning rather than
// silently priced at a default.
func (e *Engine) Recompute(positions []*types.Position, view MarketView, now time.Time) types.GreeksSnapshot {
	snap := types.GreeksSnapshot{ComputedAt: now}

	for _, pos := range positions {
		spot, okSpot := view.Spot[pos.Underlying]
		vol, okVol := view.Vol[pos.Underlying]
		if !okSpot || !okVol {
			e.logger.Warn("Skipping position in Greeks aggregation: no market view",
				zap.String("position", pos.ID),
				zap.String("underlying", pos.Underlying))
			continue
		}
		for _, leg := range pos.Legs {
			lg, err := ForLeg(leg, spot, vol, e.rate, now)
			if err != nil {
				e.logger.Warn("Leg pricing failed",
					zap.String("position", pos.ID),
					zap.String("leg", leg.Symbol),
					zap.Error(err))
				continue
			}
			snap.Delta += lg.Delta
			snap.Gamma += lg.Gamma
			snap.Theta += lg.Theta
			snap.Vega += lg.Vega
		}
		snap.Positions++
	}

	e.mu.Lock()
	e.current = snap
	e.mu.Unlock()

	return snap
}

// Current returns the latest snapshot by value.
func (e *Engine) Current() types.GreeksSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}
