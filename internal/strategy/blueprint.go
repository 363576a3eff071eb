// Package strategy holds the per-strategy state machines and the option
// combination blueprints they trade.
package strategy

import (
	"fmt"
	"math"

	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Plan is a fully-specified entry: the leg set for one unit, the margin
// estimate per unit, and whether the combination is short volatility.
type Plan struct {
	Legs          []types.Leg
	MarginPerUnit decimal.Decimal
	ShortVol      bool
}

// Blueprint builds an entry plan from an option chain. Implementations pick
// strikes by delta; they do not size or risk-check the trade.
type Blueprint interface {
	Type() string
	Build(chain *types.OptionChain, cfg types.StrategyConfig) (Plan, error)
}

// NewBlueprint returns the blueprint for a configured strategy type.
func NewBlueprint(strategyType string) (Blueprint, error) {
	switch strategyType {
	case "iron_condor":
		return IronCondor{}, nil
	case "put_spread":
		return PutSpread{}, nil
	case "strangle":
		return Strangle{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q", strategyType)
	}
}

// entryByDelta returns the chain entry of the given type whose delta is
// closest to target. Put targets are negative.
func entryByDelta(chain *types.OptionChain, optType types.OptionType, target float64) (types.ChainEntry, error) {
	var best types.ChainEntry
	bestDist := math.Inf(1)
	for _, e := range chain.Entries {
		if e.OptionType != optType {
			continue
		}
		if d := math.Abs(e.Delta - target); d < bestDist {
			bestDist = d
			best = e
		}
	}
	if math.IsInf(bestDist, 1) {
		return types.ChainEntry{}, fmt.Errorf("no %s entries in %s chain", optType, chain.Underlying)
	}
	return best, nil
}

// entryByStrike returns the chain entry of the given type nearest a strike.
func entryByStrike(chain *types.OptionChain, optType types.OptionType, strike decimal.Decimal) (types.ChainEntry, error) {
	var best types.ChainEntry
	bestDist := math.Inf(1)
	target, _ := strike.Float64()
	for _, e := range chain.Entries {
		if e.OptionType != optType {
			continue
		}
		s, _ := e.Strike.Float64()
		if d := math.Abs(s - target); d < bestDist {
			bestDist = d
			best = e
		}
	}
	if math.IsInf(bestDist, 1) {
		return types.ChainEntry{}, fmt.Errorf("no %s entries in %s chain", optType, chain.Underlying)
	}
	return best, nil
}

func legFromEntry(chain *types.OptionChain, e types.ChainEntry, side types.Side) types.Leg {
	return types.Leg{
		Symbol:     e.Symbol,
		Underlying: chain.Underlying,
		OptionType: e.OptionType,
		Side:       side,
		Quantity:   1,
		Strike:     e.Strike,
		Expiration: e.Expiration,
	}
}

// definedRiskMargin is the worst case for a spread: width minus the credit,
// estimated conservatively as the full width since credit is not known until
// the order prices.
func definedRiskMargin(width float64) decimal.Decimal {
	return decimal.NewFromFloat(width).Mul(decimal.NewFromInt(100))
}

// IronCondor sells an out-of-the-money put spread and call spread at the
// configured short delta, wings WingWidth strikes out.
type IronCondor struct{}

func (IronCondor) Type() string { return "iron_condor" }

func (IronCondor) Build(chain *types.OptionChain, cfg types.StrategyConfig) (Plan, error) {
	width := decimal.NewFromFloat(cfg.WingWidth)

	shortPut, err := entryByDelta(chain, types.OptionPut, -cfg.TargetDelta)
	if err != nil {
		return Plan{}, err
	}
	longPut, err := entryByStrike(chain, types.OptionPut, shortPut.Strike.Sub(width))
	if err != nil {
		return Plan{}, err
	}
	shortCall, err := entryByDelta(chain, types.OptionCall, cfg.TargetDelta)
	if err != nil {
		return Plan{}, err
	}
	longCall, err := entryByStrike(chain, types.OptionCall, shortCall.Strike.Add(width))
	if err != nil {
		return Plan{}, err
	}
	if longPut.Symbol == shortPut.Symbol || longCall.Symbol == shortCall.Symbol {
		return Plan{}, fmt.Errorf("chain too coarse for %s wings on %s", width, chain.Underlying)
	}

	return Plan{
		Legs: []types.Leg{
			legFromEntry(chain, shortPut, types.SideSell),
			legFromEntry(chain, longPut, types.SideBuy),
			legFromEntry(chain, shortCall, types.SideSell),
			legFromEntry(chain, longCall, types.SideBuy),
		},
		MarginPerUnit: definedRiskMargin(cfg.WingWidth),
		ShortVol:      true,
	}, nil
}

// PutSpread sells a put at the target delta and buys the wing below it.
type PutSpread struct{}

func (PutSpread) Type() string { return "put_spread" }

func (PutSpread) Build(chain *types.OptionChain, cfg types.StrategyConfig) (Plan, error) {
	width := decimal.NewFromFloat(cfg.WingWidth)

	shortPut, err := entryByDelta(chain, types.OptionPut, -cfg.TargetDelta)
	if err != nil {
		return Plan{}, err
	}
	longPut, err := entryByStrike(chain, types.OptionPut, shortPut.Strike.Sub(width))
	if err != nil {
		return Plan{}, err
	}
	if longPut.Symbol == shortPut.Symbol {
		return Plan{}, fmt.Errorf("chain too coarse for %s wing on %s", width, chain.Underlying)
	}

	return Plan{
		Legs: []types.Leg{
			legFromEntry(chain, shortPut, types.SideSell),
			legFromEntry(chain, longPut, types.SideBuy),
		},
		MarginPerUnit: definedRiskMargin(cfg.WingWidth),
		ShortVol:      true,
	}, nil
}

// Strangle sells an out-of-the-money put and call at the target delta with
// no protective wings. Margin is estimated from the underlying price since
// the risk is undefined.
type Strangle struct{}

func (Strangle) Type() string { return "strangle" }

// strangleMarginFraction approximates broker margin for a one-lot naked
// strangle as a fraction of the underlying notional.
const strangleMarginFraction = 0.20

func (Strangle) Build(chain *types.OptionChain, cfg types.StrategyConfig) (Plan, error) {
	shortPut, err := entryByDelta(chain, types.OptionPut, -cfg.TargetDelta)
	if err != nil {
		return Plan{}, err
	}
	shortCall, err := entryByDelta(chain, types.OptionCall, cfg.TargetDelta)
	if err != nil {
		return Plan{}, err
	}

	// ATM strike stands in for spot when estimating notional.
	atm, err := entryByDelta(chain, types.OptionCall, 0.50)
	if err != nil {
		return Plan{}, err
	}
	margin := atm.Strike.
		Mul(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(strangleMarginFraction)).
		Round(2)

	return Plan{
		Legs: []types.Leg{
			legFromEntry(chain, shortPut, types.SideSell),
			legFromEntry(chain, shortCall, types.SideSell),
		},
		MarginPerUnit: margin,
		ShortVol:      true,
	}, nil
}
