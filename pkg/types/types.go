// Package types provides the shared domain types for the options engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Side is the direction of an order leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the flattening side for a filled leg.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Regime is an ordered volatility classification. Higher values mean a more
// volatile market and a tighter buying-power ceiling.
type Regime int

const (
	RegimeVeryLow Regime = iota
	RegimeLow
	RegimeNormal
	RegimeElevated
	RegimeExtreme
)

var regimeNames = map[Regime]string{
	RegimeVeryLow:  "very_low",
	RegimeLow:      "low",
	RegimeNormal:   "normal",
	RegimeElevated: "elevated",
	RegimeExtreme:  "extreme",
}

func (r Regime) String() string {
	if name, ok := regimeNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRegime maps a config name back to a Regime.
func ParseRegime(name string) (Regime, bool) {
	for r, n := range regimeNames {
		if n == name {
			return r, true
		}
	}
	return RegimeVeryLow, false
}

// RegimeState is the classifier's current view, recomputed on every tick and
// never persisted across restarts.
type RegimeState struct {
	Regime          Regime    `json:"regime"`
	CeilingFraction float64   `json:"ceilingFraction"`
	IndexValue      float64   `json:"indexValue"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// StrategyState is the lifecycle state of a strategy machine.
type StrategyState string

const (
	StateScanning        StrategyState = "scanning"
	StateEntryEvaluation StrategyState = "entry_evaluation"
	StatePositionActive  StrategyState = "position_active"
	StateProfitExit      StrategyState = "profit_exit"
	StateStopExit        StrategyState = "stop_exit"
	StateDefensiveExit   StrategyState = "defensive_exit"
	StateClosed          StrategyState = "closed"
)

// IsExit reports whether the state is one of the three exit sub-states.
func (s StrategyState) IsExit() bool {
	return s == StateProfitExit || s == StateStopExit || s == StateDefensiveExit
}

// Leg is one side of a multi-leg option combination.
type Leg struct {
	Symbol     string          `json:"symbol"` // option contract symbol
	Underlying string          `json:"underlying"`
	OptionType OptionType      `json:"optionType"`
	Side       Side            `json:"side"`
	Quantity   int             `json:"quantity"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time       `json:"expiration"`
}

// SignedQuantity returns quantity signed by side (sell is negative).
func (l Leg) SignedQuantity() int {
	if l.Side == SideSell {
		return -l.Quantity
	}
	return l.Quantity
}

// Position is a fully-established combination. Partially-filled combinations
// never appear here; they live in the recovery ledger as PendingCombinations
// until resolved.
type Position struct {
	ID               string          `json:"id"`
	StrategyID       string          `json:"strategyId"`
	Underlying       string          `json:"underlying"`
	CorrelationGroup string          `json:"correlationGroup"`
	Legs             []Leg           `json:"legs"`
	EntryNet         decimal.Decimal `json:"entryNet"` // credit positive, debit negative
	CurrentMark      decimal.Decimal `json:"currentMark"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	ShortVol         bool            `json:"shortVol"`
	OpenedAt         time.Time       `json:"openedAt"`
	Expiration       time.Time       `json:"expiration"`
}

// DaysToExpiration returns calendar days until the combination's expiration.
func (p *Position) DaysToExpiration(now time.Time) int {
	d := p.Expiration.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// ClosingLegs builds the leg set that flattens the position.
func (p *Position) ClosingLegs() []Leg {
	legs := make([]Leg, len(p.Legs))
	for i, l := range p.Legs {
		closing := l
		closing.Side = l.Side.Opposite()
		legs[i] = closing
	}
	return legs
}

// CombinationState tracks a multi-leg order through the recovery protocol.
type CombinationState string

const (
	CombinationSubmitted       CombinationState = "SUBMITTED"
	CombinationPartiallyFilled CombinationState = "PARTIALLY_FILLED"
	CombinationUnwinding       CombinationState = "UNWINDING"
	CombinationComplete        CombinationState = "COMPLETE"
	CombinationFailed          CombinationState = "FAILED"
)

// Terminal reports whether the state needs no further remediation.
func (s CombinationState) Terminal() bool {
	return s == CombinationComplete || s == CombinationFailed
}

// LegFill records a confirmed fill for one leg of a combination.
type LegFill struct {
	LegIndex int             `json:"legIndex"`
	OrderID  string          `json:"orderId"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	FilledAt time.Time       `json:"filledAt"`
}

// PendingCombination is the durable in-flight record for a multi-leg order.
// It is written to the ledger before any leg reaches the broker.
type PendingCombination struct {
	ID          string           `json:"id"`
	StrategyID  string           `json:"strategyId"`
	Underlying  string           `json:"underlying"`
	Legs        []Leg            `json:"legs"`
	Fills       []LegFill        `json:"fills"`
	State       CombinationState `json:"state"`
	Reason      string           `json:"reason,omitempty"`
	SubmittedAt time.Time        `json:"submittedAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// FilledLegCount returns how many target legs have at least one confirmed fill.
func (pc *PendingCombination) FilledLegCount() int {
	seen := make(map[int]bool, len(pc.Fills))
	for _, f := range pc.Fills {
		seen[f.LegIndex] = true
	}
	return len(seen)
}

// Quote is a top-of-book snapshot with a freshness timestamp.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	AsOf   time.Time       `json:"asOf"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is empty.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// ChainEntry is one option contract in a chain, with quoted Greeks.
type ChainEntry struct {
	Symbol     string          `json:"symbol"`
	OptionType OptionType      `json:"optionType"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time       `json:"expiration"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Delta      float64         `json:"delta"`
	ImpliedVol float64         `json:"impliedVol"`
}

// Mid returns the entry's bid/ask midpoint.
func (e ChainEntry) Mid() decimal.Decimal {
	return e.Bid.Add(e.Ask).Div(decimal.NewFromInt(2))
}

// OptionChain holds all contracts for one underlying and expiration.
type OptionChain struct {
	Underlying string       `json:"underlying"`
	Expiration time.Time    `json:"expiration"`
	Entries    []ChainEntry `json:"entries"`
	AsOf       time.Time    `json:"asOf"`
}

// BrokerPosition is the broker's view of net exposure in one contract.
type BrokerPosition struct {
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"` // signed; negative is short
}

// AccountSnapshot is the broker's account state with a freshness timestamp.
type AccountSnapshot struct {
	Equity     decimal.Decimal  `json:"equity"`
	UsedMargin decimal.Decimal  `json:"usedMargin"`
	Positions  []BrokerPosition `json:"positions"`
	AsOf       time.Time        `json:"asOf"`
}

// GreeksSnapshot aggregates Greeks across fully-established positions.
// Derived state only; never persisted.
type GreeksSnapshot struct {
	Delta      float64   `json:"delta"`
	Gamma      float64   `json:"gamma"`
	Theta      float64   `json:"theta"`
	Vega       float64   `json:"vega"`
	Positions  int       `json:"positions"`
	ComputedAt time.Time `json:"computedAt"`
}

// TradeOutcome is a closed-position result fed back into sizing statistics
// and the consecutive-loss breaker.
type TradeOutcome struct {
	StrategyID string          `json:"strategyId"`
	Underlying string          `json:"underlying"`
	PnL        decimal.Decimal `json:"pnl"`
	IsWin      bool            `json:"isWin"`
	ClosedAt   time.Time       `json:"closedAt"`
}
