package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/helios-desk/options-engine/internal/greeks"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SimFeed is a deterministic in-memory feed for paper trading and tests.
// Spots and the volatility index are set explicitly; option chains and
// quotes are derived from Black-Scholes at the configured volatility.
type SimFeed struct {
	mu       sync.RWMutex
	volIndex float64
	spots    map[string]float64
	vols     map[string]float64 // per-underlying implied vol, annualized
	rate     float64
	spread   float64 // half-spread applied around theoretical value
	now      func() time.Time
}

// NewSimFeed creates a feed with a 16.0 volatility index and no underlyings.
func NewSimFeed() *SimFeed {
	return &SimFeed{
		volIndex: 16.0,
		spots:    make(map[string]float64),
		vols:     make(map[string]float64),
		rate:     0.045,
		spread:   0.05,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (f *SimFeed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetVolatilityIndex sets the reported index level.
func (f *SimFeed) SetVolatilityIndex(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volIndex = v
}

// SetUnderlying registers an underlying with its spot and implied vol.
func (f *SimFeed) SetUnderlying(symbol string, spot, vol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spots[symbol] = spot
	f.vols[symbol] = vol
}

func (f *SimFeed) VolatilityIndex(ctx context.Context) (VolReading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return VolReading{Value: f.volIndex, AsOf: f.now()}, nil
}

// OptionSymbol builds the contract symbol used throughout the simulator:
// UNDERLYING-YYYYMMDD-TYPE-STRIKE, for example SPX-20260918-P-5400.
func OptionSymbol(underlying string, expiration time.Time, optType types.OptionType, strike decimal.Decimal) string {
	t := "C"
	if optType == types.OptionPut {
		t = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s", underlying, expiration.Format("20060102"), t, strike.StringFixed(0))
}

// ParseOptionSymbol is the inverse of OptionSymbol.
func ParseOptionSymbol(symbol string) (underlying string, expiration time.Time, optType types.OptionType, strike decimal.Decimal, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 4 {
		err = fmt.Errorf("malformed option symbol %q", symbol)
		return
	}
	underlying = parts[0]
	expiration, err = time.Parse("20060102", parts[1])
	if err != nil {
		err = fmt.Errorf("malformed expiration in %q: %w", symbol, err)
		return
	}
	switch parts[2] {
	case "C":
		optType = types.OptionCall
	case "P":
		optType = types.OptionPut
	default:
		err = fmt.Errorf("malformed option type in %q", symbol)
		return
	}
	strike, err = decimal.NewFromString(parts[3])
	if err != nil {
		err = fmt.Errorf("malformed strike in %q: %w", symbol, err)
	}
	return
}

// Quote prices either an underlying or an option contract symbol.
func (f *SimFeed) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if spot, ok := f.spots[symbol]; ok {
		mid := decimal.NewFromFloat(spot)
		half := decimal.NewFromFloat(f.spread)
		return types.Quote{
			Symbol: symbol,
			Bid:    mid.Sub(half),
			Ask:    mid.Add(half),
			Last:   mid,
			AsOf:   f.now(),
		}, nil
	}

	underlying, expiration, optType, strike, err := ParseOptionSymbol(symbol)
	if err != nil {
		return types.Quote{}, err
	}
	spot, ok := f.spots[underlying]
	if !ok {
		return types.Quote{}, fmt.Errorf("unknown underlying %s", underlying)
	}
	vol := f.vols[underlying]
	strikeF, _ := strike.Float64()
	t := expiration.Sub(f.now()).Hours() / (24 * 365)
	theo := greeks.Price(optType, spot, strikeF, vol, f.rate, t)
	mid := decimal.NewFromFloat(theo).Round(2)
	half := decimal.NewFromFloat(f.spread)
	bid := mid.Sub(half)
	if bid.IsNegative() {
		bid = decimal.Zero
	}
	return types.Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    mid.Add(half),
		Last:   mid,
		AsOf:   f.now(),
	}, nil
}

// OptionChain builds a synthetic chain around the current spot: strikes in
// one-percent steps from 70% to 130% of spot, calls and puts at each strike,
// priced and deltas computed from Black-Scholes.
func (f *SimFeed) OptionChain(ctx context.Context, underlying string, expiration time.Time) (*types.OptionChain, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Symbols carry only the expiration date, so price against midnight UTC
	// of that date. Otherwise a later quote of the listed symbol would use a
	// different time to expiry than the chain it came from.
	expiration = time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)

	spot, ok := f.spots[underlying]
	if !ok {
		return nil, fmt.Errorf("unknown underlying %s", underlying)
	}
	vol := f.vols[underlying]
	now := f.now()
	t := expiration.Sub(now).Hours() / (24 * 365)
	half := decimal.NewFromFloat(f.spread)

	chain := &types.OptionChain{
		Underlying: underlying,
		Expiration: expiration,
		AsOf:       now,
	}
	step := spot * 0.01
	for k := spot * 0.70; k <= spot*1.30; k += step {
		strike := decimal.NewFromFloat(k).Round(0)
		strikeF, _ := strike.Float64()
		for _, optType := range []types.OptionType{types.OptionCall, types.OptionPut} {
			mid := decimal.NewFromFloat(greeks.Price(optType, spot, strikeF, vol, f.rate, t)).Round(2)
			bid := mid.Sub(half)
			if bid.IsNegative() {
				bid = decimal.Zero
			}
			chain.Entries = append(chain.Entries, types.ChainEntry{
				Symbol:     OptionSymbol(underlying, expiration, optType, strike),
				OptionType: optType,
				Strike:     strike,
				Expiration: expiration,
				Bid:        bid,
				Ask:        mid.Add(half),
				Delta:      greeks.Delta(optType, spot, strikeF, vol, f.rate, t),
				ImpliedVol: vol,
			})
		}
	}
	return chain, nil
}

// FeedQuoter adapts a Feed to the broker's pricing interface using quote
// midpoints.
type FeedQuoter struct {
	Feed interface {
		Quote(ctx context.Context, symbol string) (types.Quote, error)
	}
}

// MarkPrice returns the midpoint quote for symbol.
func (q FeedQuoter) MarkPrice(symbol string) (decimal.Decimal, error) {
	quote, err := q.Feed.Quote(context.Background(), symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return quote.Mid(), nil
}
