// Package marketdata defines the market data boundary for the engine.
// The feed is an external collaborator: the engine consumes volatility index
// readings, quotes and option chains, and rejects anything past the staleness
// threshold instead of falling back to a default value.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/helios-desk/options-engine/pkg/types"
)

// VolReading is a volatility index observation with its freshness timestamp.
type VolReading struct {
	Value float64   `json:"value"`
	AsOf  time.Time `json:"asOf"`
}

// Feed is the narrow interface the engine needs from a market data provider.
// A collaborator implements it fully or the engine refuses to start.
type Feed interface {
	VolatilityIndex(ctx context.Context) (VolReading, error)
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	OptionChain(ctx context.Context, underlying string, expiration time.Time) (*types.OptionChain, error)
}

// FreshnessGate wraps a Feed and rejects readings older than the configured
// threshold with ErrStaleData. Stale data is treated as unavailable, never
// substituted.
type FreshnessGate struct {
	feed   Feed
	maxAge time.Duration
	now    func() time.Time
}

// NewFreshnessGate wraps feed with a staleness check.
func NewFreshnessGate(feed Feed, maxAge time.Duration) *FreshnessGate {
	return &FreshnessGate{feed: feed, maxAge: maxAge, now: time.Now}
}

// SetClock injects a clock for tests.
func (g *FreshnessGate) SetClock(now func() time.Time) { g.now = now }

// VolatilityIndex returns the latest reading or ErrStaleData.
func (g *FreshnessGate) VolatilityIndex(ctx context.Context) (VolReading, error) {
	r, err := g.feed.VolatilityIndex(ctx)
	if err != nil {
		return VolReading{}, err
	}
	if age := g.now().Sub(r.AsOf); age > g.maxAge {
		return VolReading{}, fmt.Errorf("volatility index %s old: %w", age.Round(time.Second), types.ErrStaleData)
	}
	return r, nil
}

// Quote returns the latest quote or ErrStaleData.
func (g *FreshnessGate) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	q, err := g.feed.Quote(ctx, symbol)
	if err != nil {
		return types.Quote{}, err
	}
	if age := g.now().Sub(q.AsOf); age > g.maxAge {
		return types.Quote{}, fmt.Errorf("quote for %s %s old: %w", symbol, age.Round(time.Second), types.ErrStaleData)
	}
	return q, nil
}

// OptionChain returns the latest chain or ErrStaleData.
func (g *FreshnessGate) OptionChain(ctx context.Context, underlying string, expiration time.Time) (*types.OptionChain, error) {
	c, err := g.feed.OptionChain(ctx, underlying, expiration)
	if err != nil {
		return nil, err
	}
	if age := g.now().Sub(c.AsOf); age > g.maxAge {
		return nil, fmt.Errorf("chain for %s %s old: %w", underlying, age.Round(time.Second), types.ErrStaleData)
	}
	return c, nil
}
