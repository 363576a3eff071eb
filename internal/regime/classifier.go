// Package regime classifies the volatility environment from a broad-market
// volatility index. The classification gates entries and scales buying power;
// it is recomputed every tick and never persisted.
package regime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/helios-desk/options-engine/internal/marketdata"
	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Feed is the slice of market data the classifier needs.
type Feed interface {
	VolatilityIndex(ctx context.Context) (marketdata.VolReading, error)
}

// Classifier maps the volatility index onto the configured band table. When
// the index is unavailable or stale, Classify returns ErrRegimeUnavailable:
// callers must block entries and leave exits alone.
type Classifier struct {
	logger *zap.Logger
	feed   Feed
	bands  []types.RegimeBand

	mu        sync.RWMutex
	last      types.RegimeState
	available bool
}

// NewClassifier builds a classifier over the given band table. The bands are
// assumed validated: ascending uppers, one band per regime name.
func NewClassifier(logger *zap.Logger, feed Feed, cfg types.RegimeConfig) *Classifier {
	return &Classifier{
		logger: logger.Named("regime"),
		feed:   feed,
		bands:  cfg.Bands,
	}
}

// Classify fetches the current index reading and maps it to a regime. A feed
// error or stale reading yields ErrRegimeUnavailable wrapping the cause.
func (c *Classifier) Classify(ctx context.Context) (types.RegimeState, error) {
	reading, err := c.feed.VolatilityIndex(ctx)
	if err != nil {
		c.setAvailable(false)
		return types.RegimeState{}, fmt.Errorf("%w: %s", types.ErrRegimeUnavailable, err)
	}

	state, err := c.classifyValue(reading)
	if err != nil {
		c.setAvailable(false)
		return types.RegimeState{}, err
	}

	c.mu.Lock()
	prev, wasAvailable := c.last, c.available
	c.last = state
	c.available = true
	c.mu.Unlock()

	if !wasAvailable || prev.Regime != state.Regime {
		c.logger.Info("Volatility regime changed",
			zap.String("from", prev.Regime.String()),
			zap.String("to", state.Regime.String()),
			zap.Float64("index", state.IndexValue))
	}
	return state, nil
}

func (c *Classifier) classifyValue(reading marketdata.VolReading) (types.RegimeState, error) {
	if reading.Value <= 0 {
		return types.RegimeState{}, fmt.Errorf("%w: non-positive index value %.2f",
			types.ErrRegimeUnavailable, reading.Value)
	}
	for i, band := range c.bands {
		lastBand := i == len(c.bands)-1
		if lastBand || reading.Value < band.Upper {
			r, ok := types.ParseRegime(band.Name)
			if !ok {
				return types.RegimeState{}, fmt.Errorf("%w: unknown band name %q",
					types.ErrRegimeUnavailable, band.Name)
			}
			return types.RegimeState{
				Regime:          r,
				CeilingFraction: band.CeilingFraction,
				IndexValue:      reading.Value,
				UpdatedAt:       reading.AsOf,
			}, nil
		}
	}
	// Unreachable with a validated band table.
	return types.RegimeState{}, errors.New("empty regime band table")
}

// Last returns the most recent classification and whether it is current.
// A false second return means the last tick could not classify; the state
// returned alongside is the previous one, for display only.
func (c *Classifier) Last() (types.RegimeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.available
}

func (c *Classifier) setAvailable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.available && !v {
		c.logger.Warn("Volatility regime unavailable; entries will be blocked")
	}
	c.available = v
}
