// Package risk enforces portfolio-level containment: correlation-group
// concentration limits and circuit breakers that suspend new entries.
package risk

import (
	"fmt"
	"sync"

	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// GroupOccupancy is the read-only view of one correlation group's usage.
type GroupOccupancy struct {
	Name         string `json:"name"`
	Occupied     int    `json:"occupied"`
	MaxPositions int    `json:"maxPositions"`
}

// OccupancySnapshot is an immutable copy handed to reporting surfaces.
type OccupancySnapshot struct {
	Groups        []GroupOccupancy `json:"groups"`
	PerUnderlying map[string]int   `json:"perUnderlying"`
	ShortVolCount int              `json:"shortVolCount"`
}

// Limiter tracks occupancy per correlation group and per underlying, plus a
// global short-volatility count. Checks and commits are separate on purpose:
// occupancy moves only on confirmed position creation, never on intent, and
// a denial is terminal for the tick that requested it.
type Limiter struct {
	logger *zap.Logger
	cfg    types.RiskConfig

	mu         sync.RWMutex
	groupOf    map[string]string // underlying -> group name
	groupMax   map[string]int
	groupCount map[string]int
	underlying map[string]int
	shortVol   int
}

// NewLimiter builds a limiter from the validated risk configuration.
func NewLimiter(logger *zap.Logger, cfg types.RiskConfig) *Limiter {
	l := &Limiter{
		logger:     logger.Named("limiter"),
		cfg:        cfg,
		groupOf:    make(map[string]string),
		groupMax:   make(map[string]int),
		groupCount: make(map[string]int),
		underlying: make(map[string]int),
	}
	for _, g := range cfg.Groups {
		l.groupMax[g.Name] = g.MaxPositions
		for _, sym := range g.Symbols {
			l.groupOf[sym] = g.Name
		}
	}
	return l
}

// Group returns the correlation group an underlying belongs to.
func (l *Limiter) Group(underlying string) (string, bool) {
	g, ok := l.groupOf[underlying]
	return g, ok
}

// Check reports whether a new position in the underlying would stay inside
// every limit. A denial wraps ErrAllocationDenied with the binding limit; it
// is ordinary control flow, not a fault.
func (l *Limiter) Check(underlying string, shortVol bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	group, ok := l.groupOf[underlying]
	if !ok {
		return fmt.Errorf("%w: underlying %s not in any correlation group", types.ErrAllocationDenied, underlying)
	}
	if l.groupCount[group] >= l.groupMax[group] {
		return fmt.Errorf("%w: group %s at %d/%d", types.ErrAllocationDenied,
			group, l.groupCount[group], l.groupMax[group])
	}
	if l.underlying[underlying] >= l.cfg.PerUnderlyingMax {
		return fmt.Errorf("%w: underlying %s at %d/%d", types.ErrAllocationDenied,
			underlying, l.underlying[underlying], l.cfg.PerUnderlyingMax)
	}
	if shortVol && l.shortVol >= l.cfg.GlobalShortVolMax {
		return fmt.Errorf("%w: short-volatility positions at %d/%d", types.ErrAllocationDenied,
			l.shortVol, l.cfg.GlobalShortVolMax)
	}
	return nil
}

// Commit records a confirmed position. Call only after a Check approval in
// the same tick; the coordinator's single tick loop makes that race-free.
func (l *Limiter) Commit(underlying string, shortVol bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	group := l.groupOf[underlying]
	l.groupCount[group]++
	l.underlying[underlying]++
	if shortVol {
		l.shortVol++
	}
	if l.groupCount[group] > l.groupMax[group] {
		l.logger.Error("Correlation group over its limit after commit",
			zap.String("group", group),
			zap.Int("occupied", l.groupCount[group]),
			zap.Int("max", l.groupMax[group]))
	}
}

// Release frees the slots held by a closed position, including abnormal
// closes from exercise or assignment.
func (l *Limiter) Release(underlying string, shortVol bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	group := l.groupOf[underlying]
	if l.groupCount[group] > 0 {
		l.groupCount[group]--
	}
	if l.underlying[underlying] > 0 {
		l.underlying[underlying]--
	}
	if shortVol && l.shortVol > 0 {
		l.shortVol--
	}
}

// Occupancy returns an immutable snapshot for reporting.
func (l *Limiter) Occupancy() OccupancySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := OccupancySnapshot{
		PerUnderlying: make(map[string]int, len(l.underlying)),
		ShortVolCount: l.shortVol,
	}
	for _, g := range l.cfg.Groups {
		snap.Groups = append(snap.Groups, GroupOccupancy{
			Name:         g.Name,
			Occupied:     l.groupCount[g.Name],
			MaxPositions: g.MaxPositions,
		})
	}
	for sym, n := range l.underlying {
		if n > 0 {
			snap.PerUnderlying[sym] = n
		}
	}
	return snap
}
