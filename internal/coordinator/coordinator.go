// Package coordinator owns the engine's single tick thread: it classifies
// the regime, applies circuit breakers, ticks every strategy machine in tier
// order and refreshes the read-only snapshots other components consume.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/internal/greeks"
	"github.com/helios-desk/options-engine/internal/metrics"
	"github.com/helios-desk/options-engine/internal/regime"
	"github.com/helios-desk/options-engine/internal/risk"
	"github.com/helios-desk/options-engine/internal/sizing"
	"github.com/helios-desk/options-engine/internal/strategy"
	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// EngineSnapshot is the immutable per-tick view exposed to the API and
// alert hub. External readers never touch live coordinator state.
type EngineSnapshot struct {
	Timestamp       time.Time              `json:"timestamp"`
	Regime          types.RegimeState      `json:"regime"`
	RegimeAvailable bool                   `json:"regimeAvailable"`
	Breakers        risk.BreakerState      `json:"breakers"`
	Occupancy       risk.OccupancySnapshot `json:"occupancy"`
	Greeks          types.GreeksSnapshot   `json:"greeks"`
	Account         types.AccountSnapshot  `json:"account"`
	Strategies      []strategy.Snapshot    `json:"strategies"`
	Positions       []*types.Position      `json:"positions"`
}

// Alert is an operator-visible risk event: breaker trips and clears, regime
// feed loss and recovery.
type Alert struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Publisher receives every fresh snapshot and alert, typically for fan-out
// to dashboard websocket clients.
type Publisher interface {
	PublishSnapshot(EngineSnapshot)
	PublishAlert(Alert)
}

// Coordinator wires the components together and drives them from one
// goroutine. Machines never reference each other; all shared risk state is
// mutated only inside Tick.
type Coordinator struct {
	logger     *zap.Logger
	cfg        types.EngineConfig
	classifier *regime.Classifier
	breakers   *risk.Breakers
	limiter    *risk.Limiter
	sizer      *sizing.Sizer
	greeksEng  *greeks.Engine
	broker     broker.Broker
	market     strategy.Market
	machines   []*strategy.Machine
	publisher  Publisher
	now        func() time.Time

	mu            sync.RWMutex
	snapshot      EngineSnapshot
	lastPositions int
	lastGreeksAt  time.Time
	wasTripped    bool
	regimeWasOK   bool
}

// Deps bundles the constructor inputs.
type Deps struct {
	Config     types.EngineConfig
	Classifier *regime.Classifier
	Breakers   *risk.Breakers
	Limiter    *risk.Limiter
	Sizer      *sizing.Sizer
	Greeks     *greeks.Engine
	Broker     broker.Broker
	Market     strategy.Market
	Executor   *execution.Executor
	Publisher  Publisher
}

// greeksRefreshEvery bounds how stale the portfolio Greeks may get when the
// position count is unchanged.
const greeksRefreshEvery = time.Minute

// New builds the coordinator and one machine per configured strategy,
// ordered by tier so contention for a correlation group resolves in favor
// of the higher tier within a tick.
func New(logger *zap.Logger, d Deps) (*Coordinator, error) {
	c := &Coordinator{
		logger:      logger.Named("coordinator"),
		cfg:         d.Config,
		classifier:  d.Classifier,
		breakers:    d.Breakers,
		limiter:     d.Limiter,
		sizer:       d.Sizer,
		greeksEng:   d.Greeks,
		broker:      d.Broker,
		market:      d.Market,
		publisher:   d.Publisher,
		now:         time.Now,
		regimeWasOK: true,
	}

	svc := strategy.Services{
		Sizer:     d.Sizer,
		Limiter:   d.Limiter,
		Executor:  d.Executor,
		Market:    d.Market,
		Clock:     func() time.Time { return c.now() },
		OnOutcome: c.onOutcome,
	}
	for _, sc := range d.Config.Strategies {
		m, err := strategy.NewMachine(logger, sc, svc)
		if err != nil {
			return nil, err
		}
		c.machines = append(c.machines, m)
	}
	sort.SliceStable(c.machines, func(i, j int) bool {
		return c.machines[i].Tier() < c.machines[j].Tier()
	})
	return c, nil
}

// SetClock injects a clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// SetPublisher installs the snapshot publisher. Called once during startup,
// before Run, since the API server is built after the coordinator.
func (c *Coordinator) SetPublisher(p Publisher) { c.publisher = p }

// Machines exposes the machine list for tests and reporting.
func (c *Coordinator) Machines() []*strategy.Machine { return c.machines }

// onOutcome fans a closed-position result out to sizing statistics and the
// consecutive-loss breaker. Runs inside the tick thread.
func (c *Coordinator) onOutcome(outcome types.TradeOutcome) {
	c.sizer.Record(outcome)
	c.breakers.RecordOutcome(outcome, c.now())
}

// Run drives ticks at the given interval until the context ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	c.logger.Info("Coordinator started",
		zap.Duration("interval", interval),
		zap.Int("strategies", len(c.machines)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one synchronous pass: regime, account, breakers, machines in
// tier order, Greeks, snapshot. System-wide failures suspend entries only;
// exit processing always runs.
func (c *Coordinator) Tick(ctx context.Context) {
	started := c.now()
	defer func() {
		metrics.TickDuration.Observe(c.now().Sub(started).Seconds())
		metrics.TicksTotal.Inc()
	}()

	in := strategy.TickInput{}

	regimeState, err := c.classifier.Classify(ctx)
	if err != nil {
		metrics.RegimeUnavailable.Inc()
		c.logger.Warn("Regime unavailable this tick; entries blocked", zap.Error(err))
		if c.regimeWasOK {
			c.alert("regime_unavailable", err.Error())
		}
		c.regimeWasOK = false
	} else {
		in.Regime = regimeState
		in.RegimeOK = true
		metrics.RegimeGauge.Set(float64(regimeState.Regime))
		if !c.regimeWasOK {
			c.alert("regime_restored", regimeState.Regime.String())
		}
		c.regimeWasOK = true
	}

	account, err := c.broker.AccountSnapshot(ctx)
	haveAccount := err == nil
	if err != nil {
		c.logger.Warn("Account snapshot unavailable; entries blocked", zap.Error(err))
		in.EntriesSuspended = true
		in.SuspendReason = "account snapshot unavailable"
	} else {
		in.Account = account
		c.breakers.Observe(account, c.now())
	}

	if !in.EntriesSuspended {
		if suspended, reason := c.breakers.EntriesSuspended(c.now()); suspended {
			in.EntriesSuspended = true
			in.SuspendReason = reason
			if !c.wasTripped {
				c.alert("breaker_tripped", reason)
			}
			c.wasTripped = true
		} else {
			if c.wasTripped {
				c.alert("breaker_cleared", "entry suspension lifted")
			}
			c.wasTripped = false
		}
	}

	for _, m := range c.machines {
		c.tickMachine(ctx, m, in)
	}

	c.refreshGreeks(ctx)
	c.refreshSnapshot(haveAccount, account)
}

func (c *Coordinator) alert(kind, message string) {
	c.logger.Warn("Risk alert", zap.String("kind", kind), zap.String("message", message))
	if c.publisher != nil {
		c.publisher.PublishAlert(Alert{Kind: kind, Message: message, At: c.now()})
	}
}

// tickMachine isolates one machine's tick so a panic in one strategy cannot
// take down the others.
func (c *Coordinator) tickMachine(ctx context.Context, m *strategy.Machine, in strategy.TickInput) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Strategy tick panicked",
				zap.String("strategy", m.ID()),
				zap.Any("panic", r))
		}
	}()
	m.Tick(ctx, in)
}

// openPositions collects position copies from every machine.
func (c *Coordinator) openPositions() []*types.Position {
	var out []*types.Position
	for _, m := range c.machines {
		if p := m.Position(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// refreshGreeks recomputes portfolio Greeks when the position count changed
// or the last snapshot aged past the refresh bound.
func (c *Coordinator) refreshGreeks(ctx context.Context) {
	positions := c.openPositions()
	now := c.now()
	if len(positions) == c.lastPositions && now.Sub(c.lastGreeksAt) < greeksRefreshEvery {
		return
	}
	c.lastPositions = len(positions)
	c.lastGreeksAt = now

	view := greeks.MarketView{
		Spot: make(map[string]float64),
		Vol:  make(map[string]float64),
	}
	for _, pos := range positions {
		if _, ok := view.Spot[pos.Underlying]; ok {
			continue
		}
		q, err := c.market.Quote(ctx, pos.Underlying)
		if err != nil {
			c.logger.Warn("Spot unavailable for Greeks", zap.String("underlying", pos.Underlying), zap.Error(err))
			continue
		}
		spot, _ := q.Mid().Float64()
		view.Spot[pos.Underlying] = spot

		chain, err := c.market.OptionChain(ctx, pos.Underlying, pos.Expiration)
		if err != nil {
			c.logger.Warn("Chain unavailable for Greeks", zap.String("underlying", pos.Underlying), zap.Error(err))
			delete(view.Spot, pos.Underlying)
			continue
		}
		view.Vol[pos.Underlying] = atmVol(chain)
	}

	snap := c.greeksEng.Recompute(positions, view, now)
	metrics.PositionsOpen.Set(float64(snap.Positions))
	metrics.PortfolioDelta.Set(snap.Delta)
	metrics.PortfolioTheta.Set(snap.Theta)
}

// atmVol picks the implied vol of the call nearest 0.50 delta.
func atmVol(chain *types.OptionChain) float64 {
	best := 0.0
	bestDist := 1.0
	for _, e := range chain.Entries {
		if e.OptionType != types.OptionCall {
			continue
		}
		d := e.Delta - 0.50
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			bestDist = d
			best = e.ImpliedVol
		}
	}
	return best
}

// refreshSnapshot rebuilds the immutable view and hands it to the publisher.
func (c *Coordinator) refreshSnapshot(haveAccount bool, account types.AccountSnapshot) {
	regimeState, regimeOK := c.classifier.Last()
	snap := EngineSnapshot{
		Timestamp:       c.now(),
		Regime:          regimeState,
		RegimeAvailable: regimeOK,
		Breakers:        c.breakers.State(),
		Occupancy:       c.limiter.Occupancy(),
		Greeks:          c.greeksEng.Current(),
		Positions:       c.openPositions(),
	}
	if haveAccount {
		snap.Account = account
	}
	for _, m := range c.machines {
		snap.Strategies = append(snap.Strategies, m.Snapshot())
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.PublishSnapshot(snap)
	}
}

// Snapshot returns the latest immutable engine view.
func (c *Coordinator) Snapshot() EngineSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
