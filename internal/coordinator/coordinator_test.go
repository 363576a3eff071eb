package coordinator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/internal/coordinator"
	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/internal/greeks"
	"github.com/helios-desk/options-engine/internal/marketdata"
	"github.com/helios-desk/options-engine/internal/regime"
	"github.com/helios-desk/options-engine/internal/risk"
	"github.com/helios-desk/options-engine/internal/sizing"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	last   coordinator.EngineSnapshot
	n      int
	alerts []coordinator.Alert
}

func (p *capturePublisher) PublishSnapshot(s coordinator.EngineSnapshot) {
	p.mu.Lock()
	p.last = s
	p.n++
	p.mu.Unlock()
}

func (p *capturePublisher) PublishAlert(a coordinator.Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
}

func (p *capturePublisher) Last() (coordinator.EngineSnapshot, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.n
}

func (p *capturePublisher) Alerts() []coordinator.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]coordinator.Alert(nil), p.alerts...)
}

type fixture struct {
	clock     *fakeClock
	feed      *marketdata.SimFeed
	broker    *broker.PaperBroker
	breakers  *risk.Breakers
	limiter   *risk.Limiter
	coord     *coordinator.Coordinator
	publisher *capturePublisher
}

func newFixture(t *testing.T, strategies []types.StrategyConfig) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clock := newFakeClock()

	cfg := types.DefaultEngineConfig()
	cfg.Strategies = strategies

	feed := marketdata.NewSimFeed()
	feed.SetClock(clock.Now)
	feed.SetVolatilityIndex(18)
	feed.SetUnderlying("SPX", 5400, 0.18)
	feed.SetUnderlying("NDX", 19500, 0.20)

	pb := broker.NewPaperBroker(logger, marketdata.FeedQuoter{Feed: feed},
		decimal.NewFromInt(250000), true)
	pb.SetClock(clock.Now)

	ledger, err := execution.OpenLedger(logger, filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	exec := execution.NewExecutor(logger, pb, ledger, cfg.Execution)
	exec.SetClock(clock.Now, clock.Sleep)

	f := &fixture{
		clock:     clock,
		feed:      feed,
		broker:    pb,
		breakers:  risk.NewBreakers(logger, cfg.Breakers),
		limiter:   risk.NewLimiter(logger, cfg.Risk),
		publisher: &capturePublisher{},
	}

	coord, err := coordinator.New(logger, coordinator.Deps{
		Config:     cfg,
		Classifier: regime.NewClassifier(logger, feed, cfg.Regime),
		Breakers:   f.breakers,
		Limiter:    f.limiter,
		Sizer:      sizing.NewSizer(logger, cfg.Sizing),
		Greeks:     greeks.NewEngine(logger, cfg.MarketData.RiskFreeRate),
		Broker:     pb,
		Market:     feed,
		Executor:   exec,
		Publisher:  f.publisher,
	})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}
	coord.SetClock(clock.Now)
	f.coord = coord
	return f
}

func condor(id, underlying string, tier int) types.StrategyConfig {
	return types.StrategyConfig{
		ID:            id,
		Type:          "iron_condor",
		Underlying:    underlying,
		Tier:          tier,
		ProfitTarget:  0.50,
		StopMultiple:  2.0,
		DefensiveDTE:  21,
		MaxAllocation: 0.05,
		TargetDelta:   0.16,
		WingWidth:     50,
		TargetDTE:     45,
	}
}

func machineState(t *testing.T, f *fixture, id string) types.StrategyState {
	t.Helper()
	for _, m := range f.coord.Machines() {
		if m.ID() == id {
			return m.State()
		}
	}
	t.Fatalf("no machine %q", id)
	return ""
}

// TestHighVolEntryWithinGroupLimits: with the index in the extreme band, a
// strategy whose window requires at least elevated vol is approved while the
// equity-index group has room, and the next candidate in the same group is
// denied once the group is full.
func TestHighVolEntryWithinGroupLimits(t *testing.T) {
	spx := condor("ic-spx", "SPX", 1)
	spx.MinRegime = "elevated"
	ndx := condor("ic-ndx", "NDX", 2)
	ndx.MinRegime = "elevated"
	f := newFixture(t, []types.StrategyConfig{spx, ndx})

	// Two equity-index slots already occupied elsewhere.
	f.limiter.Commit("RUT", true)
	f.limiter.Commit("RUT", true)

	f.feed.SetVolatilityIndex(35)
	f.coord.Tick(context.Background())

	if got := machineState(t, f, "ic-spx"); got != types.StatePositionActive {
		t.Fatalf("ic-spx state = %s, want position_active", got)
	}
	if got := machineState(t, f, "ic-ndx"); got != types.StateScanning {
		t.Fatalf("ic-ndx state = %s, want scanning after group denial", got)
	}

	snap := f.coord.Snapshot()
	for _, g := range snap.Occupancy.Groups {
		if g.Name == "equity-index" && g.Occupied != 3 {
			t.Errorf("equity-index occupancy = %d, want 3", g.Occupied)
		}
	}
	if snap.Regime.Regime != types.RegimeExtreme {
		t.Errorf("snapshot regime = %s, want extreme", snap.Regime.Regime)
	}
}

func TestRegimeBelowWindowBlocksEntry(t *testing.T) {
	spx := condor("ic-spx", "SPX", 1)
	spx.MinRegime = "elevated"
	f := newFixture(t, []types.StrategyConfig{spx})

	f.feed.SetVolatilityIndex(18) // normal band
	f.coord.Tick(context.Background())

	if got := machineState(t, f, "ic-spx"); got != types.StateScanning {
		t.Fatalf("ic-spx state = %s, want scanning below its regime window", got)
	}
}

func TestRegimeUnavailableBlocksEntries(t *testing.T) {
	f := newFixture(t, []types.StrategyConfig{condor("ic-spx", "SPX", 1)})

	f.feed.SetVolatilityIndex(0) // classifier treats this as unavailable
	f.coord.Tick(context.Background())

	if got := machineState(t, f, "ic-spx"); got != types.StateScanning {
		t.Fatalf("ic-spx state = %s, want scanning without a regime", got)
	}
	snap := f.coord.Snapshot()
	if snap.RegimeAvailable {
		t.Error("snapshot claims regime available")
	}
}

// TestLossStreakSuspendsEntriesButNotExits: after the consecutive-loss
// breaker trips, no machine enters, yet a position already open still reaches
// its defensive exit and closes during the suspension.
func TestLossStreakSuspendsEntriesButNotExits(t *testing.T) {
	spx := condor("ic-spx", "SPX", 1)
	ndx := condor("ic-ndx", "NDX", 2)
	ndx.MinRegime = "elevated" // out of reach at a normal index level
	f := newFixture(t, []types.StrategyConfig{spx, ndx})

	f.coord.Tick(context.Background())
	if got := machineState(t, f, "ic-spx"); got != types.StatePositionActive {
		t.Fatalf("ic-spx state = %s, want position_active", got)
	}

	// Into the defensive window, then three straight losers trip the
	// breaker. The open position must still close during the suspension.
	f.clock.Advance(30 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		f.breakers.RecordOutcome(loss("ic-ndx"), f.clock.Now())
	}
	if suspended, reason := f.breakers.EntriesSuspended(f.clock.Now()); !suspended {
		t.Fatal("breaker should be tripped after three losses")
	} else if reason != "consecutive losses" {
		t.Fatalf("suspend reason = %q", reason)
	}

	f.coord.Tick(context.Background())

	var tripAlert bool
	for _, a := range f.publisher.Alerts() {
		if a.Kind == "breaker_tripped" {
			tripAlert = true
		}
	}
	if !tripAlert {
		t.Error("no breaker_tripped alert published")
	}

	if got := machineState(t, f, "ic-spx"); got != types.StateClosed {
		t.Fatalf("ic-spx state = %s, want closed while suspended", got)
	}
	if got := machineState(t, f, "ic-ndx"); got != types.StateScanning {
		t.Fatalf("ic-ndx state = %s, want scanning while suspended", got)
	}

	// Still inside the cooldown: the freed capacity is not reused.
	f.coord.Tick(context.Background())
	if got := machineState(t, f, "ic-spx"); got != types.StateScanning {
		t.Fatalf("ic-spx state = %s, want scanning", got)
	}
	if pos := f.coord.Snapshot().Positions; len(pos) != 0 {
		t.Fatalf("open positions = %d during suspension, want 0", len(pos))
	}
}

func TestTickPublishesSnapshot(t *testing.T) {
	f := newFixture(t, []types.StrategyConfig{condor("ic-spx", "SPX", 1)})

	f.coord.Tick(context.Background())

	snap, n := f.publisher.Last()
	if n == 0 {
		t.Fatal("no snapshot published")
	}
	if !snap.RegimeAvailable {
		t.Error("regime should be available")
	}
	if len(snap.Strategies) != 1 {
		t.Fatalf("snapshot strategies = %d, want 1", len(snap.Strategies))
	}
	if snap.Account.Equity.IsZero() {
		t.Error("snapshot account is empty")
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("snapshot positions = %d, want 1", len(snap.Positions))
	}
	if snap.Greeks.Theta == 0 {
		t.Error("portfolio theta not computed for the open position")
	}
	if snap.Greeks.Positions != 1 {
		t.Errorf("greeks cover %d positions, want 1", snap.Greeks.Positions)
	}
}

func loss(strategyID string) types.TradeOutcome {
	return types.TradeOutcome{
		StrategyID: strategyID,
		Underlying: "NDX",
		PnL:        decimal.NewFromInt(-500),
		IsWin:      false,
	}
}
