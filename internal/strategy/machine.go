package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/internal/metrics"
	"github.com/helios-desk/options-engine/internal/risk"
	"github.com/helios-desk/options-engine/internal/sizing"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Market is the slice of market data a machine needs.
type Market interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	OptionChain(ctx context.Context, underlying string, expiration time.Time) (*types.OptionChain, error)
}

// Services are the collaborators a machine uses. All mutation happens inside
// the coordinator's single tick thread, so nothing here needs extra locking.
type Services struct {
	Sizer    *sizing.Sizer
	Limiter  *risk.Limiter
	Executor *execution.Executor
	Market   Market
	Clock    func() time.Time

	// OnOutcome is invoked once per closed position with its realized
	// result. The coordinator fans it out to sizing stats and breakers.
	OnOutcome func(types.TradeOutcome)
}

// TickInput is the per-tick context the coordinator hands every machine.
type TickInput struct {
	Regime           types.RegimeState
	RegimeOK         bool
	EntriesSuspended bool
	SuspendReason    string
	Account          types.AccountSnapshot
}

const (
	exitRetryBase = 10 * time.Second
	exitRetryMax  = 5 * time.Minute
)

// Machine drives one configured strategy through its lifecycle. Entry
// requires regime eligibility, a nonzero size, an allocation approval and a
// fully-established combination; anything less returns the machine to
// scanning with no partial state. Exits are evaluated before anything else
// and are never blocked by breakers or regime availability.
type Machine struct {
	logger    *zap.Logger
	cfg       types.StrategyConfig
	blueprint Blueprint
	svc       Services

	state      types.StrategyState
	position   *types.Position
	minRegime  types.Regime
	maxRegime  types.Regime
	retryAt    time.Time
	retryDelay time.Duration
	lastDenial string
}

// NewMachine builds a machine in the scanning state.
func NewMachine(logger *zap.Logger, cfg types.StrategyConfig, svc Services) (*Machine, error) {
	bp, err := NewBlueprint(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, err)
	}
	minR := types.RegimeVeryLow
	if cfg.MinRegime != "" {
		r, ok := types.ParseRegime(cfg.MinRegime)
		if !ok {
			return nil, fmt.Errorf("strategy %s: unknown regime %q", cfg.ID, cfg.MinRegime)
		}
		minR = r
	}
	maxR := types.RegimeExtreme
	if cfg.MaxRegime != "" {
		r, ok := types.ParseRegime(cfg.MaxRegime)
		if !ok {
			return nil, fmt.Errorf("strategy %s: unknown regime %q", cfg.ID, cfg.MaxRegime)
		}
		maxR = r
	}
	return &Machine{
		logger:    logger.Named("strategy").With(zap.String("strategy", cfg.ID)),
		cfg:       cfg,
		blueprint: bp,
		svc:       svc,
		state:     types.StateScanning,
		minRegime: minR,
		maxRegime: maxR,
	}, nil
}

// ID returns the configured strategy identifier.
func (m *Machine) ID() string { return m.cfg.ID }

// Tier returns the priority tier; lower ticks first.
func (m *Machine) Tier() int { return m.cfg.Tier }

// State returns the current lifecycle state.
func (m *Machine) State() types.StrategyState { return m.state }

// Position returns a copy of the open position, if any.
func (m *Machine) Position() *types.Position {
	if m.position == nil {
		return nil
	}
	p := *m.position
	return &p
}

// Tick advances the machine one step. Exit evaluation runs first and
// unconditionally; entry evaluation runs only when nothing is open and no
// system-wide suspension applies.
func (m *Machine) Tick(ctx context.Context, in TickInput) {
	switch m.state {
	case types.StatePositionActive:
		m.evaluateOpenPosition(ctx)
	case types.StateProfitExit, types.StateStopExit, types.StateDefensiveExit:
		m.attemptClose(ctx)
	case types.StateScanning:
		if m.eligible(in) {
			m.state = types.StateEntryEvaluation
			m.evaluateEntry(ctx, in)
		}
	case types.StateEntryEvaluation:
		// Normally transient within a tick; re-run the evaluation.
		m.evaluateEntry(ctx, in)
	case types.StateClosed:
		m.state = types.StateScanning
	}
}

// eligible is the scanning predicate: entry weekday, regime window, and no
// system-wide suspension.
func (m *Machine) eligible(in TickInput) bool {
	if in.EntriesSuspended {
		m.lastDenial = "entries suspended: " + in.SuspendReason
		return false
	}
	if !in.RegimeOK {
		m.lastDenial = "regime unavailable"
		return false
	}
	if in.Regime.Regime < m.minRegime || in.Regime.Regime > m.maxRegime {
		m.lastDenial = fmt.Sprintf("regime %s outside [%s, %s]",
			in.Regime.Regime, m.minRegime, m.maxRegime)
		return false
	}
	if len(m.cfg.EntryWeekdays) > 0 && !m.entryDay(m.svc.Clock()) {
		m.lastDenial = "not an entry day"
		return false
	}
	m.lastDenial = ""
	return true
}

func (m *Machine) entryDay(now time.Time) bool {
	day := strings.ToLower(now.Weekday().String())
	for _, d := range m.cfg.EntryWeekdays {
		if strings.ToLower(d) == day {
			return true
		}
	}
	return false
}

// evaluateEntry runs sizing, allocation and execution. Any outcome other
// than a fully-established combination returns to scanning, retaining
// nothing.
func (m *Machine) evaluateEntry(ctx context.Context, in TickInput) {
	// Whatever happens below, this tick ends in either an open position or
	// a clean return to scanning.
	m.state = types.StateScanning

	expiration := m.svc.Clock().AddDate(0, 0, m.cfg.TargetDTE)
	chain, err := m.svc.Market.OptionChain(ctx, m.cfg.Underlying, expiration)
	if err != nil {
		m.logger.Warn("Entry abandoned: chain unavailable", zap.Error(err))
		return
	}
	plan, err := m.blueprint.Build(chain, m.cfg)
	if err != nil {
		m.logger.Warn("Entry abandoned: no viable strikes", zap.Error(err))
		return
	}

	units, err := m.svc.Sizer.Size(m.cfg.ID, in.Account.Equity,
		in.Regime.CeilingFraction, m.cfg.MaxAllocation, plan.MarginPerUnit)
	if err != nil {
		m.logger.Warn("Entry abandoned: sizing failed", zap.Error(err))
		return
	}
	if units == 0 {
		m.lastDenial = "sized to zero"
		metrics.EntriesDenied.WithLabelValues("sizing").Inc()
		return
	}

	if err := m.svc.Limiter.Check(m.cfg.Underlying, plan.ShortVol); err != nil {
		if errors.Is(err, types.ErrAllocationDenied) {
			m.lastDenial = err.Error()
			metrics.EntriesDenied.WithLabelValues("allocation").Inc()
			m.logger.Debug("Entry denied by correlation limits", zap.Error(err))
		} else {
			m.logger.Warn("Entry abandoned: allocation check failed", zap.Error(err))
		}
		return
	}

	legs := make([]types.Leg, len(plan.Legs))
	for i, leg := range plan.Legs {
		leg.Quantity = units
		legs[i] = leg
	}

	receipt, err := m.svc.Executor.ExecuteCombination(ctx, m.cfg.ID, m.cfg.Underlying, legs)
	if err != nil {
		m.logger.Error("Entry execution error", zap.Error(err))
		return
	}
	if receipt.State != types.CombinationComplete || !receipt.Established {
		m.logger.Warn("Entry did not establish",
			zap.String("state", string(receipt.State)),
			zap.String("reason", receipt.Reason))
		return
	}

	group, _ := m.svc.Limiter.Group(m.cfg.Underlying)
	entryNet := receipt.NetCredit()
	m.position = &types.Position{
		ID:               uuid.New().String(),
		StrategyID:       m.cfg.ID,
		Underlying:       m.cfg.Underlying,
		CorrelationGroup: group,
		Legs:             legs,
		EntryNet:         entryNet,
		ShortVol:         plan.ShortVol,
		OpenedAt:         m.svc.Clock(),
		Expiration:       legs[0].Expiration,
	}
	m.svc.Limiter.Commit(m.cfg.Underlying, plan.ShortVol)
	m.state = types.StatePositionActive
	metrics.PositionsOpened.Inc()
	m.logger.Info("Position opened",
		zap.String("position", m.position.ID),
		zap.Int("units", units),
		zap.String("entryNet", entryNet.StringFixed(2)))
}

// evaluateOpenPosition marks the position and checks exits. The defensive
// time-based exit is evaluated first and short-circuits the profit and stop
// checks: approaching expiration closes the position no matter its P&L.
func (m *Machine) evaluateOpenPosition(ctx context.Context) {
	now := m.svc.Clock()

	if m.position.DaysToExpiration(now) <= m.cfg.DefensiveDTE {
		m.toExit(types.StateDefensiveExit, "days to expiration at defensive threshold")
		m.attemptClose(ctx)
		return
	}

	if err := m.markPosition(ctx); err != nil {
		m.logger.Warn("Mark unavailable; profit and stop checks skipped", zap.Error(err))
		return
	}

	target := m.position.EntryNet.Abs().Mul(decimal.NewFromFloat(m.cfg.ProfitTarget))
	stop := m.position.EntryNet.Abs().Mul(decimal.NewFromFloat(m.cfg.StopMultiple))
	switch {
	case m.position.UnrealizedPnL.GreaterThanOrEqual(target):
		m.toExit(types.StateProfitExit, "profit target reached")
		m.attemptClose(ctx)
	case m.position.UnrealizedPnL.LessThanOrEqual(stop.Neg()):
		m.toExit(types.StateStopExit, "stop loss reached")
		m.attemptClose(ctx)
	}
}

func (m *Machine) toExit(state types.StrategyState, why string) {
	m.state = state
	m.retryAt = time.Time{}
	m.retryDelay = 0
	m.logger.Info("Exit triggered",
		zap.String("exit", string(state)),
		zap.String("why", why),
		zap.String("unrealized", m.position.UnrealizedPnL.StringFixed(2)))
}

// markPosition refreshes the mark and unrealized P&L from quote midpoints.
func (m *Machine) markPosition(ctx context.Context) error {
	mult := decimal.NewFromInt(100)
	mark := decimal.Zero
	for _, leg := range m.position.Legs {
		q, err := m.svc.Market.Quote(ctx, leg.Symbol)
		if err != nil {
			return fmt.Errorf("quoting %s: %w", leg.Symbol, err)
		}
		value := q.Mid().Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(mult)
		if leg.Side == types.SideSell {
			mark = mark.Sub(value)
		} else {
			mark = mark.Add(value)
		}
	}
	m.position.CurrentMark = mark
	m.position.UnrealizedPnL = m.position.EntryNet.Add(mark)
	return nil
}

// attemptClose submits the closing combination. Failure keeps the machine in
// its exit state and retries with exponential backoff; it never reverts to
// an active position.
func (m *Machine) attemptClose(ctx context.Context) {
	now := m.svc.Clock()
	if !m.retryAt.IsZero() && now.Before(m.retryAt) {
		return
	}

	receipt, err := m.svc.Executor.ExecuteCombination(ctx, m.cfg.ID, m.cfg.Underlying, m.position.ClosingLegs())
	if err != nil || receipt.State != types.CombinationComplete || !receipt.Established {
		if err == nil {
			err = fmt.Errorf("closing order %s: %s", receipt.State, receipt.Reason)
		}
		if m.retryDelay == 0 {
			m.retryDelay = exitRetryBase
		} else if m.retryDelay < exitRetryMax {
			m.retryDelay *= 2
			if m.retryDelay > exitRetryMax {
				m.retryDelay = exitRetryMax
			}
		}
		m.retryAt = now.Add(m.retryDelay)
		m.logger.Warn("Closing order failed; will retry",
			zap.String("exit", string(m.state)),
			zap.Duration("backoff", m.retryDelay),
			zap.Error(err))
		return
	}

	realized := m.position.EntryNet.Add(receipt.NetCredit())
	outcome := types.TradeOutcome{
		StrategyID: m.cfg.ID,
		Underlying: m.cfg.Underlying,
		PnL:        realized,
		IsWin:      realized.IsPositive(),
		ClosedAt:   now,
	}
	metrics.PositionsClosed.WithLabelValues(string(m.state)).Inc()
	m.logger.Info("Position closed",
		zap.String("position", m.position.ID),
		zap.String("exit", string(m.state)),
		zap.String("realized", realized.StringFixed(2)))

	m.svc.Limiter.Release(m.cfg.Underlying, m.position.ShortVol)
	if m.svc.OnOutcome != nil {
		m.svc.OnOutcome(outcome)
	}
	m.position = nil
	m.retryAt = time.Time{}
	m.retryDelay = 0
	m.state = types.StateClosed
}

// Snapshot is the read-only view of a machine for reporting.
type Snapshot struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Underlying string              `json:"underlying"`
	Tier       int                 `json:"tier"`
	State      types.StrategyState `json:"state"`
	LastDenial string              `json:"lastDenial,omitempty"`
	Position   *types.Position     `json:"position,omitempty"`
}

// Snapshot returns an immutable copy of the machine's state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		ID:         m.cfg.ID,
		Type:       m.cfg.Type,
		Underlying: m.cfg.Underlying,
		Tier:       m.cfg.Tier,
		State:      m.state,
		LastDenial: m.lastDenial,
		Position:   m.Position(),
	}
}
