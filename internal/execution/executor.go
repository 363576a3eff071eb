package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/internal/metrics"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Receipt is the outcome of one combination execution attempt.
type Receipt struct {
	CombinationID string                 `json:"combinationId"`
	State         types.CombinationState `json:"state"`
	Reason        string                 `json:"reason,omitempty"`
	Legs          []types.Leg            `json:"legs"`
	Fills         []types.LegFill        `json:"fills"`
	// Established is true only when every leg filled as intended. A
	// remediated partial fill ends COMPLETE with Established false: the
	// book is flat and no position exists.
	Established bool `json:"established"`
}

// NetCredit returns the total dollars received for the filled legs, negative
// for a net debit. Sells collect premium, buys pay it.
func (r Receipt) NetCredit() decimal.Decimal {
	mult := decimal.NewFromInt(100)
	net := decimal.Zero
	for _, f := range r.Fills {
		amount := f.Price.Mul(decimal.NewFromInt(int64(f.Quantity))).Mul(mult)
		if r.Legs[f.LegIndex].Side == types.SideSell {
			net = net.Add(amount)
		} else {
			net = net.Sub(amount)
		}
	}
	return net
}

// Executor places combinations through the broker with a durable intent
// record written before any leg is submitted. A partial fill is never a
// terminal outcome: the executor either completes the combination or unwinds
// the filled legs back to zero net exposure.
type Executor struct {
	logger *zap.Logger
	broker broker.Broker
	ledger *Ledger
	cfg    types.ExecutionConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires the executor to a broker and ledger.
func NewExecutor(logger *zap.Logger, b broker.Broker, ledger *Ledger, cfg types.ExecutionConfig) *Executor {
	return &Executor{
		logger: logger.Named("executor"),
		broker: b,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// SetClock injects a clock and sleeper for tests.
func (e *Executor) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	e.now = now
	e.sleep = sleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// orderRef maps a broker order back to combination leg indices. legOffset is
// added to the broker-reported leg index: a combined order covers all legs at
// offset 0, a single-leg order covers exactly one leg.
type orderRef struct {
	orderID   string
	legOffset int
	legCount  int
}

// ExecuteCombination runs the full protocol for one leg set. The returned
// error covers infrastructure failures only (ledger writes, broker
// transport); a rejected or remediated order is reported through the receipt
// state, not an error.
func (e *Executor) ExecuteCombination(ctx context.Context, strategyID, underlying string, legs []types.Leg) (Receipt, error) {
	pc := types.PendingCombination{
		ID:          uuid.New().String(),
		StrategyID:  strategyID,
		Underlying:  underlying,
		Legs:        legs,
		State:       types.CombinationSubmitted,
		SubmittedAt: e.now(),
		UpdatedAt:   e.now(),
	}
	// Intent reaches disk before any leg reaches the broker.
	if err := e.ledger.Append(pc); err != nil {
		return Receipt{}, fmt.Errorf("recording intent for %s: %w", pc.ID, err)
	}

	receipt := Receipt{CombinationID: pc.ID, Legs: legs}

	refs, submitErr := e.placeLegs(ctx, legs)
	if submitErr != nil && len(refs) == 0 {
		// Nothing reached the broker; fail cleanly.
		return e.finish(pc, receipt, types.CombinationFailed, fmt.Sprintf("submission failed: %v", submitErr))
	}

	fills, rejected, reason, err := e.pollUntil(ctx, refs, legs, e.now().Add(e.cfg.ConfirmTimeout))
	if err != nil {
		return Receipt{}, err
	}
	pc.Fills = fills
	receipt.Fills = fills

	switch {
	case allFilled(fills, legs):
		receipt.Established = true
		return e.finish(pc, receipt, types.CombinationComplete, "")

	case len(fills) == 0:
		e.cancelAll(refs)
		if rejected {
			return e.finish(pc, receipt, types.CombinationFailed, reason)
		}
		return e.finish(pc, receipt, types.CombinationFailed, "no fills within confirmation window")

	default:
		return e.remediate(&pc, receipt, refs)
	}
}

// remediate flattens the filled subset of a combination back to zero net
// exposure. Remediation runs on a background context: once a leg is filled,
// caller cancellation no longer applies.
func (e *Executor) remediate(pc *types.PendingCombination, receipt Receipt, refs []orderRef) (Receipt, error) {
	ctx := context.Background()

	pc.State = types.CombinationPartiallyFilled
	pc.Reason = fmt.Sprintf("%d/%d legs filled within confirmation window", pc.FilledLegCount(), len(pc.Legs))
	pc.UpdatedAt = e.now()
	if err := e.ledger.Append(*pc); err != nil {
		return Receipt{}, fmt.Errorf("recording partial fill for %s: %w", pc.ID, err)
	}
	metrics.PartialFills.Inc()
	e.logger.Warn("Partial fill; unwinding filled legs",
		zap.String("combination", pc.ID),
		zap.String("strategy", pc.StrategyID),
		zap.Int("filledLegs", pc.FilledLegCount()),
		zap.Int("totalLegs", len(pc.Legs)))

	e.cancelAll(refs)

	offsets := OffsettingLegs(pc.Legs, pc.Fills)
	pc.State = types.CombinationUnwinding
	pc.UpdatedAt = e.now()
	if err := e.ledger.Append(*pc); err != nil {
		return Receipt{}, fmt.Errorf("recording unwind for %s: %w", pc.ID, err)
	}

	offsetRefs, submitErr := e.placeLegs(ctx, offsets)
	if submitErr != nil && len(offsetRefs) == 0 {
		receipt.Fills = pc.Fills
		return e.finishNaked(pc, receipt, fmt.Sprintf("offset submission failed: %v", submitErr))
	}

	offsetFills, _, _, err := e.pollUntil(ctx, offsetRefs, offsets, e.now().Add(e.cfg.RemediationTimeout))
	if err != nil {
		return Receipt{}, err
	}
	receipt.Fills = pc.Fills

	if allFilled(offsetFills, offsets) {
		e.logger.Info("Unwind complete; zero net exposure restored",
			zap.String("combination", pc.ID))
		return e.finish(*pc, receipt, types.CombinationComplete, "unwound to zero net exposure")
	}
	e.cancelAll(offsetRefs)
	return e.finishNaked(pc, receipt, "offsetting orders did not fill within remediation window")
}

// finishNaked records a remediation failure. A naked leg is a reportable
// incident: the ledger record stays UNWINDING, never terminal, so startup
// recovery keeps remediating until the book is actually flat. The caller
// sees a failed combination and opens no position.
func (e *Executor) finishNaked(pc *types.PendingCombination, receipt Receipt, reason string) (Receipt, error) {
	metrics.NakedLegIncidents.Inc()
	e.logger.Error("Naked leg exposure: remediation failed",
		zap.String("combination", pc.ID),
		zap.String("strategy", pc.StrategyID),
		zap.String("reason", reason))
	pc.State = types.CombinationUnwinding
	pc.Reason = reason
	pc.UpdatedAt = e.now()
	if err := e.ledger.Append(*pc); err != nil {
		return Receipt{}, fmt.Errorf("recording remediation failure for %s: %w", pc.ID, err)
	}
	receipt.State = types.CombinationFailed
	receipt.Reason = reason
	return receipt, nil
}

func (e *Executor) finish(pc types.PendingCombination, receipt Receipt, state types.CombinationState, reason string) (Receipt, error) {
	pc.State = state
	pc.Reason = reason
	pc.UpdatedAt = e.now()
	if err := e.ledger.Append(pc); err != nil {
		return Receipt{}, fmt.Errorf("recording terminal state for %s: %w", pc.ID, err)
	}
	receipt.State = state
	receipt.Reason = reason
	return receipt, nil
}

// placeLegs submits the leg set, preferring a single atomic multi-leg order.
// On the sequential path a mid-sequence submit error returns the refs placed
// so far together with the error so the caller can remediate.
func (e *Executor) placeLegs(ctx context.Context, legs []types.Leg) ([]orderRef, error) {
	if e.broker.SupportsMultiLeg() {
		orderID, err := e.broker.SubmitCombination(ctx, legs)
		if err != nil {
			return nil, fmt.Errorf("submitting combination: %w", err)
		}
		return []orderRef{{orderID: orderID, legOffset: 0, legCount: len(legs)}}, nil
	}

	var refs []orderRef
	for i, leg := range legs {
		orderID, err := e.broker.SubmitLeg(ctx, leg)
		if err != nil {
			return refs, fmt.Errorf("submitting leg %d (%s): %w", i, leg.Symbol, err)
		}
		refs = append(refs, orderRef{orderID: orderID, legOffset: i, legCount: 1})
	}
	return refs, nil
}

// pollUntil polls order status until every leg fills, the order is rejected,
// or the deadline passes. Returned fills are cumulative and keyed by
// combination leg index. A context cancellation before any fill is treated
// as the deadline; after a fill, polling continues until the deadline since
// remediation is mandatory.
func (e *Executor) pollUntil(ctx context.Context, refs []orderRef, legs []types.Leg, deadline time.Time) (fills []types.LegFill, rejected bool, reason string, err error) {
	for {
		fills = fills[:0]
		rejected = false
		for _, ref := range refs {
			status, statusErr := e.broker.OrderStatus(ctx, ref.orderID)
			if statusErr != nil {
				return nil, false, "", fmt.Errorf("polling order %s: %w", ref.orderID, statusErr)
			}
			if status.Rejected {
				rejected = true
				reason = status.Reason
				continue
			}
			for _, f := range status.Fills {
				fills = append(fills, types.LegFill{
					LegIndex: ref.legOffset + f.LegIndex,
					OrderID:  ref.orderID,
					Price:    f.Price,
					Quantity: f.Quantity,
					FilledAt: f.FilledAt,
				})
			}
		}
		if allFilled(fills, legs) {
			return fills, false, "", nil
		}
		if rejected && len(fills) == 0 {
			return nil, true, reason, nil
		}
		if !e.now().Before(deadline) {
			return fills, rejected, reason, nil
		}
		if sleepErr := e.sleep(ctx, e.cfg.PollInterval); sleepErr != nil {
			if len(fills) > 0 {
				// Mandatory remediation: once a leg is filled, caller
				// cancellation stops applying to this combination.
				ctx = context.Background()
				continue
			}
			return fills, rejected, reason, nil
		}
	}
}

func (e *Executor) cancelAll(refs []orderRef) {
	for _, ref := range refs {
		if err := e.broker.CancelOrder(context.Background(), ref.orderID); err != nil {
			e.logger.Warn("Order cancellation failed",
				zap.String("orderId", ref.orderID),
				zap.Error(err))
		}
	}
}

// allFilled reports whether the cumulative fills cover every leg quantity.
func allFilled(fills []types.LegFill, legs []types.Leg) bool {
	filled := make(map[int]int, len(legs))
	for _, f := range fills {
		filled[f.LegIndex] += f.Quantity
	}
	for i, leg := range legs {
		if filled[i] < leg.Quantity {
			return false
		}
	}
	return true
}

// OffsettingLegs builds the flattening leg set for the filled portion of a
// combination: one opposite-side leg per leg with any filled quantity.
func OffsettingLegs(legs []types.Leg, fills []types.LegFill) []types.Leg {
	filled := make(map[int]int, len(legs))
	for _, f := range fills {
		filled[f.LegIndex] += f.Quantity
	}
	var offsets []types.Leg
	for i, leg := range legs {
		qty := filled[i]
		if qty == 0 {
			continue
		}
		offset := leg
		offset.Side = leg.Side.Opposite()
		offset.Quantity = qty
		offsets = append(offsets, offset)
	}
	return offsets
}
