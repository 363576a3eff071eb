package execution

import (
	"context"
	"fmt"

	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Recovery reconciles non-terminal ledger records against actual broker
// state at startup. It runs to completion before any strategy ticks: a
// record that cannot be resolved is fatal and blocks all trading.
type Recovery struct {
	logger   *zap.Logger
	executor *Executor
}

// NewRecovery builds the startup reconciler over the executor's broker and
// ledger.
func NewRecovery(logger *zap.Logger, executor *Executor) *Recovery {
	return &Recovery{
		logger:   logger.Named("recovery"),
		executor: executor,
	}
}

// Run resolves every pending ledger record. For each record the broker's
// actual positions decide the outcome: no exposure in any leg means the
// order never filled and the record is marked FAILED with no position
// created; any residual exposure is flattened back to zero through the
// normal unwind path. The procedure is idempotent — a second run finds no
// pending records and no exposure.
func (r *Recovery) Run(ctx context.Context) error {
	ledger := r.executor.ledger
	pending, err := ledger.Pending()
	if err != nil {
		return fmt.Errorf("%w: reading ledger: %s", types.ErrRecoveryIncomplete, err)
	}
	if len(pending) == 0 {
		r.logger.Info("No pending combinations; ledger clean")
		return ledger.Compact()
	}

	r.logger.Warn("Reconciling pending combinations from previous run",
		zap.Int("pending", len(pending)))

	positions, err := r.executor.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("%w: querying broker positions: %s", types.ErrRecoveryIncomplete, err)
	}
	book := make(map[string]int, len(positions))
	for _, p := range positions {
		book[p.Symbol] = p.Quantity
	}

	for _, pc := range pending {
		if err := r.resolve(ctx, pc, book); err != nil {
			return err
		}
	}
	return ledger.Compact()
}

// resolve settles one pending record. The book map is mutated as exposure is
// attributed so overlapping records do not double-flatten a symbol.
func (r *Recovery) resolve(ctx context.Context, pc types.PendingCombination, book map[string]int) error {
	offsets := residualOffsets(pc.Legs, book)

	if len(offsets) == 0 {
		r.logger.Info("Pending combination has no broker exposure; marking failed",
			zap.String("combination", pc.ID),
			zap.String("strategy", pc.StrategyID),
			zap.String("recordedState", string(pc.State)))
		pc.State = types.CombinationFailed
		pc.Reason = "no broker exposure found at recovery"
		pc.UpdatedAt = r.executor.now()
		if err := r.executor.ledger.Append(pc); err != nil {
			return fmt.Errorf("%w: recording failure for %s: %s", types.ErrRecoveryIncomplete, pc.ID, err)
		}
		return nil
	}

	r.logger.Warn("Pending combination has residual exposure; flattening",
		zap.String("combination", pc.ID),
		zap.String("strategy", pc.StrategyID),
		zap.Int("legs", len(offsets)))

	pc.State = types.CombinationUnwinding
	pc.Reason = "flattening residual exposure at recovery"
	pc.UpdatedAt = r.executor.now()
	if err := r.executor.ledger.Append(pc); err != nil {
		return fmt.Errorf("%w: recording unwind for %s: %s", types.ErrRecoveryIncomplete, pc.ID, err)
	}

	refs, submitErr := r.executor.placeLegs(ctx, offsets)
	if submitErr != nil && len(refs) == 0 {
		return fmt.Errorf("%w: submitting offsets for %s: %s", types.ErrRecoveryIncomplete, pc.ID, submitErr)
	}
	deadline := r.executor.now().Add(r.executor.cfg.RemediationTimeout)
	fills, _, _, err := r.executor.pollUntil(ctx, refs, offsets, deadline)
	if err != nil {
		return fmt.Errorf("%w: polling offsets for %s: %s", types.ErrRecoveryIncomplete, pc.ID, err)
	}
	if !allFilled(fills, offsets) {
		r.executor.cancelAll(refs)
		return fmt.Errorf("%w: combination %s still has exposure after remediation window",
			types.ErrRecoveryIncomplete, pc.ID)
	}

	for _, leg := range offsets {
		book[leg.Symbol] += offsetSign(leg) * leg.Quantity
	}
	pc.State = types.CombinationComplete
	pc.Reason = "flattened at recovery"
	pc.UpdatedAt = r.executor.now()
	if err := r.executor.ledger.Append(pc); err != nil {
		return fmt.Errorf("%w: recording completion for %s: %s", types.ErrRecoveryIncomplete, pc.ID, err)
	}
	r.logger.Info("Pending combination flattened",
		zap.String("combination", pc.ID))
	return nil
}

func offsetSign(leg types.Leg) int {
	if leg.Side == types.SideBuy {
		return 1
	}
	return -1
}

// residualOffsets builds flattening legs for whatever part of a pending
// combination is actually on the broker's book. Exposure is attributed per
// leg up to the leg's intended quantity, in the leg's fill direction.
func residualOffsets(legs []types.Leg, book map[string]int) []types.Leg {
	var offsets []types.Leg
	for _, leg := range legs {
		held := book[leg.Symbol]
		expectedSign := 1
		if leg.Side == types.SideSell {
			expectedSign = -1
		}
		if held == 0 || sign(held) != expectedSign {
			continue
		}
		qty := held * expectedSign // magnitude
		if qty > leg.Quantity {
			qty = leg.Quantity
		}
		offset := leg
		offset.Side = leg.Side.Opposite()
		offset.Quantity = qty
		offsets = append(offsets, offset)
	}
	return offsets
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	if n > 0 {
		return 1
	}
	return 0
}
