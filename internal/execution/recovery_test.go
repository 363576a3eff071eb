package execution_test

import (
	"context"
	"testing"

	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// TestRecoverySubmittedNoFillsMarksFailed is the restart case where the
// process died after writing intent but before any fill: reconciliation
// must mark the record FAILED and create no position.
func TestRecoverySubmittedNoFillsMarksFailed(t *testing.T) {
	h := newHarness(t, true)
	legs := condorLegs()

	pc := types.PendingCombination{
		ID: "orphan", StrategyID: "s1", Underlying: "SPX",
		Legs: legs, State: types.CombinationSubmitted,
		SubmittedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	if err := h.ledger.Append(pc); err != nil {
		t.Fatal(err)
	}

	recovery := execution.NewRecovery(zap.NewNop(), h.executor)
	if err := recovery.Run(context.Background()); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	pending, _ := h.ledger.Pending()
	if len(pending) != 0 {
		t.Fatalf("record not resolved: %+v", pending)
	}
	positions, _ := h.broker.Positions(context.Background())
	if len(positions) != 0 {
		t.Fatalf("no position should exist: %+v", positions)
	}
}

// TestRecoveryFlattensResidualExposure covers the crash-mid-fill case: the
// broker holds part of the combination, so reconciliation must offset it
// back to zero before trading resumes.
func TestRecoveryFlattensResidualExposure(t *testing.T) {
	h := newHarness(t, true)
	legs := condorLegs()
	ctx := context.Background()

	// Simulate the pre-crash fills: the two put legs reached the broker.
	for _, leg := range legs[:2] {
		orderID, err := h.broker.SubmitLeg(ctx, leg)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.broker.OrderStatus(ctx, orderID); err != nil {
			t.Fatal(err)
		}
	}

	pc := types.PendingCombination{
		ID: "crashed", StrategyID: "s1", Underlying: "SPX",
		Legs: legs, State: types.CombinationPartiallyFilled,
		SubmittedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	if err := h.ledger.Append(pc); err != nil {
		t.Fatal(err)
	}

	recovery := execution.NewRecovery(zap.NewNop(), h.executor)
	if err := recovery.Run(ctx); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	positions, _ := h.broker.Positions(ctx)
	if len(positions) != 0 {
		t.Fatalf("book not flat after recovery: %+v", positions)
	}
	pending, _ := h.ledger.Pending()
	if len(pending) != 0 {
		t.Fatalf("record not resolved: %+v", pending)
	}
}

// TestRecoveryOverlappingRecordsFlattenOnce has two pending records naming
// the same short contract while the broker holds only one. Reconciliation
// must flatten that contract exactly once; the second record resolves
// without trading, and the book ends flat rather than net long.
func TestRecoveryOverlappingRecordsFlattenOnce(t *testing.T) {
	h := newHarness(t, true)
	legs := condorLegs()
	ctx := context.Background()

	orderID, err := h.broker.SubmitLeg(ctx, legs[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.broker.OrderStatus(ctx, orderID); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"crashed-a", "crashed-b"} {
		pc := types.PendingCombination{
			ID: id, StrategyID: "s1", Underlying: "SPX",
			Legs: legs, State: types.CombinationSubmitted,
			SubmittedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
		}
		if err := h.ledger.Append(pc); err != nil {
			t.Fatal(err)
		}
	}

	recovery := execution.NewRecovery(zap.NewNop(), h.executor)
	if err := recovery.Run(ctx); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	positions, _ := h.broker.Positions(ctx)
	if len(positions) != 0 {
		t.Fatalf("book not flat after recovery: %+v", positions)
	}
	pending, _ := h.ledger.Pending()
	if len(pending) != 0 {
		t.Fatalf("records not resolved: %+v", pending)
	}
}

// TestRecoveryIdempotent replays reconciliation twice; the second run must
// find nothing to do and leave broker state unchanged.
func TestRecoveryIdempotent(t *testing.T) {
	h := newHarness(t, true)
	legs := condorLegs()
	ctx := context.Background()

	orderID, err := h.broker.SubmitLeg(ctx, legs[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.broker.OrderStatus(ctx, orderID); err != nil {
		t.Fatal(err)
	}

	pc := types.PendingCombination{
		ID: "crashed", StrategyID: "s1", Underlying: "SPX",
		Legs: legs, State: types.CombinationSubmitted,
		SubmittedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	if err := h.ledger.Append(pc); err != nil {
		t.Fatal(err)
	}

	recovery := execution.NewRecovery(zap.NewNop(), h.executor)
	if err := recovery.Run(ctx); err != nil {
		t.Fatalf("first recovery run failed: %v", err)
	}
	first, _ := h.broker.Positions(ctx)

	if err := recovery.Run(ctx); err != nil {
		t.Fatalf("second recovery run failed: %v", err)
	}
	second, _ := h.broker.Positions(ctx)

	if len(first) != 0 || len(second) != 0 {
		t.Fatalf("broker state differs or not flat: first=%+v second=%+v", first, second)
	}
	pending, _ := h.ledger.Pending()
	if len(pending) != 0 {
		t.Fatalf("pending after second run: %+v", pending)
	}
}
