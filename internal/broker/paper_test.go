package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type flatQuoter struct{ price decimal.Decimal }

func (q flatQuoter) MarkPrice(symbol string) (decimal.Decimal, error) {
	return q.price, nil
}

func leg(symbol string, side types.Side, qty int) types.Leg {
	return types.Leg{
		Symbol:     symbol,
		Underlying: "SPX",
		OptionType: types.OptionPut,
		Side:       side,
		Quantity:   qty,
		Strike:     decimal.NewFromInt(5100),
		Expiration: time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
	}
}

func newPaper(t *testing.T) *broker.PaperBroker {
	t.Helper()
	return broker.NewPaperBroker(zap.NewNop(), flatQuoter{decimal.NewFromFloat(2.50)},
		decimal.NewFromInt(100000), true)
}

func TestRepeatedPollsBookFillsOnce(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	id, err := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideSell, 3)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		status, err := b.OrderStatus(ctx, id)
		if err != nil {
			t.Fatalf("poll %d failed: %v", i, err)
		}
		if got := status.FilledQuantity(0); got != 3 {
			t.Fatalf("poll %d filled = %d, want 3", i, got)
		}
	}

	positions, _ := b.Positions(ctx)
	if len(positions) != 1 || positions[0].Quantity != -3 {
		t.Fatalf("positions = %+v, want one short of 3", positions)
	}
}

func TestOffsettingLegsFlattenBook(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	sell, _ := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideSell, 2)})
	b.OrderStatus(ctx, sell)
	buy, _ := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideBuy, 2)})
	b.OrderStatus(ctx, buy)

	positions, _ := b.Positions(ctx)
	if len(positions) != 0 {
		t.Fatalf("positions = %+v, want flat book", positions)
	}
}

func TestCancelStopsFurtherFills(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()
	clock := time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return clock })

	b.Script("SPX-20260918-P-5100", broker.LegScript{FillQuantity: -1, Delay: time.Minute})
	id, _ := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideSell, 4)})

	status, _ := b.OrderStatus(ctx, id)
	if got := status.FilledQuantity(0); got != 0 {
		t.Fatalf("filled before delay = %d, want 0", got)
	}

	if err := b.CancelOrder(ctx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	status, _ = b.OrderStatus(ctx, id)
	if got := status.FilledQuantity(0); got != 0 {
		t.Fatalf("filled after cancel = %d, want 0", got)
	}
	if positions, _ := b.Positions(ctx); len(positions) != 0 {
		t.Fatalf("positions = %+v after cancelled order", positions)
	}
}

func TestRejectScriptFailsOrder(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	b.Script("SPX-20260918-P-5100", broker.LegScript{Reject: true})
	id, _ := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideSell, 1)})

	status, err := b.OrderStatus(ctx, id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Rejected || status.Reason == "" {
		t.Fatalf("status = %+v, want rejection with reason", status)
	}
}

func TestAccountSnapshotChargesShortMargin(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	id, _ := b.SubmitCombination(ctx, []types.Leg{leg("SPX-20260918-P-5100", types.SideSell, 2)})
	b.OrderStatus(ctx, id)

	snap, err := b.AccountSnapshot(ctx)
	if err != nil {
		t.Fatalf("AccountSnapshot failed: %v", err)
	}
	if !snap.Equity.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("equity = %s, want 100000", snap.Equity)
	}
	if !snap.UsedMargin.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("used margin = %s, want 3000 for two short contracts", snap.UsedMargin)
	}
	if len(snap.Positions) != 1 {
		t.Errorf("snapshot positions = %d, want 1", len(snap.Positions))
	}
}

func TestMultiLegDisabled(t *testing.T) {
	b := broker.NewPaperBroker(zap.NewNop(), flatQuoter{decimal.NewFromFloat(2.50)},
		decimal.NewFromInt(100000), false)
	if b.SupportsMultiLeg() {
		t.Fatal("broker claims multi-leg support")
	}
	if _, err := b.SubmitCombination(context.Background(), []types.Leg{leg("X", types.SideSell, 1)}); err == nil {
		t.Fatal("combination submit should fail without multi-leg support")
	}
}
