package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LegScript overrides paper fill behavior for one symbol. Used by tests and
// simulation to force partial fills and rejections.
type LegScript struct {
	// FillQuantity caps the filled quantity. Negative means fill in full.
	FillQuantity int
	// Reject fails any order containing the symbol.
	Reject bool
	// Delay postpones fills; polls before submission time plus Delay report
	// zero fills for the leg.
	Delay time.Duration
}

type paperOrder struct {
	id          string
	legs        []types.Leg
	submittedAt time.Time
	cancelled   bool
	rejected    bool
	reason      string
	applied     map[int]int // leg index -> quantity already booked
}

// PaperBroker simulates fills at the quoted mark price. Multi-leg support is
// configurable so both executor paths get exercised.
type PaperBroker struct {
	logger   *zap.Logger
	quoter   Quoter
	multiLeg bool

	mu        sync.Mutex
	orders    map[string]*paperOrder
	scripts   map[string]LegScript
	positions map[string]int // symbol -> signed quantity
	equity    decimal.Decimal
	marginPer decimal.Decimal // margin charged per short contract
	now       func() time.Time
}

// NewPaperBroker creates a paper broker with the given starting equity.
func NewPaperBroker(logger *zap.Logger, quoter Quoter, equity decimal.Decimal, multiLeg bool) *PaperBroker {
	return &PaperBroker{
		logger:    logger.Named("paper-broker"),
		quoter:    quoter,
		multiLeg:  multiLeg,
		orders:    make(map[string]*paperOrder),
		scripts:   make(map[string]LegScript),
		positions: make(map[string]int),
		equity:    equity,
		marginPer: decimal.NewFromInt(1500),
		now:       time.Now,
	}
}

// Script installs a fill override for a symbol. Orders touching the symbol
// honor it until cleared.
func (b *PaperBroker) Script(symbol string, s LegScript) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[symbol] = s
}

// ClearScripts removes all fill overrides.
func (b *PaperBroker) ClearScripts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = make(map[string]LegScript)
}

// SetClock injects a clock for tests.
func (b *PaperBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetEquity adjusts reported account equity, letting tests and the simulator
// model drawdowns.
func (b *PaperBroker) SetEquity(equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.equity = equity
}

func (b *PaperBroker) SupportsMultiLeg() bool { return b.multiLeg }

func (b *PaperBroker) SubmitCombination(ctx context.Context, legs []types.Leg) (string, error) {
	if !b.multiLeg {
		return "", fmt.Errorf("multi-leg orders not supported")
	}
	return b.submit(legs), nil
}

func (b *PaperBroker) SubmitLeg(ctx context.Context, leg types.Leg) (string, error) {
	return b.submit([]types.Leg{leg}), nil
}

func (b *PaperBroker) submit(legs []types.Leg) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := &paperOrder{
		id:          uuid.New().String(),
		legs:        legs,
		submittedAt: b.now(),
		applied:     make(map[int]int),
	}
	for _, leg := range legs {
		if s, ok := b.scripts[leg.Symbol]; ok && s.Reject {
			o.rejected = true
			o.reason = fmt.Sprintf("leg %s rejected", leg.Symbol)
		}
	}
	b.orders[o.id] = o
	b.logger.Debug("Paper order submitted",
		zap.String("orderId", o.id),
		zap.Int("legs", len(legs)))
	return o.id
}

func (b *PaperBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown order %s", orderID)
	}
	status := OrderStatus{OrderID: orderID, UpdatedAt: b.now()}
	if o.rejected {
		status.Rejected = true
		status.Reason = o.reason
		return status, nil
	}
	for i, leg := range o.legs {
		qty := leg.Quantity
		if s, ok := b.scripts[leg.Symbol]; ok {
			if s.Delay > 0 && b.now().Before(o.submittedAt.Add(s.Delay)) {
				qty = 0
			} else if s.FillQuantity >= 0 && s.FillQuantity < qty {
				qty = s.FillQuantity
			}
		}
		if o.cancelled {
			// Cancellation stops further fills; booked fills stand.
			qty = o.applied[i]
		}
		if qty == 0 {
			continue
		}
		price, err := b.quoter.MarkPrice(leg.Symbol)
		if err != nil {
			return OrderStatus{}, fmt.Errorf("pricing fill for %s: %w", leg.Symbol, err)
		}
		status.Fills = append(status.Fills, Fill{
			LegIndex: i,
			Symbol:   leg.Symbol,
			Side:     leg.Side,
			Quantity: qty,
			Price:    price,
			FilledAt: o.submittedAt,
		})
		if delta := qty - o.applied[i]; delta > 0 {
			b.applyFill(leg, delta)
			o.applied[i] = qty
		}
	}
	return status, nil
}

// applyFill updates the position book by the incremental fill. Buys and
// sells of the same symbol net against each other, so offsetting legs
// flatten positions.
func (b *PaperBroker) applyFill(leg types.Leg, delta int) {
	signed := delta
	if leg.Side == types.SideSell {
		signed = -delta
	}
	b.positions[leg.Symbol] += signed
	if b.positions[leg.Symbol] == 0 {
		delete(b.positions, leg.Symbol)
	}
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.cancelled = true
	}
	return nil
}

func (b *PaperBroker) AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := types.AccountSnapshot{
		Equity: b.equity,
		AsOf:   b.now(),
	}
	margin := decimal.Zero
	for symbol, qty := range b.positions {
		snapshot.Positions = append(snapshot.Positions, types.BrokerPosition{
			Symbol:   symbol,
			Quantity: qty,
		})
		if qty < 0 {
			margin = margin.Add(b.marginPer.Mul(decimal.NewFromInt(int64(-qty))))
		}
	}
	snapshot.UsedMargin = margin
	return snapshot, nil
}

func (b *PaperBroker) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(b.positions))
	for symbol, qty := range b.positions {
		out = append(out, types.BrokerPosition{Symbol: symbol, Quantity: qty})
	}
	return out, nil
}
