// Package broker defines the execution boundary and a paper implementation
// used for simulation and tests.
package broker

import (
	"context"
	"time"

	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Fill is a confirmed fill for one leg of an order, keyed by the leg's index
// within the submitted order.
type Fill struct {
	LegIndex int             `json:"legIndex"`
	Symbol   string          `json:"symbol"`
	Side     types.Side      `json:"side"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filledAt"`
}

// OrderStatus reports the broker-side state of a submitted order. Fills are
// cumulative: each poll returns the total filled quantity per leg so far.
type OrderStatus struct {
	OrderID   string    `json:"orderId"`
	Fills     []Fill    `json:"fills"`
	Rejected  bool      `json:"rejected"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FilledQuantity returns the cumulative filled quantity for one leg index.
func (s OrderStatus) FilledQuantity(legIndex int) int {
	total := 0
	for _, f := range s.Fills {
		if f.LegIndex == legIndex {
			total += f.Quantity
		}
	}
	return total
}

// Filled reports whether every requested leg quantity has been filled.
func (s OrderStatus) Filled(legs []types.Leg) bool {
	if s.Rejected {
		return false
	}
	for i, leg := range legs {
		if s.FilledQuantity(i) < leg.Quantity {
			return false
		}
	}
	return true
}

// Broker is the minimal surface the executor and recovery paths need.
// Implementations must be safe for concurrent use.
type Broker interface {
	// SupportsMultiLeg reports whether SubmitCombination places all legs as
	// one atomic broker-side order.
	SupportsMultiLeg() bool

	// SubmitCombination places all legs as a single order and returns its
	// broker order ID. Only valid when SupportsMultiLeg returns true.
	SubmitCombination(ctx context.Context, legs []types.Leg) (string, error)

	// SubmitLeg places a single-leg order and returns its broker order ID.
	SubmitLeg(ctx context.Context, leg types.Leg) (string, error)

	// OrderStatus returns the cumulative fill state of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)

	// CancelOrder cancels the unfilled remainder of an order. Cancelling an
	// already-complete or unknown order is not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// AccountSnapshot returns equity, used margin and open positions.
	AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error)

	// Positions returns all open broker-side positions.
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
}

// Quoter prices a contract for paper fills. The market data feed satisfies
// it through an adapter; tests provide fixed prices.
type Quoter interface {
	MarkPrice(symbol string) (decimal.Decimal, error)
}
