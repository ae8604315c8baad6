// Package model defines the core domain types shared across the engine.
// All monetary and quantity values use signed.Decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

var (
	// ErrBrokenInvariant flags a state that can only come from a defect
	// elsewhere, e.g. a negative position quantity.
	ErrBrokenInvariant = errors.New("model: broken invariant")

	// ErrOverfill is returned when an execution exceeds an order's
	// remaining quantity.
	ErrOverfill = errors.New("model: execution exceeds remaining quantity")
)

// Order is a resting or newly placed order.
type Order struct {
	ID                uint64            `json:"id"`
	Account           string            `json:"account"`
	PriceDenom        string            `json:"price_denom"`
	AssetDenom        string            `json:"asset_denom"`
	Price             signed.Decimal    `json:"price"`
	Quantity          signed.Decimal    `json:"quantity"`
	RemainingQuantity signed.Decimal    `json:"remaining_quantity"`
	Direction         PositionDirection `json:"direction"`
	Effect            PositionEffect    `json:"effect"`
	Leverage          signed.Decimal    `json:"leverage"`
	OrderType         OrderType         `json:"order_type"`
}

// Pair returns the order's market.
func (o Order) Pair() pair.Pair {
	return pair.Pair{PriceDenom: o.PriceDenom, AssetDenom: o.AssetDenom}
}

// IsFilled reports whether nothing remains to execute. Filled orders are
// terminal.
func (o Order) IsFilled() bool { return o.RemainingQuantity.IsZero() }

// Notional returns price × quantity.
func (o Order) Notional() signed.Decimal { return o.Price.Mul(o.Quantity) }

// Fill returns a copy of the order with qty executed. The remaining quantity
// only ever decreases.
func (o Order) Fill(qty signed.Decimal) (Order, error) {
	if !qty.IsPositive() {
		return o, fmt.Errorf("%w: non-positive fill %s", ErrOverfill, qty)
	}
	if qty.GreaterThan(o.RemainingQuantity) {
		return o, fmt.Errorf("%w: fill %s, remaining %s", ErrOverfill, qty, o.RemainingQuantity)
	}
	o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
	return o, nil
}

// FundingPaymentRate is a cumulative funding rate sample for one pair.
type FundingPaymentRate struct {
	PriceDiff signed.Decimal `json:"price_diff"`
	Epoch     int64          `json:"epoch"`
}

// Balance is an account's collateral in one denom.
type Balance struct {
	Denom  string         `json:"denom"`
	Amount signed.Decimal `json:"amount"`
}

// AccountPosition ties a position to its owner and market.
type AccountPosition struct {
	Account  string    `json:"account"`
	Pair     pair.Pair `json:"pair"`
	Position Position  `json:"position"`
}

// SettlementRecord is the immutable ledger row written for every applied
// settlement entry. Once created, records are never modified.
type SettlementRecord struct {
	ID            string            `json:"id"`
	Epoch         int64             `json:"epoch"`
	OrderID       uint64            `json:"order_id"`
	Account       string            `json:"account"`
	Pair          pair.Pair         `json:"pair"`
	Direction     PositionDirection `json:"direction"`
	Effect        PositionEffect    `json:"effect"`
	OrderType     OrderType         `json:"order_type"`
	Quantity      signed.Decimal    `json:"quantity"`
	ExecutionCost signed.Decimal    `json:"execution_cost"`
	ExpectedCost  signed.Decimal    `json:"expected_cost"`
	Fee           signed.Decimal    `json:"fee"`
	RealizedPnL   signed.Decimal    `json:"realized_pnl"`
	Timestamp     time.Time         `json:"timestamp"`
}
