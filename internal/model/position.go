package model

import (
	"fmt"

	"github.com/vortex/perp-engine/internal/signed"
)

// Position is an account's exposure on one pair in one direction. An account
// may hold a Long and a Short position on the same pair at the same time;
// they are two entries and are never netted.
type Position struct {
	Direction PositionDirection `json:"direction"`
	// Quantity, TotalMarginDebt and TotalCost are never negative. A negative
	// value means an invariant was broken upstream.
	Quantity signed.Decimal `json:"quantity"`
	// Borrowed amount (price denom) backing the position.
	TotalMarginDebt signed.Decimal `json:"total_margin_debt"`
	// Borrowed plus out-of-pocket amount (price denom) paid to open it.
	TotalCost signed.Decimal `json:"total_cost"`
	// Epoch at which funding was last charged or paid.
	LastFundingPaymentEpoch int64 `json:"last_funding_payment_epoch"`
	// Cumulative funding rate at that epoch.
	LastPaidFundingPaymentRate signed.Decimal `json:"last_paid_funding_payment_rate"`
}

// NewPosition returns an empty position anchored at the given funding rate.
func NewPosition(dir PositionDirection, rate FundingPaymentRate) Position {
	return Position{
		Direction:                  dir,
		LastFundingPaymentEpoch:    rate.Epoch,
		LastPaidFundingPaymentRate: rate.PriceDiff,
	}
}

// Validate reports negative fields as ErrBrokenInvariant.
func (p Position) Validate() error {
	if p.Quantity.IsNegative() {
		return fmt.Errorf("%w: negative quantity %s", ErrBrokenInvariant, p.Quantity)
	}
	if p.TotalMarginDebt.IsNegative() {
		return fmt.Errorf("%w: negative margin debt %s", ErrBrokenInvariant, p.TotalMarginDebt)
	}
	if p.TotalCost.IsNegative() {
		return fmt.Errorf("%w: negative total cost %s", ErrBrokenInvariant, p.TotalCost)
	}
	return nil
}

// IsEmpty reports whether the position holds no quantity.
func (p Position) IsEmpty() bool { return p.Quantity.IsZero() }

// Value is the mark-to-market notional: quantity × mark.
func (p Position) Value(mark signed.Decimal) signed.Decimal {
	return p.Quantity.Mul(mark)
}

// UnrealizedPnL is value − cost for longs and cost − value for shorts.
func (p Position) UnrealizedPnL(mark signed.Decimal) signed.Decimal {
	switch p.Direction {
	case Long:
		return p.Value(mark).Sub(p.TotalCost)
	case Short:
		return p.TotalCost.Sub(p.Value(mark))
	default:
		return signed.Zero()
	}
}

// Equity is the account's own capital tied up in the position.
func (p Position) Equity() signed.Decimal {
	return p.TotalCost.Sub(p.TotalMarginDebt)
}

// FundingDue returns what the holder owes since the last payment given the
// current cumulative rate. Longs pay a positive rate delta, shorts receive
// it; a negative result is a credit.
func (p Position) FundingDue(cumulative signed.Decimal) signed.Decimal {
	due := cumulative.Sub(p.LastPaidFundingPaymentRate).Mul(p.Quantity)
	switch p.Direction {
	case Long:
		return due
	case Short:
		return due.Neg()
	default:
		return signed.Zero()
	}
}

// Increase adds quantity, cost and debt from an opening execution.
func (p Position) Increase(qty, cost, debt signed.Decimal) Position {
	p.Quantity = p.Quantity.Add(qty)
	p.TotalCost = p.TotalCost.Add(cost)
	p.TotalMarginDebt = p.TotalMarginDebt.Add(debt)
	return p
}

// InsufficientOpenPositionError is returned when a close exceeds the open
// quantity.
type InsufficientOpenPositionError struct {
	IntendedClose signed.Decimal
	CanBeClosed   signed.Decimal
}

func (e *InsufficientOpenPositionError) Error() string {
	return fmt.Sprintf("insufficient open amount to close: intended %s, open %s", e.IntendedClose, e.CanBeClosed)
}

// Reduce closes qty of the position and returns the released share of cost
// and debt with the remaining position. Closing the full quantity releases
// cost and debt exactly, leaving no dust.
func (p Position) Reduce(qty signed.Decimal) (Position, signed.Decimal, signed.Decimal, error) {
	if qty.GreaterThan(p.Quantity) {
		return p, signed.Zero(), signed.Zero(), &InsufficientOpenPositionError{IntendedClose: qty, CanBeClosed: p.Quantity}
	}
	if qty.Equal(p.Quantity) {
		cost, debt := p.TotalCost, p.TotalMarginDebt
		p.Quantity, p.TotalCost, p.TotalMarginDebt = signed.Zero(), signed.Zero(), signed.Zero()
		return p, cost, debt, nil
	}
	ratio, err := qty.Div(p.Quantity)
	if err != nil {
		return p, signed.Zero(), signed.Zero(), err
	}
	cost := p.TotalCost.Mul(ratio)
	debt := p.TotalMarginDebt.Mul(ratio)
	p.Quantity = p.Quantity.Sub(qty)
	p.TotalCost = p.TotalCost.Sub(cost)
	p.TotalMarginDebt = p.TotalMarginDebt.Sub(debt)
	return p, cost, debt, nil
}
