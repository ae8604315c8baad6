package model

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// MarginRatios are the equity / position-value thresholds. Initial gates new
// exposure, Partial triggers partial liquidation and Maintenance triggers full
// liquidation. Initial >= Partial >= Maintenance is expected; the type does
// not enforce it, Validate does.
type MarginRatios struct {
	Initial     decimal.Decimal `json:"initial"`
	Partial     decimal.Decimal `json:"partial"`
	Maintenance decimal.Decimal `json:"maintenance"`
}

// Validate checks each ratio lies in [0, 1] and that they are ordered.
func (m MarginRatios) Validate() error {
	one := decimal.NewFromInt(1)
	for name, r := range map[string]decimal.Decimal{
		"initial": m.Initial, "partial": m.Partial, "maintenance": m.Maintenance,
	} {
		if r.IsNegative() || r.GreaterThan(one) {
			return fmt.Errorf("margin ratio %s=%s outside [0, 1]", name, r)
		}
	}
	if m.Initial.LessThan(m.Partial) || m.Partial.LessThan(m.Maintenance) {
		return fmt.Errorf("margin ratios must satisfy initial >= partial >= maintenance (got %s, %s, %s)",
			m.Initial, m.Partial, m.Maintenance)
	}
	return nil
}

// MarginLevel is the outcome of a margin assessment.
type MarginLevel int

const (
	MarginHealthy MarginLevel = iota
	MarginPartial
	MarginMaintenance
)

func (l MarginLevel) String() string {
	switch l {
	case MarginPartial:
		return "partial"
	case MarginMaintenance:
		return "maintenance"
	default:
		return "healthy"
	}
}

// Ratio returns equity / positionValue; an account without exposure has no
// ratio and ok is false.
func Ratio(equity, positionValue signed.Decimal) (r signed.Decimal, ok bool) {
	if positionValue.IsZero() {
		return signed.Zero(), false
	}
	r, err := equity.Div(positionValue)
	if err != nil {
		return signed.Zero(), false
	}
	return r, true
}

// Assess compares the account's margin ratio with the partial and
// maintenance thresholds.
func (m MarginRatios) Assess(equity, positionValue signed.Decimal) MarginLevel {
	r, ok := Ratio(equity, positionValue)
	if !ok {
		if equity.IsNegative() {
			return MarginMaintenance
		}
		return MarginHealthy
	}
	switch {
	case r.LessThan(signed.New(m.Maintenance)):
		return MarginMaintenance
	case r.LessThan(signed.New(m.Partial)):
		return MarginPartial
	default:
		return MarginHealthy
	}
}

// CanOpen reports whether the initial ratio still holds with the given
// equity and (post-trade) position value.
func (m MarginRatios) CanOpen(equity, positionValue signed.Decimal) bool {
	r, ok := Ratio(equity, positionValue)
	if !ok {
		return !equity.IsNegative()
	}
	return r.GreaterThanOrEqual(signed.New(m.Initial))
}

// Params is the engine's mutable configuration state.
type Params struct {
	Admin                  string         `json:"admin"`
	LimitOrderFee          signed.Decimal `json:"limit_order_fee"`
	MarketOrderFee         signed.Decimal `json:"market_order_fee"`
	LiquidationOrderFee    signed.Decimal `json:"liquidation_order_fee"`
	MaxLeverage            signed.Decimal `json:"max_leverage"`
	FundingPaymentLookback uint64         `json:"funding_payment_lookback"`
	NativeToken            string         `json:"native_token"`
	BaseDenom              string         `json:"default_base"`
	Denoms                 []string       `json:"denoms"`
	FundingPaymentPairs    []pair.Pair    `json:"funding_payment_pairs"`
	DefaultMarginRatios    MarginRatios   `json:"default_margin_ratios"`
}

// FeeRate returns the fee rate charged on an execution of type t. Liquidation
// and unknown types have no market/limit rate; unknown reports ok=false.
func (p *Params) FeeRate(t OrderType) (signed.Decimal, bool) {
	switch t {
	case Limit:
		return p.LimitOrderFee, true
	case Market, FokMarket:
		return p.MarketOrderFee, true
	case Liquidation:
		return p.LiquidationOrderFee, true
	default:
		return signed.Zero(), false
	}
}

// SupportsDenom reports whether denom is tradable.
func (p *Params) SupportsDenom(denom string) bool {
	for _, d := range p.Denoms {
		if d == denom {
			return true
		}
	}
	return false
}

// HasFundingPair reports whether funding is tracked for pr.
func (p *Params) HasFundingPair(pr pair.Pair) bool {
	for _, fp := range p.FundingPaymentPairs {
		if fp == pr {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (p *Params) Clone() *Params {
	c := *p
	c.Denoms = append([]string(nil), p.Denoms...)
	c.FundingPaymentPairs = append([]pair.Pair(nil), p.FundingPaymentPairs...)
	return &c
}
