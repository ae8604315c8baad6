package msg

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/signed"
)

var (
	ErrInvalidOrderData = errors.New("msg: invalid order data")
	ErrInvalidCoin      = errors.New("msg: invalid coin")
)

// SettlementEntry is one fill reported by the matching venue.
type SettlementEntry struct {
	Account                string                  `json:"account"`
	PriceDenom             string                  `json:"price_denom"`
	AssetDenom             string                  `json:"asset_denom"`
	Quantity               decimal.Decimal         `json:"quantity"`
	ExecutionCostOrProceed decimal.Decimal         `json:"execution_cost_or_proceed"`
	ExpectedCostOrProceed  decimal.Decimal         `json:"expected_cost_or_proceed"`
	PositionDirection      model.PositionDirection `json:"position_direction"`
	OrderType              model.OrderType         `json:"order_type"`
	OrderID                uint64                  `json:"order_id"`
}

// OrderPlacement is an order as submitted to the venue. Direction and order
// type travel as integer codes; leverage and effect are packed into Data.
type OrderPlacement struct {
	ID                uint64          `json:"id"`
	Status            int32           `json:"status"`
	Account           string          `json:"account"`
	ContractAddress   string          `json:"contract_address"`
	PriceDenom        string          `json:"price_denom"`
	AssetDenom        string          `json:"asset_denom"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	OrderType         int32           `json:"order_type"`
	PositionDirection int32           `json:"position_direction"`
	Data              string          `json:"data"`
	StatusDescription string          `json:"status_description"`
}

// OrderData is the JSON document carried in OrderPlacement.Data.
type OrderData struct {
	Leverage       decimal.Decimal      `json:"leverage"`
	PositionEffect model.PositionEffect `json:"position_effect"`
}

// Encode renders d as the string stored in OrderPlacement.Data.
func (d OrderData) Encode() string {
	b, _ := json.Marshal(d)
	return string(b)
}

// ToOrder converts a placement into a domain order. Remaining quantity starts
// at the full quantity. Codes outside the known tables map to the Unknown
// variants; callers decide whether those are acceptable.
func (p OrderPlacement) ToOrder() (model.Order, error) {
	var data OrderData
	if err := json.Unmarshal([]byte(p.Data), &data); err != nil {
		return model.Order{}, fmt.Errorf("%w: %v", ErrInvalidOrderData, err)
	}
	qty := signed.New(p.Quantity)
	return model.Order{
		ID:                p.ID,
		Account:           p.Account,
		PriceDenom:        p.PriceDenom,
		AssetDenom:        p.AssetDenom,
		Price:             signed.New(p.Price),
		Quantity:          qty,
		RemainingQuantity: qty,
		Direction:         model.DirectionFromCode(p.PositionDirection),
		Effect:            data.PositionEffect,
		Leverage:          signed.New(data.Leverage),
		OrderType:         model.OrderTypeFromCode(p.OrderType),
	}, nil
}

// DepositInfo credits collateral ahead of an order batch.
type DepositInfo struct {
	Account string          `json:"account"`
	Denom   string          `json:"denom"`
	Amount  decimal.Decimal `json:"amount"`
}

type LiquidationRequest struct {
	Requestor string `json:"requestor"`
	Account   string `json:"account"`
}

type ContractOrderResult struct {
	ContractAddress       string                 `json:"contract_address"`
	OrderPlacementResults []OrderPlacementResult `json:"order_placement_results"`
	OrderExecutionResults []OrderExecutionResult `json:"order_execution_results"`
}

// OrderPlacementResult reports the venue's verdict on one placement; a
// non-zero StatusCode means the order was rejected.
type OrderPlacementResult struct {
	OrderID    uint64 `json:"order_id"`
	StatusCode int32  `json:"status_code"`
}

type OrderExecutionResult struct {
	OrderID           uint64          `json:"order_id"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	ExecutedQuantity  decimal.Decimal `json:"executed_quantity"`
	TotalNotional     decimal.Decimal `json:"total_notional"`
	PositionDirection string          `json:"position_direction"`
}

type DecimalCoin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// Coin is an integer amount of base units. Amount must fit in 128 bits and
// travels as a decimal string.
type Coin struct {
	Denom  string
	Amount *uint256.Int
}

// NewCoin builds a coin from a uint64 amount.
func NewCoin(denom string, amount uint64) Coin {
	return Coin{Denom: denom, Amount: uint256.NewInt(amount)}
}

type wireCoin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

func (c Coin) MarshalJSON() ([]byte, error) {
	amount := "0"
	if c.Amount != nil {
		amount = c.Amount.Dec()
	}
	return json.Marshal(wireCoin{Denom: c.Denom, Amount: amount})
}

func (c *Coin) UnmarshalJSON(b []byte) error {
	var w wireCoin
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	amount := new(uint256.Int)
	if err := amount.SetFromDecimal(w.Amount); err != nil {
		return fmt.Errorf("%w: amount %q: %v", ErrInvalidCoin, w.Amount, err)
	}
	if amount.BitLen() > 128 {
		return fmt.Errorf("%w: amount %s exceeds 128 bits", ErrInvalidCoin, w.Amount)
	}
	c.Denom, c.Amount = w.Denom, amount
	return nil
}

// Signed returns the coin amount as a non-negative signed decimal.
func (c Coin) Signed() (signed.Decimal, error) {
	if c.Amount == nil {
		return signed.Zero(), nil
	}
	return signed.FromAtomics(c.Amount, 0, false)
}
