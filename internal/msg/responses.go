package msg

import (
	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/signed"
)

type GetBalanceResponse struct {
	Amount signed.Decimal `json:"amount"`
}

// GetBalancesResponse lists balances as parallel slices.
type GetBalancesResponse struct {
	Symbols []string         `json:"symbols"`
	Amounts []signed.Decimal `json:"amounts"`
}

// GetPositionResponse reports both sides of a pair; an absent side is zero.
type GetPositionResponse struct {
	PriceDenom                           string         `json:"price_denom"`
	AssetDenom                           string         `json:"asset_denom"`
	LongPosition                         signed.Decimal `json:"long_position"`
	LongPositionMarginDebt               signed.Decimal `json:"long_position_margin_debt"`
	LongPositionLastFundingPaymentEpoch  int64          `json:"long_position_last_funding_payment_epoch"`
	LongPositionPnL                      signed.Decimal `json:"long_position_pnl"`
	ShortPosition                        signed.Decimal `json:"short_position"`
	ShortPositionMarginDebt              signed.Decimal `json:"short_position_margin_debt"`
	ShortPositionLastFundingPaymentEpoch int64          `json:"short_position_last_funding_payment_epoch"`
	ShortPositionPnL                     signed.Decimal `json:"short_position_pnl"`
}

type GetPositionsResponse struct {
	Positions []GetPositionResponse `json:"positions"`
}

type GetPortfolioSpecsResponse struct {
	Equity             signed.Decimal `json:"equity"`
	TotalPositionValue signed.Decimal `json:"total_position_value"`
	BuyingPower        signed.Decimal `json:"buying_power"`
	UnrealizedPnL      signed.Decimal `json:"unrealized_pnl"`
	Leverage           signed.Decimal `json:"leverage"`
	Balance            signed.Decimal `json:"balance"`
}

type GetInsuranceFundBalanceResponse struct {
	Balance signed.Decimal `json:"balance"`
}

type GetOrderResponse struct {
	Orders []model.Order `json:"orders"`
}

// GetFundingPaymentRatesResponse carries each rate split into magnitude and
// sign so clients without a signed type can rebuild it.
type GetFundingPaymentRatesResponse struct {
	PriceDiffs []decimal.Decimal `json:"price_diffs"`
	Negatives  []bool            `json:"negatives"`
	Epochs     []int64           `json:"epochs"`
}

type GetOrderEstimateResponse struct {
	OrderFeeEstimate signed.Decimal `json:"order_fee_estimate"`
	DepositsRequired Coin           `json:"deposits_required"`
}

type GetConfigResponse struct {
	Admin                  string             `json:"admin"`
	LimitOrderFee          signed.Decimal     `json:"limit_order_fee"`
	MarketOrderFee         signed.Decimal     `json:"market_order_fee"`
	LiquidationOrderFee    signed.Decimal     `json:"liquidation_order_fee"`
	DefaultMarginRatios    model.MarginRatios `json:"default_margin_ratios"`
	MaxLeverage            signed.Decimal     `json:"max_leverage"`
	FundingPaymentLookback uint64             `json:"funding_payment_lookback"`
	NativeToken            string             `json:"native_token"`
	DefaultBase            string             `json:"default_base"`
	Denoms                 []string           `json:"denoms"`
}

// UnsuccessfulOrder is a placement rejected by the engine.
type UnsuccessfulOrder struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

// UnsuccessfulDeposit is a batch deposit that was not credited.
type UnsuccessfulDeposit struct {
	Account string `json:"account"`
	Denom   string `json:"denom"`
	Reason  string `json:"reason"`
}

type BulkOrderPlacementsResponse struct {
	UnsuccessfulOrders   []UnsuccessfulOrder   `json:"unsuccessful_orders"`
	UnsuccessfulDeposits []UnsuccessfulDeposit `json:"unsuccessful_deposits"`
}

// UnsuccessfulEntry is a settlement entry that was not applied.
type UnsuccessfulEntry struct {
	OrderID uint64 `json:"order_id"`
	Reason  string `json:"reason"`
}

type SettlementResponse struct {
	UnsuccessfulEntries []UnsuccessfulEntry `json:"unsuccessful_entries"`
}

// UnsuccessfulAccount is a liquidation request that produced no orders.
type UnsuccessfulAccount struct {
	Account string `json:"account"`
	Reason  string `json:"reason"`
}

type LiquidationResponse struct {
	SuccessfulAccounts   []string              `json:"successful_accounts"`
	UnsuccessfulAccounts []UnsuccessfulAccount `json:"unsuccessful_accounts"`
	LiquidationOrders    []OrderPlacement      `json:"liquidation_orders"`
}

// WithdrawResponse lists the coins released to the sender.
type WithdrawResponse struct {
	Coins []Coin `json:"coins"`
}
