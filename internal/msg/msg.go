// Package msg defines the JSON contracts exchanged with the engine. Enum
// messages are externally tagged: exactly one snake_case key names the
// variant, e.g. {"new_block":{"epoch":7}}.
package msg

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/signed"
)

var (
	ErrEmptyMessage     = errors.New("msg: no variant set")
	ErrAmbiguousMessage = errors.New("msg: more than one variant set")
	ErrUnsupported      = errors.New("msg: unsupported message")
)

// ExecuteMsg is a user-initiated command. The whitelist, denom-mapping and
// minting variants decode but are not served.
type ExecuteMsg struct {
	Deposit                      *Deposit                      `json:"deposit,omitempty"`
	Withdraw                     *Withdraw                     `json:"withdraw,omitempty"`
	WithdrawInsuranceFund        *WithdrawInsuranceFund        `json:"withdraw_insurance_fund,omitempty"`
	AddToFundingPaymentPairs     *AddToFundingPaymentPairs     `json:"add_to_funding_payment_pairs,omitempty"`
	AddDenom                     *DenomArg                     `json:"add_denom,omitempty"`
	RemoveDenom                  *DenomArg                     `json:"remove_denom,omitempty"`
	UpdateMarginRatio            *UpdateMarginRatio            `json:"update_margin_ratio,omitempty"`
	UpdateMaxLeverage            *UpdateMaxLeverage            `json:"update_max_leverage,omitempty"`
	UpdateMarketOrderFee         *UpdateMarketOrderFee         `json:"update_market_order_fee,omitempty"`
	UpdateLimitOrderFee          *UpdateLimitOrderFee          `json:"update_limit_order_fee,omitempty"`
	UpdateLiquidationOrderFee    *UpdateLiquidationOrderFee    `json:"update_liquidation_order_fee,omitempty"`
	UpdateAdmin                  *UpdateAdmin                  `json:"update_admin,omitempty"`
	UpdateFundingPaymentLookback *UpdateFundingPaymentLookback `json:"update_funding_payment_lookback,omitempty"`
	UpdateNativeToken            *UpdateNativeToken            `json:"update_native_token,omitempty"`
	UpdateBase                   *UpdateBase                   `json:"update_base,omitempty"`
	Liquidate                    *Liquidate                    `json:"liquidate,omitempty"`

	UseWhitelist                        *bool         `json:"use_whitelist,omitempty"`
	AddToWhitelist                      *ConverterArg `json:"add_to_whitelist,omitempty"`
	RemoveFromWhitelist                 *ConverterArg `json:"remove_from_whitelist,omitempty"`
	AddToFullDenomMapping               *DenomMapping `json:"add_to_full_denom_mapping,omitempty"`
	AddToOracleDenomMapping             *DenomMapping `json:"add_to_oracle_denom_mapping,omitempty"`
	AddToSupportedMultiCollateralDenoms *DenomArg     `json:"add_to_supported_multi_collateral_denoms,omitempty"`
	CreateDenom                         *CreateDenom  `json:"create_denom,omitempty"`
	MintDenom                           *MintDenom    `json:"mint_denom,omitempty"`
}

// Variant names the populated variant.
func (m ExecuteMsg) Variant() (string, error) { return variant(m) }

// Supported reports whether the populated variant is served by the engine.
func (m ExecuteMsg) Supported() bool {
	return m.UseWhitelist == nil && m.AddToWhitelist == nil && m.RemoveFromWhitelist == nil &&
		m.AddToFullDenomMapping == nil && m.AddToOracleDenomMapping == nil &&
		m.AddToSupportedMultiCollateralDenoms == nil && m.CreateDenom == nil && m.MintDenom == nil
}

type Deposit struct{}

type Withdraw struct {
	Coins []Coin `json:"coins"`
}

type WithdrawInsuranceFund struct {
	Coin Coin `json:"coin"`
}

type AddToFundingPaymentPairs struct {
	PriceDenom string `json:"price_denom"`
	AssetDenom string `json:"asset_denom"`
}

type DenomArg struct {
	Denom string `json:"denom"`
}

type ConverterArg struct {
	Converter string `json:"converter"`
}

type DenomMapping struct {
	FullDenom      string          `json:"full_denom,omitempty"`
	OracleDenom    string          `json:"oracle_denom,omitempty"`
	InternalDenom  string          `json:"internal_denom"`
	ConversionRate decimal.Decimal `json:"conversion_rate"`
}

type CreateDenom struct {
	DenomName string `json:"denom_name"`
}

type MintDenom struct {
	DenomName   string `json:"denom_name"`
	DenomAmount string `json:"denom_amount"`
}

type UpdateMarginRatio struct {
	MarginRatio model.MarginRatios `json:"margin_ratio"`
}

type UpdateMaxLeverage struct {
	MaxLeverage signed.Decimal `json:"max_leverage"`
}

type UpdateMarketOrderFee struct {
	MarketOrderFee signed.Decimal `json:"market_order_fee"`
}

type UpdateLimitOrderFee struct {
	LimitOrderFee signed.Decimal `json:"limit_order_fee"`
}

type UpdateLiquidationOrderFee struct {
	LiquidationOrderFee signed.Decimal `json:"liquidation_order_fee"`
}

type UpdateAdmin struct {
	Admin string `json:"admin"`
}

type UpdateFundingPaymentLookback struct {
	FundingPaymentLookback uint64 `json:"funding_payment_lookback"`
}

type UpdateNativeToken struct {
	NativeToken string `json:"native_token"`
}

type UpdateBase struct {
	DefaultBase string `json:"default_base"`
}

type Liquidate struct {
	Account                    string `json:"account"`
	MulticollateralLiquidation bool   `json:"multicollateral_liquidation"`
}

// SudoMsg is a privileged callback from the host chain or venue.
type SudoMsg struct {
	Settlement             *Settlement             `json:"settlement,omitempty"`
	NewBlock               *NewBlock               `json:"new_block,omitempty"`
	BulkOrderPlacements    *BulkOrderPlacements    `json:"bulk_order_placements,omitempty"`
	BulkOrderCancellations *BulkOrderCancellations `json:"bulk_order_cancellations,omitempty"`
	Liquidation            *Liquidation            `json:"liquidation,omitempty"`
	FinalizeBlock          *FinalizeBlock          `json:"finalize_block,omitempty"`
}

func (m SudoMsg) Variant() (string, error) { return variant(m) }

type Settlement struct {
	Epoch   int64             `json:"epoch"`
	Entries []SettlementEntry `json:"entries"`
}

type NewBlock struct {
	Epoch int64 `json:"epoch"`
}

type BulkOrderPlacements struct {
	Orders   []OrderPlacement `json:"orders"`
	Deposits []DepositInfo    `json:"deposits"`
}

type BulkOrderCancellations struct {
	IDs []uint64 `json:"ids"`
}

type Liquidation struct {
	Requests []LiquidationRequest `json:"requests"`
}

type FinalizeBlock struct {
	ContractOrderResults []ContractOrderResult `json:"contract_order_results"`
}

// QueryMsg is a read-only request.
type QueryMsg struct {
	GetBalance              *GetBalance             `json:"get_balance,omitempty"`
	GetBalances             *AccountArg             `json:"get_balances,omitempty"`
	GetFundingPaymentRates  *GetFundingPaymentRates `json:"get_funding_payment_rates,omitempty"`
	GetPosition             *GetPosition            `json:"get_position,omitempty"`
	GetPositions            *AccountArg             `json:"get_positions,omitempty"`
	GetOrder                *GetOrder               `json:"get_order,omitempty"`
	GetPortfolioSpecs       *AccountArg             `json:"get_portfolio_specs,omitempty"`
	GetInsuranceFundBalance *DenomArg               `json:"get_insurance_fund_balance,omitempty"`
	GetOrderEstimate        *GetOrderEstimate       `json:"get_order_estimate,omitempty"`
	GetConfig               *GetConfig              `json:"get_config,omitempty"`
}

func (m QueryMsg) Variant() (string, error) { return variant(m) }

type AccountArg struct {
	Account string `json:"account"`
}

type GetBalance struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
}

type GetFundingPaymentRates struct {
	PriceDenom string `json:"price_denom"`
	AssetDenom string `json:"asset_denom"`
	StartEpoch int64  `json:"start_epoch"`
	EndEpoch   int64  `json:"end_epoch"`
}

type GetPosition struct {
	Account    string `json:"account"`
	PriceDenom string `json:"price_denom"`
	AssetDenom string `json:"asset_denom"`
}

type GetOrder struct {
	Account    string `json:"account"`
	PriceDenom string `json:"price_denom"`
	AssetDenom string `json:"asset_denom"`
}

type GetOrderEstimate struct {
	Order model.Order `json:"order"`
}

type GetConfig struct{}

// variant returns the json name of the single non-nil pointer field of an
// envelope struct.
func variant(envelope any) (string, error) {
	v := reflect.ValueOf(envelope)
	t := v.Type()
	var names []string
	for i := 0; i < v.NumField(); i++ {
		if f := v.Field(i); f.Kind() == reflect.Pointer && !f.IsNil() {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return "", ErrEmptyMessage
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousMessage, strings.Join(names, ", "))
	}
}
