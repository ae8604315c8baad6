package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// Query answers a read-only request. Queries read committed state and do not
// take the write lock.
func (s *Service) Query(ctx context.Context, m msg.QueryMsg) (any, error) {
	if _, err := m.Variant(); err != nil {
		return nil, err
	}

	switch {
	case m.GetBalance != nil:
		amount, err := s.store.GetBalance(ctx, m.GetBalance.Account, m.GetBalance.Symbol)
		return msg.GetBalanceResponse{Amount: amount}, err
	case m.GetBalances != nil:
		return s.balances(ctx, m.GetBalances.Account)
	case m.GetFundingPaymentRates != nil:
		return s.fundingRates(ctx, *m.GetFundingPaymentRates)
	case m.GetPosition != nil:
		p, err := pair.New(m.GetPosition.PriceDenom, m.GetPosition.AssetDenom)
		if err != nil {
			return nil, err
		}
		return s.position(ctx, m.GetPosition.Account, p)
	case m.GetPositions != nil:
		return s.positions(ctx, m.GetPositions.Account)
	case m.GetOrder != nil:
		p, err := pair.New(m.GetOrder.PriceDenom, m.GetOrder.AssetDenom)
		if err != nil {
			return nil, err
		}
		orders, err := s.store.ListOrders(ctx, m.GetOrder.Account, p)
		if orders == nil {
			orders = []model.Order{}
		}
		return msg.GetOrderResponse{Orders: orders}, err
	case m.GetPortfolioSpecs != nil:
		return s.portfolioSpecs(ctx, m.GetPortfolioSpecs.Account)
	case m.GetInsuranceFundBalance != nil:
		balance, err := s.store.GetInsuranceFund(ctx, m.GetInsuranceFundBalance.Denom)
		return msg.GetInsuranceFundBalanceResponse{Balance: balance}, err
	case m.GetOrderEstimate != nil:
		return s.orderEstimate(ctx, m.GetOrderEstimate.Order)
	default:
		params, err := loadParams(ctx, s.store)
		if err != nil {
			return nil, err
		}
		return config(params), nil
	}
}

func (s *Service) balances(ctx context.Context, account string) (msg.GetBalancesResponse, error) {
	resp := msg.GetBalancesResponse{Symbols: []string{}, Amounts: []signed.Decimal{}}
	balances, err := s.store.GetBalances(ctx, account)
	if err != nil {
		return resp, err
	}
	for _, b := range balances {
		resp.Symbols = append(resp.Symbols, b.Denom)
		resp.Amounts = append(resp.Amounts, b.Amount)
	}
	return resp, nil
}

// fundingRates returns the pair's rates in [start, end]. A non-zero lookback
// caps how far before end the window may reach.
func (s *Service) fundingRates(ctx context.Context, q msg.GetFundingPaymentRates) (msg.GetFundingPaymentRatesResponse, error) {
	resp := msg.GetFundingPaymentRatesResponse{
		PriceDiffs: []decimal.Decimal{},
		Negatives:  []bool{},
		Epochs:     []int64{},
	}
	p, err := pair.New(q.PriceDenom, q.AssetDenom)
	if err != nil {
		return resp, err
	}
	if q.EndEpoch < q.StartEpoch {
		return resp, fmt.Errorf("%w: end epoch %d before start %d", ErrInvalidParam, q.EndEpoch, q.StartEpoch)
	}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}
	start := q.StartEpoch
	if lb := params.FundingPaymentLookback; lb > 0 && uint64(q.EndEpoch-start) > lb {
		start = q.EndEpoch - int64(lb)
	}

	rates, err := s.store.GetFundingRates(ctx, p, start, q.EndEpoch)
	if err != nil {
		return resp, err
	}
	for _, r := range rates {
		resp.PriceDiffs = append(resp.PriceDiffs, r.PriceDiff.Magnitude())
		resp.Negatives = append(resp.Negatives, r.PriceDiff.IsNegative())
		resp.Epochs = append(resp.Epochs, r.Epoch)
	}
	return resp, nil
}

func (s *Service) position(ctx context.Context, account string, p pair.Pair) (msg.GetPositionResponse, error) {
	resp := msg.GetPositionResponse{PriceDenom: p.PriceDenom, AssetDenom: p.AssetDenom}
	for _, dir := range []model.PositionDirection{model.Long, model.Short} {
		pos, err := s.store.GetPosition(ctx, account, p, dir)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return resp, err
		}
		mark, err := markPrice(ctx, s.store, p, *pos)
		if err != nil {
			return resp, err
		}
		fillSide(&resp, *pos, mark)
	}
	return resp, nil
}

func fillSide(resp *msg.GetPositionResponse, pos model.Position, mark signed.Decimal) {
	if pos.Direction == model.Long {
		resp.LongPosition = pos.Quantity
		resp.LongPositionMarginDebt = pos.TotalMarginDebt
		resp.LongPositionLastFundingPaymentEpoch = pos.LastFundingPaymentEpoch
		resp.LongPositionPnL = pos.UnrealizedPnL(mark)
		return
	}
	resp.ShortPosition = pos.Quantity
	resp.ShortPositionMarginDebt = pos.TotalMarginDebt
	resp.ShortPositionLastFundingPaymentEpoch = pos.LastFundingPaymentEpoch
	resp.ShortPositionPnL = pos.UnrealizedPnL(mark)
}

// positions groups an account's positions by pair, in pair key order.
func (s *Service) positions(ctx context.Context, account string) (msg.GetPositionsResponse, error) {
	resp := msg.GetPositionsResponse{Positions: []msg.GetPositionResponse{}}
	positions, err := s.store.ListPositions(ctx, account)
	if err != nil {
		return resp, err
	}
	index := make(map[pair.Pair]int)
	for _, ap := range positions {
		i, ok := index[ap.Pair]
		if !ok {
			i = len(resp.Positions)
			index[ap.Pair] = i
			resp.Positions = append(resp.Positions, msg.GetPositionResponse{
				PriceDenom: ap.Pair.PriceDenom,
				AssetDenom: ap.Pair.AssetDenom,
			})
		}
		mark, err := markPrice(ctx, s.store, ap.Pair, ap.Position)
		if err != nil {
			return resp, err
		}
		fillSide(&resp.Positions[i], ap.Position, mark)
	}
	return resp, nil
}

// portfolioSpecs summarizes an account in the base denom. Leverage is
// position value over equity and is zero without positive equity; buying
// power is the extra value max leverage would still allow.
func (s *Service) portfolioSpecs(ctx context.Context, account string) (msg.GetPortfolioSpecsResponse, error) {
	var resp msg.GetPortfolioSpecsResponse
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}
	pf, err := loadPortfolio(ctx, s.store, params, account)
	if err != nil {
		return resp, err
	}

	equity := pf.Equity()
	leverage := signed.Zero()
	if equity.IsPositive() {
		if leverage, err = pf.PositionValue.Div(equity); err != nil {
			return resp, err
		}
	}
	return msg.GetPortfolioSpecsResponse{
		Equity:             equity,
		TotalPositionValue: pf.PositionValue,
		BuyingPower:        equity.Mul(params.MaxLeverage).Sub(pf.PositionValue).PositivePart(),
		UnrealizedPnL:      pf.UnrealizedPnL,
		Leverage:           leverage,
		Balance:            pf.Balance,
	}, nil
}

// orderEstimate prices an order: the fee at its type's rate and the whole
// base-denom units that must be deposited to place it. Closing orders only
// need the fee.
func (s *Service) orderEstimate(ctx context.Context, o model.Order) (msg.GetOrderEstimateResponse, error) {
	var resp msg.GetOrderEstimateResponse
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}
	rate, ok := params.FeeRate(o.OrderType)
	if !ok {
		return resp, fmt.Errorf("%w: %s", ErrUnknownOrderType, o.OrderType)
	}
	notional := o.Notional().Abs()
	fee := notional.Mul(rate)

	required := fee
	if o.Effect != model.Close {
		if !o.Leverage.IsPositive() {
			return resp, fmt.Errorf("%w: %s", ErrInvalidLeverage, o.Leverage)
		}
		margin, err := notional.Div(o.Leverage)
		if err != nil {
			return resp, err
		}
		required = required.Add(margin)
	}
	units, err := required.CeilUint()
	if err != nil {
		return resp, err
	}
	return msg.GetOrderEstimateResponse{
		OrderFeeEstimate: fee,
		DepositsRequired: msg.Coin{Denom: params.BaseDenom, Amount: units},
	}, nil
}
