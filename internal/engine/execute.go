package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// deposit credits the attached funds to the sender.
func (s *Service) deposit(ctx context.Context, sender string, funds []msg.Coin) error {
	if err := validateAccount(sender); err != nil {
		return err
	}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return err
	}

	tx := store.Begin(s.store)
	for _, coin := range funds {
		if !params.SupportsDenom(coin.Denom) {
			return fmt.Errorf("%w: %s", ErrUnsupportedDenom, coin.Denom)
		}
		amount, err := coin.Signed()
		if err != nil {
			return err
		}
		if _, err := tx.AddBalance(ctx, sender, coin.Denom, amount); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("deposit", zap.String("account", sender), zap.Int("coins", len(funds)))
	return nil
}

// withdraw debits whole units from the sender. Only the floor of a balance is
// withdrawable, and the account must still meet the initial margin ratio
// afterwards.
func (s *Service) withdraw(ctx context.Context, sender string, coins []msg.Coin) (msg.WithdrawResponse, error) {
	resp := msg.WithdrawResponse{Coins: []msg.Coin{}}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}

	tx := store.Begin(s.store)
	for _, coin := range coins {
		amount, err := coin.Signed()
		if err != nil {
			return resp, err
		}
		if amount.IsZero() {
			continue
		}
		balance, err := tx.GetBalance(ctx, sender, coin.Denom)
		if err != nil {
			return resp, err
		}
		available := signed.Zero()
		if balance.IsPositive() {
			whole, err := balance.FloorUint()
			if err != nil {
				return resp, err
			}
			if available, err = signed.FromAtomics(whole, 0, false); err != nil {
				return resp, err
			}
		}
		if amount.GreaterThan(available) {
			return resp, fmt.Errorf("%w: withdraw %s %s, available %s", ErrInsufficientBalance, amount, coin.Denom, available)
		}
		tx.SetBalance(sender, coin.Denom, balance.Sub(amount))
		resp.Coins = append(resp.Coins, coin)
	}

	pf, err := loadPortfolio(ctx, tx, params, sender)
	if err != nil {
		return resp, err
	}
	if !params.DefaultMarginRatios.CanOpen(pf.Equity(), pf.PositionValue) {
		return msg.WithdrawResponse{Coins: []msg.Coin{}}, ErrInsufficientMargin
	}
	if err := tx.Commit(ctx); err != nil {
		return msg.WithdrawResponse{Coins: []msg.Coin{}}, err
	}
	s.log.Info("withdraw", zap.String("account", sender), zap.Int("coins", len(resp.Coins)))
	return resp, nil
}

// withdrawInsuranceFund pays out of the insurance fund to the admin.
func (s *Service) withdrawInsuranceFund(ctx context.Context, sender string, coin msg.Coin) (msg.WithdrawResponse, error) {
	resp := msg.WithdrawResponse{Coins: []msg.Coin{}}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}
	if sender != params.Admin {
		return resp, ErrUnauthorized
	}
	amount, err := coin.Signed()
	if err != nil {
		return resp, err
	}

	tx := store.Begin(s.store)
	fund, err := tx.GetInsuranceFund(ctx, coin.Denom)
	if err != nil {
		return resp, err
	}
	if amount.GreaterThan(fund) {
		return resp, fmt.Errorf("%w: insurance fund holds %s %s", ErrInsufficientBalance, fund, coin.Denom)
	}
	tx.SetInsuranceFund(coin.Denom, fund.Sub(amount))
	if err := tx.Commit(ctx); err != nil {
		return resp, err
	}
	s.log.Warn("insurance fund withdrawn", zap.String("denom", coin.Denom), zap.Stringer("amount", amount))
	resp.Coins = append(resp.Coins, coin)
	return resp, nil
}

// updateParams applies an admin-only configuration change.
func (s *Service) updateParams(ctx context.Context, sender string, m msg.ExecuteMsg) error {
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return err
	}
	if sender != params.Admin {
		return ErrUnauthorized
	}
	next := params.Clone()

	switch {
	case m.AddToFundingPaymentPairs != nil:
		p, err := pair.New(m.AddToFundingPaymentPairs.PriceDenom, m.AddToFundingPaymentPairs.AssetDenom)
		if err != nil {
			return err
		}
		if !next.HasFundingPair(p) {
			next.FundingPaymentPairs = append(next.FundingPaymentPairs, p)
		}
	case m.AddDenom != nil:
		if err := pair.ValidateDenom(m.AddDenom.Denom); err != nil {
			return err
		}
		if !next.SupportsDenom(m.AddDenom.Denom) {
			next.Denoms = append(next.Denoms, m.AddDenom.Denom)
		}
	case m.RemoveDenom != nil:
		if m.RemoveDenom.Denom == next.BaseDenom {
			return fmt.Errorf("%w: cannot remove the base denom", ErrInvalidParam)
		}
		kept := next.Denoms[:0]
		for _, d := range next.Denoms {
			if d != m.RemoveDenom.Denom {
				kept = append(kept, d)
			}
		}
		next.Denoms = kept
	case m.UpdateMarginRatio != nil:
		next.DefaultMarginRatios = m.UpdateMarginRatio.MarginRatio
	case m.UpdateMaxLeverage != nil:
		next.MaxLeverage = m.UpdateMaxLeverage.MaxLeverage
	case m.UpdateMarketOrderFee != nil:
		next.MarketOrderFee = m.UpdateMarketOrderFee.MarketOrderFee
	case m.UpdateLimitOrderFee != nil:
		next.LimitOrderFee = m.UpdateLimitOrderFee.LimitOrderFee
	case m.UpdateLiquidationOrderFee != nil:
		next.LiquidationOrderFee = m.UpdateLiquidationOrderFee.LiquidationOrderFee
	case m.UpdateAdmin != nil:
		next.Admin = m.UpdateAdmin.Admin
	case m.UpdateFundingPaymentLookback != nil:
		next.FundingPaymentLookback = m.UpdateFundingPaymentLookback.FundingPaymentLookback
	case m.UpdateNativeToken != nil:
		next.NativeToken = m.UpdateNativeToken.NativeToken
	case m.UpdateBase != nil:
		if !next.SupportsDenom(m.UpdateBase.DefaultBase) {
			return fmt.Errorf("%w: base %s", ErrUnsupportedDenom, m.UpdateBase.DefaultBase)
		}
		next.BaseDenom = m.UpdateBase.DefaultBase
	default:
		return fmt.Errorf("%w: no handler", msg.ErrUnsupported)
	}
	if err := validateParams(next); err != nil {
		return err
	}

	tx := store.Begin(s.store)
	tx.SetParams(next)
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	variant, _ := m.Variant()
	s.log.Info("params updated", zap.String("update", variant), zap.String("admin", sender))
	return nil
}

// config renders params as the get_config response.
func config(p *model.Params) msg.GetConfigResponse {
	return msg.GetConfigResponse{
		Admin:                  p.Admin,
		LimitOrderFee:          p.LimitOrderFee,
		MarketOrderFee:         p.MarketOrderFee,
		LiquidationOrderFee:    p.LiquidationOrderFee,
		DefaultMarginRatios:    p.DefaultMarginRatios,
		MaxLeverage:            p.MaxLeverage,
		FundingPaymentLookback: p.FundingPaymentLookback,
		NativeToken:            p.NativeToken,
		DefaultBase:            p.BaseDenom,
		Denoms:                 append([]string{}, p.Denoms...),
	}
}
