package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/risk"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// placeOrders credits each batch deposit, then validates and stores each
// order. Every item commits on its own; rejected items are reported, never
// fatal to the batch.
func (s *Service) placeOrders(ctx context.Context, placements []msg.OrderPlacement, deposits []msg.DepositInfo) (msg.BulkOrderPlacementsResponse, error) {
	resp := msg.BulkOrderPlacementsResponse{
		UnsuccessfulOrders:   []msg.UnsuccessfulOrder{},
		UnsuccessfulDeposits: []msg.UnsuccessfulDeposit{},
	}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}

	for _, d := range deposits {
		tx := store.Begin(s.store)
		err := creditDeposit(ctx, tx, params, d)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			s.log.Info("deposit rejected", zap.String("account", d.Account), zap.String("denom", d.Denom), zap.Error(err))
			resp.UnsuccessfulDeposits = append(resp.UnsuccessfulDeposits, msg.UnsuccessfulDeposit{
				Account: d.Account,
				Denom:   d.Denom,
				Reason:  err.Error(),
			})
		}
	}

	for _, placement := range placements {
		tx := store.Begin(s.store)
		err := s.placeOrder(ctx, tx, params, placement)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			metrics.OrderPlacementsTotal.WithLabelValues("rejected").Inc()
			if errors.Is(err, risk.ErrPairLimitExceeded) || errors.Is(err, risk.ErrDenomLimitExceeded) {
				metrics.RiskLimitRejections.Inc()
			}
			s.log.Info("order rejected", zap.Uint64("id", placement.ID), zap.String("account", placement.Account), zap.Error(err))
			resp.UnsuccessfulOrders = append(resp.UnsuccessfulOrders, msg.UnsuccessfulOrder{
				ID:     placement.ID,
				Reason: err.Error(),
			})
			continue
		}
		metrics.OrderPlacementsTotal.WithLabelValues("accepted").Inc()
	}
	return resp, nil
}

func creditDeposit(ctx context.Context, tx *store.Tx, params *model.Params, d msg.DepositInfo) error {
	if err := validateAccount(d.Account); err != nil {
		return err
	}
	if !params.SupportsDenom(d.Denom) {
		return fmt.Errorf("%w: deposit in %s", ErrUnsupportedDenom, d.Denom)
	}
	if d.Amount.IsNegative() {
		return fmt.Errorf("%w: negative deposit %s", ErrInvalidQuantity, d.Amount)
	}
	_, err := tx.AddBalance(ctx, d.Account, d.Denom, signed.New(d.Amount))
	return err
}

func (s *Service) placeOrder(ctx context.Context, tx *store.Tx, params *model.Params, placement msg.OrderPlacement) error {
	order, err := placement.ToOrder()
	if err != nil {
		return err
	}
	if err := validateOrder(params, order); err != nil {
		return err
	}
	if _, err := tx.GetOrder(ctx, order.ID); err == nil {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch order.Effect {
	case model.Open:
		if err := s.checkOpen(ctx, tx, params, order); err != nil {
			return err
		}
	case model.Close:
		if err := checkClose(ctx, tx, order); err != nil {
			return err
		}
	}
	tx.PutOrder(order)
	return nil
}

// validateOrder checks the parts of an order that need no account state.
func validateOrder(params *model.Params, o model.Order) error {
	if err := validateAccount(o.Account); err != nil {
		return err
	}
	if !o.Direction.IsKnown() {
		return ErrUnknownDirection
	}
	if !o.OrderType.IsKnown() {
		return ErrUnknownOrderType
	}
	if !o.Effect.IsKnown() {
		return ErrUnknownEffect
	}
	if err := o.Pair().Validate(); err != nil {
		return err
	}
	if o.PriceDenom != params.BaseDenom {
		return fmt.Errorf("%w: orders must be quoted in %s, got %s", ErrUnsupportedDenom, params.BaseDenom, o.PriceDenom)
	}
	if !params.SupportsDenom(o.AssetDenom) {
		return fmt.Errorf("%w: %s", ErrUnsupportedDenom, o.AssetDenom)
	}
	if !o.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !o.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if !o.Leverage.IsPositive() || o.Leverage.GreaterThan(params.MaxLeverage) {
		return fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidLeverage, o.Leverage, params.MaxLeverage)
	}
	return nil
}

// validateAccount rejects account names that cannot be stored; the NUL byte
// separates key segments.
func validateAccount(account string) error {
	if account == "" || strings.ContainsRune(account, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return nil
}

// checkOpen enforces exposure limits, the available balance and the
// initial margin ratio for an opening order.
func (s *Service) checkOpen(ctx context.Context, tx *store.Tx, params *model.Params, o model.Order) error {
	pf, err := loadPortfolio(ctx, tx, params, o.Account)
	if err != nil {
		return err
	}

	notional := o.Notional()
	delta := notional
	if o.Direction == model.Short {
		delta = delta.Neg()
	}
	if err := s.limiter.CheckLimit(o.Pair(), delta, pf.Exposures()); err != nil {
		return err
	}

	rate, _ := params.FeeRate(o.OrderType)
	fee := notional.Mul(rate)
	margin, err := notional.Div(o.Leverage)
	if err != nil {
		return err
	}
	if need := margin.Add(fee); pf.Balance.LessThan(need) {
		return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientBalance, need, params.BaseDenom, pf.Balance)
	}
	if !params.DefaultMarginRatios.CanOpen(pf.Equity().Sub(fee), pf.PositionValue.Add(notional)) {
		return ErrInsufficientMargin
	}
	return nil
}

// checkClose rejects a closing order larger than the position it closes.
func checkClose(ctx context.Context, tx *store.Tx, o model.Order) error {
	open := signed.Zero()
	pos, err := tx.GetPosition(ctx, o.Account, o.Pair(), o.Direction.Opposite())
	if err == nil {
		open = pos.Quantity
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if o.Quantity.GreaterThan(open) {
		return &model.InsufficientOpenPositionError{IntendedClose: o.Quantity, CanBeClosed: open}
	}
	return nil
}

// cancelOrders removes the listed orders; unknown ids are ignored.
func (s *Service) cancelOrders(ctx context.Context, ids []uint64) error {
	tx := store.Begin(s.store)
	removed := 0
	for _, id := range ids {
		if _, err := tx.GetOrder(ctx, id); errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		tx.DeleteOrder(id)
		removed++
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.OrderCancellationsTotal.WithLabelValues("cancelled").Add(float64(removed))
	s.log.Info("orders cancelled", zap.Int("requested", len(ids)), zap.Int("removed", removed))
	return nil
}

// finalizeBlock drops every order the venue reported as not placed.
func (s *Service) finalizeBlock(ctx context.Context, results []msg.ContractOrderResult) error {
	tx := store.Begin(s.store)
	removed := 0
	for _, result := range results {
		for _, placed := range result.OrderPlacementResults {
			if placed.StatusCode == 0 {
				continue
			}
			if _, err := tx.GetOrder(ctx, placed.OrderID); errors.Is(err, store.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			tx.DeleteOrder(placed.OrderID)
			removed++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if removed > 0 {
		metrics.OrderCancellationsTotal.WithLabelValues("placement_failed").Add(float64(removed))
		s.log.Info("failed placements dropped", zap.Int("removed", removed))
	}
	return nil
}
