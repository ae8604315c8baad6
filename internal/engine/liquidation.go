package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// liquidate assesses each requested account. Below the maintenance ratio
// every position is closed and resting orders are dropped. Below the partial
// ratio half of every position is closed. Healthy, duplicated and failed
// requests are reported as unsuccessful.
// Closing happens through Liquidation orders priced at the mark, which are
// stored so their fills settle like any other order.
func (s *Service) liquidate(ctx context.Context, requests []msg.LiquidationRequest) (msg.LiquidationResponse, error) {
	resp := msg.LiquidationResponse{
		SuccessfulAccounts:   []string{},
		UnsuccessfulAccounts: []msg.UnsuccessfulAccount{},
		LiquidationOrders:    []msg.OrderPlacement{},
	}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}

	reject := func(account string, err error) {
		resp.UnsuccessfulAccounts = append(resp.UnsuccessfulAccounts, msg.UnsuccessfulAccount{
			Account: account,
			Reason:  err.Error(),
		})
	}

	seen := make(map[string]bool)
	for _, req := range requests {
		if err := validateAccount(req.Account); err != nil {
			reject(req.Account, err)
			continue
		}
		if seen[req.Account] {
			reject(req.Account, ErrDuplicateRequest)
			continue
		}
		seen[req.Account] = true

		tx := store.Begin(s.store)
		orders, level, err := s.liquidateAccount(ctx, tx, params, req.Account)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			s.log.Error("liquidation failed", zap.String("account", req.Account), zap.Error(err))
			reject(req.Account, err)
			continue
		}
		metrics.LiquidationsTotal.WithLabelValues(level.String()).Inc()
		if level == model.MarginHealthy {
			s.log.Info("premature liquidation request",
				zap.String("account", req.Account),
				zap.String("requestor", req.Requestor),
			)
			reject(req.Account, ErrAccountHealthy)
			continue
		}

		s.log.Warn("account liquidated",
			zap.String("account", req.Account),
			zap.String("requestor", req.Requestor),
			zap.Stringer("level", level),
			zap.Int("orders", len(orders)),
		)
		resp.SuccessfulAccounts = append(resp.SuccessfulAccounts, req.Account)
		resp.LiquidationOrders = append(resp.LiquidationOrders, orders...)
		s.broadcast(WSMessage{Type: "liquidation", Account: req.Account})
	}
	return resp, nil
}

func (s *Service) liquidateAccount(ctx context.Context, tx *store.Tx, params *model.Params, account string) ([]msg.OrderPlacement, model.MarginLevel, error) {
	pf, err := loadPortfolio(ctx, tx, params, account)
	if err != nil {
		return nil, model.MarginHealthy, err
	}
	level := params.DefaultMarginRatios.Assess(pf.Equity(), pf.PositionValue)
	if level == model.MarginHealthy {
		return nil, level, nil
	}

	share := signed.One()
	if level == model.MarginPartial {
		share = signed.MustParse("0.5")
	}

	// Earlier liquidation orders are replaced, not stacked.
	for p := range pf.Marks {
		resting, err := tx.ListOrders(ctx, account, p)
		if err != nil {
			return nil, level, err
		}
		for _, o := range resting {
			if level == model.MarginMaintenance || o.OrderType == model.Liquidation {
				tx.DeleteOrder(o.ID)
			}
		}
	}

	var placements []msg.OrderPlacement
	for _, ap := range pf.Positions {
		qty := ap.Position.Quantity.Mul(share)
		if qty.IsZero() {
			continue
		}
		order := model.Order{
			ID:                newOrderID(),
			Account:           account,
			PriceDenom:        ap.Pair.PriceDenom,
			AssetDenom:        ap.Pair.AssetDenom,
			Price:             pf.Marks[ap.Pair],
			Quantity:          qty,
			RemainingQuantity: qty,
			Direction:         ap.Position.Direction.Opposite(),
			Effect:            model.Close,
			Leverage:          signed.One(),
			OrderType:         model.Liquidation,
		}
		tx.PutOrder(order)
		placement, err := toPlacement(order)
		if err != nil {
			return nil, level, err
		}
		placements = append(placements, placement)
	}
	return placements, level, nil
}

// toPlacement renders an order in the venue's placement format.
func toPlacement(o model.Order) (msg.OrderPlacement, error) {
	if o.Price.IsNegative() || o.Quantity.IsNegative() {
		return msg.OrderPlacement{}, fmt.Errorf("%w: negative price or quantity", model.ErrBrokenInvariant)
	}
	return msg.OrderPlacement{
		ID:                o.ID,
		Account:           o.Account,
		PriceDenom:        o.PriceDenom,
		AssetDenom:        o.AssetDenom,
		Price:             o.Price.Magnitude(),
		Quantity:          o.Quantity.Magnitude(),
		OrderType:         o.OrderType.Code(),
		PositionDirection: o.Direction.Code(),
		Data: msg.OrderData{
			Leverage:       o.Leverage.Magnitude(),
			PositionEffect: o.Effect,
		}.Encode(),
	}, nil
}
