package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// settle applies a batch of fills. Each entry is independent: an entry that
// fails is reported and leaves no trace, the rest still apply.
func (s *Service) settle(ctx context.Context, epoch int64, entries []msg.SettlementEntry) (msg.SettlementResponse, error) {
	resp := msg.SettlementResponse{UnsuccessfulEntries: []msg.UnsuccessfulEntry{}}
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return resp, err
	}

	for _, entry := range entries {
		tx := store.Begin(s.store)
		rec, err := s.applyEntry(ctx, tx, params, epoch, entry)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			metrics.SettlementEntriesTotal.WithLabelValues("rejected").Inc()
			s.log.Warn("settlement entry rejected",
				zap.Uint64("order_id", entry.OrderID),
				zap.String("account", entry.Account),
				zap.Error(err),
			)
			resp.UnsuccessfulEntries = append(resp.UnsuccessfulEntries, msg.UnsuccessfulEntry{
				OrderID: entry.OrderID,
				Reason:  err.Error(),
			})
			continue
		}

		metrics.SettlementEntriesTotal.WithLabelValues("applied").Inc()
		metrics.SettledVolume.WithLabelValues(rec.Pair.String(), rec.Effect.String()).
			Add(rec.ExecutionCost.Decimal().InexactFloat64())
		s.log.Info("settlement applied",
			zap.String("id", rec.ID),
			zap.Int64("epoch", epoch),
			zap.Uint64("order_id", rec.OrderID),
			zap.String("account", rec.Account),
			zap.Stringer("pair", rec.Pair),
			zap.Stringer("direction", rec.Direction),
			zap.Stringer("effect", rec.Effect),
			zap.Stringer("qty", rec.Quantity),
			zap.Stringer("cost", rec.ExecutionCost),
			zap.Stringer("fee", rec.Fee),
		)
		s.broadcast(WSMessage{
			Type:       "settlement",
			Account:    rec.Account,
			PriceDenom: rec.Pair.PriceDenom,
			AssetDenom: rec.Pair.AssetDenom,
			Epoch:      epoch,
			Direction:  rec.Direction.String(),
			Quantity:   rec.Quantity.String(),
			Price:      entryPrice(rec).String(),
		})
	}
	return resp, nil
}

// applyEntry stages the effects of one fill in tx and returns the ledger
// record it appended.
func (s *Service) applyEntry(ctx context.Context, tx *store.Tx, params *model.Params, epoch int64, entry msg.SettlementEntry) (model.SettlementRecord, error) {
	var rec model.SettlementRecord

	order, err := tx.GetOrder(ctx, entry.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("%w: %d", ErrOrderNotFound, entry.OrderID)
	} else if err != nil {
		return rec, err
	}
	if err := matchEntry(*order, entry); err != nil {
		return rec, err
	}

	qty := signed.New(entry.Quantity)
	cost := signed.New(entry.ExecutionCostOrProceed)
	if !qty.IsPositive() {
		return rec, ErrInvalidQuantity
	}
	rate, ok := params.FeeRate(entry.OrderType)
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrUnknownOrderType, entry.OrderType)
	}
	fee := cost.Mul(rate)

	filled, err := order.Fill(qty)
	if err != nil {
		return rec, err
	}
	if filled.IsFilled() {
		tx.DeleteOrder(order.ID)
	} else {
		tx.PutOrder(filled)
	}

	p := order.Pair()
	var pnl signed.Decimal
	switch order.Effect {
	case model.Open:
		err = openPosition(ctx, tx, *order, qty, cost, fee)
	case model.Close:
		pnl, err = closePosition(ctx, tx, *order, qty, cost, fee)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEffect, order.Effect)
	}
	if err != nil {
		return rec, err
	}

	if !fee.IsZero() {
		if _, err := tx.AddInsuranceFund(ctx, p.PriceDenom, fee); err != nil {
			return rec, err
		}
	}
	mark, err := cost.Div(qty)
	if err != nil {
		return rec, err
	}
	tx.SetMarkPrice(p, mark)

	rec = model.SettlementRecord{
		ID:            uuid.New().String(),
		Epoch:         epoch,
		OrderID:       order.ID,
		Account:       order.Account,
		Pair:          p,
		Direction:     order.Direction,
		Effect:        order.Effect,
		OrderType:     entry.OrderType,
		Quantity:      qty,
		ExecutionCost: cost,
		ExpectedCost:  signed.New(entry.ExpectedCostOrProceed),
		Fee:           fee,
		RealizedPnL:   pnl,
		Timestamp:     s.now(),
	}
	tx.AppendSettlement(rec)
	return rec, nil
}

// matchEntry checks that a fill refers to the order it names.
func matchEntry(o model.Order, e msg.SettlementEntry) error {
	if !e.PositionDirection.IsKnown() {
		return fmt.Errorf("%w: %s", ErrUnknownDirection, e.PositionDirection)
	}
	if !e.OrderType.IsKnown() {
		return fmt.Errorf("%w: %s", ErrUnknownOrderType, e.OrderType)
	}
	switch {
	case o.Account != e.Account:
		return fmt.Errorf("%w: account %q, order belongs to %q", ErrEntryMismatch, e.Account, o.Account)
	case o.PriceDenom != e.PriceDenom || o.AssetDenom != e.AssetDenom:
		return fmt.Errorf("%w: pair %s/%s, order is on %s", ErrEntryMismatch, e.AssetDenom, e.PriceDenom, o.Pair())
	case o.Direction != e.PositionDirection:
		return fmt.Errorf("%w: direction %s, order is %s", ErrEntryMismatch, e.PositionDirection, o.Direction)
	}
	return nil
}

// openPosition grows the order's direction. The account pays cost/leverage
// plus fee; the rest of the cost is carried as margin debt.
func openPosition(ctx context.Context, tx *store.Tx, o model.Order, qty, cost, fee signed.Decimal) error {
	if !o.Leverage.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidLeverage, o.Leverage)
	}
	p := o.Pair()
	pos, err := loadPosition(ctx, tx, o.Account, p, o.Direction)
	if err != nil {
		return err
	}
	if pos, err = settleFunding(ctx, tx, o.Account, p, pos); err != nil {
		return err
	}

	margin, err := cost.Div(o.Leverage)
	if err != nil {
		return err
	}
	debt := cost.Sub(margin)
	tx.SetPosition(o.Account, p, pos.Increase(qty, cost, debt))

	_, err = tx.AddBalance(ctx, o.Account, p.PriceDenom, margin.Add(fee).Neg())
	return err
}

// closePosition shrinks the position opposite to the order's direction and
// returns the realized PnL. The account receives the released cost share less
// the repaid debt share, plus PnL, less fee.
func closePosition(ctx context.Context, tx *store.Tx, o model.Order, qty, proceeds, fee signed.Decimal) (signed.Decimal, error) {
	p := o.Pair()
	target := o.Direction.Opposite()
	pos, err := tx.GetPosition(ctx, o.Account, p, target)
	if errors.Is(err, store.ErrNotFound) {
		return signed.Zero(), &model.InsufficientOpenPositionError{IntendedClose: qty, CanBeClosed: signed.Zero()}
	} else if err != nil {
		return signed.Zero(), err
	}
	if err := pos.Validate(); err != nil {
		return signed.Zero(), err
	}

	settled, err := settleFunding(ctx, tx, o.Account, p, *pos)
	if err != nil {
		return signed.Zero(), err
	}
	remaining, costShare, debtShare, err := settled.Reduce(qty)
	if err != nil {
		return signed.Zero(), err
	}

	var pnl signed.Decimal
	if target == model.Long {
		pnl = proceeds.Sub(costShare)
	} else {
		pnl = costShare.Sub(proceeds)
	}
	tx.SetPosition(o.Account, p, remaining)

	credit := costShare.Sub(debtShare).Add(pnl).Sub(fee)
	_, err = tx.AddBalance(ctx, o.Account, p.PriceDenom, credit)
	return pnl, err
}

func entryPrice(rec model.SettlementRecord) signed.Decimal {
	price, err := rec.ExecutionCost.Div(rec.Quantity)
	if err != nil {
		return signed.Zero()
	}
	return price
}
