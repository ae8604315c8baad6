package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/store"
)

// newBlock appends a cumulative funding sample for every funding pair. The
// sample grows by mark − index, so longs pay while the mark trades above the
// index. Pairs without a mark or an index price, and epochs not newer than
// the last sample, are skipped.
func (s *Service) newBlock(ctx context.Context, epoch int64) error {
	params, err := loadParams(ctx, s.store)
	if err != nil {
		return err
	}
	if s.feed == nil {
		s.log.Debug("new block without index feed, funding not accrued", zap.Int64("epoch", epoch))
		return nil
	}

	tx := store.Begin(s.store)
	for _, p := range params.FundingPaymentPairs {
		prev, err := tx.LatestFundingRate(ctx, p)
		if err == nil && prev.Epoch >= epoch {
			continue
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		mark, err := tx.GetMarkPrice(ctx, p)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		index, err := s.feed.IndexPrice(ctx, p)
		if err != nil {
			s.log.Warn("index price unavailable", zap.Stringer("pair", p), zap.Error(err))
			continue
		}

		next := model.FundingPaymentRate{
			PriceDiff: prev.PriceDiff.Add(mark.Sub(index)),
			Epoch:     epoch,
		}
		tx.AppendFundingRate(p, next)
		metrics.FundingRateUpdates.Inc()
		s.log.Info("funding rate recorded",
			zap.Stringer("pair", p),
			zap.Int64("epoch", epoch),
			zap.Stringer("mark", mark),
			zap.Stringer("index", index),
			zap.Stringer("cumulative", next.PriceDiff),
		)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.broadcast(WSMessage{Type: "new_block", Epoch: epoch})
	return nil
}
