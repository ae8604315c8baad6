package engine

import (
	"context"
	"errors"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// loadPosition returns the account's position on p in dir. A missing
// position comes back empty, anchored at the pair's latest funding rate.
func loadPosition(ctx context.Context, tx *store.Tx, account string, p pair.Pair, dir model.PositionDirection) (model.Position, error) {
	pos, err := tx.GetPosition(ctx, account, p, dir)
	if err == nil {
		return *pos, pos.Validate()
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Position{}, err
	}
	rate, err := latestRate(ctx, tx, p)
	if err != nil {
		return model.Position{}, err
	}
	return model.NewPosition(dir, rate), nil
}

// latestRate returns the pair's newest cumulative funding rate, or a zero
// rate at epoch 0 when none was recorded.
func latestRate(ctx context.Context, r store.Reader, p pair.Pair) (model.FundingPaymentRate, error) {
	rate, err := r.LatestFundingRate(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return model.FundingPaymentRate{}, nil
	}
	return rate, err
}

// settleFunding charges or credits the funding accrued on pos since its last
// payment and moves the position's anchor to the latest rate.
func settleFunding(ctx context.Context, tx *store.Tx, account string, p pair.Pair, pos model.Position) (model.Position, error) {
	rate, err := latestRate(ctx, tx, p)
	if err != nil {
		return pos, err
	}
	if due := pos.FundingDue(rate.PriceDiff); !due.IsZero() {
		if _, err := tx.AddBalance(ctx, account, p.PriceDenom, due.Neg()); err != nil {
			return pos, err
		}
	}
	pos.LastFundingPaymentEpoch = rate.Epoch
	pos.LastPaidFundingPaymentRate = rate.PriceDiff
	return pos, nil
}

// markPrice returns the pair's mark price, falling back to the position's
// average entry price when the pair has never traded.
func markPrice(ctx context.Context, r store.Reader, p pair.Pair, pos model.Position) (signed.Decimal, error) {
	mark, err := r.GetMarkPrice(ctx, p)
	if err == nil {
		return mark, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return signed.Zero(), err
	}
	if pos.Quantity.IsZero() {
		return signed.Zero(), nil
	}
	return pos.TotalCost.Div(pos.Quantity)
}

// portfolio is an account's margin snapshot in the base denom.
type portfolio struct {
	Balance        signed.Decimal
	PositionValue  signed.Decimal
	PositionEquity signed.Decimal
	UnrealizedPnL  signed.Decimal
	Positions      []model.AccountPosition
	Marks          map[pair.Pair]signed.Decimal
}

// Equity is balance plus the capital tied up in positions plus unrealized
// PnL.
func (p portfolio) Equity() signed.Decimal {
	return p.Balance.Add(p.PositionEquity).Add(p.UnrealizedPnL)
}

// Exposures returns the signed notional per pair, longs positive.
func (p portfolio) Exposures() map[pair.Pair]signed.Decimal {
	out := make(map[pair.Pair]signed.Decimal)
	for _, ap := range p.Positions {
		v := ap.Position.Value(p.Marks[ap.Pair])
		if ap.Position.Direction == model.Short {
			v = v.Neg()
		}
		out[ap.Pair] = out[ap.Pair].Add(v)
	}
	return out
}

// loadPortfolio values every position of account quoted in the base denom.
func loadPortfolio(ctx context.Context, r store.Reader, params *model.Params, account string) (portfolio, error) {
	pf := portfolio{Marks: make(map[pair.Pair]signed.Decimal)}
	balance, err := r.GetBalance(ctx, account, params.BaseDenom)
	if err != nil {
		return pf, err
	}
	pf.Balance = balance

	positions, err := r.ListPositions(ctx, account)
	if err != nil {
		return pf, err
	}
	for _, ap := range positions {
		if ap.Pair.PriceDenom != params.BaseDenom {
			continue
		}
		mark, ok := pf.Marks[ap.Pair]
		if !ok {
			if mark, err = markPrice(ctx, r, ap.Pair, ap.Position); err != nil {
				return pf, err
			}
			pf.Marks[ap.Pair] = mark
		}
		pf.PositionValue = pf.PositionValue.Add(ap.Position.Value(mark))
		pf.PositionEquity = pf.PositionEquity.Add(ap.Position.Equity())
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(ap.Position.UnrealizedPnL(mark))
		pf.Positions = append(pf.Positions, ap)
	}
	return pf, nil
}
