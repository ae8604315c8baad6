package store

import (
	"context"
	"errors"
	"sort"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// Tx stages writes over a Store. Reads through a Tx see the staged writes
// first, so a multi-step operation observes its own effects before they are
// committed together. Nothing reaches the store until Commit; dropping a Tx
// discards it.
type Tx struct {
	base Store
	cs   *Changeset
}

// Begin starts a staging transaction over s.
func Begin(s Store) *Tx {
	return &Tx{base: s, cs: NewChangeset()}
}

// Changeset exposes the staged writes.
func (t *Tx) Changeset() *Changeset { return t.cs }

// Commit applies the staged writes atomically. An empty Tx commits nothing.
func (t *Tx) Commit(ctx context.Context) error {
	if t.cs.IsEmpty() {
		return nil
	}
	return t.base.Commit(ctx, t.cs)
}

// --- Writes ---

func (t *Tx) SetParams(p *model.Params) { t.cs.Params = p.Clone() }

func (t *Tx) SetBalance(account, denom string, amount signed.Decimal) {
	t.cs.Balances[BalanceKey{Account: account, Denom: denom}] = amount
}

// AddBalance adds delta (possibly negative) to a balance and returns the
// new amount.
func (t *Tx) AddBalance(ctx context.Context, account, denom string, delta signed.Decimal) (signed.Decimal, error) {
	cur, err := t.GetBalance(ctx, account, denom)
	if err != nil {
		return signed.Zero(), err
	}
	next := cur.Add(delta)
	t.SetBalance(account, denom, next)
	return next, nil
}

func (t *Tx) SetInsuranceFund(denom string, amount signed.Decimal) {
	t.cs.Insurance[denom] = amount
}

// AddInsuranceFund adds delta to the insurance fund balance in denom.
func (t *Tx) AddInsuranceFund(ctx context.Context, denom string, delta signed.Decimal) (signed.Decimal, error) {
	cur, err := t.GetInsuranceFund(ctx, denom)
	if err != nil {
		return signed.Zero(), err
	}
	next := cur.Add(delta)
	t.SetInsuranceFund(denom, next)
	return next, nil
}

func (t *Tx) PutOrder(o model.Order) { t.cs.Orders[o.ID] = &o }

func (t *Tx) DeleteOrder(id uint64) { t.cs.Orders[id] = nil }

// SetPosition stages a position; an empty position is deleted on commit.
func (t *Tx) SetPosition(account string, p pair.Pair, pos model.Position) {
	t.cs.Positions[PositionKey{Account: account, Pair: p, Direction: pos.Direction}] = pos
}

func (t *Tx) AppendFundingRate(p pair.Pair, rate model.FundingPaymentRate) {
	t.cs.FundingRates = append(t.cs.FundingRates, FundingRateWrite{Pair: p, Rate: rate})
}

func (t *Tx) SetMarkPrice(p pair.Pair, price signed.Decimal) { t.cs.MarkPrices[p] = price }

func (t *Tx) AppendSettlement(r model.SettlementRecord) {
	t.cs.Settlements = append(t.cs.Settlements, r)
}

// --- Reads (staged first, then base) ---

func (t *Tx) GetParams(ctx context.Context) (*model.Params, error) {
	if t.cs.Params != nil {
		return t.cs.Params.Clone(), nil
	}
	return t.base.GetParams(ctx)
}

func (t *Tx) GetBalance(ctx context.Context, account, denom string) (signed.Decimal, error) {
	if v, ok := t.cs.Balances[BalanceKey{Account: account, Denom: denom}]; ok {
		return v, nil
	}
	return t.base.GetBalance(ctx, account, denom)
}

func (t *Tx) GetBalances(ctx context.Context, account string) ([]model.Balance, error) {
	committed, err := t.base.GetBalances(ctx, account)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]signed.Decimal, len(committed))
	for _, b := range committed {
		merged[b.Denom] = b.Amount
	}
	for k, v := range t.cs.Balances {
		if k.Account == account {
			merged[k.Denom] = v
		}
	}
	out := make([]model.Balance, 0, len(merged))
	for denom, amount := range merged {
		out = append(out, model.Balance{Denom: denom, Amount: amount})
	}
	sortBalances(out)
	return out, nil
}

func (t *Tx) GetInsuranceFund(ctx context.Context, denom string) (signed.Decimal, error) {
	if v, ok := t.cs.Insurance[denom]; ok {
		return v, nil
	}
	return t.base.GetInsuranceFund(ctx, denom)
}

func (t *Tx) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	if o, ok := t.cs.Orders[id]; ok {
		if o == nil {
			return nil, ErrNotFound
		}
		c := *o
		return &c, nil
	}
	return t.base.GetOrder(ctx, id)
}

func (t *Tx) ListOrders(ctx context.Context, account string, p pair.Pair) ([]model.Order, error) {
	committed, err := t.base.ListOrders(ctx, account, p)
	if err != nil {
		return nil, err
	}
	var out []model.Order
	for _, o := range committed {
		if _, staged := t.cs.Orders[o.ID]; !staged {
			out = append(out, o)
		}
	}
	for _, o := range t.cs.Orders {
		if o != nil && o.Account == account && o.Pair() == p {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *Tx) GetPosition(ctx context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error) {
	if pos, ok := t.cs.Positions[PositionKey{Account: account, Pair: p, Direction: dir}]; ok {
		if pos.IsEmpty() {
			return nil, ErrNotFound
		}
		return &pos, nil
	}
	return t.base.GetPosition(ctx, account, p, dir)
}

func (t *Tx) ListPositions(ctx context.Context, account string) ([]model.AccountPosition, error) {
	committed, err := t.base.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	var out []model.AccountPosition
	for _, ap := range committed {
		k := PositionKey{Account: account, Pair: ap.Pair, Direction: ap.Position.Direction}
		if _, staged := t.cs.Positions[k]; !staged {
			out = append(out, ap)
		}
	}
	for k, pos := range t.cs.Positions {
		if k.Account == account && !pos.IsEmpty() {
			out = append(out, model.AccountPosition{Account: account, Pair: k.Pair, Position: pos})
		}
	}
	sortPositions(out)
	return out, nil
}

func (t *Tx) GetFundingRates(ctx context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error) {
	out, err := t.base.GetFundingRates(ctx, p, start, end)
	if err != nil {
		return nil, err
	}
	for _, w := range t.cs.FundingRates {
		if w.Pair == p && w.Rate.Epoch >= start && w.Rate.Epoch <= end {
			out = append(out, w.Rate)
		}
	}
	sortRates(out)
	return out, nil
}

func (t *Tx) LatestFundingRate(ctx context.Context, p pair.Pair) (model.FundingPaymentRate, error) {
	latest, err := t.base.LatestFundingRate(ctx, p)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.FundingPaymentRate{}, err
	}
	for _, w := range t.cs.FundingRates {
		if w.Pair == p && (!found || w.Rate.Epoch >= latest.Epoch) {
			latest, found = w.Rate, true
		}
	}
	if !found {
		return model.FundingPaymentRate{}, ErrNotFound
	}
	return latest, nil
}

func (t *Tx) GetMarkPrice(ctx context.Context, p pair.Pair) (signed.Decimal, error) {
	if v, ok := t.cs.MarkPrices[p]; ok {
		return v, nil
	}
	return t.base.GetMarkPrice(ctx, p)
}

func (t *Tx) ListSettlements(ctx context.Context, account string) ([]model.SettlementRecord, error) {
	out, err := t.base.ListSettlements(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, r := range t.cs.Settlements {
		if r.Account == account {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Reader = (*Tx)(nil)

// --- Ordering helpers shared by the implementations ---

func sortBalances(bs []model.Balance) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Denom < bs[j].Denom })
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}

func sortPositions(ps []model.AccountPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if c := pair.Compare(ps[i].Pair, ps[j].Pair); c != 0 {
			return c < 0
		}
		return ps[i].Position.Direction.Code() < ps[j].Position.Direction.Code()
	})
}

func sortRates(rs []model.FundingPaymentRate) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Epoch < rs[j].Epoch })
}
