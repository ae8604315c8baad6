package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// Key schema. Pairs are always encoded with their 16-byte key so scans over
// a price-denom prefix stay ordered by asset denom.
//
//	cfg                                   params
//	b/{account}\x00{denom}                balance
//	i/{denom}                             insurance fund
//	o/{id:8}                              order
//	oa/{account}\x00{pair:16}{id:8}       order index by account and pair
//	p/{account}\x00{pair:16}{dir:1}       position
//	m/{pair:16}                           mark price
//	f/{pair:16}{epoch:8}                  cumulative funding rate
//	s/{account}\x00{seq:8}                settlement record
//	seq/s                                 settlement sequence
var (
	keyParams        = []byte("cfg")
	keySettlementSeq = []byte("seq/s")
	prefixBalance    = []byte("b/")
	prefixInsurance  = []byte("i/")
	prefixOrder      = []byte("o/")
	prefixOrderIndex = []byte("oa/")
	prefixPosition   = []byte("p/")
	prefixMarkPrice  = []byte("m/")
	prefixFunding    = []byte("f/")
	prefixSettlement = []byte("s/")
)

// PebbleStore implements Store on an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes Commit
}

// NewPebbleStore opens (or creates) a database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20) // 64MB block cache
	defer cache.Unref()
	return openPebble(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
	})
}

// NewInMemoryPebbleStore opens a database on an in-memory filesystem.
func NewInMemoryPebbleStore() (*PebbleStore, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// --- Keys ---

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func accountPart(account string) []byte { return append([]byte(account), 0) }

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// epochKey maps int64 to bytes that sort in numeric order.
func epochKey(epoch int64) []byte { return u64(uint64(epoch) ^ (1 << 63)) }

func pairPart(p pair.Pair) ([]byte, error) {
	return p.Bytes()
}

func balanceKey(account, denom string) []byte {
	return join(prefixBalance, accountPart(account), []byte(denom))
}

func insuranceKey(denom string) []byte { return join(prefixInsurance, []byte(denom)) }

func orderKey(id uint64) []byte { return join(prefixOrder, u64(id)) }

func orderIndexPrefix(account string, p pair.Pair) ([]byte, error) {
	pk, err := pairPart(p)
	if err != nil {
		return nil, err
	}
	return join(prefixOrderIndex, accountPart(account), pk), nil
}

func positionPrefix(account string) []byte { return join(prefixPosition, accountPart(account)) }

func positionKey(account string, p pair.Pair, dir model.PositionDirection) ([]byte, error) {
	pk, err := pairPart(p)
	if err != nil {
		return nil, err
	}
	return join(positionPrefix(account), pk, []byte{byte(dir.Code())}), nil
}

func markKey(p pair.Pair) ([]byte, error) {
	pk, err := pairPart(p)
	if err != nil {
		return nil, err
	}
	return join(prefixMarkPrice, pk), nil
}

func fundingPrefix(p pair.Pair) ([]byte, error) {
	pk, err := pairPart(p)
	if err != nil {
		return nil, err
	}
	return join(prefixFunding, pk), nil
}

func settlementPrefix(account string) []byte {
	return join(prefixSettlement, accountPart(account))
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil
}

// --- Reads ---

func (s *PebbleStore) getJSON(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *PebbleStore) getDecimal(key []byte) (signed.Decimal, error) {
	var v signed.Decimal
	if err := s.getJSON(key, &v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return signed.Zero(), nil
		}
		return signed.Zero(), err
	}
	return v, nil
}

// scan calls fn for every key with prefix, in key order.
func (s *PebbleStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) GetParams(_ context.Context) (*model.Params, error) {
	var p model.Params
	if err := s.getJSON(keyParams, &p); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return &p, nil
}

func (s *PebbleStore) GetBalance(_ context.Context, account, denom string) (signed.Decimal, error) {
	return s.getDecimal(balanceKey(account, denom))
}

func (s *PebbleStore) GetBalances(_ context.Context, account string) ([]model.Balance, error) {
	prefix := join(prefixBalance, accountPart(account))
	var out []model.Balance
	err := s.scan(prefix, func(key, value []byte) error {
		var amount signed.Decimal
		if err := json.Unmarshal(value, &amount); err != nil {
			return err
		}
		out = append(out, model.Balance{Denom: string(key[len(prefix):]), Amount: amount})
		return nil
	})
	return out, err
}

func (s *PebbleStore) GetInsuranceFund(_ context.Context, denom string) (signed.Decimal, error) {
	return s.getDecimal(insuranceKey(denom))
}

func (s *PebbleStore) GetOrder(_ context.Context, id uint64) (*model.Order, error) {
	var o model.Order
	if err := s.getJSON(orderKey(id), &o); err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	return &o, nil
}

func (s *PebbleStore) ListOrders(ctx context.Context, account string, p pair.Pair) ([]model.Order, error) {
	prefix, err := orderIndexPrefix(account, p)
	if err != nil {
		return nil, err
	}
	var out []model.Order
	err = s.scan(prefix, func(key, _ []byte) error {
		id := binary.BigEndian.Uint64(key[len(prefix):])
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, *o)
		return nil
	})
	return out, err
}

func (s *PebbleStore) GetPosition(_ context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error) {
	key, err := positionKey(account, p, dir)
	if err != nil {
		return nil, err
	}
	var pos model.Position
	if err := s.getJSON(key, &pos); err != nil {
		return nil, fmt.Errorf("position %s %s %s: %w", account, p, dir, err)
	}
	return &pos, nil
}

func (s *PebbleStore) ListPositions(_ context.Context, account string) ([]model.AccountPosition, error) {
	prefix := positionPrefix(account)
	var out []model.AccountPosition
	err := s.scan(prefix, func(key, value []byte) error {
		rest := key[len(prefix):]
		if len(rest) != pair.KeySize+1 {
			return fmt.Errorf("malformed position key %x", key)
		}
		p, err := pair.FromKey(rest[:pair.KeySize])
		if err != nil {
			return err
		}
		var pos model.Position
		if err := json.Unmarshal(value, &pos); err != nil {
			return err
		}
		out = append(out, model.AccountPosition{Account: account, Pair: p, Position: pos})
		return nil
	})
	return out, err
}

func (s *PebbleStore) GetFundingRates(_ context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error) {
	prefix, err := fundingPrefix(p)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: join(prefix, epochKey(start)),
		UpperBound: keyUpperBound(join(prefix, epochKey(end))),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.FundingPaymentRate
	for iter.First(); iter.Valid(); iter.Next() {
		var r model.FundingPaymentRate
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *PebbleStore) LatestFundingRate(_ context.Context, p pair.Pair) (model.FundingPaymentRate, error) {
	prefix, err := fundingPrefix(p)
	if err != nil {
		return model.FundingPaymentRate{}, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return model.FundingPaymentRate{}, err
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return model.FundingPaymentRate{}, err
		}
		return model.FundingPaymentRate{}, fmt.Errorf("funding rate %s: %w", p, ErrNotFound)
	}
	var r model.FundingPaymentRate
	if err := json.Unmarshal(iter.Value(), &r); err != nil {
		return model.FundingPaymentRate{}, err
	}
	return r, nil
}

func (s *PebbleStore) GetMarkPrice(_ context.Context, p pair.Pair) (signed.Decimal, error) {
	key, err := markKey(p)
	if err != nil {
		return signed.Zero(), err
	}
	var v signed.Decimal
	if err := s.getJSON(key, &v); err != nil {
		return signed.Zero(), fmt.Errorf("mark price %s: %w", p, err)
	}
	return v, nil
}

func (s *PebbleStore) ListSettlements(_ context.Context, account string) ([]model.SettlementRecord, error) {
	var out []model.SettlementRecord
	err := s.scan(settlementPrefix(account), func(_, value []byte) error {
		var r model.SettlementRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// PairsWithPriceDenom lists the pairs quoted in priceDenom that have a mark
// price, ordered by asset denom.
func (s *PebbleStore) PairsWithPriceDenom(priceDenom string) ([]pair.Pair, error) {
	pp, err := pair.PricePrefix(priceDenom)
	if err != nil {
		return nil, err
	}
	prefix := join(prefixMarkPrice, pp)
	var out []pair.Pair
	err = s.scan(prefix, func(key, _ []byte) error {
		p, err := pair.FromKey(key[len(prefixMarkPrice):])
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// --- Writes ---

// Commit writes cs through a single batch committed with Sync.
func (s *PebbleStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	setJSON := func(key []byte, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Set(key, data, nil)
	}

	if cs.Params != nil {
		if err := setJSON(keyParams, cs.Params); err != nil {
			return fmt.Errorf("params: %w", err)
		}
	}
	for k, v := range cs.Balances {
		if err := setJSON(balanceKey(k.Account, k.Denom), v); err != nil {
			return fmt.Errorf("balance %s/%s: %w", k.Account, k.Denom, err)
		}
	}
	for denom, v := range cs.Insurance {
		if err := setJSON(insuranceKey(denom), v); err != nil {
			return fmt.Errorf("insurance fund %s: %w", denom, err)
		}
	}
	for id, o := range cs.Orders {
		if err := s.writeOrder(b, id, o); err != nil {
			return fmt.Errorf("order %d: %w", id, err)
		}
	}
	for k, pos := range cs.Positions {
		key, err := positionKey(k.Account, k.Pair, k.Direction)
		if err != nil {
			return err
		}
		if pos.IsEmpty() {
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := setJSON(key, pos); err != nil {
			return fmt.Errorf("position %s %s: %w", k.Account, k.Pair, err)
		}
	}
	for p, v := range cs.MarkPrices {
		key, err := markKey(p)
		if err != nil {
			return err
		}
		if err := setJSON(key, v); err != nil {
			return err
		}
	}
	for _, w := range cs.FundingRates {
		prefix, err := fundingPrefix(w.Pair)
		if err != nil {
			return err
		}
		if err := setJSON(join(prefix, epochKey(w.Rate.Epoch)), w.Rate); err != nil {
			return err
		}
	}
	if len(cs.Settlements) > 0 {
		if err := s.writeSettlements(b, cs.Settlements, setJSON); err != nil {
			return err
		}
	}

	return b.Commit(pebble.Sync)
}

// writeOrder stages an order and its index entry, or removes both.
func (s *PebbleStore) writeOrder(b *pebble.Batch, id uint64, o *model.Order) error {
	if o == nil {
		var old model.Order
		err := s.getJSON(orderKey(id), &old)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		prefix, err := orderIndexPrefix(old.Account, old.Pair())
		if err != nil {
			return err
		}
		if err := b.Delete(join(prefix, u64(id)), nil); err != nil {
			return err
		}
		return b.Delete(orderKey(id), nil)
	}
	prefix, err := orderIndexPrefix(o.Account, o.Pair())
	if err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := b.Set(orderKey(id), data, nil); err != nil {
		return err
	}
	return b.Set(join(prefix, u64(id)), nil, nil)
}

func (s *PebbleStore) writeSettlements(b *pebble.Batch, recs []model.SettlementRecord, setJSON func([]byte, any) error) error {
	var seq uint64
	data, closer, err := s.db.Get(keySettlementSeq)
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(data)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		return err
	}
	for _, r := range recs {
		seq++
		if err := setJSON(join(settlementPrefix(r.Account), u64(seq)), r); err != nil {
			return fmt.Errorf("settlement %s: %w", r.ID, err)
		}
	}
	return b.Set(keySettlementSeq, u64(seq), nil)
}

var _ Store = (*PebbleStore)(nil)
