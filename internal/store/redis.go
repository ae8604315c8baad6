package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot per-account reads (params, balances, positions). Commits go to the
// primary and then bump a generation counter and delete every key the
// changeset touched. A cache fill WATCHes the generation counter of its key,
// so a fill that raced a commit is dropped instead of storing stale data.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *zap.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     logger,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	var keys []string
	if cs.Params != nil {
		keys = append(keys, paramsKey())
	}
	for _, account := range cs.Accounts() {
		keys = append(keys, balancesKey(account), positionsKey(account))
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, generationKey(k))
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		// The primary holds the committed state; entries expire after ttl.
		s.log.Error("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return nil
}

// --- Read-through (check cache first) ---

// readThrough serves key from Redis or loads it from the primary and fills
// the cache unless a commit bumped the key's generation meanwhile.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	var (
		out     T
		loadErr error
		loaded  bool
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		out, loadErr = load(ctx)
		loaded = true
		if loadErr != nil {
			return nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey(key))

	if !loaded {
		s.log.Warn("cache unavailable", zap.String("key", key), zap.Error(err))
		return load(ctx)
	}
	if loadErr != nil {
		return out, loadErr
	}
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		s.log.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}

func (s *CachedStore) GetParams(ctx context.Context) (*model.Params, error) {
	return readThrough(ctx, s, paramsKey(), s.primary.GetParams)
}

func (s *CachedStore) GetBalances(ctx context.Context, account string) ([]model.Balance, error) {
	return readThrough(ctx, s, balancesKey(account), func(ctx context.Context) ([]model.Balance, error) {
		return s.primary.GetBalances(ctx, account)
	})
}

func (s *CachedStore) GetBalance(ctx context.Context, account, denom string) (signed.Decimal, error) {
	balances, err := s.GetBalances(ctx, account)
	if err != nil {
		return signed.Zero(), err
	}
	for _, b := range balances {
		if b.Denom == denom {
			return b.Amount, nil
		}
	}
	return signed.Zero(), nil
}

func (s *CachedStore) ListPositions(ctx context.Context, account string) ([]model.AccountPosition, error) {
	return readThrough(ctx, s, positionsKey(account), func(ctx context.Context) ([]model.AccountPosition, error) {
		return s.primary.ListPositions(ctx, account)
	})
}

func (s *CachedStore) GetPosition(ctx context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error) {
	positions, err := s.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, ap := range positions {
		if ap.Pair == p && ap.Position.Direction == dir {
			pos := ap.Position
			return &pos, nil
		}
	}
	return nil, fmt.Errorf("position %s %s %s: %w", account, p, dir, ErrNotFound)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetInsuranceFund(ctx context.Context, denom string) (signed.Decimal, error) {
	return s.primary.GetInsuranceFund(ctx, denom)
}

func (s *CachedStore) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, account string, p pair.Pair) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, account, p)
}

func (s *CachedStore) GetFundingRates(ctx context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error) {
	return s.primary.GetFundingRates(ctx, p, start, end)
}

func (s *CachedStore) LatestFundingRate(ctx context.Context, p pair.Pair) (model.FundingPaymentRate, error) {
	return s.primary.LatestFundingRate(ctx, p)
}

func (s *CachedStore) GetMarkPrice(ctx context.Context, p pair.Pair) (signed.Decimal, error) {
	return s.primary.GetMarkPrice(ctx, p)
}

func (s *CachedStore) ListSettlements(ctx context.Context, account string) ([]model.SettlementRecord, error) {
	return s.primary.ListSettlements(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheGet(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func paramsKey() string                  { return "perp:params" }
func balancesKey(account string) string  { return fmt.Sprintf("perp:balances:%s", account) }
func positionsKey(account string) string { return fmt.Sprintf("perp:positions:%s", account) }
func generationKey(key string) string    { return key + ":gen" }

var _ Store = (*CachedStore)(nil)
