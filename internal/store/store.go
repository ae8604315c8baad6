// Package store defines the persistence interface for the perp engine.
// Implementations include in-memory (tests and development), Pebble
// (embedded ordered KV), PostgreSQL, and a Redis read-through cache that
// wraps any of them.
package store

import (
	"context"
	"errors"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

// ErrNotFound is returned by lookups of a single record that does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads see only committed state; all
// writes go through Commit, which applies a Changeset atomically.
type Store interface {
	Reader

	// Commit applies every write in cs atomically.
	Commit(ctx context.Context, cs *Changeset) error
}

// Reader is the read half of Store. Tx implements it over staged writes.
type Reader interface {
	// --- Configuration ---

	// GetParams returns the engine parameters, or ErrNotFound before the
	// first Commit that sets them.
	GetParams(ctx context.Context) (*model.Params, error)

	// --- Collateral ---

	// GetBalance returns an account's balance in denom; missing is zero.
	GetBalance(ctx context.Context, account, denom string) (signed.Decimal, error)

	// GetBalances returns every balance of an account ordered by denom.
	GetBalances(ctx context.Context, account string) ([]model.Balance, error)

	// GetInsuranceFund returns the insurance fund balance in denom.
	GetInsuranceFund(ctx context.Context, denom string) (signed.Decimal, error)

	// --- Orders ---

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id uint64) (*model.Order, error)

	// ListOrders returns an account's orders on a pair ordered by ID.
	ListOrders(ctx context.Context, account string, p pair.Pair) ([]model.Order, error)

	// --- Positions ---

	// GetPosition retrieves one side of an account's exposure on a pair.
	GetPosition(ctx context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error)

	// ListPositions returns an account's non-empty positions ordered by
	// pair key then direction.
	ListPositions(ctx context.Context, account string) ([]model.AccountPosition, error)

	// --- Market data ---

	// GetFundingRates returns the cumulative rates of a pair with
	// start <= epoch <= end, oldest first.
	GetFundingRates(ctx context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error)

	// LatestFundingRate returns the newest cumulative rate of a pair, or
	// ErrNotFound when none was recorded.
	LatestFundingRate(ctx context.Context, p pair.Pair) (model.FundingPaymentRate, error)

	// GetMarkPrice returns the last execution price of a pair.
	GetMarkPrice(ctx context.Context, p pair.Pair) (signed.Decimal, error)

	// --- Immutable ledger ---

	// ListSettlements returns an account's settlement records in commit
	// order.
	ListSettlements(ctx context.Context, account string) ([]model.SettlementRecord, error)
}

// BalanceKey addresses one collateral balance.
type BalanceKey struct {
	Account string
	Denom   string
}

// PositionKey addresses one side of an account's exposure on a pair.
type PositionKey struct {
	Account   string
	Pair      pair.Pair
	Direction model.PositionDirection
}

// FundingRateWrite appends one cumulative rate sample to a pair.
type FundingRateWrite struct {
	Pair pair.Pair
	Rate model.FundingPaymentRate
}

// Changeset collects writes to apply in one atomic Commit. Later writes to
// the same key replace earlier ones. A nil order deletes it; an empty
// position deletes it.
type Changeset struct {
	Params       *model.Params
	Balances     map[BalanceKey]signed.Decimal
	Insurance    map[string]signed.Decimal
	Orders       map[uint64]*model.Order
	Positions    map[PositionKey]model.Position
	MarkPrices   map[pair.Pair]signed.Decimal
	FundingRates []FundingRateWrite
	Settlements  []model.SettlementRecord
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Balances:   make(map[BalanceKey]signed.Decimal),
		Insurance:  make(map[string]signed.Decimal),
		Orders:     make(map[uint64]*model.Order),
		Positions:  make(map[PositionKey]model.Position),
		MarkPrices: make(map[pair.Pair]signed.Decimal),
	}
}

// IsEmpty reports whether the changeset holds no writes.
func (cs *Changeset) IsEmpty() bool {
	return cs.Params == nil && len(cs.Balances) == 0 && len(cs.Insurance) == 0 &&
		len(cs.Orders) == 0 && len(cs.Positions) == 0 && len(cs.MarkPrices) == 0 &&
		len(cs.FundingRates) == 0 && len(cs.Settlements) == 0
}

// Accounts returns every account touched by the changeset.
func (cs *Changeset) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for k := range cs.Balances {
		add(k.Account)
	}
	for k := range cs.Positions {
		add(k.Account)
	}
	for _, o := range cs.Orders {
		if o != nil {
			add(o.Account)
		}
	}
	for _, r := range cs.Settlements {
		add(r.Account)
	}
	return out
}
