// Package engine applies settlement, order, liquidation and funding batches
// to persistent account state and serves the engine's HTTP API.
//
// All monetary values use signed.Decimal; never float64 for money.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/risk"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

var (
	ErrNotConfigured       = errors.New("engine: params not initialized")
	ErrUnauthorized        = errors.New("engine: sender is not the admin")
	ErrOrderNotFound       = errors.New("engine: order not found")
	ErrEntryMismatch       = errors.New("engine: settlement entry does not match order")
	ErrUnknownOrderType    = errors.New("engine: unknown order type")
	ErrUnknownDirection    = errors.New("engine: unknown position direction")
	ErrUnknownEffect       = errors.New("engine: unknown position effect")
	ErrUnsupportedDenom    = errors.New("engine: unsupported denom")
	ErrInvalidLeverage     = errors.New("engine: invalid leverage")
	ErrInvalidQuantity     = errors.New("engine: quantity must be positive")
	ErrInvalidPrice        = errors.New("engine: price must be positive")
	ErrInvalidAccount      = errors.New("engine: invalid account")
	ErrInvalidParam        = errors.New("engine: invalid parameter")
	ErrInsufficientMargin  = errors.New("engine: initial margin requirement not met")
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	ErrDuplicateOrder      = errors.New("engine: order id already exists")
	ErrAccountHealthy      = errors.New("engine: account is above the partial margin ratio")
	ErrDuplicateRequest    = errors.New("engine: account already requested in this batch")
)

// IndexPriceFeed supplies the external reference price funding is measured
// against.
type IndexPriceFeed interface {
	IndexPrice(ctx context.Context, p pair.Pair) (signed.Decimal, error)
}

// StaticPriceFeed serves fixed index prices. Pairs without an entry report
// store.ErrNotFound.
type StaticPriceFeed map[pair.Pair]signed.Decimal

func (f StaticPriceFeed) IndexPrice(_ context.Context, p pair.Pair) (signed.Decimal, error) {
	price, ok := f[p]
	if !ok {
		return signed.Zero(), fmt.Errorf("index price %s: %w", p, store.ErrNotFound)
	}
	return price, nil
}

// Service applies batches. A mutex serializes every mutation so each account
// and pair has a single writer; every batch item is staged in a store.Tx and
// committed on its own, so a failing item leaves state untouched.
type Service struct {
	store   store.Store
	limiter *risk.Limiter
	feed    IndexPriceFeed
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	log     *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithIndexPriceFeed enables funding accrual on new blocks.
func WithIndexPriceFeed(f IndexPriceFeed) Option {
	return func(s *Service) { s.feed = f }
}

// WithClock overrides the clock used to timestamp settlement records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *risk.Limiter, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:   st,
		limiter: limiter,
		wsHub:   hub,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init stores the initial params unless params already exist.
func (s *Service) Init(ctx context.Context, params *model.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetParams(ctx); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := validateParams(params); err != nil {
		return err
	}
	tx := store.Begin(s.store)
	tx.SetParams(params)
	return tx.Commit(ctx)
}

func validateParams(p *model.Params) error {
	if p.Admin == "" {
		return fmt.Errorf("%w: admin is required", ErrInvalidParam)
	}
	if !p.MaxLeverage.IsPositive() {
		return fmt.Errorf("%w: max leverage must be positive", ErrInvalidParam)
	}
	if err := pair.ValidateDenom(p.BaseDenom); err != nil {
		return fmt.Errorf("%w: base denom: %v", ErrInvalidParam, err)
	}
	for _, fee := range []signed.Decimal{p.LimitOrderFee, p.MarketOrderFee, p.LiquidationOrderFee} {
		if err := validateFee(fee); err != nil {
			return err
		}
	}
	return p.DefaultMarginRatios.Validate()
}

func validateFee(fee signed.Decimal) error {
	if fee.IsNegative() || fee.GreaterThanOrEqual(signed.One()) {
		return fmt.Errorf("%w: fee %s outside [0, 1)", ErrInvalidParam, fee)
	}
	return nil
}

// Execute handles a user-initiated message sent by sender with funds attached.
func (s *Service) Execute(ctx context.Context, sender string, funds []msg.Coin, m msg.ExecuteMsg) (any, error) {
	variant, err := m.Variant()
	if err != nil {
		return nil, err
	}
	if !m.Supported() {
		return nil, fmt.Errorf("%w: %s", msg.ErrUnsupported, variant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case m.Deposit != nil:
		return nil, s.deposit(ctx, sender, funds)
	case m.Withdraw != nil:
		return s.withdraw(ctx, sender, m.Withdraw.Coins)
	case m.WithdrawInsuranceFund != nil:
		return s.withdrawInsuranceFund(ctx, sender, m.WithdrawInsuranceFund.Coin)
	case m.Liquidate != nil:
		return s.liquidate(ctx, []msg.LiquidationRequest{{Requestor: sender, Account: m.Liquidate.Account}})
	default:
		return nil, s.updateParams(ctx, sender, m)
	}
}

// Sudo handles a privileged batch from the venue or host chain.
func (s *Service) Sudo(ctx context.Context, m msg.SudoMsg) (any, error) {
	variant, err := m.Variant()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer metrics.ObserveSince(variant, start)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case m.Settlement != nil:
		return s.settle(ctx, m.Settlement.Epoch, m.Settlement.Entries)
	case m.NewBlock != nil:
		return nil, s.newBlock(ctx, m.NewBlock.Epoch)
	case m.BulkOrderPlacements != nil:
		return s.placeOrders(ctx, m.BulkOrderPlacements.Orders, m.BulkOrderPlacements.Deposits)
	case m.BulkOrderCancellations != nil:
		return nil, s.cancelOrders(ctx, m.BulkOrderCancellations.IDs)
	case m.Liquidation != nil:
		return s.liquidate(ctx, m.Liquidation.Requests)
	default:
		return nil, s.finalizeBlock(ctx, m.FinalizeBlock.ContractOrderResults)
	}
}

// loadParams reads params through r, mapping a missing record to
// ErrNotConfigured.
func loadParams(ctx context.Context, r store.Reader) (*model.Params, error) {
	params, err := r.GetParams(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	return params, err
}

// newOrderID derives a positive 63-bit id from a random UUID.
func newOrderID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8]) & math.MaxInt64
}
