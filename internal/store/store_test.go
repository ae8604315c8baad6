package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

func s(v string) signed.Decimal { return signed.MustParse(v) }

// fixture names accounts and denoms uniquely so the conformance suite can
// run repeatedly against a persistent database.
type fixture struct {
	alice, bob string
	quote      string
	atom, eth  pair.Pair
}

func newFixture() fixture {
	tag := strings.ToUpper(uuid.NewString()[:4])
	quote := "Q" + tag
	return fixture{
		alice: "alice-" + tag,
		bob:   "bob-" + tag,
		quote: quote,
		atom:  pair.MustNew(quote, "ATOM"),
		eth:   pair.MustNew(quote, "ETH"),
	}
}

func testParams() *model.Params {
	return &model.Params{
		Admin:          "admin",
		LimitOrderFee:  s("0.001"),
		MarketOrderFee: s("0.002"),
		MaxLeverage:    s("10"),
		BaseDenom:      "USDC",
		Denoms:         []string{"USDC", "ATOM"},
	}
}

// runConformance exercises the Store contract against any implementation.
func runConformance(t *testing.T, st Store) {
	ctx := context.Background()
	f := newFixture()

	t.Run("empty reads", func(t *testing.T) {
		bal, err := st.GetBalance(ctx, f.alice, f.quote)
		if err != nil || !bal.IsZero() {
			t.Errorf("missing balance = %s, %v; want zero", bal, err)
		}
		if _, err := st.GetOrder(ctx, 1<<62); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing order, got %v", err)
		}
		if _, err := st.GetPosition(ctx, f.alice, f.atom, model.Long); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing position, got %v", err)
		}
		if _, err := st.LatestFundingRate(ctx, f.atom); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing funding rate, got %v", err)
		}
		if _, err := st.GetMarkPrice(ctx, f.atom); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing mark price, got %v", err)
		}
	})

	t.Run("commit and read back", func(t *testing.T) {
		cs := NewChangeset()
		cs.Params = testParams()
		cs.Balances[BalanceKey{f.alice, f.quote}] = s("100.5")
		cs.Balances[BalanceKey{f.alice, "ATOM"}] = s("-2")
		cs.Insurance[f.quote] = s("7")
		orderID := uint64(time.Now().UnixNano())
		cs.Orders[orderID] = &model.Order{
			ID: orderID, Account: f.alice, PriceDenom: f.quote, AssetDenom: "ATOM",
			Price: s("10"), Quantity: s("2"), RemainingQuantity: s("2"),
			Direction: model.Long, Effect: model.Open, Leverage: s("5"), OrderType: model.Limit,
		}
		cs.Positions[PositionKey{f.alice, f.eth, model.Short}] = model.Position{
			Direction: model.Short, Quantity: s("1"), TotalCost: s("30"), TotalMarginDebt: s("10"),
			LastFundingPaymentEpoch: 3, LastPaidFundingPaymentRate: s("-0.25"),
		}
		cs.Positions[PositionKey{f.alice, f.atom, model.Long}] = model.Position{
			Direction: model.Long, Quantity: s("2"), TotalCost: s("20"),
		}
		cs.MarkPrices[f.atom] = s("11")
		cs.FundingRates = append(cs.FundingRates,
			FundingRateWrite{f.atom, model.FundingPaymentRate{PriceDiff: s("0.1"), Epoch: 1}},
			FundingRateWrite{f.atom, model.FundingPaymentRate{PriceDiff: s("-0.3"), Epoch: 5}},
			FundingRateWrite{f.atom, model.FundingPaymentRate{PriceDiff: s("0.2"), Epoch: 3}},
		)
		cs.Settlements = append(cs.Settlements, model.SettlementRecord{
			ID: uuid.NewString(), Epoch: 1, OrderID: orderID, Account: f.alice, Pair: f.atom,
			Direction: model.Long, Effect: model.Open, OrderType: model.Limit,
			Quantity: s("1"), ExecutionCost: s("10"), ExpectedCost: s("10"), Fee: s("0.01"),
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		})
		if err := st.Commit(ctx, cs); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		params, err := st.GetParams(ctx)
		if err != nil || params.Admin != "admin" || !params.MaxLeverage.Equal(s("10")) {
			t.Errorf("params = %+v, %v", params, err)
		}

		balances, err := st.GetBalances(ctx, f.alice)
		if err != nil || len(balances) != 2 {
			t.Fatalf("balances = %+v, %v", balances, err)
		}
		if balances[0].Denom != "ATOM" || !balances[0].Amount.Equal(s("-2")) {
			t.Errorf("balances not ordered by denom or sign lost: %+v", balances)
		}
		if fund, _ := st.GetInsuranceFund(ctx, f.quote); !fund.Equal(s("7")) {
			t.Errorf("insurance fund = %s", fund)
		}

		o, err := st.GetOrder(ctx, orderID)
		if err != nil || o.Effect != model.Open || !o.Leverage.Equal(s("5")) {
			t.Errorf("order = %+v, %v", o, err)
		}
		orders, err := st.ListOrders(ctx, f.alice, f.atom)
		if err != nil || len(orders) != 1 || orders[0].ID != orderID {
			t.Errorf("ListOrders = %+v, %v", orders, err)
		}

		positions, err := st.ListPositions(ctx, f.alice)
		if err != nil || len(positions) != 2 {
			t.Fatalf("positions = %+v, %v", positions, err)
		}
		// ATOM sorts before ETH under the same price-denom prefix.
		if positions[0].Pair != f.atom || positions[1].Pair != f.eth {
			t.Errorf("positions not in key order: %v, %v", positions[0].Pair, positions[1].Pair)
		}
		short, err := st.GetPosition(ctx, f.alice, f.eth, model.Short)
		if err != nil || !short.LastPaidFundingPaymentRate.Equal(s("-0.25")) || short.LastFundingPaymentEpoch != 3 {
			t.Errorf("short position = %+v, %v", short, err)
		}

		rates, err := st.GetFundingRates(ctx, f.atom, 2, 10)
		if err != nil || len(rates) != 2 || rates[0].Epoch != 3 || rates[1].Epoch != 5 {
			t.Errorf("GetFundingRates = %+v, %v", rates, err)
		}
		latest, err := st.LatestFundingRate(ctx, f.atom)
		if err != nil || latest.Epoch != 5 || !latest.PriceDiff.Equal(s("-0.3")) {
			t.Errorf("LatestFundingRate = %+v, %v", latest, err)
		}
		if mark, _ := st.GetMarkPrice(ctx, f.atom); !mark.Equal(s("11")) {
			t.Errorf("mark = %s", mark)
		}

		recs, err := st.ListSettlements(ctx, f.alice)
		if err != nil || len(recs) != 1 || !recs[0].Fee.Equal(s("0.01")) {
			t.Errorf("settlements = %+v, %v", recs, err)
		}
		if recs, _ := st.ListSettlements(ctx, f.bob); len(recs) != 0 {
			t.Errorf("bob should have no settlements, got %d", len(recs))
		}

		// Deleting the order and emptying a position removes them.
		cs = NewChangeset()
		cs.Orders[orderID] = nil
		cs.Positions[PositionKey{f.alice, f.eth, model.Short}] = model.Position{Direction: model.Short}
		if err := st.Commit(ctx, cs); err != nil {
			t.Fatal(err)
		}
		if _, err := st.GetOrder(ctx, orderID); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted order still readable: %v", err)
		}
		if orders, _ := st.ListOrders(ctx, f.alice, f.atom); len(orders) != 0 {
			t.Errorf("deleted order still listed: %+v", orders)
		}
		if positions, _ := st.ListPositions(ctx, f.alice); len(positions) != 1 {
			t.Errorf("empty position should be deleted, have %d", len(positions))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, NewMemoryStore())
}

func TestPebbleStore(t *testing.T) {
	st, err := NewInMemoryPebbleStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runConformance(t, st)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	st := NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	runConformance(t, st)
}

func TestCachedStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	runConformance(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute, zap.NewNop()))
}

// racingStore commits through the cache in the middle of the first balance
// read, after the stale value has been loaded.
type racingStore struct {
	*MemoryStore
	during func()
}

func (r *racingStore) GetBalances(ctx context.Context, account string) ([]model.Balance, error) {
	out, err := r.MemoryStore.GetBalances(ctx, account)
	if fn := r.during; fn != nil {
		r.during = nil
		fn()
	}
	return out, err
}

func TestCachedStore_FillRacingCommitIsDropped(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	account := "race-" + uuid.NewString()
	primary := &racingStore{MemoryStore: NewMemoryStore()}
	cached := NewCachedStore(primary, rdb, time.Minute, zap.NewNop())

	tx := Begin(cached)
	if _, err := tx.AddBalance(ctx, account, "USDC", s("10")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	primary.during = func() {
		tx := Begin(primary.MemoryStore)
		if _, err := tx.AddBalance(ctx, account, "USDC", s("5")); err != nil {
			t.Error(err)
			return
		}
		cs := tx.Changeset()
		if err := cached.Commit(ctx, cs); err != nil {
			t.Error(err)
		}
	}
	if got, _ := cached.GetBalance(ctx, account, "USDC"); !got.Equal(s("10")) {
		t.Errorf("racing read should return the value it loaded, got %s", got)
	}
	if got, _ := cached.GetBalance(ctx, account, "USDC"); !got.Equal(s("15")) {
		t.Errorf("expected the committed balance 15 after the race, got %s", got)
	}
}

func TestPebbleStore_PairsWithPriceDenom(t *testing.T) {
	st, err := NewInMemoryPebbleStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cs := NewChangeset()
	for _, p := range []pair.Pair{
		pair.MustNew("USDC", "OSMO"),
		pair.MustNew("USDC", "ATOM"),
		pair.MustNew("UST", "ATOM"),
		pair.MustNew("USDC", "ETH"),
	} {
		cs.MarkPrices[p] = s("1")
	}
	if err := st.Commit(context.Background(), cs); err != nil {
		t.Fatal(err)
	}

	got, err := st.PairsWithPriceDenom("USDC")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ATOM", "ETH", "OSMO"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want assets %v", got, want)
	}
	for i, p := range got {
		if p.PriceDenom != "USDC" || p.AssetDenom != want[i] {
			t.Errorf("pair %d = %v, want %s/USDC", i, p, want[i])
		}
	}
}

func TestKeyUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("p/"), []byte("p0")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := keyUpperBound(tt.in); string(got) != string(tt.want) {
			t.Errorf("keyUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestEpochKeyOrdering(t *testing.T) {
	epochs := []int64{-5, -1, 0, 1, 1 << 40}
	for i := 1; i < len(epochs); i++ {
		if string(epochKey(epochs[i-1])) >= string(epochKey(epochs[i])) {
			t.Errorf("epochKey(%d) should sort before epochKey(%d)", epochs[i-1], epochs[i])
		}
	}
}

func TestTx_ReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	atom := pair.MustNew("USDC", "ATOM")

	seed := NewChangeset()
	seed.Balances[BalanceKey{"alice", "USDC"}] = s("10")
	seed.Positions[PositionKey{"alice", atom, model.Long}] = model.Position{Direction: model.Long, Quantity: s("1")}
	if err := base.Commit(ctx, seed); err != nil {
		t.Fatal(err)
	}

	tx := Begin(base)
	if got, _ := tx.AddBalance(ctx, "alice", "USDC", s("-4")); !got.Equal(s("6")) {
		t.Errorf("AddBalance = %s, want 6", got)
	}
	if got, _ := tx.AddBalance(ctx, "alice", "USDC", s("1")); !got.Equal(s("7")) {
		t.Errorf("second AddBalance = %s, want 7", got)
	}
	tx.SetPosition("alice", atom, model.Position{Direction: model.Long})
	tx.PutOrder(model.Order{ID: 9, Account: "alice", PriceDenom: "USDC", AssetDenom: "ATOM"})

	if _, err := tx.GetPosition(ctx, "alice", atom, model.Long); !errors.Is(err, ErrNotFound) {
		t.Errorf("emptied position should read as missing, got %v", err)
	}
	if positions, _ := tx.ListPositions(ctx, "alice"); len(positions) != 0 {
		t.Errorf("emptied position still listed")
	}
	if orders, _ := tx.ListOrders(ctx, "alice", atom); len(orders) != 1 {
		t.Errorf("staged order not listed")
	}

	// Nothing reached the base store yet.
	if bal, _ := base.GetBalance(ctx, "alice", "USDC"); !bal.Equal(s("10")) {
		t.Errorf("base balance changed before commit: %s", bal)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if bal, _ := base.GetBalance(ctx, "alice", "USDC"); !bal.Equal(s("7")) {
		t.Errorf("base balance after commit = %s, want 7", bal)
	}
	if _, err := base.GetOrder(ctx, 9); err != nil {
		t.Errorf("committed order missing: %v", err)
	}
}

func TestTx_LatestFundingRateIncludesStaged(t *testing.T) {
	ctx := context.Background()
	atom := pair.MustNew("USDC", "ATOM")
	tx := Begin(NewMemoryStore())

	if _, err := tx.LatestFundingRate(ctx, atom); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tx.AppendFundingRate(atom, model.FundingPaymentRate{PriceDiff: s("0.5"), Epoch: 4})
	got, err := tx.LatestFundingRate(ctx, atom)
	if err != nil || got.Epoch != 4 {
		t.Errorf("LatestFundingRate = %+v, %v", got, err)
	}
}

func TestChangeset_Accounts(t *testing.T) {
	cs := NewChangeset()
	if !cs.IsEmpty() {
		t.Error("new changeset should be empty")
	}
	cs.Balances[BalanceKey{"a", "USDC"}] = s("1")
	cs.Positions[PositionKey{Account: "b"}] = model.Position{}
	cs.Orders[1] = &model.Order{Account: "a"}
	cs.Orders[2] = nil

	got := cs.Accounts()
	if len(got) != 2 {
		t.Errorf("Accounts() = %v, want [a b] in any order", got)
	}
}
