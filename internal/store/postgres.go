package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL. All monetary values are
// stored as NUMERIC for exact decimal precision; pairs are stored as their
// 16-byte key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func numeric(d signed.Decimal) string { return d.Decimal().String() }

// numericParser parses NUMERIC::TEXT columns and keeps the first error.
type numericParser struct{ err error }

func (p *numericParser) parse(s string) signed.Decimal {
	if p.err != nil {
		return signed.Zero()
	}
	v, err := signed.Parse(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (s *PostgresStore) GetParams(ctx context.Context) (*model.Params, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM params WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("params: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}
	var p model.Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, account, denom string) (signed.Decimal, error) {
	return s.queryDecimal(ctx,
		`SELECT amount::TEXT FROM balances WHERE account = $1 AND denom = $2`, account, denom)
}

func (s *PostgresStore) GetBalances(ctx context.Context, account string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT denom, amount::TEXT FROM balances WHERE account = $1 ORDER BY denom`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var amountS string
		if err := rows.Scan(&b.Denom, &amountS); err != nil {
			return nil, err
		}
		if b.Amount, err = signed.Parse(amountS); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetInsuranceFund(ctx context.Context, denom string) (signed.Decimal, error) {
	return s.queryDecimal(ctx, `SELECT balance::TEXT FROM insurance_fund WHERE denom = $1`, denom)
}

// queryDecimal reads a single NUMERIC; no row is zero.
func (s *PostgresStore) queryDecimal(ctx context.Context, sql string, args ...any) (signed.Decimal, error) {
	var v string
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return signed.Zero(), nil
	}
	if err != nil {
		return signed.Zero(), err
	}
	return signed.Parse(v)
}

const orderColumns = `id, account, price_denom, asset_denom,
	price::TEXT, quantity::TEXT, remaining_quantity::TEXT,
	direction, effect, leverage::TEXT, order_type`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var priceS, qtyS, remS, levS, effect string
	var dir, ot int32
	var id int64
	if err := row.Scan(&id, &o.Account, &o.PriceDenom, &o.AssetDenom,
		&priceS, &qtyS, &remS, &dir, &effect, &levS, &ot); err != nil {
		return nil, err
	}
	o.ID = uint64(id)
	o.Direction = model.DirectionFromCode(dir)
	o.OrderType = model.OrderTypeFromCode(ot)
	_ = o.Effect.UnmarshalText([]byte(effect))
	var np numericParser
	o.Price = np.parse(priceS)
	o.Quantity = np.parse(qtyS)
	o.RemainingQuantity = np.parse(remS)
	o.Leverage = np.parse(levS)
	if np.err != nil {
		return nil, np.err
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, account string, p pair.Pair) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account = $1 AND price_denom = $2 AND asset_denom = $3 ORDER BY id`,
		account, p.PriceDenom, p.AssetDenom)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const positionColumns = `pair_key, direction, quantity::TEXT, total_margin_debt::TEXT,
	total_cost::TEXT, last_funding_payment_epoch, last_paid_funding_payment_rate::TEXT`

func scanPosition(row pgx.Row) (pair.Pair, *model.Position, error) {
	var key []byte
	var dir int32
	var qtyS, debtS, costS, rateS string
	var pos model.Position
	if err := row.Scan(&key, &dir, &qtyS, &debtS, &costS, &pos.LastFundingPaymentEpoch, &rateS); err != nil {
		return pair.Pair{}, nil, err
	}
	p, err := pair.FromKey(key)
	if err != nil {
		return pair.Pair{}, nil, err
	}
	pos.Direction = model.DirectionFromCode(dir)
	var np numericParser
	pos.Quantity = np.parse(qtyS)
	pos.TotalMarginDebt = np.parse(debtS)
	pos.TotalCost = np.parse(costS)
	pos.LastPaidFundingPaymentRate = np.parse(rateS)
	if np.err != nil {
		return pair.Pair{}, nil, np.err
	}
	return p, &pos, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, account string, p pair.Pair, dir model.PositionDirection) (*model.Position, error) {
	key, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	_, pos, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account = $1 AND pair_key = $2 AND direction = $3`,
		account, key, dir.Code()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s %s %s: %w", account, p, dir, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, account string) ([]model.AccountPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account = $1 ORDER BY pair_key, direction`,
		account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccountPosition
	for rows.Next() {
		p, pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, model.AccountPosition{Account: account, Pair: p, Position: *pos})
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFundingRates(ctx context.Context, p pair.Pair, start, end int64) ([]model.FundingPaymentRate, error) {
	key, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT epoch, price_diff::TEXT FROM funding_rates
		 WHERE pair_key = $1 AND epoch BETWEEN $2 AND $3 ORDER BY epoch`,
		key, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingPaymentRate
	for rows.Next() {
		var r model.FundingPaymentRate
		var diffS string
		if err := rows.Scan(&r.Epoch, &diffS); err != nil {
			return nil, err
		}
		if r.PriceDiff, err = signed.Parse(diffS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestFundingRate(ctx context.Context, p pair.Pair) (model.FundingPaymentRate, error) {
	key, err := p.Bytes()
	if err != nil {
		return model.FundingPaymentRate{}, err
	}
	var r model.FundingPaymentRate
	var diffS string
	err = s.pool.QueryRow(ctx,
		`SELECT epoch, price_diff::TEXT FROM funding_rates
		 WHERE pair_key = $1 ORDER BY epoch DESC LIMIT 1`, key).Scan(&r.Epoch, &diffS)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("funding rate %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return r, err
	}
	r.PriceDiff, err = signed.Parse(diffS)
	return r, err
}

func (s *PostgresStore) GetMarkPrice(ctx context.Context, p pair.Pair) (signed.Decimal, error) {
	key, err := p.Bytes()
	if err != nil {
		return signed.Zero(), err
	}
	var v string
	err = s.pool.QueryRow(ctx, `SELECT price::TEXT FROM mark_prices WHERE pair_key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return signed.Zero(), fmt.Errorf("mark price %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return signed.Zero(), err
	}
	return signed.Parse(v)
}

func (s *PostgresStore) ListSettlements(ctx context.Context, account string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, epoch, order_id, account, pair_key, direction, effect, order_type,
		        quantity::TEXT, execution_cost::TEXT, expected_cost::TEXT, fee::TEXT,
		        realized_pnl::TEXT, timestamp
		 FROM settlements WHERE account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementRecord
	for rows.Next() {
		var r model.SettlementRecord
		var key []byte
		var orderID int64
		var dir, ot int32
		var effect, qtyS, execS, expS, feeS, pnlS string
		if err := rows.Scan(&r.ID, &r.Epoch, &orderID, &r.Account, &key, &dir, &effect, &ot,
			&qtyS, &execS, &expS, &feeS, &pnlS, &r.Timestamp); err != nil {
			return nil, err
		}
		if r.Pair, err = pair.FromKey(key); err != nil {
			return nil, err
		}
		r.OrderID = uint64(orderID)
		r.Direction = model.DirectionFromCode(dir)
		r.OrderType = model.OrderTypeFromCode(ot)
		_ = r.Effect.UnmarshalText([]byte(effect))
		var np numericParser
		r.Quantity = np.parse(qtyS)
		r.ExecutionCost = np.parse(execS)
		r.ExpectedCost = np.parse(expS)
		r.Fee = np.parse(feeS)
		r.RealizedPnL = np.parse(pnlS)
		if np.err != nil {
			return nil, np.err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Commit applies cs inside a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if cs.Params != nil {
			data, err := json.Marshal(cs.Params)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO params (id, data) VALUES (1, $1)
				 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data); err != nil {
				return fmt.Errorf("upsert params: %w", err)
			}
		}
		for k, v := range cs.Balances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO balances (account, denom, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (account, denom) DO UPDATE SET amount = EXCLUDED.amount`,
				k.Account, k.Denom, numeric(v)); err != nil {
				return fmt.Errorf("upsert balance %s/%s: %w", k.Account, k.Denom, err)
			}
		}
		for denom, v := range cs.Insurance {
			if _, err := tx.Exec(ctx,
				`INSERT INTO insurance_fund (denom, balance) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (denom) DO UPDATE SET balance = EXCLUDED.balance`,
				denom, numeric(v)); err != nil {
				return fmt.Errorf("upsert insurance fund %s: %w", denom, err)
			}
		}
		for id, o := range cs.Orders {
			if err := writeOrderTx(ctx, tx, id, o); err != nil {
				return fmt.Errorf("order %d: %w", id, err)
			}
		}
		for k, pos := range cs.Positions {
			if err := writePositionTx(ctx, tx, k, pos); err != nil {
				return fmt.Errorf("position %s %s: %w", k.Account, k.Pair, err)
			}
		}
		for p, v := range cs.MarkPrices {
			key, err := p.Bytes()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO mark_prices (pair_key, price) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (pair_key) DO UPDATE SET price = EXCLUDED.price`,
				key, numeric(v)); err != nil {
				return fmt.Errorf("upsert mark price %s: %w", p, err)
			}
		}
		for _, w := range cs.FundingRates {
			key, err := w.Pair.Bytes()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO funding_rates (pair_key, epoch, price_diff) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (pair_key, epoch) DO UPDATE SET price_diff = EXCLUDED.price_diff`,
				key, w.Rate.Epoch, numeric(w.Rate.PriceDiff)); err != nil {
				return fmt.Errorf("insert funding rate %s: %w", w.Pair, err)
			}
		}
		for _, r := range cs.Settlements {
			if err := insertSettlementTx(ctx, tx, r); err != nil {
				return fmt.Errorf("insert settlement %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func writeOrderTx(ctx context.Context, tx pgx.Tx, id uint64, o *model.Order) error {
	if o == nil {
		_, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, int64(id))
		return err
	}
	effect, _ := o.Effect.MarshalText()
	_, err := tx.Exec(ctx,
		`INSERT INTO orders (id, account, price_denom, asset_denom, price, quantity,
		                     remaining_quantity, direction, effect, leverage, order_type)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11)
		 ON CONFLICT (id) DO UPDATE SET remaining_quantity = EXCLUDED.remaining_quantity`,
		int64(id), o.Account, o.PriceDenom, o.AssetDenom,
		numeric(o.Price), numeric(o.Quantity), numeric(o.RemainingQuantity),
		o.Direction.Code(), string(effect), numeric(o.Leverage), o.OrderType.Code(),
	)
	return err
}

func writePositionTx(ctx context.Context, tx pgx.Tx, k PositionKey, pos model.Position) error {
	key, err := k.Pair.Bytes()
	if err != nil {
		return err
	}
	if pos.IsEmpty() {
		_, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account = $1 AND pair_key = $2 AND direction = $3`,
			k.Account, key, k.Direction.Code())
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO positions (account, pair_key, direction, quantity, total_margin_debt, total_cost,
		                        last_funding_payment_epoch, last_paid_funding_payment_rate)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC)
		 ON CONFLICT (account, pair_key, direction) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     total_margin_debt = EXCLUDED.total_margin_debt,
		     total_cost = EXCLUDED.total_cost,
		     last_funding_payment_epoch = EXCLUDED.last_funding_payment_epoch,
		     last_paid_funding_payment_rate = EXCLUDED.last_paid_funding_payment_rate`,
		k.Account, key, k.Direction.Code(),
		numeric(pos.Quantity), numeric(pos.TotalMarginDebt), numeric(pos.TotalCost),
		pos.LastFundingPaymentEpoch, numeric(pos.LastPaidFundingPaymentRate),
	)
	return err
}

func insertSettlementTx(ctx context.Context, tx pgx.Tx, r model.SettlementRecord) error {
	key, err := r.Pair.Bytes()
	if err != nil {
		return err
	}
	effect, _ := r.Effect.MarshalText()
	_, err = tx.Exec(ctx,
		`INSERT INTO settlements (id, epoch, order_id, account, pair_key, direction, effect, order_type,
		                          quantity, execution_cost, expected_cost, fee, realized_pnl, timestamp)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		r.ID, r.Epoch, int64(r.OrderID), r.Account, key, r.Direction.Code(), string(effect),
		r.OrderType.Code(), numeric(r.Quantity), numeric(r.ExecutionCost), numeric(r.ExpectedCost),
		numeric(r.Fee), numeric(r.RealizedPnL), r.Timestamp,
	)
	return err
}

var _ Store = (*PostgresStore)(nil)
