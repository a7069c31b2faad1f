package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/syntha/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is applied statement by statement at boot; every statement is
// idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS vault_state (
		id INT PRIMARY KEY CHECK (id = 1),
		stable_collateral_total NUMERIC NOT NULL,
		size_opened_total NUMERIC NOT NULL,
		margin_deposited_total NUMERIC NOT NULL,
		size_per_entry_total NUMERIC NOT NULL,
		last_price NUMERIC NOT NULL,
		last_funding_entry NUMERIC NOT NULL,
		cumulative_funding_index NUMERIC NOT NULL,
		last_funding_rate NUMERIC NOT NULL,
		last_recomputed_time TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		token_id BIGINT PRIMARY KEY,
		owner TEXT NOT NULL,
		entry_price NUMERIC NOT NULL,
		margin_deposited NUMERIC NOT NULL,
		additional_size NUMERIC NOT NULL,
		entry_cumulative_funding NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		account TEXT PRIMARY KEY,
		order_type TEXT NOT NULL,
		keeper_fee NUMERIC NOT NULL,
		announced_at TIMESTAMPTZ NOT NULL,
		executable_at TIMESTAMPTZ NOT NULL,
		amount NUMERIC NOT NULL,
		min_out NUMERIC NOT NULL,
		margin NUMERIC NOT NULL,
		size NUMERIC NOT NULL,
		margin_delta NUMERIC NOT NULL,
		size_delta NUMERIC NOT NULL,
		price_bound NUMERIC NOT NULL,
		token_id BIGINT NOT NULL,
		lower_price NUMERIC NOT NULL,
		upper_price NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS limit_orders (
		token_id BIGINT PRIMARY KEY,
		account TEXT NOT NULL,
		order_type TEXT NOT NULL,
		keeper_fee NUMERIC NOT NULL,
		announced_at TIMESTAMPTZ NOT NULL,
		executable_at TIMESTAMPTZ NOT NULL,
		amount NUMERIC NOT NULL,
		min_out NUMERIC NOT NULL,
		margin NUMERIC NOT NULL,
		size NUMERIC NOT NULL,
		margin_delta NUMERIC NOT NULL,
		size_delta NUMERIC NOT NULL,
		price_bound NUMERIC NOT NULL,
		lower_price NUMERIC NOT NULL,
		upper_price NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS journal (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		account TEXT NOT NULL,
		token_id BIGINT NOT NULL,
		order_type TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		price NUMERIC NOT NULL,
		note TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS journal_ts_idx ON journal (ts DESC)`,
}

// Init creates the schema if it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveVault(ctx context.Context, v *model.VaultState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_state (id, stable_collateral_total, size_opened_total, margin_deposited_total,
		        size_per_entry_total, last_price, last_funding_entry, cumulative_funding_index,
		        last_funding_rate, last_recomputed_time, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		        stable_collateral_total = EXCLUDED.stable_collateral_total,
		        size_opened_total = EXCLUDED.size_opened_total,
		        margin_deposited_total = EXCLUDED.margin_deposited_total,
		        size_per_entry_total = EXCLUDED.size_per_entry_total,
		        last_price = EXCLUDED.last_price,
		        last_funding_entry = EXCLUDED.last_funding_entry,
		        cumulative_funding_index = EXCLUDED.cumulative_funding_index,
		        last_funding_rate = EXCLUDED.last_funding_rate,
		        last_recomputed_time = EXCLUDED.last_recomputed_time,
		        updated_at = EXCLUDED.updated_at`,
		v.StableCollateralTotal.String(), v.SizeOpenedTotal.String(),
		v.MarginDepositedTotal.String(), v.SizePerEntryTotal.String(),
		v.LastPrice.String(), v.LastFundingEntry.String(),
		v.CumulativeFundingIndex.String(), v.LastFundingRate.String(),
		v.LastRecomputedTime, v.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) LoadVault(ctx context.Context) (*model.VaultState, error) {
	var v model.VaultState
	var stable, size, margin, perEntry, lastPrice, fundingEntry, index, rate string

	err := s.pool.QueryRow(ctx,
		`SELECT stable_collateral_total::TEXT, size_opened_total::TEXT,
		        margin_deposited_total::TEXT, size_per_entry_total::TEXT,
		        last_price::TEXT, last_funding_entry::TEXT,
		        cumulative_funding_index::TEXT, last_funding_rate::TEXT,
		        last_recomputed_time, updated_at
		 FROM vault_state WHERE id = 1`).
		Scan(&stable, &size, &margin, &perEntry,
			&lastPrice, &fundingEntry, &index, &rate,
			&v.LastRecomputedTime, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("vault state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load vault state: %w", err)
	}

	v.StableCollateralTotal, _ = decimal.NewFromString(stable)
	v.SizeOpenedTotal, _ = decimal.NewFromString(size)
	v.MarginDepositedTotal, _ = decimal.NewFromString(margin)
	v.SizePerEntryTotal, _ = decimal.NewFromString(perEntry)
	v.LastPrice, _ = decimal.NewFromString(lastPrice)
	v.LastFundingEntry, _ = decimal.NewFromString(fundingEntry)
	v.CumulativeFundingIndex, _ = decimal.NewFromString(index)
	v.LastFundingRate, _ = decimal.NewFromString(rate)

	return &v, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.PositionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (token_id, owner, entry_price, margin_deposited,
		        additional_size, entry_cumulative_funding)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (token_id) DO UPDATE SET
		        owner = EXCLUDED.owner,
		        entry_price = EXCLUDED.entry_price,
		        margin_deposited = EXCLUDED.margin_deposited,
		        additional_size = EXCLUDED.additional_size,
		        entry_cumulative_funding = EXCLUDED.entry_cumulative_funding`,
		int64(p.TokenID), p.Owner,
		p.EntryPrice.String(), p.MarginDeposited.String(),
		p.AdditionalSize.String(), p.EntryCumulativeFunding.String(),
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, tokenID uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE token_id = $1`, int64(tokenID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", tokenID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LoadPositions(ctx context.Context) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_id, owner, entry_price::TEXT, margin_deposited::TEXT,
		        additional_size::TEXT, entry_cumulative_funding::TEXT
		 FROM positions ORDER BY token_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posns []model.PositionRecord
	for rows.Next() {
		var p model.PositionRecord
		var tokenID int64
		var entry, margin, size, funding string
		if err := rows.Scan(&tokenID, &p.Owner, &entry, &margin, &size, &funding); err != nil {
			return nil, err
		}
		p.TokenID = uint64(tokenID)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.MarginDeposited, _ = decimal.NewFromString(margin)
		p.AdditionalSize, _ = decimal.NewFromString(size)
		p.EntryCumulativeFunding, _ = decimal.NewFromString(funding)
		posns = append(posns, p)
	}
	return posns, rows.Err()
}

const orderColumns = `account, order_type, keeper_fee::TEXT, announced_at, executable_at,
	amount::TEXT, min_out::TEXT, margin::TEXT, size::TEXT, margin_delta::TEXT,
	size_delta::TEXT, price_bound::TEXT, token_id, lower_price::TEXT, upper_price::TEXT`

func (s *PostgresStore) saveOrderRow(ctx context.Context, table, keyColumn string, o *model.OrderRecord) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (account, order_type, keeper_fee, announced_at, executable_at,
		        amount, min_out, margin, size, margin_delta, size_delta, price_bound,
		        token_id, lower_price, upper_price)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		        $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14::NUMERIC, $15::NUMERIC)
		 ON CONFLICT (%s) DO UPDATE SET
		        account = EXCLUDED.account,
		        order_type = EXCLUDED.order_type,
		        keeper_fee = EXCLUDED.keeper_fee,
		        announced_at = EXCLUDED.announced_at,
		        executable_at = EXCLUDED.executable_at,
		        amount = EXCLUDED.amount,
		        min_out = EXCLUDED.min_out,
		        margin = EXCLUDED.margin,
		        size = EXCLUDED.size,
		        margin_delta = EXCLUDED.margin_delta,
		        size_delta = EXCLUDED.size_delta,
		        price_bound = EXCLUDED.price_bound,
		        token_id = EXCLUDED.token_id,
		        lower_price = EXCLUDED.lower_price,
		        upper_price = EXCLUDED.upper_price`,
		table, keyColumn),
		o.Account, o.Type, o.KeeperFee.String(), o.AnnouncedAt, o.ExecutableAt,
		o.Amount.String(), o.MinOut.String(), o.Margin.String(), o.Size.String(),
		o.MarginDelta.String(), o.SizeDelta.String(), o.PriceBound.String(),
		int64(o.TokenID), o.LowerPrice.String(), o.UpperPrice.String(),
	)
	return err
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.OrderRecord) error {
	return s.saveOrderRow(ctx, "orders", "account", o)
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, account string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE account = $1`, account)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order for %s: %w", account, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LoadOrders(ctx context.Context) ([]model.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) SaveLimitOrder(ctx context.Context, o *model.OrderRecord) error {
	return s.saveOrderRow(ctx, "limit_orders", "token_id", o)
}

func (s *PostgresStore) DeleteLimitOrder(ctx context.Context, tokenID uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM limit_orders WHERE token_id = $1`, int64(tokenID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("limit order for %d: %w", tokenID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LoadLimitOrders(ctx context.Context) ([]model.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders ORDER BY token_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) AppendJournal(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal (id, ts, kind, account, token_id, order_type, amount, price, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.Time, e.Kind, e.Account, int64(e.TokenID), e.OrderType,
		e.Amount.String(), e.Price.String(), e.Note,
	)
	return err
}

func (s *PostgresStore) RecentJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, kind, account, token_id, order_type, amount::TEXT, price::TEXT, note
		 FROM journal ORDER BY ts DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var tokenID int64
		var amount, price string
		if err := rows.Scan(&e.ID, &e.Time, &e.Kind, &e.Account, &tokenID,
			&e.OrderType, &amount, &price, &e.Note); err != nil {
			return nil, err
		}
		e.TokenID = uint64(tokenID)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Price, _ = decimal.NewFromString(price)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// scanOrders reads pgx rows into OrderRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.OrderRecord, error) {
	var orders []model.OrderRecord
	for rows.Next() {
		var o model.OrderRecord
		var tokenID int64
		var fee, amount, minOut, margin, size, marginDelta, sizeDelta, bound, lower, upper string

		if err := rows.Scan(&o.Account, &o.Type, &fee, &o.AnnouncedAt, &o.ExecutableAt,
			&amount, &minOut, &margin, &size, &marginDelta,
			&sizeDelta, &bound, &tokenID, &lower, &upper); err != nil {
			return nil, err
		}

		o.TokenID = uint64(tokenID)
		o.KeeperFee, _ = decimal.NewFromString(fee)
		o.Amount, _ = decimal.NewFromString(amount)
		o.MinOut, _ = decimal.NewFromString(minOut)
		o.Margin, _ = decimal.NewFromString(margin)
		o.Size, _ = decimal.NewFromString(size)
		o.MarginDelta, _ = decimal.NewFromString(marginDelta)
		o.SizeDelta, _ = decimal.NewFromString(sizeDelta)
		o.PriceBound, _ = decimal.NewFromString(bound)
		o.LowerPrice, _ = decimal.NewFromString(lower)
		o.UpperPrice, _ = decimal.NewFromString(upper)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}
