package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/ibgate/internal/model"
)

// Querier is the subset of *pgxpool.Pool used here.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// schema creates the instruments table. One row per canonical key; ticker
// ids are process-local and only kept for correlation with logs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		key             TEXT PRIMARY KEY,
		ticker_id       BIGINT NOT NULL,
		symbol          TEXT NOT NULL,
		sec_type        TEXT NOT NULL,
		exchange        TEXT NOT NULL DEFAULT '',
		currency        TEXT NOT NULL DEFAULT '',
		expiry          TEXT NOT NULL DEFAULT '',
		strike          DOUBLE PRECISION NOT NULL DEFAULT 0,
		opt_right       TEXT NOT NULL DEFAULT '',
		multiplier      TEXT NOT NULL DEFAULT '',
		con_id          BIGINT NOT NULL DEFAULT 0,
		contract_month  TEXT NOT NULL DEFAULT '',
		min_tick        DOUBLE PRECISION NOT NULL DEFAULT 0,
		valid_exchanges TEXT NOT NULL DEFAULT '',
		long_name       TEXT NOT NULL DEFAULT '',
		time_zone_id    TEXT NOT NULL DEFAULT '',
		trading_hours   TEXT NOT NULL DEFAULT '',
		liquid_hours    TEXT NOT NULL DEFAULT '',
		leaf_count      INTEGER NOT NULL DEFAULT 0,
		leaves          JSONB,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS instruments_symbol_idx ON instruments (symbol, sec_type)`,
	`CREATE INDEX IF NOT EXISTS instruments_updated_at_idx ON instruments (updated_at DESC)`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db Querier) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const loadSpecsSQL = `
	SELECT symbol, sec_type, exchange, currency, expiry, strike, opt_right, multiplier
	FROM instruments
	WHERE sec_type <> 'BAG' AND leaf_count = 1
	ORDER BY updated_at DESC
	LIMIT $1`

// LoadSpecs returns the most recently stored single-leaf instruments,
// newest first. Combos are not stored.
func LoadSpecs(ctx context.Context, db Querier, limit int) ([]model.InstrumentSpec, error) {
	rows, err := db.Query(ctx, loadSpecsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}

	specs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InstrumentSpec, error) {
		var (
			spec    model.InstrumentSpec
			secType string
			right   string
		)
		err := row.Scan(
			&spec.Symbol,
			&secType,
			&spec.Exchange,
			&spec.Currency,
			&spec.Expiry,
			&spec.Strike,
			&right,
			&spec.Multiplier,
		)
		spec.SecType = model.SecType(secType)
		spec.Right = model.ParseRight(right)
		return spec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan instruments: %w", err)
	}
	return specs, nil
}
