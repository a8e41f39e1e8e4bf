package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// migrateLockKey serialises concurrent Migrate calls across processes.
const migrateLockKey int64 = 0x7265736d6f6e // "resmon"

// schemaOp is one structural change guarded by an existence probe.
type schemaOp struct {
	name   string
	exists string
	args   []any
	ddl    string
}

func (o schemaOp) apply(ctx context.Context, tx pgx.Tx) (bool, error) {
	var ok bool
	if err := tx.QueryRow(ctx, o.exists, o.args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("probe %s: %w", o.name, err)
	}
	if ok {
		return false, nil
	}
	if _, err := tx.Exec(ctx, o.ddl); err != nil {
		return false, fmt.Errorf("apply %s: %w", o.name, err)
	}
	return true, nil
}

func createTable(table, ddl string) schemaOp {
	return schemaOp{
		name: "table " + table,
		exists: `SELECT EXISTS (SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1)`,
		args: []any{table},
		ddl:  ddl,
	}
}

func addColumn(table, column, typ string) schemaOp {
	return schemaOp{
		name: "column " + table + "." + column,
		exists: `SELECT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2)`,
		args: []any{table, column},
		ddl:  fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ),
	}
}

func createView(view, ddl string) schemaOp {
	return schemaOp{
		name: "view " + view,
		exists: `SELECT EXISTS (SELECT 1 FROM information_schema.views
			WHERE table_schema = current_schema() AND table_name = $1)`,
		args: []any{view},
		ddl:  ddl,
	}
}

func createIndex(index, ddl string) schemaOp {
	return schemaOp{
		name: "index " + index,
		exists: `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_indexes
			WHERE schemaname = current_schema() AND indexname = $1)`,
		args: []any{index},
		ddl:  ddl,
	}
}

type migration struct {
	version string
	ops     []schemaOp
}

// migrations is append-only. Every op is re-probed on each run, so a step
// recorded as applied still repairs a structure that has gone missing.
var migrations = []migration{
	{
		version: "0001_core_tables",
		ops: []schemaOp{
			createTable("metrics_snapshots", `CREATE TABLE metrics_snapshots (
				ts_utc TEXT PRIMARY KEY,
				price_usd DOUBLE PRECISION,
				fdv_usd DOUBLE PRECISION,
				market_cap_usd DOUBLE PRECISION,
				circulating_supply DOUBLE PRECISION,
				real_tvl_total_usd DOUBLE PRECISION,
				volume_24h_usd DOUBLE PRECISION
			)`),
			createTable("pool_snapshots", `CREATE TABLE pool_snapshots (
				ts_utc TEXT NOT NULL,
				pool_address TEXT NOT NULL,
				family TEXT,
				base_symbol TEXT,
				quote_symbol TEXT,
				liquidity_usd DOUBLE PRECISION,
				real_tvl_usd DOUBLE PRECISION,
				volume_24h_usd DOUBLE PRECISION,
				PRIMARY KEY (ts_utc, pool_address)
			)`),
			createTable("pools_state", `CREATE TABLE pools_state (
				pool_address TEXT PRIMARY KEY,
				last_volume_24h_usd DOUBLE PRECISION
			)`),
			createTable("family_totals", `CREATE TABLE family_totals (
				family TEXT PRIMARY KEY,
				all_time_volume_usd DOUBLE PRECISION,
				all_time_fees_usd DOUBLE PRECISION
			)`),
		},
	},
	{
		version: "0002_yield_columns",
		ops: []schemaOp{
			addColumn("metrics_snapshots", "collateralization_ratio", "DOUBLE PRECISION"),
			addColumn("metrics_snapshots", "real_yield_daily", "DOUBLE PRECISION"),
			addColumn("metrics_snapshots", "apy_simple", "DOUBLE PRECISION"),
			addColumn("metrics_snapshots", "apy_compound", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "fee_rate", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "protocol_cut", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "daily_yield", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "apy_simple", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "apy_compound", "DOUBLE PRECISION"),
		},
	},
	{
		version: "0003_fee_breakdown",
		ops: []schemaOp{
			addColumn("pool_snapshots", "gross_fee_24h_usd", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "protocol_fee_24h_usd", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "fee_24h_usd", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "source", "TEXT"),
		},
	},
	{
		version: "0004_fee_accrual",
		ops: []schemaOp{
			addColumn("pool_snapshots", "interval_fee_usd", "DOUBLE PRECISION"),
			addColumn("pool_snapshots", "all_time_fees_usd", "DOUBLE PRECISION"),
			addColumn("pools_state", "all_time_fees_usd", "DOUBLE PRECISION"),
		},
	},
	{
		version: "0005_rollups_and_indexes",
		ops: []schemaOp{
			createView("v_pool_apy_daily", `CREATE VIEW v_pool_apy_daily AS
				SELECT substr(ts_utc, 1, 10) AS day,
				       pool_address,
				       family,
				       AVG(daily_yield) AS daily_yield_avg,
				       AVG(apy_simple) AS apy_simple_avg,
				       AVG(apy_compound) AS apy_compound_avg
				FROM pool_snapshots
				GROUP BY substr(ts_utc, 1, 10), pool_address, family`),
			createIndex("idx_metrics_ts", `CREATE INDEX idx_metrics_ts ON metrics_snapshots (ts_utc)`),
			createIndex("idx_pool_ts_addr_family", `CREATE INDEX idx_pool_ts_addr_family ON pool_snapshots (ts_utc, pool_address, family)`),
		},
	},
}

// MigrationReport lists what a Migrate call changed. Both slices are empty
// when the schema was already current.
type MigrationReport struct {
	Applied []string `json:"applied"` // newly recorded versions
	Changes []string `json:"changes"` // structural ops that ran
}

// Migrate brings the schema to the latest version in one transaction.
func (s *Store) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return report, fmt.Errorf("begin migrate: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrateLockKey); err != nil {
		return report, fmt.Errorf("migrate lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return report, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, tx)
	if err != nil {
		return report, err
	}

	for _, m := range migrations {
		for _, op := range m.ops {
			changed, err := op.apply(ctx, tx)
			if err != nil {
				return MigrationReport{}, fmt.Errorf("migration %s: %w", m.version, err)
			}
			if changed {
				report.Changes = append(report.Changes, op.name)
			}
		}
		if applied[m.version] {
			continue
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return MigrationReport{}, fmt.Errorf("record %s: %w", m.version, err)
		}
		report.Applied = append(report.Applied, m.version)
	}

	if err := tx.Commit(ctx); err != nil {
		return MigrationReport{}, fmt.Errorf("commit migrate: %w", err)
	}
	return report, nil
}

func appliedVersions(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	out := make(map[string]bool, len(versions))
	for _, v := range versions {
		out[v] = true
	}
	return out, nil
}

// SchemaVersion returns the most recent recorded migration, or "" before the
// first Migrate.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v *string
	err := s.pool.QueryRow(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		if isUndefinedTable(err) {
			return "", nil
		}
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}
