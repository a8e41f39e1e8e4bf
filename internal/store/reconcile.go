package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ChartColumns are the portfolio metrics that must never chart as zero.
var ChartColumns = []string{
	"price_usd",
	"fdv_usd",
	"market_cap_usd",
	"circulating_supply",
	"real_tvl_total_usd",
	"volume_24h_usd",
}

var fillable = map[string]bool{
	"price_usd":               true,
	"fdv_usd":                 true,
	"market_cap_usd":          true,
	"circulating_supply":      true,
	"real_tvl_total_usd":      true,
	"volume_24h_usd":          true,
	"collateralization_ratio": true,
	"real_yield_daily":        true,
	"apy_simple":              true,
	"apy_compound":            true,
}

// Fill is one forward-filled cell.
type Fill struct {
	TSUTC  string  `json:"ts_utc"`
	Column string  `json:"column"`
	Old    float64 `json:"old"`
	New    float64 `json:"new"`
}

// ReconcileReport summarises a forward-fill pass.
type ReconcileReport struct {
	Rows  int    `json:"rows"`
	Fills []Fill `json:"fills"`
}

// ForwardFillZeros walks metrics_snapshots in time order and replaces zero or
// null values in columns with the most recent earlier positive value. Rows
// with no earlier positive value are left as they are. The pass runs in one
// transaction.
func (s *Store) ForwardFillZeros(ctx context.Context, columns []string) (ReconcileReport, error) {
	var report ReconcileReport
	if len(columns) == 0 {
		columns = ChartColumns
	}
	idents := make([]string, len(columns))
	for i, c := range columns {
		if !fillable[c] {
			return report, fmt.Errorf("column %q cannot be reconciled", c)
		}
		idents[i] = pgx.Identifier{c}.Sanitize()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return report, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT ts_utc, %s FROM metrics_snapshots ORDER BY ts_utc FOR UPDATE`, strings.Join(idents, ", ")))
	if err != nil {
		return report, fmt.Errorf("scan metrics: %w", err)
	}

	type update struct {
		ts   string
		sets map[int]float64
	}
	var (
		updates  []update
		lastGood = make([]float64, len(columns))
	)
	for rows.Next() {
		report.Rows++
		var ts string
		vals := make([]*float64, len(columns))
		dest := make([]any, 0, len(columns)+1)
		dest = append(dest, &ts)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return ReconcileReport{}, err
		}

		u := update{ts: ts, sets: map[int]float64{}}
		for i, v := range vals {
			cur := deref(v)
			if cur > 0 {
				lastGood[i] = cur
				continue
			}
			if lastGood[i] > 0 {
				u.sets[i] = lastGood[i]
				report.Fills = append(report.Fills, Fill{TSUTC: ts, Column: columns[i], Old: cur, New: lastGood[i]})
			}
		}
		if len(u.sets) > 0 {
			updates = append(updates, u)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ReconcileReport{}, err
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		sets := make([]string, 0, len(u.sets))
		args := []any{u.ts}
		for i, v := range u.sets {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", idents[i], len(args)))
		}
		batch.Queue(fmt.Sprintf(`UPDATE metrics_snapshots SET %s WHERE ts_utc = $1`, strings.Join(sets, ", ")), args...)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return ReconcileReport{}, fmt.Errorf("apply fills: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReconcileReport{}, fmt.Errorf("commit reconcile: %w", err)
	}
	return report, nil
}

// RemainingZeros counts zero or null cells per column.
func (s *Store) RemainingZeros(ctx context.Context, columns []string) (map[string]int, error) {
	if len(columns) == 0 {
		columns = ChartColumns
	}
	out := make(map[string]int, len(columns))
	for _, c := range columns {
		if !fillable[c] {
			return nil, fmt.Errorf("column %q cannot be reconciled", c)
		}
		col := pgx.Identifier{c}.Sanitize()
		var n int
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT count(*) FROM metrics_snapshots WHERE %s IS NULL OR %s <= 0`, col, col)).Scan(&n)
		if err != nil {
			return nil, err
		}
		out[c] = n
	}
	return out, nil
}
