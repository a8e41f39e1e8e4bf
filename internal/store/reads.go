package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

const portfolioColumns = `ts_utc,
	COALESCE(price_usd, 0) AS price_usd,
	COALESCE(fdv_usd, 0) AS fdv_usd,
	COALESCE(market_cap_usd, 0) AS market_cap_usd,
	COALESCE(circulating_supply, 0) AS circulating_supply,
	COALESCE(real_tvl_total_usd, 0) AS real_tvl_total_usd,
	COALESCE(volume_24h_usd, 0) AS volume_24h_usd,
	COALESCE(collateralization_ratio, 0) AS collateralization_ratio,
	COALESCE(real_yield_daily, 0) AS real_yield_daily,
	COALESCE(apy_simple, 0) AS apy_simple,
	COALESCE(apy_compound, 0) AS apy_compound`

func scanPortfolio(row pgx.Row) (Portfolio, error) {
	var p Portfolio
	err := row.Scan(&p.TSUTC, &p.PriceUSD, &p.FDVUSD, &p.MarketCapUSD,
		&p.CirculatingSupply, &p.RealTVLTotalUSD, &p.Volume24hUSD,
		&p.CollateralizationRatio, &p.RealYieldDaily, &p.APYSimple, &p.APYCompound)
	return p, err
}

// LatestPortfolio returns the most recent portfolio row or ErrNotFound.
func (s *Store) LatestPortfolio(ctx context.Context) (*Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM metrics_snapshots ORDER BY ts_utc DESC LIMIT 1`))
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

// PoolsAt returns the pool rows written at ts, best simple APY first.
func (s *Store) PoolsAt(ctx context.Context, ts string) ([]Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_address, COALESCE(family, ''), COALESCE(source, ''),
		       COALESCE(base_symbol, ''), COALESCE(quote_symbol, ''),
		       COALESCE(liquidity_usd, 0), COALESCE(real_tvl_usd, 0), COALESCE(volume_24h_usd, 0),
		       COALESCE(fee_rate, 0), COALESCE(protocol_cut, 0),
		       COALESCE(gross_fee_24h_usd, 0), COALESCE(protocol_fee_24h_usd, 0), COALESCE(fee_24h_usd, 0),
		       COALESCE(daily_yield, 0), COALESCE(apy_simple, 0), COALESCE(apy_compound, 0),
		       COALESCE(interval_fee_usd, 0), COALESCE(all_time_fees_usd, 0)
		FROM pool_snapshots
		WHERE ts_utc = $1
		ORDER BY apy_simple DESC NULLS LAST, pool_address`, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []Pool
	for rows.Next() {
		var p Pool
		if err := rows.Scan(&p.PoolAddress, &p.Family, &p.Source, &p.BaseSymbol, &p.QuoteSymbol,
			&p.LiquidityUSD, &p.RealTVLUSD, &p.Volume24hUSD, &p.FeeRate, &p.ProtocolCut,
			&p.GrossFee24hUSD, &p.ProtocolFee24hUSD, &p.Fee24hUSD,
			&p.DailyYield, &p.APYSimple, &p.APYCompound,
			&p.IntervalFeeUSD, &p.AllTimeFeesUSD); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// TimeSeries returns the newest limit portfolio rows in ascending time order.
func (s *Store) TimeSeries(ctx context.Context, limit int) ([]Portfolio, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+portfolioColumns+` FROM metrics_snapshots ORDER BY ts_utc DESC LIMIT $1
		) recent ORDER BY ts_utc`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DailySummary aggregates portfolio rows by UTC day.
type DailySummary struct {
	Day            string  `json:"day"`
	Samples        int     `json:"samples"`
	VolumeSum      float64 `json:"vol_sum"`
	RealYieldAvg   float64 `json:"real_yield_avg"`
	APYSimpleAvg   float64 `json:"apy_simple_avg"`
	APYCompoundAvg float64 `json:"apy_compound_avg"`
}

func (s *Store) DailyHistory(ctx context.Context) ([]DailySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT substr(ts_utc, 1, 10) AS day,
		       count(*),
		       SUM(COALESCE(volume_24h_usd, 0)),
		       AVG(COALESCE(real_yield_daily, 0)),
		       AVG(COALESCE(apy_simple, 0)),
		       AVG(COALESCE(apy_compound, 0))
		FROM metrics_snapshots
		GROUP BY day
		ORDER BY day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(&d.Day, &d.Samples, &d.VolumeSum, &d.RealYieldAvg, &d.APYSimpleAvg, &d.APYCompoundAvg); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PoolAPYDay is one row of the v_pool_apy_daily rollup.
type PoolAPYDay struct {
	Day            string  `json:"day"`
	PoolAddress    string  `json:"pool_address"`
	Family         string  `json:"family"`
	DailyYieldAvg  float64 `json:"daily_yield_avg"`
	APYSimpleAvg   float64 `json:"apy_simple_avg"`
	APYCompoundAvg float64 `json:"apy_compound_avg"`
}

// PoolAPYDaily reads the daily rollup view, optionally for one day.
func (s *Store) PoolAPYDaily(ctx context.Context, day string) ([]PoolAPYDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day, pool_address, COALESCE(family, ''),
		       COALESCE(daily_yield_avg, 0), COALESCE(apy_simple_avg, 0), COALESCE(apy_compound_avg, 0)
		FROM v_pool_apy_daily
		WHERE $1 = '' OR day = $1
		ORDER BY day, apy_simple_avg DESC NULLS LAST`, day)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PoolAPYDay, error) {
		var d PoolAPYDay
		err := row.Scan(&d.Day, &d.PoolAddress, &d.Family, &d.DailyYieldAvg, &d.APYSimpleAvg, &d.APYCompoundAvg)
		return d, err
	})
}

// FamilyTotal is one family_totals row.
type FamilyTotal struct {
	Family           string  `json:"family"`
	AllTimeVolumeUSD float64 `json:"all_time_volume_usd"`
	AllTimeFeesUSD   float64 `json:"all_time_fees_usd"`
}

func (s *Store) FamilyTotals(ctx context.Context) ([]FamilyTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT family, COALESCE(all_time_volume_usd, 0), COALESCE(all_time_fees_usd, 0)
		FROM family_totals
		ORDER BY all_time_fees_usd DESC NULLS LAST, family`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FamilyTotal, error) {
		var f FamilyTotal
		err := row.Scan(&f.Family, &f.AllTimeVolumeUSD, &f.AllTimeFeesUSD)
		return f, err
	})
}

// runsPerDay converts a rolling 24h figure into one scheduler interval.
const runsPerDay = 3.0

// FeeVolumeSummary is the headline fee and volume block of the dashboard.
type FeeVolumeSummary struct {
	Latest24hFeesUSD   float64 `json:"latest_24h_fees"`
	Latest8hFeesUSD    float64 `json:"latest_8hr_fees"`
	AllTimeFeesUSD     float64 `json:"all_time_fees"`
	Latest24hVolumeUSD float64 `json:"latest_24h_volume"`
	Latest8hVolumeUSD  float64 `json:"latest_8hr_volume"`
	AllTimeVolumeUSD   float64 `json:"all_time_volume"`
}

// FeeVolumeSummary reads the latest 24h totals and the accrued all-time
// family totals.
func (s *Store) FeeVolumeSummary(ctx context.Context) (FeeVolumeSummary, error) {
	var sum FeeVolumeSummary
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(fee_24h_usd), 0), COALESCE(SUM(volume_24h_usd), 0)
		FROM pool_snapshots
		WHERE ts_utc = (SELECT MAX(ts_utc) FROM pool_snapshots)`).
		Scan(&sum.Latest24hFeesUSD, &sum.Latest24hVolumeUSD)
	if err != nil {
		return sum, err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(all_time_fees_usd), 0), COALESCE(SUM(all_time_volume_usd), 0)
		FROM family_totals`).
		Scan(&sum.AllTimeFeesUSD, &sum.AllTimeVolumeUSD)
	if err != nil {
		return sum, err
	}
	sum.Latest8hFeesUSD = sum.Latest24hFeesUSD / runsPerDay
	sum.Latest8hVolumeUSD = sum.Latest24hVolumeUSD / runsPerDay
	return sum, nil
}
