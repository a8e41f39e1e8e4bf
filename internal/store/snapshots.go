package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

// Portfolio is one metrics_snapshots row.
type Portfolio struct {
	TSUTC                  string  `json:"ts_utc"`
	PriceUSD               float64 `json:"price_usd"`
	FDVUSD                 float64 `json:"fdv_usd"`
	MarketCapUSD           float64 `json:"market_cap_usd"`
	CirculatingSupply      float64 `json:"circulating_supply"`
	RealTVLTotalUSD        float64 `json:"real_tvl_total_usd"`
	Volume24hUSD           float64 `json:"volume_24h_usd"`
	CollateralizationRatio float64 `json:"collateralization_ratio"`
	RealYieldDaily         float64 `json:"real_yield_daily"`
	APYSimple              float64 `json:"apy_simple"`
	APYCompound            float64 `json:"apy_compound"`
}

// Pool is one pool_snapshots row. IntervalFeeUSD and AllTimeFeesUSD are
// filled by SaveSnapshot from the pool's rolling state.
type Pool struct {
	PoolAddress       string  `json:"pool_address"`
	Family            string  `json:"family"`
	Source            string  `json:"source"`
	BaseSymbol        string  `json:"base_symbol"`
	QuoteSymbol       string  `json:"quote_symbol"`
	LiquidityUSD      float64 `json:"liquidity_usd"`
	RealTVLUSD        float64 `json:"real_tvl_usd"`
	Volume24hUSD      float64 `json:"volume_24h_usd"`
	FeeRate           float64 `json:"fee_rate"`
	ProtocolCut       float64 `json:"protocol_cut"`
	GrossFee24hUSD    float64 `json:"gross_fee_24h_usd"`
	ProtocolFee24hUSD float64 `json:"protocol_fee_24h_usd"`
	Fee24hUSD         float64 `json:"fee_24h_usd"`
	DailyYield        float64 `json:"daily_yield"`
	APYSimple         float64 `json:"apy_simple"`
	APYCompound       float64 `json:"apy_compound"`
	IntervalFeeUSD    float64 `json:"interval_fee_usd"`
	AllTimeFeesUSD    float64 `json:"all_time_fees_usd"`
}

// Snapshot is everything one engine run writes for a single ts_utc.
type Snapshot struct {
	Portfolio Portfolio
	Pools     []Pool
}

// SaveSnapshot writes pool rows, rolling state, family totals and the
// portfolio row in one transaction. A second snapshot for the same second is
// rejected with ErrDuplicateTimestamp and nothing is written.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	ts := snap.Portfolio.TSUTC
	if ts == "" {
		return errors.New("save snapshot: empty ts_utc")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM metrics_snapshots WHERE ts_utc = $1)
		OR EXISTS (SELECT 1 FROM pool_snapshots WHERE ts_utc = $1)`, ts).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check timestamp: %w", err)
	}
	if exists {
		return fmt.Errorf("%s: %w", ts, ErrDuplicateTimestamp)
	}

	for i := range snap.Pools {
		if err := savePool(ctx, tx, ts, &snap.Pools[i]); err != nil {
			return mapUnique(err)
		}
	}

	p := snap.Portfolio
	_, err = tx.Exec(ctx, `
		INSERT INTO metrics_snapshots
			(ts_utc, price_usd, fdv_usd, market_cap_usd, circulating_supply,
			 real_tvl_total_usd, volume_24h_usd, collateralization_ratio,
			 real_yield_daily, apy_simple, apy_compound)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ts, p.PriceUSD, p.FDVUSD, p.MarketCapUSD, p.CirculatingSupply,
		p.RealTVLTotalUSD, p.Volume24hUSD, p.CollateralizationRatio,
		p.RealYieldDaily, p.APYSimple, p.APYCompound)
	if err != nil {
		return mapUnique(fmt.Errorf("insert portfolio: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return mapUnique(fmt.Errorf("commit snapshot: %w", err))
	}
	return nil
}

func savePool(ctx context.Context, tx pgx.Tx, ts string, p *Pool) error {
	var prevVolume, prevFees *float64
	err := tx.QueryRow(ctx,
		`SELECT last_volume_24h_usd, all_time_fees_usd FROM pools_state WHERE pool_address = $1 FOR UPDATE`,
		p.PoolAddress).Scan(&prevVolume, &prevFees)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read pool state %s: %w", p.PoolAddress, err)
	}

	acc := yield.Accrue(deref(prevVolume), p.Volume24hUSD, p.FeeRate, p.ProtocolCut)

	_, err = tx.Exec(ctx, `
		INSERT INTO family_totals (family, all_time_volume_usd, all_time_fees_usd)
		VALUES ($1, $2, $3)
		ON CONFLICT (family) DO UPDATE SET
			all_time_volume_usd = COALESCE(family_totals.all_time_volume_usd, 0) + EXCLUDED.all_time_volume_usd,
			all_time_fees_usd   = COALESCE(family_totals.all_time_fees_usd, 0) + EXCLUDED.all_time_fees_usd`,
		p.Family, acc.Volume, acc.NetFees)
	if err != nil {
		return fmt.Errorf("accrue family %s: %w", p.Family, err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO pools_state (pool_address, last_volume_24h_usd, all_time_fees_usd)
		VALUES ($1, $2, $3)
		ON CONFLICT (pool_address) DO UPDATE SET
			last_volume_24h_usd = EXCLUDED.last_volume_24h_usd,
			all_time_fees_usd   = COALESCE(pools_state.all_time_fees_usd, 0) + EXCLUDED.all_time_fees_usd
		RETURNING all_time_fees_usd`,
		p.PoolAddress, p.Volume24hUSD, acc.NetFees).Scan(&p.AllTimeFeesUSD)
	if err != nil {
		return fmt.Errorf("update pool state %s: %w", p.PoolAddress, err)
	}
	p.IntervalFeeUSD = acc.NetFees

	_, err = tx.Exec(ctx, `
		INSERT INTO pool_snapshots
			(ts_utc, pool_address, family, base_symbol, quote_symbol,
			 liquidity_usd, real_tvl_usd, volume_24h_usd, fee_rate, protocol_cut, source,
			 gross_fee_24h_usd, protocol_fee_24h_usd, fee_24h_usd,
			 daily_yield, apy_simple, apy_compound, interval_fee_usd, all_time_fees_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		ts, p.PoolAddress, p.Family, p.BaseSymbol, p.QuoteSymbol,
		p.LiquidityUSD, p.RealTVLUSD, p.Volume24hUSD, p.FeeRate, p.ProtocolCut, p.Source,
		p.GrossFee24hUSD, p.ProtocolFee24hUSD, p.Fee24hUSD,
		p.DailyYield, p.APYSimple, p.APYCompound, p.IntervalFeeUSD, p.AllTimeFeesUSD)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", p.PoolAddress, err)
	}
	return nil
}

func mapUnique(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrDuplicateTimestamp, err)
	}
	return err
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// SumPoolFees returns the stored sum of net 24h pool fees at ts.
func (s *Store) SumPoolFees(ctx context.Context, ts string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(fee_24h_usd), 0) FROM pool_snapshots WHERE ts_utc = $1`, ts).Scan(&sum)
	return sum, err
}

// PortfolioYield returns the stored daily yield and simple APY at ts.
func (s *Store) PortfolioYield(ctx context.Context, ts string) (daily, apySimple float64, err error) {
	var d, a *float64
	err = s.pool.QueryRow(ctx,
		`SELECT real_yield_daily, apy_simple FROM metrics_snapshots WHERE ts_utc = $1`, ts).Scan(&d, &a)
	if err != nil {
		return 0, 0, noRows(err)
	}
	return deref(d), deref(a), nil
}
