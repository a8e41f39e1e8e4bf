// Package snapshot samples the tracked asset's market and pool data, derives
// yield metrics and persists one point-in-time snapshot per run.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/metrics"
	"github.com/web3-frozen/reserve-monitor/internal/sources"
	"github.com/web3-frozen/reserve-monitor/internal/store"
	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

// validationTolerance is the absolute slack allowed between computed and
// stored aggregates.
const validationTolerance = 1e-6

// MarketData lists prices and pools for a token.
type MarketData interface {
	Price(ctx context.Context, mint string) (float64, error)
	Markets(ctx context.Context, mint string, q sources.MarketQuery) ([]sources.Market, error)
}

// ChainData reads supply and reserve balances from chain.
type ChainData interface {
	TokenSupply(ctx context.Context, mint string) (float64, error)
	ReserveTotal(ctx context.Context, mint string, wallets []string, fb sources.Fallback) (sources.Lookup, error)
}

// Store is the persistence the engine needs.
type Store interface {
	Migrate(ctx context.Context) (store.MigrationReport, error)
	SaveSnapshot(ctx context.Context, snap *store.Snapshot) error
	SumPoolFees(ctx context.Context, ts string) (float64, error)
	PortfolioYield(ctx context.Context, ts string) (daily, apySimple float64, err error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) error { return nil }

// Options configures what the engine samples.
type Options struct {
	Mint           string
	ReserveWallets []string
	PoolLimit      int
	Policy         yield.FeePolicy
	// Fallback is applied to the supply and reserve lookups only.
	Fallback sources.Fallback
	Notifier Notifier
}

// Result is the summary returned to callers of Run.
type Result struct {
	TSUTC                  string       `json:"ts_utc"`
	PriceUSD               float64      `json:"price_usd"`
	TotalSupply            float64      `json:"total_supply"`
	ReserveTotal           float64      `json:"reserve_total"`
	FDVUSD                 float64      `json:"fdv_usd"`
	MarketCapUSD           float64      `json:"market_cap_usd"`
	CirculatingSupply      float64      `json:"circulating_supply"`
	RealTVLTotalUSD        float64      `json:"real_tvl_total_usd"`
	Volume24hUSD           float64      `json:"volume_24h_usd"`
	Fees24hTotalUSDEst     float64      `json:"fees24h_total_usd_est"`
	RealYieldDaily         float64      `json:"real_yield_daily"`
	APYSimple              float64      `json:"apy_simple"`
	APYCompound            float64      `json:"apy_compound"`
	CollateralizationRatio float64      `json:"collateralization_ratio"`
	PerPool                []store.Pool `json:"per_pool"`
	Degraded               []string     `json:"degraded,omitempty"`
	Warnings               []string     `json:"warnings,omitempty"`
}

// Engine runs one snapshot at a time under a Locker.
type Engine struct {
	market   MarketData
	chain    ChainData
	store    Store
	lock     lock.Locker
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewEngine(market MarketData, chain ChainData, st Store, l lock.Locker, logger *slog.Logger, opts Options) *Engine {
	if opts.PoolLimit <= 0 {
		opts.PoolLimit = sources.DefaultMarketQuery().Limit
	}
	n := opts.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Engine{
		market:   market,
		chain:    chain,
		store:    st,
		lock:     l,
		notifier: n,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Run performs one snapshot. It returns lock.ErrHeld without side effects
// when another run holds the lock. Errors from the market provider and the
// store propagate; supply and reserve failures degrade per Options.Fallback.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	var res *Result
	err := lock.WithLock(ctx, e.lock, func(ctx context.Context) error {
		r, err := e.run(ctx)
		res = r
		return err
	})
	switch {
	case errors.Is(err, lock.ErrHeld):
		metrics.LockContendedTotal.Inc()
		metrics.SnapshotRunsTotal.WithLabelValues("skipped").Inc()
		e.logger.Info("snapshot skipped, another run holds the lock")
		return nil, err
	case err != nil:
		metrics.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.SnapshotRunsTotal.WithLabelValues("success").Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSuccess.SetToCurrentTime()
	e.logger.Info("snapshot committed",
		"ts_utc", res.TSUTC,
		"pools", len(res.PerPool),
		"fees24h_total_usd_est", res.Fees24hTotalUSDEst,
		"apy_simple", res.APYSimple,
		"duration", time.Since(start),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	report, err := e.store.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(report.Changes) > 0 {
		e.logger.Info("schema updated", "versions", report.Applied, "changes", report.Changes)
	}

	res := &Result{}
	mint := e.opts.Mint

	res.PriceUSD, err = e.market.Price(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}

	supply, err := e.opts.Fallback.Resolve(e.chain.TokenSupply(ctx, mint))
	if err != nil {
		return nil, fmt.Errorf("fetch supply: %w", err)
	}
	e.noteDegraded(res, "total_supply", supply)

	reserve, err := e.chain.ReserveTotal(ctx, mint, e.opts.ReserveWallets, e.opts.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fetch reserves: %w", err)
	}
	e.noteDegraded(res, "reserve_total", reserve)

	res.TotalSupply = supply.Value
	res.ReserveTotal = reserve.Value
	res.CirculatingSupply = yield.Circulating(supply.Value, reserve.Value)
	res.FDVUSD = res.PriceUSD * supply.Value
	res.MarketCapUSD = res.PriceUSD * res.CirculatingSupply

	q := sources.DefaultMarketQuery()
	q.Limit = e.opts.PoolLimit
	markets, err := e.market.Markets(ctx, mint, q)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}

	res.PerPool = e.buildPools(markets)
	for _, p := range res.PerPool {
		res.RealTVLTotalUSD += p.RealTVLUSD
		res.Volume24hUSD += p.Volume24hUSD
		res.Fees24hTotalUSDEst += p.Fee24hUSD
	}
	res.RealYieldDaily = yield.DailyYield(res.Fees24hTotalUSDEst, res.RealTVLTotalUSD)
	res.APYSimple = yield.APYSimple(res.RealYieldDaily)
	res.APYCompound = yield.APYCompound(res.RealYieldDaily)
	res.CollateralizationRatio = yield.SafeRatio(res.RealTVLTotalUSD, res.FDVUSD)
	res.TSUTC = store.FormatTS(e.now())

	snap := &store.Snapshot{Portfolio: res.portfolio(), Pools: res.PerPool}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	res.PerPool = snap.Pools

	res.Warnings = e.validate(ctx, res)
	recordBusinessMetrics(res)
	return res, nil
}

func (e *Engine) noteDegraded(res *Result, name string, l sources.Lookup) {
	if !l.Degraded {
		return
	}
	metrics.LookupDegradedTotal.WithLabelValues(name).Inc()
	e.logger.Warn("lookup degraded", "lookup", name, "substitute", l.Value, "error", l.Err())
	res.Degraded = append(res.Degraded, name)
}

// buildPools derives per-pool metrics. Repeated addresses keep the first
// listing.
func (e *Engine) buildPools(markets []sources.Market) []store.Pool {
	pools := make([]store.Pool, 0, len(markets))
	seen := make(map[string]bool, len(markets))
	for _, m := range markets {
		if seen[m.Address] {
			e.logger.Warn("duplicate pool in listing, skipping", "pool_address", m.Address, "family", m.Name)
			continue
		}
		seen[m.Address] = true

		in := yield.MarketInput{
			Address:      m.Address,
			Family:       m.Name,
			Source:       m.Source,
			BaseSymbol:   m.Base.Symbol,
			QuoteSymbol:  m.Quote.Symbol,
			LiquidityUSD: m.Liquidity,
			Volume24hUSD: m.Volume24h,
		}
		pm := yield.ComputePool(in, e.opts.Policy)

		quote := strings.TrimSpace(m.Quote.Symbol)
		if quote == "" {
			quote = "UNKNOWN"
		}
		pools = append(pools, store.Pool{
			PoolAddress:       m.Address,
			Family:            m.Name,
			Source:            e.opts.Policy.SourceLabel(m.Source),
			BaseSymbol:        m.Base.Symbol,
			QuoteSymbol:       quote,
			LiquidityUSD:      m.Liquidity,
			RealTVLUSD:        pm.RealTVLUSD,
			Volume24hUSD:      m.Volume24h,
			FeeRate:           pm.FeeRate,
			ProtocolCut:       pm.ProtocolCut,
			GrossFee24hUSD:    pm.GrossFee24hUSD,
			ProtocolFee24hUSD: pm.ProtocolFee24hUSD,
			Fee24hUSD:         pm.NetFee24hUSD,
			DailyYield:        pm.DailyYield,
			APYSimple:         pm.APYSimple,
			APYCompound:       pm.APYCompound,
		})
	}
	return pools
}

// validate re-reads the committed aggregates. Mismatches are reported, never
// returned as errors.
func (e *Engine) validate(ctx context.Context, res *Result) []string {
	var warnings []string
	mismatch := func(check, msg string) {
		metrics.ValidationMismatchTotal.WithLabelValues(check).Inc()
		e.logger.Warn("post-commit validation mismatch", "check", check, "ts_utc", res.TSUTC, "detail", msg)
		warnings = append(warnings, msg)
	}

	sum, err := e.store.SumPoolFees(ctx, res.TSUTC)
	switch {
	case err != nil:
		e.logger.Warn("post-commit fee check failed", "ts_utc", res.TSUTC, "error", err)
	case math.Abs(sum-res.Fees24hTotalUSDEst) > validationTolerance:
		mismatch("fee_sum", fmt.Sprintf("fees24h_total_usd_est mismatch: computed=%g stored=%g", res.Fees24hTotalUSDEst, sum))
	}

	daily, apy, err := e.store.PortfolioYield(ctx, res.TSUTC)
	switch {
	case err != nil:
		e.logger.Warn("post-commit apy check failed", "ts_utc", res.TSUTC, "error", err)
	case math.Abs(apy-yield.APYSimple(daily)) > validationTolerance:
		mismatch("apy_simple", fmt.Sprintf("apy_simple mismatch: stored=%g daily*365=%g", apy, yield.APYSimple(daily)))
	}

	if len(warnings) > 0 {
		text := fmt.Sprintf("⚠️ Snapshot %s validation\n\n%s", res.TSUTC, strings.Join(warnings, "\n"))
		if err := e.notifier.Notify(ctx, text); err != nil {
			metrics.NotificationsFailedTotal.Inc()
			e.logger.Error("send validation alert", "error", err)
		}
	}
	return warnings
}

func (r *Result) portfolio() store.Portfolio {
	return store.Portfolio{
		TSUTC:                  r.TSUTC,
		PriceUSD:               r.PriceUSD,
		FDVUSD:                 r.FDVUSD,
		MarketCapUSD:           r.MarketCapUSD,
		CirculatingSupply:      r.CirculatingSupply,
		RealTVLTotalUSD:        r.RealTVLTotalUSD,
		Volume24hUSD:           r.Volume24hUSD,
		CollateralizationRatio: r.CollateralizationRatio,
		RealYieldDaily:         r.RealYieldDaily,
		APYSimple:              r.APYSimple,
		APYCompound:            r.APYCompound,
	}
}

func recordBusinessMetrics(r *Result) {
	for name, v := range map[string]float64{
		"price_usd":               r.PriceUSD,
		"fdv_usd":                 r.FDVUSD,
		"market_cap_usd":          r.MarketCapUSD,
		"circulating_supply":      r.CirculatingSupply,
		"real_tvl_total_usd":      r.RealTVLTotalUSD,
		"volume_24h_usd":          r.Volume24hUSD,
		"fees24h_total_usd_est":   r.Fees24hTotalUSDEst,
		"real_yield_daily":        r.RealYieldDaily,
		"apy_simple":              r.APYSimple,
		"apy_compound":            r.APYCompound,
		"collateralization_ratio": r.CollateralizationRatio,
	} {
		metrics.MetricValue.WithLabelValues(name).Set(v)
	}
	metrics.SnapshotPools.Set(float64(len(r.PerPool)))
}
