package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

// setupTestStore starts a throwaway Postgres and returns a store on it. The
// schema is not migrated.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("reserve"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	s, err := New(ctx, dsn)
	require.NoError(t, err, "failed to open store")
	t.Cleanup(s.Close)
	return s
}

func setupMigratedStore(t *testing.T) *Store {
	t.Helper()
	s := setupTestStore(t)
	_, err := s.Migrate(context.Background())
	require.NoError(t, err)
	return s
}

// testPool builds a fully derived pool row the way the engine does.
func testPool(addr, family, source, quote string, liquidity, volume float64) Pool {
	policy := yield.DefaultFeePolicy()
	m := yield.ComputePool(yield.MarketInput{
		Address:      addr,
		Family:       family,
		Source:       source,
		QuoteSymbol:  quote,
		LiquidityUSD: liquidity,
		Volume24hUSD: volume,
	}, policy)
	return Pool{
		PoolAddress:       addr,
		Family:            family,
		Source:            policy.SourceLabel(source),
		BaseSymbol:        "ASSET",
		QuoteSymbol:       quote,
		LiquidityUSD:      liquidity,
		RealTVLUSD:        m.RealTVLUSD,
		Volume24hUSD:      volume,
		FeeRate:           m.FeeRate,
		ProtocolCut:       m.ProtocolCut,
		GrossFee24hUSD:    m.GrossFee24hUSD,
		ProtocolFee24hUSD: m.ProtocolFee24hUSD,
		Fee24hUSD:         m.NetFee24hUSD,
		DailyYield:        m.DailyYield,
		APYSimple:         m.APYSimple,
		APYCompound:       m.APYCompound,
	}
}

func testSnapshot(ts string, pools ...Pool) *Snapshot {
	var tvl, vol, fees float64
	for _, p := range pools {
		tvl += p.RealTVLUSD
		vol += p.Volume24hUSD
		fees += p.Fee24hUSD
	}
	daily := yield.DailyYield(fees, tvl)
	return &Snapshot{
		Portfolio: Portfolio{
			TSUTC:                  ts,
			PriceUSD:               2,
			FDVUSD:                 2_000_000,
			MarketCapUSD:           1_600_000,
			CirculatingSupply:      800_000,
			RealTVLTotalUSD:        tvl,
			Volume24hUSD:           vol,
			CollateralizationRatio: yield.SafeRatio(tvl, 2_000_000),
			RealYieldDaily:         daily,
			APYSimple:              yield.APYSimple(daily),
			APYCompound:            yield.APYCompound(daily),
		},
		Pools: pools,
	}
}
