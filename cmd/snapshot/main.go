// Command snapshot runs one reserve snapshot and prints its summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/web3-frozen/reserve-monitor/internal/config"
	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/notify"
	"github.com/web3-frozen/reserve-monitor/internal/snapshot"
	"github.com/web3-frozen/reserve-monitor/internal/sources"
	"github.com/web3-frozen/reserve-monitor/internal/store"
	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

func main() {
	asJSON := flag.Bool("json", false, "print the rounded result as JSON instead of a digest")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, logger)
	if errors.Is(err, lock.ErrHeld) {
		logger.Info("another snapshot is running, nothing to do")
		return
	}
	if err != nil {
		logger.Error("snapshot failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rounded(res))
		return
	}
	fmt.Println(res.Digest())
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (*snapshot.Result, error) {
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	locker, closeLock, err := lock.Open(lock.Settings{
		Backend:       cfg.LockBackend,
		Dir:           cfg.LockDir,
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
		Pool:          db.Pool(),
	})
	if err != nil {
		return nil, err
	}
	defer closeLock()

	var notifier snapshot.Notifier = notify.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	}

	engine := snapshot.NewEngine(
		sources.NewBirdeye(cfg.BirdeyeAPIKey, cfg.BirdeyeBaseURL),
		sources.NewHelius(cfg.HeliusAPIKey, cfg.HeliusRPCURL),
		db, locker, logger,
		snapshot.Options{
			Mint:           cfg.AssetMint,
			ReserveWallets: cfg.ReserveWallets,
			PoolLimit:      cfg.PoolLimit,
			Policy:         yield.DefaultFeePolicy(),
			Fallback:       sources.UseZero,
			Notifier:       notifier,
		},
	)
	return engine.Run(ctx)
}

// rounded trims every headline figure to 6 decimals for display.
func rounded(r *snapshot.Result) *snapshot.Result {
	out := *r
	for _, f := range []*float64{
		&out.PriceUSD, &out.TotalSupply, &out.ReserveTotal, &out.FDVUSD,
		&out.MarketCapUSD, &out.CirculatingSupply, &out.RealTVLTotalUSD,
		&out.Volume24hUSD, &out.Fees24hTotalUSDEst, &out.RealYieldDaily,
		&out.APYSimple, &out.APYCompound, &out.CollateralizationRatio,
	} {
		*f = round6(*f)
	}
	out.PerPool = nil
	return &out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
