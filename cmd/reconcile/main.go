// Command reconcile forward-fills zero or missing portfolio metrics with the
// most recent earlier positive value, so charts never drop to zero.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/web3-frozen/reserve-monitor/internal/config"
	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/store"
)

func main() {
	columns := flag.String("columns", strings.Join(store.ChartColumns, ","), "comma-separated metric columns to fill")
	verbose := flag.Bool("v", false, "print every filled cell")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg, parseColumns(*columns), *verbose, os.Stdout)
	if errors.Is(err, lock.ErrHeld) {
		logger.Warn("a snapshot is running, try again later")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("reconcile failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, columns []string, verbose bool, out io.Writer) error {
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Migrate(ctx); err != nil {
		return err
	}

	locker, closeLock, err := lock.Open(lock.Settings{
		Backend:       cfg.LockBackend,
		Dir:           cfg.LockDir,
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
		Pool:          db.Pool(),
	})
	if err != nil {
		return err
	}
	defer closeLock()

	return lock.WithLock(ctx, locker, func(ctx context.Context) error {
		report, err := db.ForwardFillZeros(ctx, columns)
		if err != nil {
			return err
		}
		remaining, err := db.RemainingZeros(ctx, columns)
		if err != nil {
			return err
		}
		printReport(out, report, remaining, verbose)
		return nil
	})
}

func parseColumns(s string) []string {
	var cols []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

func printReport(w io.Writer, report store.ReconcileReport, remaining map[string]int, verbose bool) {
	if verbose {
		for _, f := range report.Fills {
			fmt.Fprintf(w, "%s  %-20s %s -> %s\n", f.TSUTC, f.Column,
				humanize.FormatFloat("#,###.####", f.Old), humanize.FormatFloat("#,###.####", f.New))
		}
	}

	perColumn := map[string]int{}
	for _, f := range report.Fills {
		perColumn[f.Column]++
	}
	fmt.Fprintf(w, "scanned %s rows, filled %s cells\n",
		humanize.Comma(int64(report.Rows)), humanize.Comma(int64(len(report.Fills))))

	cols := make([]string, 0, len(remaining))
	for c := range remaining {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		fmt.Fprintf(w, "  %-20s filled %-6s remaining %s\n", c,
			humanize.Comma(int64(perColumn[c])), humanize.Comma(int64(remaining[c])))
	}
}
