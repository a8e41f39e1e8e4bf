package snapshot

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// formatUSD renders dollar amounts for alerts: four decimals below 1,000,
// grouped with two decimals below a million, then millions.
func formatUSD(v float64) string {
	switch a := math.Abs(v); {
	case a >= 1_000_000:
		return fmt.Sprintf("%.2fM", v/1_000_000)
	case a >= 1000:
		return humanize.FormatFloat("#,###.##", v)
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

func formatPct(v float64) string {
	return humanize.FormatFloat("#,###.##", v*100) + "%"
}

// Digest is a short operator-facing summary of a run.
func (r *Result) Digest() string {
	return fmt.Sprintf("📊 Snapshot %s\n\n"+
		"Price:      $%s\n"+
		"FDV:        $%s\n"+
		"Real TVL:   $%s\n"+
		"Fees (24h): $%s\n"+
		"APY:        %s simple / %s compound\n"+
		"Pools:      %d",
		r.TSUTC,
		formatUSD(r.PriceUSD),
		formatUSD(r.FDVUSD),
		formatUSD(r.RealTVLTotalUSD),
		formatUSD(r.Fees24hTotalUSDEst),
		formatPct(r.APYSimple),
		formatPct(r.APYCompound),
		len(r.PerPool),
	)
}
