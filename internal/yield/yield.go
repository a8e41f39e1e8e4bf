// Package yield holds the fee, yield and APY arithmetic shared by the
// snapshot engine and the metrics store. Everything here is pure.
package yield

import (
	"math"
	"strings"
)

// DaysPerYear is the annualisation factor for simple and compound APY.
const DaysPerYear = 365.0

// FeePolicy decides the LP fee rate and the venue's protocol cut for a pool.
type FeePolicy struct {
	DefaultRate float64
	StableRate  float64
	// StableQuotes are upper-case quote symbols that get StableRate. A family
	// label containing one of them (case-insensitive) also qualifies.
	StableQuotes []string
	ProtocolCuts []ProtocolCut
}

// ProtocolCut is the share of gross fees kept by a venue.
type ProtocolCut struct {
	Match       string // lower-case substring of the source label
	DisplayName string
	Cut         float64
}

// DefaultFeePolicy mirrors the fee schedule of the tracked pools.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		DefaultRate:  0.01,
		StableRate:   0.0025,
		StableQuotes: []string{"USDC"},
		ProtocolCuts: []ProtocolCut{
			{Match: "meteora", DisplayName: "Meteora", Cut: 0.20},
		},
	}
}

// FeeRate returns StableRate for stablecoin-quoted pairs, DefaultRate otherwise.
func (p FeePolicy) FeeRate(family, quoteSymbol string) float64 {
	qs := strings.ToUpper(strings.TrimSpace(quoteSymbol))
	fam := strings.ToLower(family)
	for _, s := range p.StableQuotes {
		if qs == s || strings.Contains(fam, strings.ToLower(s)) {
			return p.StableRate
		}
	}
	return p.DefaultRate
}

// ProtocolCut returns the cut for the first venue matching source, or zero.
func (p FeePolicy) ProtocolCut(source string) float64 {
	if pc, ok := p.match(source); ok {
		return pc.Cut
	}
	return 0
}

// SourceLabel normalises a venue label for storage.
func (p FeePolicy) SourceLabel(source string) string {
	if pc, ok := p.match(source); ok {
		return pc.DisplayName
	}
	if source == "" {
		return "Unknown"
	}
	return source
}

func (p FeePolicy) match(source string) (ProtocolCut, bool) {
	src := strings.ToLower(source)
	for _, pc := range p.ProtocolCuts {
		if pc.Match != "" && strings.Contains(src, pc.Match) {
			return pc, true
		}
	}
	return ProtocolCut{}, false
}

// SafeRatio returns num/den, or zero when den is not positive.
func SafeRatio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

// DailyYield is net 24h fees over real TVL; zero when TVL is zero.
func DailyYield(netFees, realTVL float64) float64 {
	return SafeRatio(netFees, realTVL)
}

// APYSimple annualises a daily yield linearly.
func APYSimple(daily float64) float64 {
	return daily * DaysPerYear
}

// APYCompound annualises a daily yield with daily compounding. Non-positive
// yields return zero.
func APYCompound(daily float64) float64 {
	if daily <= 0 {
		return 0
	}
	return math.Pow(1+daily, DaysPerYear) - 1
}

// Circulating is total supply minus reserves, floored at zero.
func Circulating(totalSupply, reserveTotal float64) float64 {
	return math.Max(totalSupply-reserveTotal, 0)
}

// VolumeDelta is the incremental volume between two rolling 24h readings.
// A drop means the upstream window rolled over, so the current reading is
// taken as the whole increment. The result is never negative.
func VolumeDelta(prev, curr float64) float64 {
	delta := curr - prev
	if curr < prev {
		delta = curr
	}
	if delta < 0 {
		return 0
	}
	return delta
}

// Accrual is what one run adds to a family's all-time totals.
type Accrual struct {
	Volume  float64
	NetFees float64
}

// Accrue converts a rolling-volume transition into incremental volume and
// net fees after the protocol cut.
func Accrue(prevVolume, currVolume, feeRate, protocolCut float64) Accrual {
	vol := VolumeDelta(prevVolume, currVolume)
	gross := vol * feeRate
	return Accrual{
		Volume:  vol,
		NetFees: gross * (1 - protocolCut),
	}
}

// MarketInput is one pool as reported by the market data provider.
type MarketInput struct {
	Address      string
	Family       string
	Source       string
	BaseSymbol   string
	QuoteSymbol  string
	LiquidityUSD float64
	Volume24hUSD float64
}

// PoolMetrics is the per-pool derivation for one sample.
type PoolMetrics struct {
	RealTVLUSD        float64
	FeeRate           float64
	ProtocolCut       float64
	GrossFee24hUSD    float64
	ProtocolFee24hUSD float64
	NetFee24hUSD      float64
	DailyYield        float64
	APYSimple         float64
	APYCompound       float64
}

// ComputePool derives TVL, fees and yields for a single pool. Real TVL is
// half the two-sided liquidity.
func ComputePool(in MarketInput, p FeePolicy) PoolMetrics {
	m := PoolMetrics{
		RealTVLUSD:  in.LiquidityUSD / 2,
		FeeRate:     p.FeeRate(in.Family, in.QuoteSymbol),
		ProtocolCut: p.ProtocolCut(in.Source),
	}
	m.GrossFee24hUSD = in.Volume24hUSD * m.FeeRate
	m.ProtocolFee24hUSD = m.GrossFee24hUSD * m.ProtocolCut
	m.NetFee24hUSD = m.GrossFee24hUSD - m.ProtocolFee24hUSD
	m.DailyYield = DailyYield(m.NetFee24hUSD, m.RealTVLUSD)
	m.APYSimple = APYSimple(m.DailyYield)
	m.APYCompound = APYCompound(m.DailyYield)
	return m
}
