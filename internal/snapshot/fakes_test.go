package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/web3-frozen/reserve-monitor/internal/sources"
	"github.com/web3-frozen/reserve-monitor/internal/store"
	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarket struct {
	price      float64
	priceErr   error
	markets    []sources.Market
	marketsErr error
	lastQuery  sources.MarketQuery
}

func (f *fakeMarket) Price(context.Context, string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeMarket) Markets(_ context.Context, _ string, q sources.MarketQuery) ([]sources.Market, error) {
	f.lastQuery = q
	if f.marketsErr != nil {
		return nil, f.marketsErr
	}
	if len(f.markets) > q.Limit {
		return f.markets[:q.Limit], nil
	}
	return f.markets, nil
}

type fakeChain struct {
	supply    float64
	supplyErr error
	balances  map[string]float64
	failing   map[string]error
}

func (f *fakeChain) TokenSupply(context.Context, string) (float64, error) {
	return f.supply, f.supplyErr
}

func (f *fakeChain) ReserveTotal(_ context.Context, _ string, wallets []string, fb sources.Fallback) (sources.Lookup, error) {
	var out sources.Lookup
	for _, w := range wallets {
		l, err := fb.Resolve(f.balances[w], f.failing[w])
		if err != nil {
			return sources.Lookup{}, err
		}
		out.Value += l.Value
		if l.Degraded {
			out.Degraded = true
			out.Errs = append(out.Errs, l.Errs...)
		}
	}
	return out, nil
}

// memStore keeps snapshots in memory and accrues rolling state the same way
// the Postgres store does.
type memStore struct {
	mu         sync.Mutex
	migrations int
	migrateErr error
	saveErr    error
	snapshots  map[string]store.Snapshot
	lastVolume map[string]float64
	poolFees   map[string]float64
	families   map[string]store.FamilyTotal
	// feeSkew is added to SumPoolFees to simulate a diverging read.
	feeSkew float64
}

func newMemStore() *memStore {
	return &memStore{
		snapshots:  map[string]store.Snapshot{},
		lastVolume: map[string]float64{},
		poolFees:   map[string]float64{},
		families:   map[string]store.FamilyTotal{},
	}
}

func (m *memStore) Migrate(context.Context) (store.MigrationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations++
	return store.MigrationReport{}, m.migrateErr
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.snapshots[snap.Portfolio.TSUTC]; ok {
		return store.ErrDuplicateTimestamp
	}
	for i := range snap.Pools {
		p := &snap.Pools[i]
		acc := yield.Accrue(m.lastVolume[p.PoolAddress], p.Volume24hUSD, p.FeeRate, p.ProtocolCut)
		m.lastVolume[p.PoolAddress] = p.Volume24hUSD
		m.poolFees[p.PoolAddress] += acc.NetFees
		p.IntervalFeeUSD = acc.NetFees
		p.AllTimeFeesUSD = m.poolFees[p.PoolAddress]

		f := m.families[p.Family]
		f.Family = p.Family
		f.AllTimeVolumeUSD += acc.Volume
		f.AllTimeFeesUSD += acc.NetFees
		m.families[p.Family] = f
	}
	m.snapshots[snap.Portfolio.TSUTC] = store.Snapshot{
		Portfolio: snap.Portfolio,
		Pools:     append([]store.Pool(nil), snap.Pools...),
	}
	return nil
}

func (m *memStore) SumPoolFees(_ context.Context, ts string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, p := range m.snapshots[ts].Pools {
		sum += p.Fee24hUSD
	}
	return sum + m.feeSkew, nil
}

func (m *memStore) PortfolioYield(_ context.Context, ts string) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[ts]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	return s.Portfolio.RealYieldDaily, s.Portfolio.APYSimple, nil
}

func (m *memStore) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return r.err
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

var errUpstream = errors.New("upstream down")
