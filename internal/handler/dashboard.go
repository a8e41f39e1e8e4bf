package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/web3-frozen/reserve-monitor/internal/store"
)

// Reader is the read side of the metrics store.
type Reader interface {
	LatestPortfolio(ctx context.Context) (*store.Portfolio, error)
	PoolsAt(ctx context.Context, ts string) ([]store.Pool, error)
	FeeVolumeSummary(ctx context.Context) (store.FeeVolumeSummary, error)
	TimeSeries(ctx context.Context, limit int) ([]store.Portfolio, error)
	DailyHistory(ctx context.Context) ([]store.DailySummary, error)
	PoolAPYDaily(ctx context.Context, day string) ([]store.PoolAPYDay, error)
	FamilyTotals(ctx context.Context) ([]store.FamilyTotal, error)
}

const maxSeriesPoints = 1000

type summaryResponse struct {
	Portfolio *store.Portfolio       `json:"portfolio"`
	Pools     []store.Pool           `json:"pools"`
	Totals    store.FeeVolumeSummary `json:"totals"`
}

// Summary serves the latest portfolio row with its pools and headline totals.
func Summary(rd Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := rd.LatestPortfolio(ctx)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"no snapshots yet"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"failed to load summary"}`, http.StatusInternalServerError)
			return
		}
		pools, err := rd.PoolsAt(ctx, p.TSUTC)
		if err != nil {
			http.Error(w, `{"error":"failed to load pools"}`, http.StatusInternalServerError)
			return
		}
		totals, err := rd.FeeVolumeSummary(ctx)
		if err != nil {
			http.Error(w, `{"error":"failed to load totals"}`, http.StatusInternalServerError)
			return
		}
		if pools == nil {
			pools = []store.Pool{}
		}
		writeJSON(w, http.StatusOK, summaryResponse{Portfolio: p, Pools: pools, Totals: totals})
	}
}

type timeSeriesResponse struct {
	Timestamps        []string  `json:"timestamps"`
	Price             []float64 `json:"price"`
	MarketCap         []float64 `json:"market_cap"`
	Volume24h         []float64 `json:"volume_24h"`
	CirculatingSupply []float64 `json:"circulating_supply"`
	RealTVL           []float64 `json:"real_tvl"`
	APYSimple         []float64 `json:"apy_simple"`
}

// TimeSeries serves chart columns for the newest ?limit= rows (default 100).
func TimeSeries(rd Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxSeriesPoints {
				http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
				return
			}
			limit = n
		}

		rows, err := rd.TimeSeries(r.Context(), limit)
		if err != nil {
			http.Error(w, `{"error":"failed to load time series"}`, http.StatusInternalServerError)
			return
		}

		resp := timeSeriesResponse{
			Timestamps:        make([]string, 0, len(rows)),
			Price:             make([]float64, 0, len(rows)),
			MarketCap:         make([]float64, 0, len(rows)),
			Volume24h:         make([]float64, 0, len(rows)),
			CirculatingSupply: make([]float64, 0, len(rows)),
			RealTVL:           make([]float64, 0, len(rows)),
			APYSimple:         make([]float64, 0, len(rows)),
		}
		for _, p := range rows {
			resp.Timestamps = append(resp.Timestamps, p.TSUTC)
			resp.Price = append(resp.Price, p.PriceUSD)
			resp.MarketCap = append(resp.MarketCap, p.MarketCapUSD)
			resp.Volume24h = append(resp.Volume24h, p.Volume24hUSD)
			resp.CirculatingSupply = append(resp.CirculatingSupply, p.CirculatingSupply)
			resp.RealTVL = append(resp.RealTVL, p.RealTVLTotalUSD)
			resp.APYSimple = append(resp.APYSimple, p.APYSimple)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type historyResponse struct {
	Daily   []store.DailySummary `json:"daily"`
	PoolAPY []store.PoolAPYDay   `json:"pool_apy"`
}

// History serves per-day portfolio aggregates and the pool APY rollup,
// optionally narrowed to ?day=YYYY-MM-DD.
func History(rd Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("day")
		if day != "" && !validDay(day) {
			http.Error(w, `{"error":"invalid day"}`, http.StatusBadRequest)
			return
		}

		daily, err := rd.DailyHistory(r.Context())
		if err != nil {
			http.Error(w, `{"error":"failed to load history"}`, http.StatusInternalServerError)
			return
		}
		poolAPY, err := rd.PoolAPYDaily(r.Context(), day)
		if err != nil {
			http.Error(w, `{"error":"failed to load pool apy"}`, http.StatusInternalServerError)
			return
		}
		if daily == nil {
			daily = []store.DailySummary{}
		}
		if poolAPY == nil {
			poolAPY = []store.PoolAPYDay{}
		}
		writeJSON(w, http.StatusOK, historyResponse{Daily: daily, PoolAPY: poolAPY})
	}
}

func Families(rd Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, err := rd.FamilyTotals(r.Context())
		if err != nil {
			http.Error(w, `{"error":"failed to load families"}`, http.StatusInternalServerError)
			return
		}
		if totals == nil {
			totals = []store.FamilyTotal{}
		}
		writeJSON(w, http.StatusOK, totals)
	}
}

func validDay(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}
