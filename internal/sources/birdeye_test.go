package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBirdeye(srv *httptest.Server, opts ...Option) *Birdeye {
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithRetryBackoff(time.Millisecond),
		WithRateLimit(0, 0),
	}, opts...)
	return NewBirdeye("test-key", srv.URL, opts...)
}

func TestBirdeyePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/price" {
			t.Errorf("path = %q, want /defi/price", r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("X-API-KEY = %q, want test-key", got)
		}
		if got := r.Header.Get("x-chain"); got != "solana" {
			t.Errorf("x-chain = %q, want solana", got)
		}
		if got := r.URL.Query().Get("address"); got != "mint1" {
			t.Errorf("address = %q, want mint1", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"value":2.5,"liquidity":1000}}`))
	}))
	defer srv.Close()

	price, err := testBirdeye(srv).Price(context.Background(), "mint1")
	if err != nil {
		t.Fatalf("Price error: %v", err)
	}
	if price != 2.5 {
		t.Errorf("price = %v, want 2.5", price)
	}
}

func TestBirdeyePriceMissingValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer srv.Close()

	price, err := testBirdeye(srv).Price(context.Background(), "mint1")
	if err != nil {
		t.Fatalf("Price error: %v", err)
	}
	if price != 0 {
		t.Errorf("price = %v, want 0", price)
	}
}

func TestBirdeyeMissingCredential(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	b := NewBirdeye("", srv.URL, WithHTTPClient(srv.Client()))
	if _, err := b.Price(context.Background(), "mint1"); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Price err = %v, want ErrMissingCredential", err)
	}
	if _, err := b.Markets(context.Background(), "mint1", DefaultMarketQuery()); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Markets err = %v, want ErrMissingCredential", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, want 0", hits.Load())
	}
}

func marketsPage(offset, n int) []Market {
	out := make([]Market, n)
	for i := range out {
		out[i].Address = "pool" + strconv.Itoa(offset+i)
		out[i].Name = "ASSET-SOL"
		out[i].Liquidity = 1000
		out[i].Volume24h = 100
	}
	return out
}

func TestBirdeyeMarketsPaginatesToLimit(t *testing.T) {
	var (
		mu     sync.Mutex
		limits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sort_by") != "liquidity" || q.Get("time_frame") != "24h" || q.Get("sort_type") != "desc" {
			t.Errorf("unexpected query %v", q)
		}
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		mu.Lock()
		limits = append(limits, q.Get("limit"))
		mu.Unlock()
		var resp marketsResponse
		resp.Data.Items = marketsPage(offset, limit)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	items, err := testBirdeye(srv).Markets(context.Background(), "mint1", DefaultMarketQuery())
	if err != nil {
		t.Fatalf("Markets error: %v", err)
	}
	if len(items) != 50 {
		t.Fatalf("len(items) = %d, want 50", len(items))
	}
	if items[49].Address != "pool49" {
		t.Errorf("last address = %q, want pool49", items[49].Address)
	}
	want := []string{"20", "20", "10"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(limits) != fmt.Sprint(want) {
		t.Errorf("page limits = %v, want %v", limits, want)
	}
}

func TestBirdeyeMarketsStopsOnEmptyPage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var resp marketsResponse
		if n == 1 {
			resp.Data.Items = marketsPage(0, 7)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	items, err := testBirdeye(srv).Markets(context.Background(), "mint1", DefaultMarketQuery())
	if err != nil {
		t.Fatalf("Markets error: %v", err)
	}
	if len(items) != 7 {
		t.Errorf("len(items) = %d, want 7", len(items))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestBirdeyeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"value":1.25}}`))
	}))
	defer srv.Close()

	price, err := testBirdeye(srv).Price(context.Background(), "mint1")
	if err != nil {
		t.Fatalf("Price error: %v", err)
	}
	if price != 1.25 {
		t.Errorf("price = %v, want 1.25", price)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestBirdeyeRateLimitBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testBirdeye(srv).Price(context.Background(), "mint1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err = %v, want UpstreamError with 429", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestBirdeyeServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testBirdeye(srv).Markets(context.Background(), "mint1", DefaultMarketQuery())
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", upErr.StatusCode)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("500 must not be reported as rate limited")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
