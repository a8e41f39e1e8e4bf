package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// rpcServer answers JSON-RPC calls with handler(method, params).
func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.URL.Query().Get("api-key"); got != "helius-key" {
			t.Errorf("api-key = %q, want helius-key", got)
		}
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			ID      string            `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.JSONRPC != "2.0" || req.ID != req.Method {
			t.Errorf("request envelope = %+v", req)
		}
		status, body := handler(req.Method, req.Params)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func testHelius(srv *httptest.Server) *Helius {
	return NewHelius("helius-key", srv.URL, WithHTTPClient(srv.Client()), WithRetryBackoff(time.Millisecond), WithRateLimit(0, 0))
}

func TestHeliusTokenSupply(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"ui amount", `{"jsonrpc":"2.0","result":{"value":{"amount":"1000000000","decimals":6,"uiAmount":1000}}}`, 1000},
		{"raw amount", `{"jsonrpc":"2.0","result":{"value":{"amount":"2500000","decimals":3,"uiAmount":null}}}`, 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rpcServer(t, func(method string, _ []json.RawMessage) (int, string) {
				if method != "getTokenSupply" {
					t.Errorf("method = %q", method)
				}
				return http.StatusOK, tt.body
			})
			defer srv.Close()

			got, err := testHelius(srv).TokenSupply(context.Background(), "mint1")
			if err != nil {
				t.Fatalf("TokenSupply error: %v", err)
			}
			if got != tt.want {
				t.Errorf("TokenSupply = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeliusOwnerBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (int, string) {
		if method != "getTokenAccountsByOwner" {
			t.Errorf("method = %q", method)
		}
		if len(params) != 3 {
			t.Errorf("len(params) = %d, want 3", len(params))
		}
		return http.StatusOK, `{"jsonrpc":"2.0","result":{"value":[
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"5000","decimals":0,"uiAmount":5000}}}}}},
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"250000","decimals":2,"uiAmount":null}}}}}}
		]}}`
	})
	defer srv.Close()

	got, err := testHelius(srv).OwnerBalance(context.Background(), "wallet1", "mint1")
	if err != nil {
		t.Fatalf("OwnerBalance error: %v", err)
	}
	if got != 7500 {
		t.Errorf("OwnerBalance = %v, want 7500", got)
	}
}

func TestHeliusRPCError(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","error":{"code":-32602,"message":"invalid param"}}`
	})
	defer srv.Close()

	_, err := testHelius(srv).TokenSupply(context.Background(), "mint1")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want RPCError", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("code = %d, want -32602", rpcErr.Code)
	}
}

func TestHeliusReserveTotalDegradesPerWallet(t *testing.T) {
	srv := rpcServer(t, func(_ string, params []json.RawMessage) (int, string) {
		var owner string
		_ = json.Unmarshal(params[0], &owner)
		if owner == "bad" {
			return http.StatusInternalServerError, `oops`
		}
		return http.StatusOK, `{"result":{"value":[{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"100","decimals":0,"uiAmount":100}}}}}}]}}`
	})
	defer srv.Close()

	got, err := testHelius(srv).ReserveTotal(context.Background(), "mint1", []string{"good1", " ", "bad", "good2"}, UseZero)
	if err != nil {
		t.Fatalf("ReserveTotal error: %v", err)
	}
	if got.Value != 200 {
		t.Errorf("Value = %v, want 200", got.Value)
	}
	if !got.Degraded {
		t.Error("Degraded = false, want true")
	}
	if got.Err() == nil {
		t.Error("Err() = nil, want cause")
	}
}

func TestHeliusMissingCredentialNotDegraded(t *testing.T) {
	h := NewHelius("", "http://127.0.0.1:0")

	_, err := UseZero.Resolve(h.TokenSupply(context.Background(), "mint1"))
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("supply err = %v, want ErrMissingCredential", err)
	}
	_, err = h.ReserveTotal(context.Background(), "mint1", []string{"w1"}, UseZero)
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("reserve err = %v, want ErrMissingCredential", err)
	}
}

func TestFallbackResolve(t *testing.T) {
	l, err := UseZero.Resolve(42, nil)
	if err != nil || l.Value != 42 || l.Degraded {
		t.Errorf("Resolve(42, nil) = %+v, %v", l, err)
	}

	l, err = Fallback{OnError: 7}.Resolve(42, errors.New("down"))
	if err != nil || l.Value != 7 || !l.Degraded {
		t.Errorf("Resolve(42, down) = %+v, %v", l, err)
	}
}
