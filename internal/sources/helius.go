package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultHeliusURL = "https://mainnet.helius-rpc.com"
	heliusRPS        = 20
)

// Helius is a Solana JSON-RPC client for supply and balance lookups.
type Helius struct {
	apiKey  string
	baseURL string
	http    *requester
}

func NewHelius(apiKey, baseURL string, opts ...Option) *Helius {
	if baseURL == "" {
		baseURL = DefaultHeliusURL
	}
	return &Helius{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newRequester("helius", heliusRPS, opts),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned with HTTP 200.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (h *Helius) call(ctx context.Context, method string, params []any, result any) error {
	if h.apiKey == "" {
		return fmt.Errorf("helius: HELIUS_API_KEY: %w", ErrMissingCredential)
	}
	endpoint := h.baseURL + "/?api-key=" + url.QueryEscape(h.apiKey)
	body := rpcRequest{JSONRPC: "2.0", ID: method, Method: method, Params: params}
	headers := map[string]string{"accept": "application/json"}

	var resp rpcResponse
	if err := h.http.doJSON(ctx, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// tokenAmount is the SPL token amount shape shared by supply and account queries.
type tokenAmount struct {
	Amount   string   `json:"amount"`
	Decimals int      `json:"decimals"`
	UIAmount *float64 `json:"uiAmount"`
}

// Float prefers uiAmount and falls back to amount / 10^decimals.
func (a tokenAmount) Float() (float64, error) {
	if a.UIAmount != nil {
		return *a.UIAmount, nil
	}
	if a.Amount == "" {
		return 0, nil
	}
	raw, err := strconv.ParseFloat(a.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", a.Amount, err)
	}
	return raw / math.Pow10(a.Decimals), nil
}

// TokenSupply returns the total supply of mint in UI units.
func (h *Helius) TokenSupply(ctx context.Context, mint string) (float64, error) {
	var result struct {
		Value tokenAmount `json:"value"`
	}
	if err := h.call(ctx, "getTokenSupply", []any{mint}, &result); err != nil {
		return 0, err
	}
	return result.Value.Float()
}

// OwnerBalance sums every token account of mint owned by owner.
func (h *Helius) OwnerBalance(ctx context.Context, owner, mint string) (float64, error) {
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount tokenAmount `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{owner, map[string]string{"mint": mint}, map[string]string{"encoding": "jsonParsed"}}
	if err := h.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return 0, err
	}

	var total float64
	for _, acc := range result.Value {
		v, err := acc.Account.Data.Parsed.Info.TokenAmount.Float()
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// ReserveTotal sums OwnerBalance over the reserve wallets. Each wallet
// lookup is resolved through fb independently, so one failing wallet only
// zeroes its own contribution.
func (h *Helius) ReserveTotal(ctx context.Context, mint string, wallets []string, fb Fallback) (Lookup, error) {
	var out Lookup
	for _, w := range wallets {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		l, err := fb.Resolve(h.OwnerBalance(ctx, w, mint))
		if err != nil {
			return Lookup{}, err
		}
		out.Value += l.Value
		if l.Degraded {
			out.Degraded = true
			out.Errs = append(out.Errs, fmt.Errorf("wallet %s: %w", w, l.Err()))
		}
	}
	return out, nil
}
