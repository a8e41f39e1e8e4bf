package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	DefaultBirdeyeURL = "https://public-api.birdeye.so"
	birdeyePageSize   = 20
	birdeyeRPS        = 10
)

// Market is one liquidity pool listed for the tracked token.
type Market struct {
	Address   string  `json:"address"`
	Name      string  `json:"name"`
	Source    string  `json:"source"`
	Liquidity float64 `json:"liquidity"`
	Volume24h float64 `json:"volume24h"`
	Base      struct {
		Symbol string `json:"symbol"`
	} `json:"base"`
	Quote struct {
		Symbol string `json:"symbol"`
	} `json:"quote"`
}

// MarketQuery selects the ranked pool listing.
type MarketQuery struct {
	SortBy    string
	TimeFrame string
	Limit     int
}

// DefaultMarketQuery is the top 50 pools by liquidity over 24h.
func DefaultMarketQuery() MarketQuery {
	return MarketQuery{SortBy: "liquidity", TimeFrame: "24h", Limit: 50}
}

// Birdeye fetches spot prices and pool listings.
type Birdeye struct {
	apiKey  string
	baseURL string
	http    *requester
}

func NewBirdeye(apiKey, baseURL string, opts ...Option) *Birdeye {
	if baseURL == "" {
		baseURL = DefaultBirdeyeURL
	}
	return &Birdeye{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    newRequester("birdeye", birdeyeRPS, opts),
	}
}

func (b *Birdeye) headers() (map[string]string, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("birdeye: BIRDEYE_API_KEY: %w", ErrMissingCredential)
	}
	return map[string]string{
		"X-API-KEY": b.apiKey,
		"x-chain":   "solana",
		"accept":    "application/json",
	}, nil
}

type priceResponse struct {
	Data *struct {
		Value *float64 `json:"value"`
	} `json:"data"`
}

// Price returns the token's USD spot price; a missing value reads as zero.
func (b *Birdeye) Price(ctx context.Context, mint string) (float64, error) {
	h, err := b.headers()
	if err != nil {
		return 0, err
	}
	q := url.Values{}
	q.Set("address", mint)
	q.Set("include_liquidity", "true")

	var resp priceResponse
	if err := b.http.doJSON(ctx, http.MethodGet, b.baseURL+"/defi/price?"+q.Encode(), h, nil, &resp); err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	if resp.Data == nil || resp.Data.Value == nil {
		return 0, nil
	}
	return *resp.Data.Value, nil
}

type marketsResponse struct {
	Data struct {
		Items []Market `json:"items"`
	} `json:"data"`
}

// Markets pages through the pool listing until q.Limit items are collected
// or a page comes back empty.
func (b *Birdeye) Markets(ctx context.Context, mint string, q MarketQuery) ([]Market, error) {
	h, err := b.headers()
	if err != nil {
		return nil, err
	}

	var items []Market
	offset := 0
	for len(items) < q.Limit {
		params := url.Values{}
		params.Set("address", mint)
		params.Set("time_frame", q.TimeFrame)
		params.Set("sort_type", "desc")
		params.Set("sort_by", q.SortBy)
		params.Set("offset", strconv.Itoa(offset))
		params.Set("limit", strconv.Itoa(min(birdeyePageSize, q.Limit-len(items))))

		var resp marketsResponse
		if err := b.http.doJSON(ctx, http.MethodGet, b.baseURL+"/defi/v2/markets?"+params.Encode(), h, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch markets offset %d: %w", offset, err)
		}
		page := resp.Data.Items
		if len(page) == 0 {
			break
		}
		items = append(items, page...)
		offset += len(page)
	}
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}
