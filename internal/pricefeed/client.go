// Package pricefeed fetches latest quotes from the market-data vendor. The
// feed only seeds the level-0 bootstrap; it is never used to price ladder
// orders, those are derived from fills.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/config"
	"grid-ladder/internal/core"
)

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

func NewClient(cfg config.PriceFeedConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("price_feed.base_url required")
	}
	timeout := 10 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type latestQuoteResponse struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		AskPrice json.Number `json:"ap"`
		BidPrice json.Number `json:"bp"`
	} `json:"quote"`
}

// LatestPrice returns the latest ask for symbol, or core.ErrPriceUnavailable
// when the vendor has no usable quote. Transient failures are returned as-is
// for the caller to retry on the next poll.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", c.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if c.apiKey != "" {
		req.Header.Set("APCA-API-KEY-ID", c.apiKey)
		req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote request for %s: status %d: %s",
			symbol, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var parsed latestQuoteResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote response: %w", err)
	}
	raw := string(parsed.Quote.AskPrice)
	if raw == "" || raw == "0" {
		raw = string(parsed.Quote.BidPrice)
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, core.ErrPriceUnavailable)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad quote price %q: %w", raw, err)
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, core.ErrPriceUnavailable)
	}
	return price, nil
}
