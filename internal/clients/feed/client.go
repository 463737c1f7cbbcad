// Package feed provides the HTTP client for the external market-data feed:
// oracle asset prices and per-chain gas prices.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Client queries an autopilot-compatible feed endpoint. It implements both
// domain.PriceSource and domain.GasPriceSource.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a feed client for the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "feed").Logger(),
	}
}

type priceResponse struct {
	Symbol     string  `json:"symbol"`
	PriceUSD   float64 `json:"price_usd"`
	AgeSeconds float64 `json:"age_seconds"`
}

// AssetPrice returns the feed's price for one asset and how old the
// observation is.
func (c *Client) AssetPrice(ctx context.Context, symbol string) (float64, float64, error) {
	var out priceResponse
	if err := c.getJSON(ctx, "/price", url.Values{"symbol": {symbol}}, &out); err != nil {
		return 0, 0, err
	}
	if out.PriceUSD <= 0 {
		return 0, 0, fmt.Errorf("feed returned non-positive price for %s", symbol)
	}
	return out.PriceUSD, out.AgeSeconds, nil
}

type gasResponse struct {
	ChainID int64   `json:"chain_id"`
	Gwei    float64 `json:"gwei"`
}

// GasPriceGwei returns the feed's current gas price for a chain.
func (c *Client) GasPriceGwei(ctx context.Context, chainID int64) (float64, error) {
	var out gasResponse
	params := url.Values{"chain_id": {strconv.FormatInt(chainID, 10)}}
	if err := c.getJSON(ctx, "/gas", params, &out); err != nil {
		return 0, err
	}
	if out.Gwei <= 0 {
		return 0, fmt.Errorf("feed returned non-positive gas price for chain %d", chainID)
	}
	return out.Gwei, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest interface{}) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode feed response: %w", err)
	}
	return nil
}
