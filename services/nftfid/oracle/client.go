package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftlend/native/nftfi"
)

// Client fetches collateral valuations from the pricing oracle over HTTP. It
// implements nftfi.ValuationProvider.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs an oracle client for the given base URL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("oracle endpoint required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: trimmed,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type valuationResponse struct {
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// CurrentValue returns the latest observed value for the asset.
func (c *Client) CurrentValue(ctx context.Context, collection, tokenID string) (nftfi.Valuation, error) {
	endpoint := fmt.Sprintf("%s/v1/valuations/%s/%s",
		c.baseURL, url.PathEscape(collection), url.PathEscape(tokenID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nftfi.Valuation{}, fmt.Errorf("build valuation request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nftfi.Valuation{}, fmt.Errorf("fetch valuation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nftfi.Valuation{}, fmt.Errorf("valuation request failed: status %d", resp.StatusCode)
	}
	var payload valuationResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nftfi.Valuation{}, fmt.Errorf("decode valuation: %w", err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(payload.Amount), 10)
	if !ok {
		return nftfi.Valuation{}, fmt.Errorf("invalid valuation amount %q", payload.Amount)
	}
	if payload.Timestamp.IsZero() {
		return nftfi.Valuation{}, fmt.Errorf("valuation missing timestamp")
	}
	return nftfi.Valuation{Amount: amount, Timestamp: payload.Timestamp}, nil
}
