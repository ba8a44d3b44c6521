// Package fx converts commission amounts into the preferred reporting
// currency.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RateLookup returns the conversion rate from base to target currency.
type RateLookup interface {
	Rate(ctx context.Context, base, target string) float64
}

// Client fetches rates from an exchangerate.host compatible endpoint.
// Rate intentionally never fails: the earnings report prefers an
// unconverted figure (rate 1.0) over no figure at all.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.exchangerate.host"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Rate(ctx context.Context, base, target string) float64 {
	base = strings.ToUpper(strings.TrimSpace(base))
	target = strings.ToUpper(strings.TrimSpace(target))
	if base == "" || target == "" || base == target {
		return 1.0
	}

	query := url.Values{}
	query.Set("from", base)
	query.Set("to", target)
	query.Set("amount", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/convert?%s", c.baseURL, query.Encode()), nil)
	if err != nil {
		return 1.0
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 1.0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1.0
	}

	var payload struct {
		Result float64 `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Result <= 0 {
		return 1.0
	}
	return payload.Result
}
