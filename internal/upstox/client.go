// Package upstox provides access to the Upstox option chain and option contract APIs.
package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	chainPath    = "/option/chain"
	contractPath = "/option/contract"

	maxErrorBody = 512
)

// Client provides access to the Upstox API
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	config      ClientConfig
}

// ClientConfig tunes the HTTP transport and the contract lookup retries.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new Upstox client. timeout bounds every single request.
func NewClient(baseURL, accessToken string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 20
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		config: cfg,
	}
}

func (c *Client) newRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return req, nil
}

// get performs one GET and returns the status code and body.
// A non-nil error means the request never produced a response.
func (c *Client) get(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	req, err := c.newRequest(ctx, path, params)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// optionChain issues a single option chain request.
func (c *Client) optionChain(ctx context.Context, instrumentKey, expiry string) (int, []byte, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)
	params.Set("expiry_date", expiry)
	return c.get(ctx, chainPath, params)
}

// OptionContracts lists the option contracts of an instrument.
// Server errors and transport failures are retried with linear backoff.
func (c *Client) OptionContracts(ctx context.Context, instrumentKey string) ([]Contract, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)

	var lastErr error
	for i := 0; i < c.config.MaxRetries; i++ {
		status, body, err := c.get(ctx, contractPath, params)
		switch {
		case err != nil:
			lastErr = err
		case status >= 500:
			lastErr = &APIError{StatusCode: status, Message: truncate(body), Endpoint: contractPath}
		case status != http.StatusOK:
			return nil, &APIError{StatusCode: status, Message: truncate(body), Endpoint: contractPath}
		default:
			var resp ContractResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("failed to decode contracts: %w", err)
			}
			return resp.Data, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.RetryDelayBase * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
