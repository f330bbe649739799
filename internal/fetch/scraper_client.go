// Package fetch drives the scrape stage: strategy selection, dispatch to
// the external scraper worker, and callback handling.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/partlabs/eolwatch/internal/eol"
)

// ScraperClient talks to the external scraper worker over HTTP.
type ScraperClient struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// ScraperClientConfig controls the scraper client.
type ScraperClientConfig struct {
	BaseURL       string
	HealthTimeout time.Duration
}

// NewScraperClient constructs a ScraperClient.
func NewScraperClient(cfg ScraperClientConfig) *ScraperClient {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}
	return &ScraperClient{
		baseURL:       cfg.BaseURL,
		httpClient:    &http.Client{},
		healthTimeout: healthTimeout,
	}
}

// Dispatch posts a scrape request and returns once the worker acknowledges.
// The scraped content arrives later on the callback URL.
func (c *ScraperClient) Dispatch(ctx context.Context, req eol.ScrapeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode scrape request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build scrape request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post scrape request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &eol.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Health probes worker liveness with a short timeout.
func (c *ScraperClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("scraper health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &eol.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
