// Package search builds a job's scrape plan from a web search API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/fetch"
)

// Config configures the search API client.
type Config struct {
	BaseURL    string
	APIKey     string
	MaxResults int
}

// Client queries the search API and maps hits onto UrlTasks with a
// dispatch strategy chosen per host.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.Named("search"),
	}
}

type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search runs one query for the part and returns ranked candidate pages.
// An empty result set is not an error; the caller decides what an empty
// plan means for the job.
func (c *Client) Search(ctx context.Context, subject eol.Subject) ([]eol.UrlTask, error) {
	query := fmt.Sprintf("%s %s 生産終了 OR discontinued OR 後継機種", subject.Maker, subject.Model)

	params := url.Values{}
	params.Set("q", query)
	params.Set("num", strconv.Itoa(c.cfg.MaxResults))
	if c.cfg.APIKey != "" {
		params.Set("key", c.cfg.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &eol.StatusError{StatusCode: resp.StatusCode}
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	tasks := make([]eol.UrlTask, 0, len(decoded.Items))
	for i, item := range decoded.Items {
		if i >= c.cfg.MaxResults || item.Link == "" {
			break
		}
		strategy := fetch.SelectStrategy(item.Link)
		tasks = append(tasks, eol.UrlTask{
			Index:    len(tasks),
			URL:      item.Link,
			Title:    item.Title,
			Snippet:  item.Snippet,
			Strategy: strategy,
			Params:   fetch.StrategyParams(strategy, subject),
			Status:   eol.TaskPending,
		})
	}
	c.logger.Debug("search complete",
		zap.String("maker", subject.Maker),
		zap.String("model", subject.Model),
		zap.Int("results", len(tasks)),
	)
	return tasks, nil
}
