// Package research holds the external lookup collaborators used inside
// specific pipelines: web search and market data. Both are narrow interfaces
// with thin HTTP implementations; pipelines never see transport details.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches for topic-research pipelines.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Quote is one market-data point.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	AsOf      time.Time `json:"as_of"`
}

// MarketData serves the investment-research pipeline.
type MarketData interface {
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
}

type Config struct {
	SearchURL    string
	MarketURL    string
	APIKey       string
	Timeout      time.Duration
	DefaultLimit int
}

// HTTPProvider implements both interfaces against simple JSON endpoints.
type HTTPProvider struct {
	cfg  Config
	http *http.Client
}

func NewHTTP(cfg Config) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	return &HTTPProvider{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(p.cfg.SearchURL) == "" {
		return nil, errors.New("research: search provider not configured")
	}
	if limit <= 0 {
		limit = p.cfg.DefaultLimit
	}
	u := fmt.Sprintf("%s?q=%s&limit=%d", strings.TrimRight(p.cfg.SearchURL, "/"), url.QueryEscape(query), limit)

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := p.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (p *HTTPProvider) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if strings.TrimSpace(p.cfg.MarketURL) == "" {
		return nil, errors.New("research: market provider not configured")
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	u := fmt.Sprintf("%s?symbols=%s", strings.TrimRight(p.cfg.MarketURL, "/"), url.QueryEscape(strings.Join(symbols, ",")))

	var out struct {
		Quotes []Quote `json:"quotes"`
	}
	if err := p.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, u string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("research: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("research: upstream status %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, into)
}
