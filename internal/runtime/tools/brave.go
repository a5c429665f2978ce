package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BraveSearch searches the web via the Brave Search API.
type BraveSearch struct {
	apiKey  string
	baseURL string
	count   int
	client  *http.Client
}

// NewBraveSearch creates a Brave searcher returning up to 5 results.
func NewBraveSearch(apiKey string) *BraveSearch {
	return &BraveSearch{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		count:   5,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Search runs query and lists the top results.
func (b *BraveSearch) Search(ctx context.Context, query string) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(b.count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brave API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result braveResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return "No results found.", nil
	}

	parts := make([]string, 0, len(result.Web.Results))
	for _, r := range result.Web.Results {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", r.Title, r.Description, r.URL))
	}
	return strings.Join(parts, " "), nil
}
