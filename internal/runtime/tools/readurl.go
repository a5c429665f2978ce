package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/r1x/internal/runtime"
)

const (
	maxBrowseChars = 20000
	maxBrowseBytes = 2 << 20
)

// Browse is the BROWSE tool: it fetches a web page and returns it as markdown.
type Browse struct {
	client *http.Client
}

// NewBrowse creates the BROWSE tool.
func NewBrowse() *Browse {
	return &Browse{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *Browse) Name() string { return "BROWSE" }
func (b *Browse) Description() string {
	return "fetches a web page and returns its text. Use it when the human shares a link or asks about a specific page. TOOL_INPUT=full http or https URL."
}
func (b *Browse) Example() string { return `"https://r1x.ai"` }

func (b *Browse) Execute(ctx context.Context, call runtime.Call) (string, error) {
	raw, err := textInput(call.Input)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("not an http(s) url: %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "R1X/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBrowseBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	if r := []rune(md); len(r) > maxBrowseChars {
		md = string(r[:maxBrowseChars]) + "\n\n[Content truncated]"
	}
	return md, nil
}
