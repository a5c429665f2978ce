// Package tools implements the tools the completion loop can invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/r1x/internal/runtime"
)

// Searcher runs a web search and returns a plain-text summary.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Search is the SEARCH tool.
type Search struct {
	searcher Searcher
}

// NewSearch creates the SEARCH tool over searcher.
func NewSearch(searcher Searcher) *Search {
	return &Search{searcher: searcher}
}

func (s *Search) Name() string { return "SEARCH" }
func (s *Search) Description() string {
	return "performs a Google search and returns key results. Use this tool to fetch real-time, up-to-date information about world events. Its data is more reliable than your existing knowledge. TOOL_INPUT=search prompt."
}
func (s *Search) Example() string { return `"Who is the current UK PM?"` }

func (s *Search) Execute(ctx context.Context, call runtime.Call) (string, error) {
	query, err := textInput(call.Input)
	if err != nil {
		return "", err
	}
	return s.searcher.Search(ctx, query)
}

// textInput accepts a JSON string, or a one-element array holding one, and
// returns it trimmed.
func textInput(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var arr []string
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return "", fmt.Errorf("expected a string input, got %s", raw)
		}
		s = arr[0]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty input")
	}
	return s, nil
}
