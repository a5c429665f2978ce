package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const noSerperResult = "No good Google Search Result was found"

// Serper searches Google through the serper.dev API.
type Serper struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSerper creates a Serper searcher.
func NewSerper(apiKey string) *Serper {
	return &Serper{
		apiKey:  apiKey,
		baseURL: "https://google.serper.dev/search",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type serperResponse struct {
	AnswerBox *struct {
		Answer             string   `json:"answer"`
		Snippet            string   `json:"snippet"`
		SnippetHighlighted []string `json:"snippetHighlighted"`
	} `json:"answerBox"`
	KnowledgeGraph *struct {
		Title       string            `json:"title"`
		Type        string            `json:"type"`
		Description string            `json:"description"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"knowledgeGraph"`
	Organic []struct {
		Title      string            `json:"title"`
		Snippet    string            `json:"snippet"`
		Attributes map[string]string `json:"attributes"`
	} `json:"organic"`
}

// Search runs query and summarizes the result: a direct answer when Google
// has one, otherwise knowledge graph facts and result snippets.
func (s *Serper) Search(ctx context.Context, query string) (string, error) {
	payload, err := json.Marshal(map[string]any{"q": query, "gl": "us", "hl": "en", "num": 10})
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("serper API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result serperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return summarize(&result), nil
}

func summarize(r *serperResponse) string {
	if ab := r.AnswerBox; ab != nil {
		switch {
		case ab.Answer != "":
			return ab.Answer
		case ab.Snippet != "":
			return strings.ReplaceAll(ab.Snippet, "\n", " ")
		case len(ab.SnippetHighlighted) > 0:
			return strings.Join(ab.SnippetHighlighted, " ")
		}
	}

	var snippets []string
	if kg := r.KnowledgeGraph; kg != nil {
		if kg.Type != "" {
			snippets = append(snippets, fmt.Sprintf("%s: %s.", kg.Title, kg.Type))
		}
		if kg.Description != "" {
			snippets = append(snippets, kg.Description)
		}
		snippets = append(snippets, attributeLines(kg.Title, kg.Attributes)...)
	}
	for _, o := range r.Organic {
		if o.Snippet != "" {
			snippets = append(snippets, o.Snippet)
		}
		snippets = append(snippets, attributeLines(o.Title, o.Attributes)...)
	}

	if len(snippets) == 0 {
		return noSerperResult
	}
	return strings.Join(snippets, " ")
}

func attributeLines(title string, attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s %s: %s.", title, k, attrs[k]))
	}
	return out
}
