package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/r1x/pkg/llm"
)

const contentFilterCode = "content_filter"

// Client implements the llm.Provider interface for OpenAI and Azure OpenAI
// chat completion endpoints.
type Client struct {
	api *goopenai.Client
}

// New creates a new client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{api: newAPI(config)}
}

func newAPI(config *llm.Config) *goopenai.Client {
	var cfg goopenai.ClientConfig
	if config.APIType == "azure" {
		cfg = goopenai.DefaultAzureConfig(config.APIKey, config.BaseURL)
		if config.APIVersion != "" {
			cfg.APIVersion = config.APIVersion
		}
		if config.Deployment != "" {
			deployment := config.Deployment
			cfg.AzureModelMapperFunc = func(string) string { return deployment }
		}
	} else {
		cfg = goopenai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			cfg.BaseURL = config.BaseURL
		}
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return goopenai.NewClientWithConfig(cfg)
}

// Complete sends a chat completion request and returns the full response.
// Rate limits and content filtering are reported as llm.ErrRateLimited and
// llm.ErrContentFiltered.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return nil, fmt.Errorf("completion finished with %s: %w", choice.FinishReason, llm.ErrContentFiltered)
	}

	return &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("chat completion: %w: %w", err, llm.ErrRateLimited)
		}
		if code, ok := apiErr.Code.(string); ok && code == contentFilterCode {
			return fmt.Errorf("chat completion: %w: %w", err, llm.ErrContentFiltered)
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("chat completion: %w: %w", err, llm.ErrRateLimited)
	}

	return fmt.Errorf("chat completion: %w", err)
}
