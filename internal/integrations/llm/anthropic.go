package llm

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"postparser/internal/domain"
	"postparser/internal/httpx"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultAnthropicMaxTokens = 1024

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint; empty means the SDK default.
	BaseURL string
}

// AnthropicBackend is the hosted model backend.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpx.ExternalHTTPClient()),
		// Retries belong to the rate limiter.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (b *AnthropicBackend) Provider() string { return "anthropic" }
func (b *AnthropicBackend) Model() string    { return b.model }

func (b *AnthropicBackend) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	message, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", LLMUsage{}, &BackendError{Provider: b.Provider(), StatusCode: status, Err: err}
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("%w: no text content in Anthropic response", domain.ErrMalformedResponse)
}
