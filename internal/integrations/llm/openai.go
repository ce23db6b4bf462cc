package llm

import (
	"context"
	"errors"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"

	"postparser/internal/domain"
	"postparser/internal/httpx"
)

const defaultLocalModel = "llama3.1:8b"
const defaultLocalBaseURL = "http://localhost:11434/v1"

type OpenAIConfig struct {
	// BaseURL of an OpenAI-compatible server, e.g. Ollama or vLLM.
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	// JSONMode asks the server for response_format=json_object.
	JSONMode bool
}

func newOpenAIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpx.ExternalHTTPClient()
	return openai.NewClientWithConfig(cfg)
}

// OpenAIBackend is the local model backend, spoken to over the OpenAI chat
// completions API.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float32
	jsonMode    bool
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultLocalBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultLocalModel
	}
	return &OpenAIBackend{
		client:      newOpenAIClient(baseURL, cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		jsonMode:    cfg.JSONMode,
	}
}

func (b *OpenAIBackend) Provider() string { return "openai" }
func (b *OpenAIBackend) Model() string    { return b.model }

func (b *OpenAIBackend) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	req := openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: b.temperature,
	}
	if b.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, &BackendError{Provider: b.Provider(), StatusCode: openAIStatus(err), Err: err}
	}
	usage := LLMUsage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("%w: no choices in OpenAI response", domain.ErrMalformedResponse)
	}

	content := resp.Choices[0].Message.Content
	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(content), usage.InputTokens, usage.OutputTokens)
	return content, usage, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// Embedder turns text into vectors through an OpenAI-compatible embeddings
// endpoint. The primary geo index is built and queried with it.
type Embedder struct {
	client *openai.Client
	model  string
}

type EmbedderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

func NewEmbedder(cfg EmbedderConfig) *Embedder {
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &Embedder{client: newOpenAIClient(cfg.BaseURL, cfg.APIKey), model: model}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, &BackendError{Provider: "openai-embeddings", StatusCode: openAIStatus(err), Err: err}
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
