package llm

import (
	"context"
	"fmt"
)

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Backend sends one system+user prompt pair to a chat model and returns the
// first text reply.
type Backend interface {
	Provider() string
	Model() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error)
}

// BackendError carries the HTTP status of a failed backend call. StatusCode
// is 0 for transport errors.
type BackendError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s API error: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Unauthenticated() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
