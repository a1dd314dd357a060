// Package llm defines the completion provider interface and common message
// types used by the request pipeline, the lifecycle summariser, and media
// classification.
//
// The core depends only on the Completer capability set; the concrete
// OpenAI-compatible provider is injected at construction. Implementations
// must be safe for concurrent use from multiple goroutines.
package llm

import (
	"context"
	"errors"
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the output of a chat completion call.
type CompletionResponse struct {
	// Text is the assistant reply.
	Text string
	// FinishReason explains why the model stopped ("stop", "length", ...).
	FinishReason string
	// Usage holds the token counts reported by the provider.
	Usage TokenUsage
}

// TokenUsage reports token consumption for budget tracking.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ErrRateLimit is returned when the upstream API reports HTTP 429. It is
// never retried; the pipeline surfaces the rate-limited user message.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// ErrPermanent is returned for non-retryable upstream failures (4xx other
// than 429, authentication errors). The pipeline surfaces the
// misconfiguration user message and does not retry.
var ErrPermanent = errors.New("llm: permanent upstream error")

// IsTransient reports whether err is worth one retry: timeouts, connection
// failures, and 5xx responses. Rate limits and permanent errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRateLimit) && !errors.Is(err, ErrPermanent)
}

// Completer is the interface all completion backends implement.
type Completer interface {
	// Complete sends messages to the model and returns the assistant reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteVision sends a text prompt plus one image to the model's
	// vision endpoint and returns the plain-text reply. mimeType identifies
	// the image encoding ("image/png", "image/jpeg").
	CompleteVision(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}
