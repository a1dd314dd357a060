package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Config configures the OpenAI-compatible completion provider.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model used when a request does not name one.
	// Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// openAICompleter implements Completer using the OpenAI chat completions API.
type openAICompleter struct {
	cfg    Config
	client *http.Client
}

// New returns a Completer backed by the OpenAI (or compatible) chat API.
// The returned completer is safe for concurrent use.
func New(cfg Config) Completer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAICompleter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiTextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string      `json:"model"`
	Messages    interface{} `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiTextMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// vision messages use the content-part form of the chat API.

type oaiPartMessage struct {
	Role    string    `json:"role"`
	Content []oaiPart `json:"content"`
}

type oaiPart struct {
	Type     string       `json:"type"` // "text" | "image_url"
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

// Complete sends messages to the chat completions endpoint and returns the
// assistant reply with usage stats.
func (c *openAICompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	msgs := make([]oaiTextMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, oaiTextMessage{Role: string(m.Role), Content: m.Content})
	}

	body := oaiRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices returned")
	}

	choice := resp.Choices[0]
	return &CompletionResponse{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CompleteVision sends a prompt plus one inline base64 image to the chat
// completions endpoint and returns the plain-text reply.
func (c *openAICompleter) CompleteVision(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("llm: vision call without image data")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	body := oaiRequest{
		Model: c.cfg.Model,
		Messages: []oaiPartMessage{{
			Role: string(RoleUser),
			Content: []oaiPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: 4096,
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// post performs one chat completions request and classifies HTTP failures
// into the package's error kinds.
func (c *openAICompleter) post(ctx context.Context, body oaiRequest) (*oaiResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient by classification.
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
			return nil, statusErr
		}
		return nil, fmt.Errorf("llm: decode API response: %w", err)
	}

	if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
		if oaiResp.Error != nil {
			return nil, fmt.Errorf("%w: %s (%s)", statusErr, oaiResp.Error.Message, oaiResp.Error.Type)
		}
		return nil, statusErr
	}

	if oaiResp.Error != nil {
		return nil, fmt.Errorf("llm: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}

	return &oaiResp, nil
}

// classifyStatus maps an HTTP status to the package error kinds. Returns nil
// for success statuses; 5xx errors stay unwrapped so IsTransient treats them
// as retryable.
func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status < 500:
		return fmt.Errorf("%w: HTTP %d", ErrPermanent, status)
	default:
		return fmt.Errorf("llm: upstream HTTP %d", status)
	}
}

// Compile-time interface satisfaction check.
var _ Completer = (*openAICompleter)(nil)
