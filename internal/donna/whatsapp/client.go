// Package whatsapp implements the polling WhatsApp provider client and the
// notification poll loop feeding the pipeline.
//
// The provider exposes an HTTP API keyed by instance id and token:
// long-poll receiveNotification returns at most one queued event, which
// must be acknowledged with deleteNotification before the next one is
// served.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/donna/common/redact"
)

// Config holds the provider connection settings.
type Config struct {
	// BaseURL is the provider API root, e.g. "https://api.green-api.com".
	BaseURL string

	// InstanceID identifies the WhatsApp instance.
	InstanceID string

	// APIToken authenticates requests. Never logged in full.
	APIToken string

	// Timeout bounds each HTTP round trip. The long-poll endpoint holds the
	// connection up to ~20 s server-side, so this must exceed that.
	Timeout time.Duration
}

// Client is a minimal provider API client.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. If logger is nil, the default slog logger is
// used.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger.Debug("whatsapp: client configured",
		"base_url", cfg.BaseURL,
		"instance_id", cfg.InstanceID,
		"api_token", redact.Key(cfg.APIToken),
	)
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (c *Client) endpoint(method string, extra ...string) string {
	url := fmt.Sprintf("%s/waInstance%s/%s/%s", c.cfg.BaseURL, c.cfg.InstanceID, method, c.cfg.APIToken)
	for _, part := range extra {
		url += "/" + part
	}
	return url
}

// ReceiveNotification long-polls for the next queued notification. A nil
// notification with nil error means the queue was empty.
func (c *Client) ReceiveNotification(ctx context.Context) (*Notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("receiveNotification"), nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build receive request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: receive notification: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read notification: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp: receive notification: status %d", resp.StatusCode)
	}

	// Empty queue is encoded as a JSON null body.
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return nil, nil
	}

	var note Notification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("whatsapp: decode notification: %w", err)
	}
	return &note, nil
}

// DeleteNotification acknowledges a received notification so the provider
// advances its queue.
func (c *Client) DeleteNotification(ctx context.Context, receiptID int64) error {
	url := c.endpoint("deleteNotification", fmt.Sprintf("%d", receiptID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("whatsapp: build delete request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: delete notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whatsapp: delete notification: status %d", resp.StatusCode)
	}
	return nil
}

// SendMessage delivers text to a chat and returns the provider message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Message: text})
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("whatsapp: read send response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whatsapp: send message: status %d", resp.StatusCode)
	}

	var out sendMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("whatsapp: decode send response: %w", err)
	}

	c.logger.Debug("whatsapp: message sent",
		"chat_id", redact.Phone(chatID),
		"id_message", out.IDMessage,
		"text_len", len(text),
	)
	return out.IDMessage, nil
}

// DownloadFile fetches an attachment by its provider download URL, capped
// at maxBytes+1 so oversized files are detected by the caller's validator
// rather than silently clipped.
func (c *Client) DownloadFile(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp: download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read file: %w", err)
	}
	return data, nil
}
