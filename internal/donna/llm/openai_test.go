package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestCompleter(t *testing.T, handler http.HandlerFunc) Completer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
}

func chatReply(text string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + text + `"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(chatReply("hello there")))
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:     "test-model",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello there")
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody["model"] != "test-model" {
		t.Errorf("request model = %v, want test-model", gotBody["model"])
	}
}

func TestCompleteStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantIs    error
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimit, false},
		{"unauthorized", http.StatusUnauthorized, ErrPermanent, false},
		{"bad request", http.StatusBadRequest, ErrPermanent, false},
		{"server error", http.StatusInternalServerError, nil, true},
		{"bad gateway", http.StatusBadGateway, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})

			_, err := c.Complete(context.Background(), CompletionRequest{
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("Complete() = nil error, want failure")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error %v, want errors.Is(%v)", err, tt.wantIs)
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %t, want %t", err, got, tt.transient)
			}
		})
	}
}

func TestCompleteNoChoices(t *testing.T) {
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	if _, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("Complete() = nil error, want failure on empty choices")
	}
}

func TestCompleteVision(t *testing.T) {
	var gotBody struct {
		Messages []struct {
			Content []struct {
				Type     string `json:"type"`
				ImageURL *struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(chatReply("transcribed text")))
	})

	text, err := c.CompleteVision(context.Background(), "read this", []byte{0x89, 0x50}, "image/png")
	if err != nil {
		t.Fatalf("CompleteVision() error: %v", err)
	}
	if text != "transcribed text" {
		t.Errorf("text = %q, want %q", text, "transcribed text")
	}
	if len(gotBody.Messages) != 1 || len(gotBody.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", gotBody)
	}
	img := gotBody.Messages[0].Content[1]
	if img.Type != "image_url" || img.ImageURL == nil {
		t.Fatalf("second part = %+v, want image_url", img)
	}
	if !strings.HasPrefix(img.ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image URL %q, want base64 data URL", img.ImageURL.URL)
	}
}

func TestCompleteVisionRequiresImage(t *testing.T) {
	c := New(Config{APIKey: "k"})
	if _, err := c.CompleteVision(context.Background(), "p", nil, "image/png"); err == nil {
		t.Fatal("CompleteVision() with no image = nil error, want failure")
	}
}
