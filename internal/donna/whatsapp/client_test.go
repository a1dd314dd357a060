package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:    srv.URL,
		InstanceID: "1234",
		APIToken:   "secret-token",
		Timeout:    5 * time.Second,
	}, nil)
}

const sampleNotification = `{
	"receiptId": 42,
	"body": {
		"typeWebhook": "incomingMessageReceived",
		"timestamp": 1756000000,
		"idMessage": "ABCD1234",
		"senderData": {"chatId": "40712345678@c.us", "sender": "40712345678@c.us", "senderName": "Alice"},
		"messageData": {"typeMessage": "textMessage", "textMessageData": {"textMessage": "hello donna"}}
	}
}`

func TestReceiveNotification(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(sampleNotification))
	})

	note, err := c.ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("ReceiveNotification: %v", err)
	}
	if gotPath != "/waInstance1234/receiveNotification/secret-token" {
		t.Errorf("path = %q", gotPath)
	}
	if note.ReceiptID != 42 {
		t.Errorf("ReceiptID = %d, want 42", note.ReceiptID)
	}
	if note.Body.IDMessage != "ABCD1234" {
		t.Errorf("IDMessage = %q", note.Body.IDMessage)
	}
	if got := note.Body.MessageData.Text(); got != "hello donna" {
		t.Errorf("Text() = %q", got)
	}
}

func TestReceiveNotificationEmptyQueue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("null"))
	})

	note, err := c.ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("ReceiveNotification: %v", err)
	}
	if note != nil {
		t.Errorf("note = %+v, want nil for empty queue", note)
	}
}

func TestDeleteNotification(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"result":true}`))
	})

	if err := c.DeleteNotification(context.Background(), 42); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/waInstance1234/deleteNotification/secret-token/42" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestSendMessage(t *testing.T) {
	var gotBody sendMessageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"idMessage":"OUT1"}`))
	})

	id, err := c.SendMessage(context.Background(), "40712345678@c.us", "hi!")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "OUT1" {
		t.Errorf("id = %q, want OUT1", id)
	}
	if gotBody.ChatID != "40712345678@c.us" || gotBody.Message != "hi!" {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestSendMessageErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.SendMessage(context.Background(), "c", "t"); err == nil {
		t.Fatal("SendMessage = nil error, want failure on non-200")
	}
}

func TestDownloadFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file-bytes"))
	})

	data, err := c.DownloadFile(context.Background(), c.cfg.BaseURL+"/file", 1024)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if string(data) != "file-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestMessageDataText(t *testing.T) {
	tests := []struct {
		name string
		data MessageData
		want string
	}{
		{"plain text", MessageData{TextMessageData: &TextMessageData{TextMessage: "a"}}, "a"},
		{"extended text", MessageData{ExtendedTextMessageData: &ExtendedTextMessageData{Text: "b"}}, "b"},
		{"file caption", MessageData{FileMessageData: &FileMessageData{Caption: "c"}}, "c"},
		{"empty", MessageData{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.data.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPollerAcksBeforeHandling(t *testing.T) {
	var receives, deletes atomic.Int32
	var handled atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deletes.Add(1)
			w.Write([]byte(`{"result":true}`))
		case receives.Add(1) == 1:
			w.Write([]byte(sampleNotification))
		default:
			w.Write([]byte("null"))
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, InstanceID: "1", APIToken: "t", Timeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	poller := NewPoller(client, func(ctx context.Context, note *Notification) {
		if deletes.Load() == 0 {
			t.Error("handler ran before the notification was acknowledged")
		}
		if note.Body.IDMessage != "ABCD1234" {
			t.Errorf("IDMessage = %q", note.Body.IDMessage)
		}
		handled.Add(1)
		cancel()
	}, nil)

	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("poller did not stop")
	}
	if handled.Load() != 1 {
		t.Fatalf("handled %d notifications, want 1", handled.Load())
	}
}
