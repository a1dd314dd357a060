package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/donna/internal/donna/commands"
	"github.com/bdobrica/donna/internal/donna/lifecycle"
	"github.com/bdobrica/donna/internal/donna/llm"
	"github.com/bdobrica/donna/internal/donna/media"
	"github.com/bdobrica/donna/internal/donna/memory"
	"github.com/bdobrica/donna/internal/donna/prompts"
	"github.com/bdobrica/donna/internal/donna/replies"
	"github.com/bdobrica/donna/internal/donna/session"
)

type unitCounter struct{}

func (unitCounter) Count(text string) int { return 1 }

// captureCompleter records the last request and replies with fixed text, a
// queued per-call text, or a scripted error sequence.
type captureCompleter struct {
	mu      sync.Mutex
	text    string
	texts   []string
	errs    []error
	calls   int
	lastReq llm.CompletionRequest
}

func (c *captureCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReq = req
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := c.text
	if len(c.texts) > 0 {
		out = c.texts[0]
		c.texts = c.texts[1:]
	}
	return &llm.CompletionResponse{Text: out, FinishReason: "stop"}, nil
}

func (c *captureCompleter) CompleteVision(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	return "ocr text", nil
}

// memLTM is an in-memory LongTermMemory that records calls.
type memLTM struct {
	mu         sync.Mutex
	stored     []string
	recallHits [][]memory.OwnerScope
	recallOut  []memory.Recalled
	recallErr  error
}

func (m *memLTM) Store(ctx context.Context, text string, attrs memory.Attributes) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, text)
	return "id", nil
}

func (m *memLTM) Recall(ctx context.Context, query string, filters []memory.OwnerScope, k int, minSimilarity float64) ([]memory.Recalled, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recallHits = append(m.recallHits, filters)
	if m.recallErr != nil {
		return nil, m.recallErr
	}
	return m.recallOut, nil
}

func (m *memLTM) Delete(ctx context.Context, id string) (bool, error) { return false, nil }
func (m *memLTM) Count(ctx context.Context) (int, error)              { return 0, nil }

type fixture struct {
	pipe     *Pipeline
	sessions *session.Store
	ltm      *memLTM
	llm      *captureCompleter
}

func newFixture(t *testing.T, memoryEnabled bool, withCommands bool) *fixture {
	t.Helper()

	sessions, err := session.Open(t.TempDir(), map[string]int{"client": 100, "godfather": 100}, unitCounter{}, nil)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	ltm := &memLTM{}
	completer := &captureCompleter{text: "assistant reply"}

	reg, err := prompts.NewRegistry(nil)
	if err != nil {
		t.Fatalf("prompts.NewRegistry: %v", err)
	}
	ingestor, err := media.NewIngestor(media.Config{
		StorageRoot: t.TempDir(),
		MaxBytes:    1024,
		MaxPDFPages: 10,
		Model:       "test-model",
	}, completer, reg, nil)
	if err != nil {
		t.Fatalf("media.NewIngestor: %v", err)
	}

	var router *commands.Router
	if withCommands {
		lc := lifecycle.New(sessions, ltm, completer, lifecycle.Config{
			IdleTimeout:      24 * time.Hour,
			Interval:         time.Minute,
			Model:            "test-model",
			PrivilegedChatID: "boss@c.us",
		}, nil)
		router = commands.NewRouter()
		commands.RegisterBuiltins(router, commands.Deps{
			Lifecycle:        lc,
			LTM:              ltm,
			PrivilegedChatID: "boss@c.us",
			ResetWord:        "/reset",
		})
	}

	pipe := New(sessions, ltm, completer, ingestor, router, "You are Donna.", Config{
		Model:            "test-model",
		MaxTokens:        256,
		Temperature:      0.3,
		TopK:             5,
		MinSimilarity:    0.7,
		MemoryEnabled:    memoryEnabled,
		PrivilegedChatID: "boss@c.us",
	}, nil)

	return &fixture{pipe: pipe, sessions: sessions, ltm: ltm, llm: completer}
}

func inbound(chatID, role, text string) Inbound {
	return Inbound{
		ChatID:      chatID,
		SenderID:    chatID,
		Role:        role,
		ContentText: text,
		MessageID:   "msg-1",
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestColdStartExchange(t *testing.T) {
	f := newFixture(t, true, false)

	reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hello there"))
	if reply != "assistant reply" {
		t.Fatalf("reply = %q, want the completion text", reply)
	}

	turns := f.sessions.History("chat-1", "client")
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want user+assistant", len(turns))
	}
	if turns[0].Role != session.RoleUser || turns[0].Content != "hello there" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != session.RoleAssistant || turns[1].Content != "assistant reply" {
		t.Errorf("second turn = %+v", turns[1])
	}

	// Prompt shape: preamble system message first, then the user turn.
	msgs := f.llm.lastReq.Messages
	if len(msgs) < 2 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != "You are Donna." {
		t.Errorf("prompt = %+v, want preamble first", msgs)
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser || msgs[len(msgs)-1].Content != "hello there" {
		t.Errorf("prompt must end with the current user turn: %+v", msgs)
	}
}

func TestMemoryRecallBlock(t *testing.T) {
	f := newFixture(t, true, false)
	f.ltm.recallOut = []memory.Recalled{
		{Record: memory.Record{Text: "likes coffee"}, Similarity: 0.9},
		{Record: memory.Record{Text: "owns a dog"}, Similarity: 0.8},
	}

	f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "what do I like?"))

	var memBlock string
	for _, m := range f.llm.lastReq.Messages {
		if m.Role == llm.RoleSystem && strings.HasPrefix(m.Content, "Relevant memories:") {
			memBlock = m.Content
		}
	}
	want := "Relevant memories:\n- likes coffee\n- owns a dog"
	if memBlock != want {
		t.Errorf("memory block = %q, want %q", memBlock, want)
	}
}

func TestRecallFiltersPerRole(t *testing.T) {
	f := newFixture(t, true, false)

	f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hi"))
	f.pipe.HandleInbound(context.Background(), inbound("boss@c.us", "godfather", "hi"))

	if len(f.ltm.recallHits) != 2 {
		t.Fatalf("recall called %d times, want 2", len(f.ltm.recallHits))
	}

	clientFilters := f.ltm.recallHits[0]
	if len(clientFilters) != 1 || clientFilters[0] != (memory.OwnerScope{Owner: "chat-1", Scope: memory.ScopeChat}) {
		t.Errorf("client filters = %+v, want chat scope only", clientFilters)
	}

	bossFilters := f.ltm.recallHits[1]
	if len(bossFilters) != 2 {
		t.Fatalf("godfather filters = %+v, want chat+global union", bossFilters)
	}
	if bossFilters[1] != (memory.OwnerScope{Owner: lifecycle.GlobalOwner, Scope: memory.ScopeGlobal}) {
		t.Errorf("second filter = %+v, want global", bossFilters[1])
	}
}

func TestRecallFailureDegradesToNoMemories(t *testing.T) {
	f := newFixture(t, true, false)
	f.ltm.recallErr = errors.New("index corrupt")

	reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hi"))
	if reply != "assistant reply" {
		t.Fatalf("reply = %q, recall failure must not fail the message", reply)
	}
	for _, m := range f.llm.lastReq.Messages {
		if strings.HasPrefix(m.Content, "Relevant memories:") {
			t.Error("memory block present despite recall failure")
		}
	}
}

func TestCompletionErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		errs  []error
		want  string
		calls int
	}{
		{"rate limited no retry", []error{llm.ErrRateLimit}, replies.RateLimited, 1},
		{"permanent no retry", []error{llm.ErrPermanent}, replies.Misconfigured, 1},
		{"transient retried then fails", []error{errors.New("upstream HTTP 500"), errors.New("upstream HTTP 502")}, replies.ServiceUnavailable, 2},
		{"transient retried then succeeds", []error{errors.New("upstream HTTP 500"), nil}, "assistant reply", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, false)
			f.llm.errs = tt.errs

			reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hi"))
			if reply != tt.want {
				t.Errorf("reply = %q, want %q", reply, tt.want)
			}
			if f.llm.calls != tt.calls {
				t.Errorf("completer called %d times, want %d", f.llm.calls, tt.calls)
			}
		})
	}
}

func TestStatelessModeSkipsSessionAndRecall(t *testing.T) {
	f := newFixture(t, false, false)

	reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hello"))
	if reply != "assistant reply" {
		t.Fatalf("reply = %q", reply)
	}
	if len(f.sessions.ActiveSessions()) != 0 {
		t.Error("session created in stateless mode")
	}
	if len(f.ltm.recallHits) != 0 {
		t.Error("recall invoked in stateless mode")
	}
	if len(f.llm.lastReq.Messages) != 2 {
		t.Errorf("stateless prompt = %+v, want preamble+user only", f.llm.lastReq.Messages)
	}
}

func TestReplyTruncation(t *testing.T) {
	f := newFixture(t, true, false)
	f.llm.text = strings.Repeat("x", 4500)

	reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hi"))
	runes := []rune(reply)
	if len(runes) != 4000 {
		t.Fatalf("reply length = %d runes, want 4000", len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Error("truncated reply missing ellipsis marker")
	}

	// The untruncated reply is what lands in the session.
	turns := f.sessions.History("chat-1", "client")
	if got := turns[len(turns)-1].Content; len(got) != 4500 {
		t.Errorf("stored assistant turn length = %d, want the full 4500", len(got))
	}
}

func TestCommandBypassesSession(t *testing.T) {
	f := newFixture(t, true, true)

	f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "hello"))
	reply := f.pipe.HandleInbound(context.Background(), inbound("chat-1", "client", "/reset"))
	if reply != replies.ResetDone {
		t.Fatalf("reply = %q, want %q", reply, replies.ResetDone)
	}

	if len(f.sessions.ActiveSessions()) != 0 {
		t.Error("session still active after /reset")
	}
	// The command text itself must never be appended: a new session after
	// reset starts empty.
	if turns := f.sessions.History("chat-1", "client"); len(turns) != 0 {
		t.Errorf("history after reset = %+v, want empty", turns)
	}
}

func TestAttachmentFactStoredWhenMemoryEnabled(t *testing.T) {
	f := newFixture(t, true, false)
	// Classification, then metadata extraction, then the chat completion.
	f.llm.texts = []string{"invoice", `{"vendor":"ACME","amount":"99"}`}

	in := inbound("chat-1", "client", "here is the invoice")
	in.Artifact = &media.Artifact{FileName: "scan.png", MimeType: "image/png", Data: []byte{0x89}}

	reply := f.pipe.HandleInbound(context.Background(), in)
	if reply != "assistant reply" {
		t.Fatalf("reply = %q", reply)
	}
	if len(f.ltm.stored) != 1 {
		t.Fatalf("stored %d facts, want 1", len(f.ltm.stored))
	}
	fact := f.ltm.stored[0]
	for _, want := range []string{"invoice", "ocr text", "amount=99", "vendor=ACME"} {
		if !strings.Contains(fact, want) {
			t.Errorf("fact = %q, missing %q", fact, want)
		}
	}
}

func TestStatelessAttachmentSkipsFactStore(t *testing.T) {
	f := newFixture(t, false, false)
	f.llm.texts = []string{"invoice", `{"vendor":"ACME","amount":"99"}`}

	in := inbound("chat-1", "client", "here is the invoice")
	in.Artifact = &media.Artifact{FileName: "scan.png", MimeType: "image/png", Data: []byte{0x89}}

	reply := f.pipe.HandleInbound(context.Background(), in)
	if reply != "assistant reply" {
		t.Fatalf("reply = %q", reply)
	}
	if len(f.ltm.stored) != 0 {
		t.Errorf("stateless mode stored %d memory records: %v", len(f.ltm.stored), f.ltm.stored)
	}
	if len(f.ltm.recallHits) != 0 {
		t.Error("recall invoked in stateless mode")
	}
	if len(f.sessions.ActiveSessions()) != 0 {
		t.Error("session created in stateless mode")
	}
}

func TestUnsupportedAttachmentRejected(t *testing.T) {
	f := newFixture(t, true, false)

	in := inbound("chat-1", "client", "look at this")
	in.Artifact = &media.Artifact{FileName: "video.mp4", MimeType: "video/mp4", Data: []byte{1, 2, 3}}

	reply := f.pipe.HandleInbound(context.Background(), in)
	if reply != replies.MediaRejected {
		t.Fatalf("reply = %q, want %q", reply, replies.MediaRejected)
	}
	if len(f.sessions.ActiveSessions()) != 0 {
		t.Error("rejected attachment still created a session")
	}
	if f.llm.calls != 0 {
		t.Error("completion attempted for a rejected attachment")
	}
}
