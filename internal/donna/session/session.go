// Package session manages Donna's short-term conversational memory: one
// active session per chat, persisted as a JSON descriptor on every mutation
// so a crash never loses an acknowledged message.
//
// On disk, each active session lives in its own directory under
// <root>/active/<chat-hash>/session.json; archived sessions move to
// <root>/archive/YYYY-MM-DD/<session-id>/session.json. Descriptors are
// pretty-printed with alphabetically ordered keys so that a load/save cycle
// is byte-identical.
package session

import "time"

// Session states.
const (
	StateActive   = "active"
	StateExpired  = "expired"
	StateArchived = "archived"
)

// Message roles within a session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single turn in a session. Field order is alphabetical by
// JSON key — encoding/json emits struct fields in declaration order, and the
// descriptor format requires deterministic key ordering.
type Message struct {
	Content    string            `json:"content"`
	MessageID  string            `json:"message_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Role       string            `json:"role"`
	Timestamp  time.Time         `json:"timestamp"`
	TokenCount int               `json:"token_count"`
}

// Session is the bounded window of recent conversation with one chat.
// Field order is alphabetical by JSON key (see Message).
type Session struct {
	ChatID       string    `json:"chat_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Messages     []Message `json:"messages"`
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	UserRole     string    `json:"user_role"`
}

// Turn is one (role, content) pair of budgeted history handed to the
// completion request builder.
type Turn struct {
	Role    string
	Content string
}

// Ref identifies a session without carrying its messages.
type Ref struct {
	ChatID       string
	SessionID    string
	LastActiveAt time.Time
}

// TokenCounter estimates the token count of a content string. Satisfied by
// tokenizer.Counter.
type TokenCounter interface {
	Count(text string) int
}

// clone returns a deep copy of the session so callers outside the per-chat
// lock never alias live state.
func (s *Session) clone() Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	for i, m := range s.Messages {
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			cp.Messages[i].Metadata = md
		}
	}
	return cp
}
