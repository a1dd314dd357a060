// Package lifecycle converts idle sessions into long-term memory records
// and archives them.
//
// A background worker wakes every cleanup interval and, for every session
// that has been idle past the timeout (or explicitly expired by /reset),
// runs the transfer pipeline: summarise the transcript with the completion
// model, store each summary line as one memory record, then archive the
// descriptor. Failures leave the session untouched so the next tick
// retries; duplicate summary lines on retry are acceptable.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/donna/common/redact"
	"github.com/bdobrica/donna/common/retry"
	"github.com/bdobrica/donna/internal/donna/llm"
	"github.com/bdobrica/donna/internal/donna/memory"
	"github.com/bdobrica/donna/internal/donna/session"
)

// GlobalOwner is the memory owner under which facts from the privileged
// chat are stored, making them recallable across all of that principal's
// conversations.
const GlobalOwner = "global"

// summarisePrompt instructs the model to produce one durable fact per line,
// which maps one-to-one onto memory records.
const summarisePrompt = "Summarise the following exchange as a list of durable facts and preferences about the user, one per line."

// errNotEligible signals that a session examined under its chat lock turned
// out not to be idle; the transfer is skipped, not failed.
var errNotEligible = errors.New("lifecycle: session not eligible")

// Config holds the lifecycle manager's tunables.
type Config struct {
	// IdleTimeout is how long a session may sit without activity before it
	// is transferred. The boundary is inclusive.
	IdleTimeout time.Duration

	// Interval is the background sweep period.
	Interval time.Duration

	// Model is the completion model used for summarisation.
	Model string

	// SummaryMaxTokens caps the summarisation completion. Zero means 512.
	SummaryMaxTokens int

	// PrivilegedChatID identifies the godfather chat whose facts are stored
	// under the global owner.
	PrivilegedChatID string
}

// Manager drives session transfer and archival.
type Manager struct {
	sessions  *session.Store
	ltm       memory.LongTermMemory
	completer llm.Completer
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a Manager. If logger is nil, the default slog logger is used.
func New(sessions *session.Store, ltm memory.LongTermMemory, completer llm.Completer, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 512
	}
	return &Manager{
		sessions:  sessions,
		ltm:       ltm,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// Run starts the periodic sweep loop. It blocks until ctx is cancelled.
// Call this in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep examines every session and transfers the eligible ones. Contested
// chat locks are skipped — a chat mid-message is by definition not idle —
// and retried on the next tick.
func (m *Manager) sweep(ctx context.Context) {
	refs := m.sessions.ActiveSessions()
	if len(refs) == 0 {
		return
	}

	transferred := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}

		acquired, err := m.sessions.TryTransfer(ref.ChatID, func(sess session.Session) error {
			return m.transferEligible(ctx, sess)
		})
		switch {
		case !acquired:
			m.logger.Debug("lifecycle: chat lock contested, skipping",
				"chat_id", redact.Phone(ref.ChatID))
		case errors.Is(err, errNotEligible):
			// Still active; nothing to do.
		case err != nil:
			m.logger.Warn("lifecycle: transfer failed, will retry next tick",
				"chat_id", redact.Phone(ref.ChatID),
				"session_id", ref.SessionID,
				"err", err,
			)
		default:
			transferred++
		}
	}

	if transferred > 0 {
		m.logger.Info("lifecycle: sweep complete", "transferred", transferred, "examined", len(refs))
	}
}

// RecoverOrphans transfers every session that was already idle when the
// process started. The pipeline must call this before serving traffic.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	refs := m.sessions.StartupScan(m.cfg.IdleTimeout)
	if len(refs) == 0 {
		return nil
	}

	m.logger.Info("lifecycle: recovering orphaned sessions", "count", len(refs))

	for _, ref := range refs {
		err := m.sessions.Transfer(ref.ChatID, func(sess session.Session) error {
			return m.transfer(ctx, sess)
		})
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			// Orphan recovery is best-effort per session: a failed transfer
			// stays active and is retried by the periodic sweep.
			m.logger.Warn("lifecycle: orphan transfer failed",
				"chat_id", redact.Phone(ref.ChatID),
				"session_id", ref.SessionID,
				"err", err,
			)
		}
	}
	return nil
}

// TransferNow synchronously transfers the chat's current session regardless
// of idle state. This is the /reset path.
func (m *Manager) TransferNow(ctx context.Context, chatID string) error {
	return m.sessions.Transfer(chatID, func(sess session.Session) error {
		return m.transfer(ctx, sess)
	})
}

// transferEligible transfers sessions that are expired or past the idle
// timeout; anything else is reported as not eligible.
func (m *Manager) transferEligible(ctx context.Context, sess session.Session) error {
	idle := m.clock().UTC().Sub(sess.LastActiveAt) >= m.cfg.IdleTimeout
	if sess.State != session.StateExpired && !idle {
		return errNotEligible
	}
	return m.transfer(ctx, sess)
}

// transfer summarises the session and stores one memory record per summary
// line. A summarisation failure aborts with no state change; a store
// failure aborts without rolling back lines already stored.
func (m *Manager) transfer(ctx context.Context, sess session.Session) error {
	if len(sess.Messages) == 0 {
		// Nothing to remember; archive silently.
		return nil
	}

	summary, err := m.summarise(ctx, sess)
	if err != nil {
		return fmt.Errorf("lifecycle: summarise: %w", err)
	}

	owner, scope := sess.ChatID, memory.ScopeChat
	if sess.ChatID == m.cfg.PrivilegedChatID && m.cfg.PrivilegedChatID != "" {
		owner, scope = GlobalOwner, memory.ScopeGlobal
	}

	now := m.clock().UTC()
	stored := 0
	for _, line := range summaryLines(summary) {
		_, err := m.ltm.Store(ctx, line, memory.Attributes{
			Owner:     owner,
			Scope:     scope,
			Source:    memory.SourceSessionTransfer,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: store memory (%d stored): %w", stored, err)
		}
		stored++
	}

	m.logger.Info("lifecycle: session transferred",
		"chat_id", redact.Phone(sess.ChatID),
		"session_id", sess.SessionID,
		"messages", len(sess.Messages),
		"memories", stored,
	)
	return nil
}

// summarise asks the completion model for the line-list summary, with one
// retry on transient failure.
func (m *Manager) summarise(ctx context.Context, sess session.Session) (string, error) {
	transcript := formatTranscript(sess.Messages)

	var text string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		Delay:       time.Second,
		ShouldRetry: llm.IsTransient,
	}, func() error {
		resp, err := m.completer.Complete(ctx, llm.CompletionRequest{
			Model: m.cfg.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: summarisePrompt},
				{Role: llm.RoleUser, Content: transcript},
			},
			MaxTokens: m.cfg.SummaryMaxTokens,
		})
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	return text, err
}

// summaryLines splits the model output into memory-record texts, dropping
// blank lines and leading bullet markers.
func summaryLines(summary string) []string {
	var lines []string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// formatTranscript renders the session as a readable transcript for the
// summariser.
func formatTranscript(messages []session.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", msg.Role, msg.Content)
	}
	return b.String()
}
