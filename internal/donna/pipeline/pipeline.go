// Package pipeline orchestrates one inbound message end to end: command
// dispatch, media ingestion, session append, history retrieval, memory
// recall, prompt assembly, completion, assistant append, and outbound
// truncation.
//
// HandleInbound never returns an error: every failure maps to one of the
// canned user-visible strings while the full context is logged under the
// inbound message id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/donna/common/redact"
	"github.com/bdobrica/donna/common/retry"
	"github.com/bdobrica/donna/internal/donna/commands"
	"github.com/bdobrica/donna/internal/donna/config"
	"github.com/bdobrica/donna/internal/donna/lifecycle"
	"github.com/bdobrica/donna/internal/donna/llm"
	"github.com/bdobrica/donna/internal/donna/media"
	"github.com/bdobrica/donna/internal/donna/memory"
	"github.com/bdobrica/donna/internal/donna/replies"
	"github.com/bdobrica/donna/internal/donna/session"
)

// maxReplyChars is the single-message ceiling of the outbound transport.
const maxReplyChars = 4000

// completionTimeout bounds each completion or embedding round trip.
const completionTimeout = 30 * time.Second

// Inbound is one message handed over by the transport.
type Inbound struct {
	ChatID      string
	SenderID    string
	Role        string
	ContentText string
	MessageID   string
	Artifact    *media.Artifact
	ReceivedAt  time.Time
}

// Config holds the pipeline's tunables, read-only after startup.
type Config struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	TopK             int
	MinSimilarity    float64
	MemoryEnabled    bool
	PrivilegedChatID string
}

// Pipeline processes inbound messages. Distinct chats may be handled
// concurrently; the session store serialises same-chat operations.
type Pipeline struct {
	sessions  *session.Store
	ltm       memory.LongTermMemory
	completer llm.Completer
	ingestor  *media.Ingestor
	router    *commands.Router
	preamble  string
	cfg       Config
	logger    *slog.Logger
}

// New creates a Pipeline. If logger is nil, the default slog logger is used.
func New(
	sessions *session.Store,
	ltm memory.LongTermMemory,
	completer llm.Completer,
	ingestor *media.Ingestor,
	router *commands.Router,
	preamble string,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sessions:  sessions,
		ltm:       ltm,
		completer: completer,
		ingestor:  ingestor,
		router:    router,
		preamble:  preamble,
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleInbound processes one message to completion and returns the reply
// text the transport should deliver.
func (p *Pipeline) HandleInbound(ctx context.Context, in Inbound) string {
	log := p.logger.With(
		"message_id", in.MessageID,
		"chat_id", redact.Phone(in.ChatID),
		"role", in.Role,
	)

	// Command turns bypass session and memory entirely.
	if p.router != nil {
		reply, handled, err := p.router.Dispatch(ctx, in.ContentText, commands.Request{
			ChatID:    in.ChatID,
			SenderID:  in.SenderID,
			Role:      in.Role,
			MessageID: in.MessageID,
		})
		if handled {
			if err != nil {
				log.Warn("pipeline: command handler error", "err", err)
			}
			return p.truncate(reply)
		}
	}

	userContent := in.ContentText
	if in.Artifact != nil {
		content, short := p.ingestArtifact(ctx, in, log)
		if short != "" {
			return short
		}
		userContent = content
	}

	if !p.cfg.MemoryEnabled {
		return p.completeStateless(ctx, userContent, log)
	}

	if _, err := p.sessions.Append(in.ChatID, session.RoleUser, userContent, in.Role, nil); err != nil {
		log.Error("pipeline: append user message", "err", err)
		return replies.GenericError
	}

	history := p.sessions.History(in.ChatID, in.Role)
	memories := p.recall(ctx, in, log)

	msgs := p.assemble(history, memories)

	reply, errReply := p.complete(ctx, msgs, log)
	if errReply != "" {
		return errReply
	}

	if _, err := p.sessions.Append(in.ChatID, session.RoleAssistant, reply, in.Role, nil); err != nil {
		// The reply is already produced; losing it from the log is worse
		// than an unpersisted assistant turn, so deliver anyway.
		log.Error("pipeline: append assistant message", "err", err)
	}

	return p.truncate(reply)
}

// ingestArtifact runs media ingestion and folds the result into the user
// turn. A non-empty second return value short-circuits the pipeline with
// that reply.
func (p *Pipeline) ingestArtifact(ctx context.Context, in Inbound, log *slog.Logger) (string, string) {
	doc, err := p.ingestor.Ingest(ctx, in.SenderID, *in.Artifact)
	switch {
	case errors.Is(err, media.ErrUnsupportedFormat),
		errors.Is(err, media.ErrFileTooLarge),
		errors.Is(err, media.ErrFileEmpty),
		errors.Is(err, media.ErrTooManyPages):
		log.Info("pipeline: attachment rejected", "err", err)
		return "", replies.MediaRejected
	case err != nil:
		log.Error("pipeline: ingestion failed", "err", err)
		return "", replies.GenericError
	}

	if doc.Quality == media.QualityPoor || doc.Quality == media.QualityFailed {
		log.Info("pipeline: attachment unreadable", "quality", doc.Quality, "warnings", doc.Warnings)
		return "", replies.MediaUnreadable
	}

	p.storeDocumentFacts(ctx, in, doc, log)

	var b strings.Builder
	b.WriteString(in.ContentText)
	if in.ContentText != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[Attached %s (%s):\n%s", doc.DocumentType, doc.Kind, doc.ExtractedText)
	if len(doc.MetadataFields) > 0 {
		b.WriteString("\nExtracted fields:")
		for _, k := range sortedKeys(doc.MetadataFields) {
			fmt.Fprintf(&b, "\n%s: %s", k, doc.MetadataFields[k])
		}
	}
	b.WriteString("]")
	return b.String(), ""
}

// storeDocumentFacts pushes a one-line fact about the ingested document to
// long-term memory. Best effort: a failure only logs. Stateless mode never
// writes to the store.
func (p *Pipeline) storeDocumentFacts(ctx context.Context, in Inbound, doc *media.Document, log *slog.Logger) {
	if !p.cfg.MemoryEnabled || doc.DocumentType == media.TypeGeneric || len(doc.MetadataFields) == 0 {
		return
	}

	var parts []string
	for _, k := range sortedKeys(doc.MetadataFields) {
		parts = append(parts, k+"="+doc.MetadataFields[k])
	}
	fact := fmt.Sprintf("Received a %s document: %s (%s)", doc.DocumentType, doc.Summary, strings.Join(parts, ", "))

	owner, scope := in.ChatID, memory.ScopeChat
	if in.ChatID == p.cfg.PrivilegedChatID && p.cfg.PrivilegedChatID != "" {
		owner, scope = lifecycle.GlobalOwner, memory.ScopeGlobal
	}

	_, err := p.ltm.Store(ctx, fact, memory.Attributes{
		Owner:     owner,
		Scope:     scope,
		Source:    memory.SourceDocument,
		CreatedAt: doc.ReceivedAt,
		Metadata:  doc.MetadataFields,
	})
	if err != nil {
		log.Warn("pipeline: store document fact", "err", err)
	}
}

// recall fetches relevant memories for the message. Failures degrade to no
// memories.
func (p *Pipeline) recall(ctx context.Context, in Inbound, log *slog.Logger) []memory.Recalled {
	if p.cfg.TopK <= 0 {
		return nil
	}

	filters := []memory.OwnerScope{{Owner: in.ChatID, Scope: memory.ScopeChat}}
	if in.Role == config.RoleGodfather {
		filters = append(filters, memory.OwnerScope{Owner: lifecycle.GlobalOwner, Scope: memory.ScopeGlobal})
	}

	recallCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	recalled, err := p.ltm.Recall(recallCtx, in.ContentText, filters, p.cfg.TopK, p.cfg.MinSimilarity)
	if err != nil {
		log.Warn("pipeline: memory recall failed, proceeding without", "err", err)
		return nil
	}
	return recalled
}

// assemble builds the completion message list: preamble, optional memory
// block, then the budgeted history (which ends with the current user turn).
func (p *Pipeline) assemble(history []session.Turn, memories []memory.Recalled) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p.preamble})

	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString("Relevant memories:")
		for _, m := range memories {
			b.WriteString("\n- " + m.Record.Text)
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: b.String()})
	}

	for _, turn := range history {
		msgs = append(msgs, llm.Message{Role: llm.Role(turn.Role), Content: turn.Content})
	}
	return msgs
}

// complete calls the completion provider with the transient-only retry and
// maps failures to user-visible strings. The second return value is the
// error reply; empty means success.
func (p *Pipeline) complete(ctx context.Context, msgs []llm.Message, log *slog.Logger) (string, string) {
	var reply string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		Delay:       time.Second,
		ShouldRetry: llm.IsTransient,
	}, func() error {
		callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
		defer cancel()

		resp, err := p.completer.Complete(callCtx, llm.CompletionRequest{
			Model:       p.cfg.Model,
			Messages:    msgs,
			MaxTokens:   p.cfg.MaxTokens,
			Temperature: p.cfg.Temperature,
		})
		if err != nil {
			return err
		}
		reply = resp.Text
		return nil
	})

	switch {
	case err == nil:
		return reply, ""
	case errors.Is(err, llm.ErrRateLimit):
		log.Warn("pipeline: completion rate limited")
		return "", replies.RateLimited
	case errors.Is(err, llm.ErrPermanent):
		log.Error("pipeline: completion permanently failing", "err", err)
		return "", replies.Misconfigured
	default:
		log.Warn("pipeline: completion unavailable", "err", err)
		return "", replies.ServiceUnavailable
	}
}

// completeStateless handles the memory_enabled=false mode: no session
// writes, no recall, preamble plus the user turn only.
func (p *Pipeline) completeStateless(ctx context.Context, userContent string, log *slog.Logger) string {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: p.preamble},
		{Role: llm.RoleUser, Content: userContent},
	}
	reply, errReply := p.complete(ctx, msgs, log)
	if errReply != "" {
		return errReply
	}
	return p.truncate(reply)
}

// sortedKeys returns the map's keys in ascending order so rendered field
// lists are stable.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate enforces the single-message character ceiling, marking the cut
// with an ellipsis.
func (p *Pipeline) truncate(reply string) string {
	runes := []rune(reply)
	if len(runes) <= maxReplyChars {
		return reply
	}
	return string(runes[:maxReplyChars-1]) + "…"
}
