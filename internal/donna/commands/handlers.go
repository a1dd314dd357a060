package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/donna/common/redact"
	"github.com/bdobrica/donna/internal/donna/config"
	"github.com/bdobrica/donna/internal/donna/lifecycle"
	"github.com/bdobrica/donna/internal/donna/memory"
	"github.com/bdobrica/donna/internal/donna/replies"
	"github.com/bdobrica/donna/internal/donna/session"
)

// Deps carries the collaborators the built-in handlers need.
type Deps struct {
	Lifecycle *lifecycle.Manager
	LTM       memory.LongTermMemory

	// PrivilegedChatID identifies the godfather chat; explicit memories from
	// it are stored globally.
	PrivilegedChatID string

	// ResetWord is the configured reset trigger, default "/reset".
	ResetWord string

	Logger *slog.Logger
}

// RegisterBuiltins wires the built-in command set into the router.
func RegisterBuiltins(r *Router, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	resetWord := deps.ResetWord
	if resetWord == "" {
		resetWord = "/reset"
	}

	r.Register(resetWord, resetHandler(deps))
	r.Register("/remember", rememberHandler(deps))
	r.Register("/forget", forgetHandler(deps))
	r.Register("/help", helpHandler(resetWord))
}

// resetHandler archives the current session synchronously. A summarisation
// or archival failure leaves the session untouched and tells the user
// something went wrong.
func resetHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		err := deps.Lifecycle.TransferNow(ctx, req.ChatID)
		switch {
		case errors.Is(err, session.ErrNoSession):
			return replies.ResetNothing, nil
		case err != nil:
			deps.Logger.Warn("commands: reset failed",
				"chat_id", redact.Phone(req.ChatID),
				"message_id", req.MessageID,
				"err", err,
			)
			return replies.GenericError, fmt.Errorf("commands: reset: %w", err)
		}
		return replies.ResetDone, nil
	}
}

// rememberHandler stores the argument text as an explicit memory. Unlike
// recall, store failures surface to the user.
func rememberHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		if req.Args == "" {
			return replies.RememberEmpty, nil
		}

		owner, scope := req.ChatID, memory.ScopeChat
		if req.Role == config.RoleGodfather {
			owner, scope = lifecycle.GlobalOwner, memory.ScopeGlobal
		}

		id, err := deps.LTM.Store(ctx, req.Args, memory.Attributes{
			Owner:     owner,
			Scope:     scope,
			Source:    memory.SourceExplicit,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			deps.Logger.Warn("commands: remember failed",
				"chat_id", redact.Phone(req.ChatID),
				"message_id", req.MessageID,
				"err", err,
			)
			return replies.RememberFailed, fmt.Errorf("commands: remember: %w", err)
		}
		return replies.RememberDone + " (id: " + id + ")", nil
	}
}

// forgetHandler deletes a memory by id and reports whether it existed.
func forgetHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		fields := strings.Fields(req.Args)
		if len(fields) == 0 {
			return replies.ForgetEmpty, nil
		}

		existed, err := deps.LTM.Delete(ctx, fields[0])
		if err != nil {
			deps.Logger.Warn("commands: forget failed",
				"chat_id", redact.Phone(req.ChatID),
				"message_id", req.MessageID,
				"err", err,
			)
			return replies.GenericError, fmt.Errorf("commands: forget: %w", err)
		}
		if !existed {
			return replies.ForgetMissing, nil
		}
		return replies.ForgetDone, nil
	}
}

// helpHandler lists the available commands.
func helpHandler(resetWord string) Handler {
	lines := map[string]string{
		resetWord:   "archive the current conversation and start fresh",
		"/remember": "save a fact for later, e.g. /remember I prefer morning meetings",
		"/forget":   "delete a saved fact by id",
		"/help":     "show this list",
	}

	words := make([]string, 0, len(lines))
	for w := range lines {
		words = append(words, w)
	}
	sort.Strings(words)

	var b strings.Builder
	b.WriteString("I understand these commands:")
	for _, w := range words {
		b.WriteString("\n" + w + " — " + lines[w])
	}
	text := b.String()

	return func(ctx context.Context, req Request) (string, error) {
		return text, nil
	}
}
