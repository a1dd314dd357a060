// Package commands provides command parsing and routing for Donna.
//
// Commands are recognised by a literal, case-sensitive word at the start of
// the message text ("/reset", "/remember …"). Command traffic never touches
// the session store, so control chatter cannot pollute later summarisation.
package commands

import (
	"context"
	"errors"
	"strings"
)

// ErrNotACommand is returned by Parse when the message text does not start
// with a registered command word. Callers should use errors.Is to
// distinguish this expected case from real errors.
var ErrNotACommand = errors.New("commands: not a command")

// Request carries the inbound context a handler may need.
type Request struct {
	ChatID    string
	SenderID  string
	Role      string
	MessageID string

	// Args is the message text after the command word, trimmed.
	Args string
}

// Handler handles one command and returns the reply text sent back to the
// chat. A non-nil error is logged by the caller; the reply string is still
// delivered, so handlers must always return something user-presentable.
type Handler func(ctx context.Context, req Request) (string, error)

// Router routes command words to handlers.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty command router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a command word (including its leading slash) to a handler.
func (r *Router) Register(word string, handler Handler) {
	r.handlers[word] = handler
}

// Parse matches the first whitespace-delimited word of text against the
// registered command words. The match is a literal, case-sensitive
// comparison.
func (r *Router) Parse(text string) (Handler, string, error) {
	trimmed := strings.TrimSpace(text)
	word, rest, _ := strings.Cut(trimmed, " ")

	handler, ok := r.handlers[word]
	if !ok {
		return nil, "", ErrNotACommand
	}
	return handler, strings.TrimSpace(rest), nil
}

// Dispatch parses and runs the matching handler. The boolean reports
// whether text was a command at all.
func (r *Router) Dispatch(ctx context.Context, text string, req Request) (string, bool, error) {
	handler, args, err := r.Parse(text)
	if errors.Is(err, ErrNotACommand) {
		return "", false, nil
	}
	req.Args = args
	reply, err := handler(ctx, req)
	return reply, true, err
}
