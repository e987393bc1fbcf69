// Package command routes prefixed chat messages to named handlers.
//
// The router holds a table built once at startup and read-only afterwards.
// It performs no retries and no queuing: at most one handler runs per inbound
// message, and a handler error propagates to the caller, which logs it and
// keeps processing subsequent messages.
package command

import (
	"context"
	"strings"
)

// Message is one inbound chat line, constructed once per platform event and
// never mutated.
type Message struct {
	ID          string
	AuthorID    string
	AuthorLogin string
	AuthorName  string
	Text        string
}

// Context is the per-turn handle bound to one channel. It is created per event
// and must not be retained past the handler call that received it.
type Context interface {
	// Reply answers the message that triggered the handler.
	Reply(ctx context.Context, text string) error
	// Say posts to the channel without threading.
	Say(ctx context.Context, text string) error
}

// Handler runs one command. rest is everything after the command name with
// leading whitespace removed; argument parsing is the handler's business.
type Handler func(ctx context.Context, cc Context, msg Message, rest string) error

// Router maps lower-cased command names to handlers.
type Router struct {
	prefix string
	table  map[string]Handler
}

// NewRouter creates a router for the given prefix (e.g. "!").
func NewRouter(prefix string) *Router {
	return &Router{prefix: prefix, table: make(map[string]Handler)}
}

// Prefix returns the configured command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Register adds a handler under name (lower-cased). Later registrations for
// the same name win; registration happens only at boot.
func (r *Router) Register(name string, h Handler) {
	r.table[strings.ToLower(name)] = h
}

// HasPrefix reports whether text is addressed to the router at all. Callers
// use this to keep unrecognized commands from falling through to generic chat.
func (r *Router) HasPrefix(text string) bool {
	return strings.HasPrefix(text, r.prefix)
}

// Dispatch runs the matching handler, if any. It returns true when a handler
// ran (even if it returned an error) and false when the text carries no prefix
// or names an unknown command.
func (r *Router) Dispatch(ctx context.Context, cc Context, msg Message) (bool, error) {
	if !strings.HasPrefix(msg.Text, r.prefix) {
		return false, nil
	}
	body := msg.Text[len(r.prefix):]
	name, rest := body, ""
	if i := strings.IndexFunc(body, func(r rune) bool { return r == ' ' || r == '\t' }); i >= 0 {
		name, rest = body[:i], strings.TrimLeft(body[i:], " \t")
	}
	h, ok := r.table[strings.ToLower(name)]
	if !ok {
		return false, nil
	}
	return true, h(ctx, cc, msg, rest)
}
