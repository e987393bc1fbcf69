// Package eventsub keeps exactly one active chat-message subscription on a
// Twitch EventSub websocket session and interprets inbound events.
//
// Lifecycle: Disconnected → Registering (token) → ResolvingBroadcaster →
// Subscribing → Subscribed. A session_welcome can arrive at any point after
// registration; a session_reconnect moves the same subscription to a new
// socket without resubscribing. Every transition is logged: reconnection
// bugs are silent by default, and the log lines are the only way to diagnose
// them in production.
package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/onnwee/chat-tender/command"
	"github.com/onnwee/chat-tender/outbound"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	subscribeMaxAttempts = 3
	subscribeBaseDelay   = time.Second
	reconnectDelay       = 5 * time.Second
)

// retryableStatus is the set of subscribe responses worth another attempt.
// 409 ("subscription already exists") is kept retryable on purpose: the
// subscribed flag prevents duplicate cycles in the first place, and a genuine
// conflict resolves itself on the next welcome.
var retryableStatus = map[int]bool{
	400: true, 409: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// API is the slice of the Helix surface the connector needs.
type API interface {
	GetUserID(ctx context.Context, login string) (string, error)
	CreateChatSubscription(ctx context.Context, broadcasterID, userID, sessionID string) (int, error)
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message, replyParentID string) error
}

// TokenInfo resolves the owner of the bot's token (user id + login).
type TokenInfo func(ctx context.Context) (userID, login string, err error)

// ChatHandler receives non-command, non-self chat messages.
type ChatHandler func(ctx context.Context, cc command.Context, msg command.Message) error

// Connector owns the subscription state for one channel. Exactly one
// goroutine (Run's read loop) handles inbound events, so chat messages are
// processed one at a time in arrival order.
type Connector struct {
	Channel   string
	BotLogin  string
	URL       string
	API       API
	TokenInfo TokenInfo
	Router    *command.Router
	OnChat    ChatHandler

	mu            sync.Mutex
	sessionID     string
	subscribed    bool
	cycleActive   bool
	broadcasterID string
	botUserID     string
	reconnectURL  string

	// sleep is injected by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New fills in defaults.
func New(c *Connector) *Connector {
	if c.URL == "" {
		c.URL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

// Startup registers the bot's token (learning the token-owner id for the
// self-message filter), resolves the broadcaster id for the configured
// channel, and kicks off the first subscribe cycle. Registration and
// resolution failures are logged and degraded around, never fatal.
func (c *Connector) Startup(ctx context.Context) {
	if c.TokenInfo != nil {
		userID, login, err := c.TokenInfo(ctx)
		if err != nil {
			slog.Warn("token registration failed; self-message filter degrades to nickname match",
				slog.Any("err", err), slog.String("component", "eventsub"))
		} else {
			c.mu.Lock()
			c.botUserID = userID
			c.mu.Unlock()
			if c.BotLogin == "" {
				c.BotLogin = login
			}
			slog.Info("token registered", slog.String("bot_user_id", userID), slog.String("login", login), slog.String("component", "eventsub"))
		}
	}

	broadcasterID, err := c.API.GetUserID(ctx, c.Channel)
	if err != nil {
		c.mu.Lock()
		broadcasterID = c.botUserID
		c.mu.Unlock()
		slog.Warn("broadcaster lookup failed; falling back to token owner id",
			slog.String("channel", c.Channel), slog.String("fallback_id", broadcasterID), slog.Any("err", err),
			slog.String("component", "eventsub"))
	}
	c.mu.Lock()
	c.broadcasterID = broadcasterID
	c.mu.Unlock()
	slog.Info("broadcaster resolved", slog.String("channel", c.Channel), slog.String("broadcaster_id", broadcasterID), slog.String("component", "eventsub"))

	go c.subscribeWithRetry(ctx, "startup")
}

// OnWelcome binds or rebinds the websocket session id.
func (c *Connector) OnWelcome(ctx context.Context, sessionID string) {
	c.mu.Lock()
	switch {
	case sessionID == c.sessionID:
		c.mu.Unlock()
		slog.Debug("duplicate welcome ignored", slog.String("session_id", sessionID), slog.String("component", "eventsub"))
		return
	case c.subscribed:
		// Transparent reconnect: the platform carries the subscription across
		// sessions, so only the binding changes.
		old := c.sessionID
		c.sessionID = sessionID
		c.mu.Unlock()
		telemetry.Reconnects.Inc()
		slog.Info("session rebound after reconnect", slog.String("old_session", old), slog.String("session_id", sessionID), slog.String("component", "eventsub"))
		return
	case c.cycleActive:
		// A subscribe cycle from startup (or an earlier welcome) is in flight
		// or about to retry; it will pick up the new session id.
		c.sessionID = sessionID
		c.mu.Unlock()
		slog.Info("session bound; subscribe cycle already in flight", slog.String("session_id", sessionID), slog.String("component", "eventsub"))
		return
	default:
		c.sessionID = sessionID
		c.mu.Unlock()
		slog.Info("session bound", slog.String("session_id", sessionID), slog.String("component", "eventsub"))
		go c.subscribeWithRetry(ctx, "welcome")
	}
}

// subscribeWithRetry attempts the subscribe call up to subscribeMaxAttempts
// times with doubling delay (1s, 2s). Only one cycle runs at a time; a cycle
// that exhausts its attempts leaves the bot connected but eventless until the
// next welcome starts another cycle.
func (c *Connector) subscribeWithRetry(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.cycleActive || c.subscribed {
		c.mu.Unlock()
		return
	}
	c.cycleActive = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cycleActive = false
		c.mu.Unlock()
	}()

	delay := subscribeBaseDelay
	for attempt := 1; attempt <= subscribeMaxAttempts; attempt++ {
		c.mu.Lock()
		sessionID := c.sessionID
		broadcasterID := c.broadcasterID
		userID := c.botUserID
		c.mu.Unlock()
		if userID == "" {
			userID = broadcasterID
		}

		var status int
		var err error
		if sessionID == "" {
			err = fmt.Errorf("no session bound yet")
		} else {
			telemetry.SubscribeAttempts.Inc()
			status, err = c.API.CreateChatSubscription(ctx, broadcasterID, userID, sessionID)
		}

		if err == nil && status >= 200 && status < 300 {
			c.mu.Lock()
			c.subscribed = true
			c.mu.Unlock()
			telemetry.SetSubscriptionActive(true)
			slog.Info("chat subscription active",
				slog.String("reason", reason), slog.Int("attempt", attempt),
				slog.String("session_id", sessionID), slog.String("component", "eventsub"))
			return
		}

		// Transport errors and missing sessions count as transient, like the
		// retryable status codes.
		if err == nil && !retryableStatus[status] {
			slog.Error("subscribe rejected with non-retryable status; aborting cycle",
				slog.String("reason", reason), slog.Int("status", status), slog.Int("attempt", attempt),
				slog.String("component", "eventsub"))
			return
		}

		slog.Warn("subscribe attempt failed",
			slog.String("reason", reason), slog.Int("attempt", attempt), slog.Int("status", status),
			slog.Any("err", err), slog.String("component", "eventsub"))

		if attempt == subscribeMaxAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
		delay *= 2
	}

	telemetry.SubscribeFailures.Inc()
	slog.Error("subscribe attempts exhausted; waiting for next welcome",
		slog.String("reason", reason), slog.Int("attempts", subscribeMaxAttempts),
		slog.String("component", "eventsub"))
}

// HandleEvent decodes one chat message, dispatches commands, and forwards the
// rest to the generic chat handler, filtering out the bot's own messages.
func (c *Connector) HandleEvent(ctx context.Context, ev chatMessageEvent) {
	telemetry.MessagesReceived.Inc()
	msg := command.Message{
		ID:          ev.MessageID,
		AuthorID:    ev.ChatterUserID,
		AuthorLogin: ev.ChatterUserLogin,
		AuthorName:  ev.ChatterUserName,
		Text:        ev.Message.Text,
	}
	cc := c.chatContext(msg.ID)

	handled, err := c.Router.Dispatch(ctx, cc, msg)
	if err != nil {
		telemetry.CommandErrors.Inc()
		slog.Error("command handler failed", slog.String("text", msg.Text), slog.String("author", msg.AuthorLogin), slog.Any("err", err))
	}
	if handled {
		telemetry.CommandsHandled.Inc()
		return
	}
	if c.Router.HasPrefix(msg.Text) {
		// Unrecognized command: drop it rather than replying twice via the
		// generic chat path.
		slog.Debug("unknown command dropped", slog.String("text", msg.Text))
		return
	}
	if c.isSelf(msg) {
		return
	}
	if c.OnChat != nil {
		if err := c.OnChat(ctx, cc, msg); err != nil {
			slog.Error("chat handler failed", slog.String("text", msg.Text), slog.Any("err", err))
		}
	}
}

// isSelf matches by token-owner id first, then falls back to a
// case-insensitive nickname comparison when the id is unknown.
func (c *Connector) isSelf(msg command.Message) bool {
	c.mu.Lock()
	botUserID := c.botUserID
	c.mu.Unlock()
	if botUserID != "" {
		return msg.AuthorID == botUserID
	}
	return strings.EqualFold(msg.AuthorLogin, c.BotLogin) || strings.EqualFold(msg.AuthorName, c.BotLogin)
}

// Subscribed reports whether a subscription has been confirmed.
func (c *Connector) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// chatContext returns the per-turn handle bound to this channel and message.
func (c *Connector) chatContext(replyParentID string) command.Context {
	c.mu.Lock()
	broadcasterID := c.broadcasterID
	senderID := c.botUserID
	c.mu.Unlock()
	if senderID == "" {
		senderID = broadcasterID
	}
	return &chatContext{api: c.API, broadcasterID: broadcasterID, senderID: senderID, replyParentID: replyParentID}
}

type chatContext struct {
	api           API
	broadcasterID string
	senderID      string
	replyParentID string
}

func (cc *chatContext) Reply(ctx context.Context, text string) error {
	g := outbound.NewGateway(helixPoster{cc.api, cc.broadcasterID, cc.senderID, cc.replyParentID})
	return g.Send(ctx, text)
}

func (cc *chatContext) Say(ctx context.Context, text string) error {
	g := outbound.NewGateway(helixPoster{cc.api, cc.broadcasterID, cc.senderID, ""})
	return g.Send(ctx, text)
}

type helixPoster struct {
	api           API
	broadcasterID string
	senderID      string
	replyParentID string
}

func (p helixPoster) Post(ctx context.Context, text string) error {
	return p.api.SendChatMessage(ctx, p.broadcasterID, p.senderID, text, p.replyParentID)
}

// Run connects to the EventSub websocket and processes messages until ctx is
// cancelled, redialing on transport failures. Startup runs once before the
// first dial; a restarted process resubscribes from scratch by design.
func (c *Connector) Run(ctx context.Context) error {
	c.Startup(ctx)

	url := c.URL
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next, err := c.serveOnce(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if next != "" {
			// session_reconnect: move to the platform-provided URL without
			// a backoff pause; the subscription carries over.
			slog.Info("following reconnect url", slog.String("component", "eventsub"))
			url = next
			continue
		}
		slog.Warn("eventsub connection lost; redialing",
			slog.Any("err", err), slog.Duration("delay", reconnectDelay), slog.String("component", "eventsub"))
		url = c.URL
		if err := c.sleep(ctx, reconnectDelay); err != nil {
			return err
		}
	}
}

// serveOnce dials url and reads until the connection drops. It returns a
// non-empty URL when the server asked for a session reconnect.
func (c *Connector) serveOnce(ctx context.Context, url string) (reconnectURL string, err error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial eventsub: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	slog.Info("eventsub socket connected", slog.String("component", "eventsub"))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return c.takePendingReconnect(), fmt.Errorf("read: %w", err)
		}
		c.handleFrame(ctx, data)
		if next := c.takePendingReconnect(); next != "" {
			return next, nil
		}
	}
}

func (c *Connector) takePendingReconnect() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	url := c.reconnectURL
	c.reconnectURL = ""
	return url
}

// handleFrame interprets one websocket frame.
func (c *Connector) handleFrame(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("undecodable eventsub frame", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}
	switch env.Metadata.MessageType {
	case "session_welcome":
		var p sessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			slog.Warn("bad welcome payload", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		c.OnWelcome(ctx, p.Session.ID)
	case "session_keepalive":
		// Heartbeat only.
	case "session_reconnect":
		var p sessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			slog.Warn("bad reconnect payload", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		c.mu.Lock()
		c.reconnectURL = p.Session.ReconnectURL
		c.mu.Unlock()
		slog.Info("session reconnect requested", slog.String("component", "eventsub"))
	case "notification":
		if env.Metadata.SubscriptionType != "channel.chat.message" {
			return
		}
		var p notificationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			slog.Warn("bad notification payload", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		var ev chatMessageEvent
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			slog.Warn("bad chat message event", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		c.HandleEvent(ctx, ev)
	case "revocation":
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		telemetry.SetSubscriptionActive(false)
		slog.Warn("subscription revoked; will resubscribe on next welcome", slog.String("component", "eventsub"))
	default:
		slog.Debug("ignoring eventsub frame", slog.String("type", env.Metadata.MessageType), slog.String("component", "eventsub"))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
