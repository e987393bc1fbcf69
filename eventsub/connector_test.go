package eventsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/command"
)

type fakeAPI struct {
	mu              sync.Mutex
	userID          string
	userErr         error
	subscribeStatus int
	subscribeErr    error
	subscribeCalls  []string
	sent            []string
}

func (f *fakeAPI) GetUserID(ctx context.Context, login string) (string, error) {
	return f.userID, f.userErr
}

func (f *fakeAPI) CreateChatSubscription(ctx context.Context, broadcasterID, userID, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls = append(f.subscribeCalls, sessionID)
	return f.subscribeStatus, f.subscribeErr
}

func (f *fakeAPI) SendChatMessage(ctx context.Context, broadcasterID, senderID, message, replyParentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribeCalls)
}

func (f *fakeAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// sleepRecorder captures backoff delays without waiting them out.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestConnector(api *fakeAPI) (*Connector, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := New(&Connector{
		Channel:  "somechannel",
		BotLogin: "botty",
		API:      api,
		Router:   command.NewRouter("!"),
	})
	c.sleep = rec.sleep
	c.broadcasterID = "b-1"
	c.botUserID = "999"
	return c, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestOnWelcomeIdempotent(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 202}
	c, _ := newTestConnector(api)

	c.OnWelcome(context.Background(), "sid-1")
	waitFor(t, c.Subscribed)

	// Same session id again: must not start a second cycle.
	c.OnWelcome(context.Background(), "sid-1")

	if got := api.calls(); got != 1 {
		t.Fatalf("subscribe called %d times, want exactly 1", got)
	}
}

func TestReconnectRebindsWithoutResubscribe(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 202}
	c, _ := newTestConnector(api)

	c.OnWelcome(context.Background(), "sid-1")
	waitFor(t, c.Subscribed)

	c.OnWelcome(context.Background(), "sid-2")

	if got := api.calls(); got != 1 {
		t.Fatalf("subscribe called %d times after reconnect, want 1", got)
	}
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "sid-2" {
		t.Fatalf("session not rebound: got %q, want sid-2", sid)
	}
	if !c.Subscribed() {
		t.Fatalf("subscription should remain active across a reconnect")
	}
}

func TestSubscribeRetryCeiling(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 500}
	c, rec := newTestConnector(api)
	c.sessionID = "sid-1"

	c.subscribeWithRetry(context.Background(), "test")

	if got := api.calls(); got != 3 {
		t.Fatalf("subscribe attempted %d times, want exactly 3", got)
	}
	delays := rec.recorded()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("backoff delays = %v, want [1s 2s]", delays)
	}
	if c.Subscribed() {
		t.Fatalf("subscription must not be marked active after exhausted retries")
	}
}

func TestSubscribeNonRetryableAborts(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 403}
	c, rec := newTestConnector(api)
	c.sessionID = "sid-1"

	c.subscribeWithRetry(context.Background(), "test")

	if got := api.calls(); got != 1 {
		t.Fatalf("subscribe attempted %d times on a 403, want 1", got)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("no backoff expected after a non-retryable status")
	}
	if c.Subscribed() {
		t.Fatalf("403 must not mark the subscription active")
	}
}

func TestSubscribeConflictIsRetryable(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 409}
	c, _ := newTestConnector(api)
	c.sessionID = "sid-1"

	c.subscribeWithRetry(context.Background(), "test")

	if got := api.calls(); got != 3 {
		t.Fatalf("subscribe attempted %d times on persistent 409, want 3", got)
	}
}

func TestSubscribeSkippedWhenAlreadyActive(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 202}
	c, _ := newTestConnector(api)
	c.sessionID = "sid-1"
	c.subscribed = true

	c.subscribeWithRetry(context.Background(), "test")

	if got := api.calls(); got != 0 {
		t.Fatalf("subscribe called %d times with an active subscription, want 0", got)
	}
}

func TestHandleEventDispatchAndFiltering(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 202}
	c, _ := newTestConnector(api)

	balanceCalls := 0
	c.Router.Register("balance", func(ctx context.Context, cc command.Context, msg command.Message, rest string) error {
		balanceCalls++
		return cc.Reply(ctx, "you have 42 points")
	})

	var chatTexts []string
	c.OnChat = func(ctx context.Context, cc command.Context, msg command.Message) error {
		chatTexts = append(chatTexts, msg.Text)
		return nil
	}

	event := func(authorID, login, text string) chatMessageEvent {
		ev := chatMessageEvent{MessageID: "m-1", ChatterUserID: authorID, ChatterUserLogin: login, ChatterUserName: login}
		ev.Message.Text = text
		return ev
	}

	// Recognized command dispatches and replies.
	c.HandleEvent(context.Background(), event("100", "alice", "!balance"))
	if balanceCalls != 1 {
		t.Fatalf("balance handler called %d times, want 1", balanceCalls)
	}
	if sent := api.sentMessages(); len(sent) != 1 || sent[0] != "you have 42 points" {
		t.Fatalf("reply not sent: %v", sent)
	}

	// Plain chat from another user reaches the generic handler.
	c.HandleEvent(context.Background(), event("100", "alice", "hello bot"))
	if len(chatTexts) != 1 || chatTexts[0] != "hello bot" {
		t.Fatalf("generic chat handler got %v, want [hello bot]", chatTexts)
	}

	// The bot's own message (token-owner id) never reaches the generic handler.
	c.HandleEvent(context.Background(), event("999", "someone_else", "hello everyone"))
	if len(chatTexts) != 1 {
		t.Fatalf("self message leaked to the generic chat handler: %v", chatTexts)
	}

	// Unknown prefixed command is dropped, not forwarded as chat.
	c.HandleEvent(context.Background(), event("100", "alice", "!bogus"))
	if len(chatTexts) != 1 {
		t.Fatalf("unknown command leaked to the generic chat handler: %v", chatTexts)
	}
	if balanceCalls != 1 {
		t.Fatalf("unknown command invoked a handler")
	}
}

func TestSelfFilterFallsBackToNickname(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestConnector(api)
	c.botUserID = "" // token registration failed

	var chatTexts []string
	c.OnChat = func(ctx context.Context, cc command.Context, msg command.Message) error {
		chatTexts = append(chatTexts, msg.Text)
		return nil
	}

	ev := chatMessageEvent{MessageID: "m-1", ChatterUserID: "100", ChatterUserLogin: "BoTtY", ChatterUserName: "BoTtY"}
	ev.Message.Text = "echoed output"
	c.HandleEvent(context.Background(), ev)

	if len(chatTexts) != 0 {
		t.Fatalf("nickname self-filter failed: %v", chatTexts)
	}
}

func TestStartupBroadcasterFallback(t *testing.T) {
	api := &fakeAPI{userErr: fmt.Errorf("helix unavailable"), subscribeStatus: 202}
	c, _ := newTestConnector(api)
	c.broadcasterID = ""
	c.TokenInfo = func(ctx context.Context) (string, string, error) {
		return "999", "botty", nil
	}
	// Abort the background subscribe cycle immediately; this test only cares
	// about id resolution.
	c.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	c.Startup(context.Background())

	c.mu.Lock()
	broadcasterID := c.broadcasterID
	botUserID := c.botUserID
	c.mu.Unlock()
	if botUserID != "999" {
		t.Fatalf("token owner id = %q, want 999", botUserID)
	}
	if broadcasterID != "999" {
		t.Fatalf("broadcaster fallback = %q, want the token owner id", broadcasterID)
	}
}

func TestHandleFrameWelcomeAndNotification(t *testing.T) {
	api := &fakeAPI{subscribeStatus: 202}
	c, _ := newTestConnector(api)

	var chatTexts []string
	c.OnChat = func(ctx context.Context, cc command.Context, msg command.Message) error {
		chatTexts = append(chatTexts, msg.Text)
		return nil
	}

	welcome := []byte(`{"metadata":{"message_id":"1","message_type":"session_welcome"},"payload":{"session":{"id":"sid-9","status":"connected"}}}`)
	c.handleFrame(context.Background(), welcome)
	waitFor(t, c.Subscribed)

	notification := []byte(`{"metadata":{"message_id":"2","message_type":"notification","subscription_type":"channel.chat.message"},"payload":{"event":{"message_id":"m-1","chatter_user_id":"100","chatter_user_login":"alice","chatter_user_name":"Alice","message":{"text":"hi there"}}}}`)
	c.handleFrame(context.Background(), notification)
	if len(chatTexts) != 1 || chatTexts[0] != "hi there" {
		t.Fatalf("notification not routed to chat handler: %v", chatTexts)
	}

	reconnect := []byte(`{"metadata":{"message_id":"3","message_type":"session_reconnect"},"payload":{"session":{"id":"sid-9","reconnect_url":"wss://example/next"}}}`)
	c.handleFrame(context.Background(), reconnect)
	if got := c.takePendingReconnect(); got != "wss://example/next" {
		t.Fatalf("reconnect url = %q", got)
	}

	revocation := []byte(`{"metadata":{"message_id":"4","message_type":"revocation","subscription_type":"channel.chat.message"},"payload":{}}`)
	c.handleFrame(context.Background(), revocation)
	if c.Subscribed() {
		t.Fatalf("revocation must clear the subscribed flag")
	}
}
