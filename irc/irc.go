// Package irc is the fallback chat transport (BOT_TRANSPORT=irc). It attaches
// to the channel over IRC with the classic chat token instead of EventSub, and
// feeds inbound messages through the same router and generic chat handler.
package irc

import (
	"context"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-tender/command"
	"github.com/onnwee/chat-tender/outbound"
	"github.com/onnwee/chat-tender/telemetry"
)

// ChatHandler receives non-command, non-self chat messages.
type ChatHandler func(ctx context.Context, cc command.Context, msg command.Message) error

// Transport bridges an IRC connection to the command router.
type Transport struct {
	Channel  string
	Username string
	// OAuthToken is the IRC chat token, "oauth:" prefix included.
	OAuthToken string
	Router     *command.Router
	OnChat     ChatHandler

	client *twitch.Client
}

// Run connects and processes messages until ctx is cancelled. The IRC library
// reconnects internally; Connect only returns on a fatal error or Disconnect.
func (t *Transport) Run(ctx context.Context) error {
	t.client = twitch.NewClient(t.Username, t.OAuthToken)

	t.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		t.handleMessage(ctx, m)
	})
	t.client.OnConnect(func() {
		slog.Info("irc connected", slog.String("channel", t.Channel), slog.String("component", "irc"))
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := t.client.Disconnect(); err != nil {
			slog.Warn("irc disconnect", slog.Any("err", err), slog.String("component", "irc"))
		}
		close(done)
	}()

	t.client.Join(t.Channel)
	if err := t.client.Connect(); err != nil && ctx.Err() == nil {
		return err
	}
	<-done
	return ctx.Err()
}

func (t *Transport) handleMessage(ctx context.Context, m twitch.PrivateMessage) {
	telemetry.MessagesReceived.Inc()
	msg := command.Message{
		ID:          m.ID,
		AuthorID:    m.User.ID,
		AuthorLogin: m.User.Name,
		AuthorName:  m.User.DisplayName,
		Text:        m.Message,
	}
	cc := &chatContext{client: t.client, channel: t.Channel}

	handled, err := t.Router.Dispatch(ctx, cc, msg)
	if err != nil {
		telemetry.CommandErrors.Inc()
		slog.Error("command handler failed", slog.String("text", msg.Text), slog.String("author", msg.AuthorLogin), slog.Any("err", err))
	}
	if handled {
		telemetry.CommandsHandled.Inc()
		return
	}
	if t.Router.HasPrefix(msg.Text) {
		return
	}
	// IRC never learns a token-owner id, so the self filter is nickname-only.
	if strings.EqualFold(msg.AuthorLogin, t.Username) {
		return
	}
	if t.OnChat != nil {
		if err := t.OnChat(ctx, cc, msg); err != nil {
			slog.Error("chat handler failed", slog.String("text", msg.Text), slog.Any("err", err))
		}
	}
}

type chatContext struct {
	client  *twitch.Client
	channel string
}

// Reply posts to the channel. IRC threading needs message tags the library
// only supports for whispers, so Reply degrades to Say.
func (cc *chatContext) Reply(ctx context.Context, text string) error {
	return cc.Say(ctx, text)
}

func (cc *chatContext) Say(ctx context.Context, text string) error {
	g := outbound.NewGateway(ircPoster{client: cc.client, channel: cc.channel})
	return g.Send(ctx, text)
}

type ircPoster struct {
	client  *twitch.Client
	channel string
}

func (p ircPoster) Post(ctx context.Context, text string) error {
	p.client.Say(p.channel, text)
	return nil
}
