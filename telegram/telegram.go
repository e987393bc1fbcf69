// Package telegram mirrors operational notices (stream going live, generated
// chat summaries) to a Telegram chat. A nil *Notifier is a no-op so callers
// don't need to branch on whether mirroring is configured.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Notifier posts plain-text messages to one chat.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

// New connects the bot API. Empty token or zero chat id disables mirroring.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Notify sends text to the configured chat. Errors are logged, not returned:
// mirroring is best-effort and must never affect the chat pipeline.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || text == "" {
		return
	}
	if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), text)); err != nil {
		slog.Warn("telegram notify failed", slog.Any("err", err), slog.String("component", "telegram"))
	}
}
