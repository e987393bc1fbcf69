// Package jobs holds the background loops handed to the scheduler. Every loop
// owns its own ticker and error handling: failures are logged and the loop
// keeps ticking, because the contract with the scheduler is "run until
// cancelled", never "return on error".
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-tender/botstate"
	"github.com/onnwee/chat-tender/scheduler"
	"github.com/onnwee/chat-tender/telegram"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitchapi"
)

// RewardsStore grants points to recently active viewers.
type RewardsStore interface {
	RewardActive(ctx context.Context, window time.Duration, amount int) (int64, error)
}

// Rewards periodically grants points to every viewer seen within the interval.
func Rewards(store RewardsStore, interval time.Duration, amount int) scheduler.Job {
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := store.RewardActive(ctx, interval, amount)
			if err != nil {
				slog.Warn("rewards grant failed", slog.Any("err", err), slog.String("component", "jobs"))
				continue
			}
			if n > 0 {
				slog.Info("rewards granted", slog.Int64("viewers", n), slog.Int("amount", amount), slog.String("component", "jobs"))
			}
		}
	}
}

// StreamAPI is the Helix slice the stream-status job needs.
type StreamAPI interface {
	GetStreams(ctx context.Context, login string) ([]twitchapi.Stream, error)
}

// Announcer posts to the channel outside any inbound message, e.g. a go-live
// notice. Satisfied by a bound outbound gateway.
type Announcer interface {
	Say(ctx context.Context, text string) error
}

// StreamStatus polls the channel's live state. On the live edge it announces
// in chat and mirrors to Telegram; on the offline edge it clears the summary
// buffer so the next stream starts from a clean slate.
func StreamStatus(api StreamAPI, state *botstate.State, channel string, interval time.Duration, say Announcer, notify *telegram.Notifier) scheduler.Job {
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			streams, err := api.GetStreams(ctx, channel)
			if err != nil {
				slog.Debug("stream status poll failed", slog.Any("err", err), slog.String("component", "jobs"))
				continue
			}
			live := len(streams) > 0
			was := state.Live()
			if live == was {
				continue
			}
			state.SetLive(live)
			telemetry.SetStreamLive(live)
			if live {
				title := streams[0].Title
				slog.Info("stream went live", slog.String("channel", channel), slog.String("title", title), slog.String("component", "jobs"))
				if say != nil {
					if err := say.Say(ctx, fmt.Sprintf("%s is live: %s", channel, title)); err != nil {
						slog.Warn("live announcement failed", slog.Any("err", err), slog.String("component", "jobs"))
					}
				}
				notify.Notify(ctx, fmt.Sprintf("%s went live: %s", channel, title))
			} else {
				slog.Info("stream went offline", slog.String("channel", channel), slog.String("component", "jobs"))
				state.ClearSummary()
			}
		}
	}
}

// Summarizer condenses buffered chat.
type Summarizer interface {
	Summarize(ctx context.Context, lines []string) (string, error)
}

// SummaryStore persists the latest summary.
type SummaryStore interface {
	SetKV(ctx context.Context, key, value string) error
}

// minSummaryLines avoids burning LLM calls on a near-empty buffer.
const minSummaryLines = 5

// Summary drains the chat buffer on each tick, asks the LLM for a recap,
// posts it to chat, and mirrors it to Telegram and the kv table. Skips quiet
// periods and offline streams.
func Summary(lm Summarizer, state *botstate.State, store SummaryStore, interval time.Duration, say Announcer, notify *telegram.Notifier) scheduler.Job {
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !state.Live() || state.SummaryLen() < minSummaryLines {
				continue
			}
			lines := state.TakeSummary()
			text, err := lm.Summarize(ctx, lines)
			if err != nil {
				slog.Warn("chat summary failed", slog.Int("lines", len(lines)), slog.Any("err", err), slog.String("component", "jobs"))
				continue
			}
			slog.Info("chat summary generated", slog.Int("lines", len(lines)), slog.String("component", "jobs"))
			if say != nil {
				if err := say.Say(ctx, "Chat recap: "+text); err != nil {
					slog.Warn("summary announcement failed", slog.Any("err", err), slog.String("component", "jobs"))
				}
			}
			if store != nil {
				if err := store.SetKV(ctx, "last_summary", text); err != nil {
					slog.Warn("summary persist failed", slog.Any("err", err), slog.String("component", "jobs"))
				}
			}
			notify.Notify(ctx, "Chat recap: "+text)
		}
	}
}

// FollowerAPI is the Helix slice the follower-sync job needs.
type FollowerAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetFollowers(ctx context.Context, broadcasterID string) ([]string, error)
}

// FollowerStore flags follower rows.
type FollowerStore interface {
	MarkFollowers(ctx context.Context, logins []string) error
}

// FollowerSync refreshes the is_follower flag from Helix.
func FollowerSync(api FollowerAPI, store FollowerStore, channel string, interval time.Duration) scheduler.Job {
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var broadcasterID string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if broadcasterID == "" {
				id, err := api.GetUserID(ctx, channel)
				if err != nil {
					slog.Debug("follower sync: broadcaster lookup failed", slog.Any("err", err), slog.String("component", "jobs"))
					continue
				}
				broadcasterID = id
			}
			logins, err := api.GetFollowers(ctx, broadcasterID)
			if err != nil {
				slog.Warn("follower fetch failed", slog.Any("err", err), slog.String("component", "jobs"))
				continue
			}
			if err := store.MarkFollowers(ctx, logins); err != nil {
				slog.Warn("follower persist failed", slog.Any("err", err), slog.String("component", "jobs"))
				continue
			}
			slog.Debug("followers synced", slog.Int("count", len(logins)), slog.String("component", "jobs"))
		}
	}
}
