// Package outbound delivers arbitrarily long reply text as a sequence of
// platform-legal chat messages, paced to avoid tripping rate limits.
package outbound

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/chat-tender/telemetry"
)

// MaxMessageLen is the platform's per-message character limit.
const MaxMessageLen = 500

// DefaultDelay is the fixed pause between consecutive segments. Deliberately a
// simple constant rather than adaptive pacing; adaptive pacing keyed off the
// platform's rate-limit headers would be a reasonable follow-up.
const DefaultDelay = 300 * time.Millisecond

// Poster sends a single platform-legal message segment.
type Poster interface {
	Post(ctx context.Context, text string) error
}

// Split breaks text into segments of at most maxLen characters, preferring to
// break at the last whitespace at or before the limit. Segments are trimmed;
// segments that are empty after trimming are dropped.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}
	var segments []string
	rest := text
	for {
		if len(rest) <= maxLen {
			if s := strings.TrimSpace(rest); s != "" {
				segments = append(segments, s)
			}
			return segments
		}
		cut := strings.LastIndexFunc(rest[:maxLen+1], func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n'
		})
		if cut <= 0 {
			// No whitespace to break at: hard cut, backed up so the cut never
			// lands inside a multibyte character.
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		if s := strings.TrimSpace(rest[:cut]); s != "" {
			segments = append(segments, s)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
}

// Gateway paces segments through a Poster.
type Gateway struct {
	Poster Poster
	Delay  time.Duration

	// sleep is injected by tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway returns a Gateway with the default 300ms inter-segment delay.
func NewGateway(p Poster) *Gateway {
	return &Gateway{Poster: p, Delay: DefaultDelay, sleep: sleepCtx}
}

// Send splits text and posts each segment, waiting Delay between segments.
// A failed segment aborts the remainder; partial delivery is acceptable
// (there is no exactly-once guarantee to preserve).
func (g *Gateway) Send(ctx context.Context, text string) error {
	sleep := g.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	segments := Split(text, MaxMessageLen)
	for i, seg := range segments {
		if i > 0 {
			if err := sleep(ctx, g.Delay); err != nil {
				return err
			}
		}
		if err := g.Poster.Post(ctx, seg); err != nil {
			slog.Warn("outbound segment failed", slog.Int("segment", i), slog.Any("err", err))
			return err
		}
		telemetry.SegmentsSent.Inc()
	}
	return nil
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
