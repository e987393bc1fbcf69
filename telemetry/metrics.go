// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived  = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_received_total", Help: "Inbound chat messages decoded"})
	CommandsHandled   = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_handled_total", Help: "Prefix commands dispatched to a handler"})
	CommandErrors     = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_command_errors_total", Help: "Command handlers that returned an error"})
	SegmentsSent      = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_segments_sent_total", Help: "Outbound message segments sent"})
	SubscribeAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_subscribe_attempts_total", Help: "EventSub subscribe attempts"})
	SubscribeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_subscribe_failures_total", Help: "EventSub subscribe cycles that exhausted retries"})
	Reconnects        = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_reconnects_total", Help: "EventSub session reconnects observed"})

	SubscriptionActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_subscription_active", Help: "Chat subscription active=1 inactive=0"})
	JobsRunning        = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_jobs_running", Help: "Background jobs currently running"})
	StreamLive         = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_stream_live", Help: "Monitored channel live=1 offline=0"})
)

// SetSubscriptionActive flips the subscription gauge.
func SetSubscriptionActive(active bool) {
	if active {
		SubscriptionActive.Set(1)
	} else {
		SubscriptionActive.Set(0)
	}
}

// SetStreamLive flips the live gauge.
func SetStreamLive(live bool) {
	if live {
		StreamLive.Set(1)
	} else {
		StreamLive.Set(0)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
