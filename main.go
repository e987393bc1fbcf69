// Command chat-tender is the main entrypoint for the chat bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Attaches to chat over EventSub (default) or IRC, routing prefix commands
//     and forwarding plain chat to the generic handler.
//   - Starts background jobs: viewer rewards, stream-status polling, chat
//     summaries, and follower sync, plus the OAuth token refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-tender/botstate"
	"github.com/onnwee/chat-tender/command"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/eventsub"
	"github.com/onnwee/chat-tender/handlers"
	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/jobs"
	"github.com/onnwee/chat-tender/llm"
	"github.com/onnwee/chat-tender/oauth"
	"github.com/onnwee/chat-tender/outbound"
	"github.com/onnwee/chat-tender/scheduler"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/telegram"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := &db.Store{DB: database}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch API clients: app token for lookups, stored user token for chat.
	appTokens := &twitchapi.AppTokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	userTokens := &twitchapi.StoredTokenSource{DB: database, Provider: "twitch"}
	helix := &twitchapi.HelixClient{
		UserTokens: userTokens,
		AppTokens:  appTokens,
		ClientID:   cfg.TwitchClientID,
	}

	// Keep the stored user token fresh.
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})

	// Shared runtime state, optional collaborators.
	state := botstate.New(cfg.CooldownTTL)
	lm := llm.New(os.Getenv("OPENAI_API_KEY"), cfg.OpenAIModel)
	notifier, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID)
	if err != nil {
		slog.Warn("telegram disabled", slog.Any("err", err))
	}

	// Command router and handlers.
	router := command.NewRouter(cfg.CommandPrefix)
	deps := &handlers.Deps{
		Store:    store,
		State:    state,
		BotName:  cfg.TwitchBotUsername,
		Cooldown: cfg.CommandCooldown,
	}
	if lm != nil {
		deps.LLM = lm
	}
	handlers.Register(router, deps)

	// Best-effort announcer for out-of-band messages (go-live notice). Needs
	// both ids up front; when resolution fails the jobs just skip announcing.
	var announcer jobs.Announcer
	if cfg.Transport == config.TransportEventSub {
		actx, cancel := context.WithTimeout(ctx, 8*time.Second)
		announcer = resolveAnnouncer(actx, helix, userTokens, cfg.TwitchChannel)
		cancel()
	}

	// Background jobs.
	sched := scheduler.New()
	mustRegister(sched, "rewards", jobs.Rewards(store, cfg.RewardsInterval, cfg.RewardsAmount))
	mustRegister(sched, "stream-status", jobs.StreamStatus(helix, state, cfg.TwitchChannel, cfg.StreamPollInterval, announcer, notifier))
	mustRegister(sched, "follower-sync", jobs.FollowerSync(helix, store, cfg.TwitchChannel, cfg.FollowerSyncInterval))
	if lm != nil {
		mustRegister(sched, "summary", jobs.Summary(lm, state, store, cfg.SummaryInterval, announcer, notifier))
	}
	if err := sched.StartAll(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer sched.StopAll()

	// Chat transport.
	var subscribed func() bool
	switch cfg.Transport {
	case config.TransportIRC:
		transport := &irc.Transport{
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: os.Getenv("TWITCH_OAUTH_TOKEN"),
			Router:     router,
			OnChat:     deps.Chat,
		}
		go func() {
			if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("irc transport exited", slog.Any("err", err))
			}
		}()
	default:
		connector := eventsub.New(&eventsub.Connector{
			Channel:  cfg.TwitchChannel,
			BotLogin: cfg.TwitchBotUsername,
			URL:      cfg.EventSubURL,
			API:      helix,
			Router:   router,
			OnChat:   deps.Chat,
			TokenInfo: func(tctx context.Context) (string, string, error) {
				tok, err := userTokens.Token(tctx)
				if err != nil {
					return "", "", err
				}
				res, err := twitchapi.Validate(tctx, nil, tok)
				if err != nil {
					return "", "", err
				}
				return res.UserID, res.Login, nil
			},
		})
		subscribed = connector.Subscribed
		go func() {
			if err := connector.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("eventsub transport exited", slog.Any("err", err))
			}
		}()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		err := server.Start(ctx, addr, &server.Bot{
			DB:         database,
			State:      state,
			Channel:    cfg.TwitchChannel,
			Transport:  cfg.Transport,
			Subscribed: subscribed,
			Jobs:       sched.Names,
		})
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

func mustRegister(s *scheduler.Scheduler, name string, job scheduler.Job) {
	if err := s.Register(name, job); err != nil {
		slog.Error("job registration failed", slog.String("job", name), slog.Any("err", err))
		os.Exit(1)
	}
}

// helixAnnouncer posts out-of-band channel messages through the paced gateway.
type helixAnnouncer struct {
	helix         *twitchapi.HelixClient
	broadcasterID string
	senderID      string
}

func (a *helixAnnouncer) Post(ctx context.Context, text string) error {
	return a.helix.SendChatMessage(ctx, a.broadcasterID, a.senderID, text, "")
}

func (a *helixAnnouncer) Say(ctx context.Context, text string) error {
	return outbound.NewGateway(a).Send(ctx, text)
}

func resolveAnnouncer(ctx context.Context, helix *twitchapi.HelixClient, userTokens twitchapi.TokenProvider, channel string) jobs.Announcer {
	tok, err := userTokens.Token(ctx)
	if err != nil {
		slog.Warn("announcer disabled: no user token", slog.Any("err", err))
		return nil
	}
	res, err := twitchapi.Validate(ctx, nil, tok)
	if err != nil {
		slog.Warn("announcer disabled: token validation failed", slog.Any("err", err))
		return nil
	}
	broadcasterID, err := helix.GetUserID(ctx, channel)
	if err != nil {
		broadcasterID = res.UserID
	}
	return &helixAnnouncer{helix: helix, broadcasterID: broadcasterID, senderID: res.UserID}
}
