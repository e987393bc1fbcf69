// Command twitch-auth performs the one-time OAuth authorization-code flow for
// the bot account and stores the resulting token pair in the oauth_tokens
// table, where the running bot reads and refreshes it.
//
// Usage: set TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI (must
// point at this process, e.g. http://localhost:3000/callback) and DB_DSN, run
// the binary, and open the printed URL in a browser logged in as the bot.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
)

var twitchEndpoint = oauth2.Endpoint{
	AuthURL:  "https://id.twitch.tv/oauth2/authorize",
	TokenURL: "https://id.twitch.tv/oauth2/token",
}

func main() {
	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" || cfg.TwitchRedirectURI == "" {
		slog.Error("TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET and TWITCH_REDIRECT_URI are required")
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	oc := &oauth2.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.TwitchRedirectURI,
		Scopes:       strings.Fields(cfg.TwitchScopes),
		Endpoint:     twitchEndpoint,
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		slog.Error("state generation failed", slog.Any("err", err))
		os.Exit(1)
	}
	state := hex.EncodeToString(stateBytes)

	redirect, err := url.Parse(cfg.TwitchRedirectURI)
	if err != nil {
		slog.Error("invalid TWITCH_REDIRECT_URI", slog.Any("err", err))
		os.Exit(1)
	}
	addr := redirect.Host
	if redirect.Port() == "" {
		addr = redirect.Hostname() + ":80"
	}

	done := make(chan error, 1)
	srv := &http.Server{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
	http.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- fmt.Errorf("state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			done <- fmt.Errorf("missing code in callback")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		tok, err := oc.Exchange(ctx, code)
		if err != nil {
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			done <- fmt.Errorf("exchange: %w", err)
			return
		}
		err = db.UpsertOAuthToken(ctx, database, "twitch", tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(oc.Scopes, " "))
		if err != nil {
			http.Error(w, "token store failed", http.StatusInternalServerError)
			done <- fmt.Errorf("store token: %w", err)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		done <- nil
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			done <- err
		}
	}()

	fmt.Println("Open this URL in a browser logged in as the bot account:")
	fmt.Println(oc.AuthCodeURL(state))

	if err := <-done; err != nil {
		slog.Error("authorization failed", slog.Any("err", err))
		os.Exit(1)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("token stored", slog.String("provider", "twitch"))
}
