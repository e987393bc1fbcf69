package twitchapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/db"
)

// TokenProvider yields a current access token. The bot treats the credential
// source as opaque: app tokens, stored user tokens, and test fakes all
// implement it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token. App tokens cannot subscribe to chat or send messages; those need the
// user token stored in the database.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Token returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// SetToken seeds the cache; used by tests to avoid OAuth round trips.
func (ts *AppTokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

func (ts *AppTokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", err
	}
	if at.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = at.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(at.ExpiresIn) * time.Second)
	return ts.token, nil
}

// StoredTokenSource reads the bot's user token from the oauth_tokens table.
// The background refresher keeps the row fresh; this source just reads it.
type StoredTokenSource struct {
	DB       *sql.DB
	Provider string
}

// Token returns the stored access token, or an error when none is stored.
func (s *StoredTokenSource) Token(ctx context.Context) (string, error) {
	provider := s.Provider
	if provider == "" {
		provider = "twitch"
	}
	access, _, _, _, err := db.GetOAuthToken(ctx, s.DB, provider)
	if err != nil {
		return "", fmt.Errorf("read stored token: %w", err)
	}
	if access == "" {
		return "", errors.New("no stored user token; run twitch-auth first")
	}
	return access, nil
}

// StaticTokenSource returns a fixed token. Used in tests and for the IRC
// transport's oauth: prefix token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}
