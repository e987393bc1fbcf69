// Package twitchapi contains helpers to interact with Twitch's id and Helix
// APIs: token acquisition, user id resolution, stream status, followers,
// chat message sending, and EventSub chat subscriptions.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HelixClient provides the Helix calls the bot needs. UserTokens must carry
// the chat scopes; AppTokens is enough for read-only lookups.
type HelixClient struct {
	UserTokens TokenProvider
	AppTokens  TokenProvider
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) readTokens() TokenProvider {
	if hc.AppTokens != nil {
		return hc.AppTokens
	}
	return hc.UserTokens
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := hc.readTokens().Token(ctx)
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is one live stream as reported by /helix/streams.
type Stream struct {
	Title     string
	StartedAt time.Time
}

// GetStreams returns live streams for a channel login (empty when offline).
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.readTokens().Token(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/streams", nil)
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, s := range body.Data {
		started, _ := time.Parse(time.RFC3339, s.StartedAt)
		out = append(out, Stream{Title: s.Title, StartedAt: started})
	}
	return out, nil
}

// GetFollowers lists follower logins for a broadcaster (first page, up to 100).
func (hc *HelixClient) GetFollowers(ctx context.Context, broadcasterID string) ([]string, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	tok, err := hc.UserTokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/channels/followers", nil)
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", "100")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("followers request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			UserLogin string `json:"user_login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(body.Data))
	for _, f := range body.Data {
		out = append(out, f.UserLogin)
	}
	return out, nil
}

// SendChatMessage posts one message segment (≤500 chars) to the channel.
// replyParentID threads the message when non-empty.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message, replyParentID string) error {
	if broadcasterID == "" || senderID == "" {
		return fmt.Errorf("broadcasterID/senderID empty")
	}
	tok, err := hc.UserTokens.Token(ctx)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	if replyParentID != "" {
		payload["reply_parent_message_id"] = replyParentID
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.twitch.tv/helix/chat/messages", bytes.NewReader(buf))
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send chat message failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// CreateChatSubscription binds a channel.chat.message subscription to the
// given websocket session. It returns the HTTP status code so the caller can
// apply its retry policy; err is non-nil only for transport-level failures.
func (hc *HelixClient) CreateChatSubscription(ctx context.Context, broadcasterID, userID, sessionID string) (int, error) {
	if broadcasterID == "" || userID == "" || sessionID == "" {
		return 0, fmt.Errorf("broadcasterID/userID/sessionID empty")
	}
	tok, err := hc.UserTokens.Token(ctx)
	if err != nil {
		return 0, err
	}
	payload := map[string]any{
		"type":    "channel.chat.message",
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
			"user_id":             userID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.twitch.tv/helix/eventsub/subscriptions", bytes.NewReader(buf))
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, err
	}
	defer closeBody(resp)
	// Drain so the connection can be reused; the caller only needs the status.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
