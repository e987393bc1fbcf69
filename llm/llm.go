// Package llm generates chat summaries and conversational replies through the
// OpenAI Chat Completions API. A nil *Client disables the feature: callers may
// invoke methods on it and get ErrDisabled back instead of a panic.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ErrDisabled is returned when no API key was configured.
var ErrDisabled = errors.New("llm: disabled (no api key configured)")

const requestTimeout = 30 * time.Second

const summarySystemPrompt = "You summarize Twitch chat logs. Produce a short, " +
	"neutral recap of the main topics and notable moments in at most three " +
	"sentences. Do not quote usernames verbatim unless essential."

const replySystemPrompt = "You are a friendly Twitch chat bot. Answer briefly " +
	"and casually, one or two sentences, no markdown."

// Client wraps the OpenAI SDK with the bot's model choice.
type Client struct {
	client osdk.Client
	model  string
}

// New returns a configured client, or nil when apiKey is empty.
func New(apiKey, model string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		client: osdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Summarize condenses buffered chat lines into a short recap.
func (c *Client) Summarize(ctx context.Context, lines []string) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	if len(lines) == 0 {
		return "", errors.New("llm: nothing to summarize")
	}
	return c.complete(ctx, summarySystemPrompt, strings.Join(lines, "\n"))
}

// Reply produces a conversational answer to one chat message.
func (c *Client) Reply(ctx context.Context, author, text string) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("llm: empty message")
	}
	return c.complete(ctx, replySystemPrompt, fmt.Sprintf("%s says: %s", author, text))
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := c.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model: osdk.ChatModel(c.model),
		Messages: []osdk.ChatCompletionMessageParamUnion{
			osdk.SystemMessage(system),
			osdk.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: completion returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("llm: completion returned empty text")
	}
	return out, nil
}
