// Package handlers implements the bot's prefix commands and the generic chat
// handler. Handlers are small glue: argument parsing, cooldown checks, then
// delegation to the store, runtime state, or the LLM client.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/botstate"
	"github.com/onnwee/chat-tender/command"
)

// EconomyStore is the slice of db.Store the handlers need.
type EconomyStore interface {
	TouchViewer(ctx context.Context, twitchID, login, displayName string) error
	GetPoints(ctx context.Context, login string) (int64, error)
	SettleDuel(ctx context.Context, challenger, opponent, winner string, wager int64) error
}

// Replier generates conversational replies; satisfied by *llm.Client.
type Replier interface {
	Reply(ctx context.Context, author, text string) (string, error)
}

// Deps carries the collaborators shared by every handler.
type Deps struct {
	Store    EconomyStore
	State    *botstate.State
	LLM      Replier
	BotName  string
	Cooldown time.Duration

	// pick decides duel winners; tests pin it.
	pick func(a, b string) string
}

// Register installs all commands on the router.
func Register(r *command.Router, d *Deps) {
	if d.pick == nil {
		d.pick = func(a, b string) string {
			//nolint:gosec // G404: duel outcome is entertainment, not security
			if rand.Intn(2) == 0 {
				return a
			}
			return b
		}
	}
	r.Register("balance", d.Balance)
	r.Register("points", d.Balance)
	r.Register("duel", d.Duel)
	r.Register("accept", d.Accept)
}

// Balance reports the caller's point balance.
func (d *Deps) Balance(ctx context.Context, cc command.Context, msg command.Message, rest string) error {
	if !d.State.CheckAndSetCooldown(msg.AuthorLogin, d.Cooldown) {
		return nil
	}
	login := msg.AuthorLogin
	if rest != "" {
		login = strings.TrimPrefix(strings.Fields(rest)[0], "@")
	}
	points, err := d.Store.GetPoints(ctx, login)
	if err != nil {
		return fmt.Errorf("balance lookup for %q: %w", login, err)
	}
	return cc.Reply(ctx, fmt.Sprintf("@%s has %d points", login, points))
}

// Duel proposes a wager against another viewer. Only one duel can be pending
// at a time; a new proposal replaces the previous one.
func (d *Deps) Duel(ctx context.Context, cc command.Context, msg command.Message, rest string) error {
	if !d.State.CheckAndSetCooldown(msg.AuthorLogin, d.Cooldown) {
		return nil
	}
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return cc.Reply(ctx, "usage: duel <user> <wager>")
	}
	opponent := strings.TrimPrefix(fields[0], "@")
	wager, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || wager <= 0 {
		return cc.Reply(ctx, "wager must be a positive number")
	}
	if strings.EqualFold(opponent, msg.AuthorLogin) {
		return cc.Reply(ctx, "you cannot duel yourself")
	}
	balance, err := d.Store.GetPoints(ctx, msg.AuthorLogin)
	if err != nil {
		return fmt.Errorf("duel balance check: %w", err)
	}
	if balance < wager {
		return cc.Reply(ctx, fmt.Sprintf("@%s you only have %d points", msg.AuthorLogin, balance))
	}
	d.State.ProposeDuel(msg.AuthorLogin, opponent, wager)
	return cc.Say(ctx, fmt.Sprintf("@%s challenges @%s to a duel for %d points! Type the accept command to fight.", msg.AuthorLogin, opponent, wager))
}

// Accept resolves a pending duel addressed to the caller. The claim is atomic:
// two viewers typing accept at once race for one duel and exactly one wins.
func (d *Deps) Accept(ctx context.Context, cc command.Context, msg command.Message, rest string) error {
	duel, ok := d.State.TakeDuel(msg.AuthorLogin)
	if !ok {
		return cc.Reply(ctx, "no duel is waiting for you")
	}
	balance, err := d.Store.GetPoints(ctx, msg.AuthorLogin)
	if err != nil {
		return fmt.Errorf("accept balance check: %w", err)
	}
	if balance < duel.Wager {
		return cc.Reply(ctx, fmt.Sprintf("@%s you need %d points to accept", msg.AuthorLogin, duel.Wager))
	}
	winner := d.pick(duel.Challenger, msg.AuthorLogin)
	loser := duel.Challenger
	if winner == duel.Challenger {
		loser = msg.AuthorLogin
	}
	if err := d.Store.SettleDuel(ctx, duel.Challenger, msg.AuthorLogin, winner, duel.Wager); err != nil {
		return fmt.Errorf("settle duel: %w", err)
	}
	return cc.Say(ctx, fmt.Sprintf("@%s wins the duel and takes %d points from @%s!", winner, duel.Wager, loser))
}

// Chat is the generic handler for unprefixed messages: it records the viewer,
// buffers the line for summaries, and occasionally answers mentions via the
// LLM when one is configured.
func (d *Deps) Chat(ctx context.Context, cc command.Context, msg command.Message) error {
	if err := d.Store.TouchViewer(ctx, msg.AuthorID, msg.AuthorLogin, msg.AuthorName); err != nil {
		slog.Warn("viewer upsert failed", slog.String("login", msg.AuthorLogin), slog.Any("err", err))
	}
	d.State.AppendChat(fmt.Sprintf("%s: %s", msg.AuthorLogin, msg.Text))

	if d.LLM == nil || !d.mentionsBot(msg.Text) {
		return nil
	}
	if !d.State.CheckAndSetCooldown("llm:"+msg.AuthorLogin, d.Cooldown) {
		return nil
	}
	answer, err := d.LLM.Reply(ctx, msg.AuthorLogin, msg.Text)
	if err != nil {
		return fmt.Errorf("llm reply: %w", err)
	}
	return cc.Reply(ctx, answer)
}

func (d *Deps) mentionsBot(text string) bool {
	if d.BotName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(d.BotName))
}
