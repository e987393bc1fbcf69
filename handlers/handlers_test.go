package handlers

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/botstate"
	"github.com/onnwee/chat-tender/command"
)

type fakeStore struct {
	points  map[string]int64
	touched []string
	settled []string
}

func (f *fakeStore) TouchViewer(ctx context.Context, twitchID, login, displayName string) error {
	f.touched = append(f.touched, login)
	return nil
}

func (f *fakeStore) GetPoints(ctx context.Context, login string) (int64, error) {
	return f.points[strings.ToLower(login)], nil
}

func (f *fakeStore) SettleDuel(ctx context.Context, challenger, opponent, winner string, wager int64) error {
	f.settled = append(f.settled, fmt.Sprintf("%s vs %s, %s wins %d", challenger, opponent, winner, wager))
	return nil
}

type fakeContext struct {
	replies []string
	said    []string
}

func (f *fakeContext) Reply(ctx context.Context, text string) error {
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeContext) Say(ctx context.Context, text string) error {
	f.said = append(f.said, text)
	return nil
}

type fakeReplier struct {
	calls int
	out   string
}

func (f *fakeReplier) Reply(ctx context.Context, author, text string) (string, error) {
	f.calls++
	return f.out, nil
}

func newDeps(store *fakeStore) *Deps {
	return &Deps{
		Store:    store,
		State:    botstate.New(10 * time.Minute),
		BotName:  "botty",
		Cooldown: time.Minute,
		pick:     func(a, b string) string { return a },
	}
}

func msg(login, text string) command.Message {
	return command.Message{ID: "m-1", AuthorID: "u-" + login, AuthorLogin: login, AuthorName: login, Text: text}
}

func TestBalanceRepliesWithPoints(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"alice": 42}}
	d := newDeps(store)
	cc := &fakeContext{}

	if err := d.Balance(context.Background(), cc, msg("alice", "!balance"), ""); err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if len(cc.replies) != 1 || cc.replies[0] != "@alice has 42 points" {
		t.Fatalf("replies = %v", cc.replies)
	}
}

func TestBalanceForAnotherViewer(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"bob": 7}}
	d := newDeps(store)
	cc := &fakeContext{}

	if err := d.Balance(context.Background(), cc, msg("alice", "!balance @bob"), "@bob"); err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if len(cc.replies) != 1 || cc.replies[0] != "@bob has 7 points" {
		t.Fatalf("replies = %v", cc.replies)
	}
}

func TestBalanceCooldownSilences(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"alice": 42}}
	d := newDeps(store)
	cc := &fakeContext{}

	_ = d.Balance(context.Background(), cc, msg("alice", "!balance"), "")
	_ = d.Balance(context.Background(), cc, msg("alice", "!balance"), "")

	if len(cc.replies) != 1 {
		t.Fatalf("cooldown should silence the second call, got %v", cc.replies)
	}
}

func TestDuelProposalAndAccept(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"alice": 100, "bob": 100}}
	d := newDeps(store)
	cc := &fakeContext{}

	if err := d.Duel(context.Background(), cc, msg("alice", "!duel bob 50"), "bob 50"); err != nil {
		t.Fatalf("Duel() error = %v", err)
	}
	if len(cc.said) != 1 || !strings.Contains(cc.said[0], "@alice challenges @bob") {
		t.Fatalf("announcement = %v", cc.said)
	}

	cc2 := &fakeContext{}
	if err := d.Accept(context.Background(), cc2, msg("bob", "!accept"), ""); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	// pick is pinned to the challenger; the roles stay as issued.
	if len(store.settled) != 1 || store.settled[0] != "alice vs bob, alice wins 50" {
		t.Fatalf("settled = %v", store.settled)
	}
	if len(cc2.said) != 1 || !strings.Contains(cc2.said[0], "@alice wins") {
		t.Fatalf("result = %v", cc2.said)
	}

	// The duel is consumed: a second accept finds nothing.
	cc3 := &fakeContext{}
	if err := d.Accept(context.Background(), cc3, msg("bob", "!accept"), ""); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(cc3.replies) != 1 || cc3.replies[0] != "no duel is waiting for you" {
		t.Fatalf("second accept = %v", cc3.replies)
	}
}

func TestDuelValidation(t *testing.T) {
	tests := []struct {
		name string
		from string
		rest string
		want string
	}{
		{name: "missing args", from: "alice", rest: "", want: "usage: duel <user> <wager>"},
		{name: "bad wager", from: "alice", rest: "bob zero", want: "wager must be a positive number"},
		{name: "negative wager", from: "alice", rest: "bob -5", want: "wager must be a positive number"},
		{name: "self duel", from: "alice", rest: "Alice 10", want: "you cannot duel yourself"},
		{name: "insufficient balance", from: "poor", rest: "bob 10", want: "@poor you only have 0 points"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{points: map[string]int64{"alice": 100}}
			d := newDeps(store)
			cc := &fakeContext{}
			if err := d.Duel(context.Background(), cc, msg(tt.from, "!duel "+tt.rest), tt.rest); err != nil {
				t.Fatalf("Duel() error = %v", err)
			}
			if len(cc.replies) != 1 || cc.replies[0] != tt.want {
				t.Fatalf("reply = %v, want %q", cc.replies, tt.want)
			}
		})
	}
}

func TestAcceptOnlyForNamedOpponent(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"alice": 100, "bob": 100, "carol": 100}}
	d := newDeps(store)
	d.State.ProposeDuel("alice", "bob", 10)

	cc := &fakeContext{}
	if err := d.Accept(context.Background(), cc, msg("carol", "!accept"), ""); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(cc.replies) != 1 || cc.replies[0] != "no duel is waiting for you" {
		t.Fatalf("carol should not claim bob's duel: %v", cc.replies)
	}
	if _, ok := d.State.PendingDuel(); !ok {
		t.Fatalf("duel must remain pending for bob")
	}
}

func TestChatRecordsAndBuffers(t *testing.T) {
	store := &fakeStore{}
	d := newDeps(store)
	cc := &fakeContext{}

	if err := d.Chat(context.Background(), cc, msg("alice", "nice play")); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(store.touched) != 1 || store.touched[0] != "alice" {
		t.Fatalf("viewer not touched: %v", store.touched)
	}
	if d.State.SummaryLen() != 1 {
		t.Fatalf("chat line not buffered")
	}
	if len(cc.replies) != 0 {
		t.Fatalf("plain chat must not trigger a reply: %v", cc.replies)
	}
}

func TestChatMentionTriggersLLM(t *testing.T) {
	store := &fakeStore{}
	d := newDeps(store)
	rep := &fakeReplier{out: "hey alice!"}
	d.LLM = rep
	cc := &fakeContext{}

	if err := d.Chat(context.Background(), cc, msg("alice", "hey botty how are you")); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if rep.calls != 1 {
		t.Fatalf("llm called %d times, want 1", rep.calls)
	}
	if len(cc.replies) != 1 || cc.replies[0] != "hey alice!" {
		t.Fatalf("replies = %v", cc.replies)
	}

	// No mention, no LLM call.
	if err := d.Chat(context.Background(), cc, msg("bob", "great stream")); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if rep.calls != 1 {
		t.Fatalf("llm called for a message without a mention")
	}
}

func TestRegisterInstallsCommands(t *testing.T) {
	store := &fakeStore{points: map[string]int64{"alice": 5}}
	d := newDeps(store)
	d.pick = nil // Register must default it
	r := command.NewRouter("!")
	Register(r, d)

	cc := &fakeContext{}
	handled, err := r.Dispatch(context.Background(), cc, msg("alice", "!points"))
	if err != nil || !handled {
		t.Fatalf("dispatch = (%v, %v)", handled, err)
	}
	if len(cc.replies) != 1 || cc.replies[0] != "@alice has 5 points" {
		t.Fatalf("replies = %v", cc.replies)
	}
}
