// Package botstate holds the small amount of cross-cutting ephemeral state
// that unrelated command handlers and background jobs share for one channel:
// the pending duel, per-user command cooldowns, and the rolling chat-summary
// buffer. None of it is persisted; a restart starts clean, and the source of
// truth for money and history lives in the database.
//
// A single State instance per channel is passed by reference at wiring time.
// Multi-channel operation would need one State per channel; the rest of the
// bot currently assumes exactly one.
//
// Go goroutines preempt anywhere, so unlike a single-threaded event loop the
// read-modify-write sequences here must hold a lock for their full duration.
// Each field group has its own mutex; no invariant spans two groups, and
// callers must tolerate interleavings across groups (e.g. a summary snapshot
// racing a stream-end clear loses at most one interval of chat lines).
package botstate

import (
	"strings"
	"sync"
	"time"
)

// Duel is a challenge waiting for the opponent to accept.
type Duel struct {
	Challenger string
	Opponent   string
	Wager      int64
}

// State is the per-channel runtime state.
type State struct {
	duelMu sync.Mutex
	duel   *Duel

	cooldownMu  sync.Mutex
	cooldowns   map[string]time.Time
	cooldownTTL time.Duration

	summaryMu   sync.Mutex
	summary     []string
	lastSummary time.Time

	liveMu sync.Mutex
	live   bool

	now func() time.Time
}

// New returns an empty State. cooldownTTL bounds how long stale cooldown
// entries survive before being pruned.
func New(cooldownTTL time.Duration) *State {
	return &State{
		cooldowns:   make(map[string]time.Time),
		cooldownTTL: cooldownTTL,
		now:         time.Now,
	}
}

// ProposeDuel stores a challenge, replacing any pending one.
func (s *State) ProposeDuel(challenger, opponent string, wager int64) {
	s.duelMu.Lock()
	defer s.duelMu.Unlock()
	s.duel = &Duel{Challenger: challenger, Opponent: opponent, Wager: wager}
}

// TakeDuel claims the pending duel if opponent matches (case-insensitive),
// clearing it atomically so two accepts cannot both win.
func (s *State) TakeDuel(opponent string) (Duel, bool) {
	s.duelMu.Lock()
	defer s.duelMu.Unlock()
	if s.duel == nil || !strings.EqualFold(s.duel.Opponent, opponent) {
		return Duel{}, false
	}
	d := *s.duel
	s.duel = nil
	return d, true
}

// PendingDuel returns the current challenge, if any.
func (s *State) PendingDuel() (Duel, bool) {
	s.duelMu.Lock()
	defer s.duelMu.Unlock()
	if s.duel == nil {
		return Duel{}, false
	}
	return *s.duel, true
}

// ClearDuel drops any pending challenge.
func (s *State) ClearDuel() {
	s.duelMu.Lock()
	defer s.duelMu.Unlock()
	s.duel = nil
}

// CheckAndSetCooldown reports whether user may run a command now and, if so,
// records the use. The check and the write happen under one lock hold. Stale
// entries beyond the TTL are pruned on the way through.
func (s *State) CheckAndSetCooldown(user string, cooldown time.Duration) bool {
	key := strings.ToLower(user)
	now := s.now()
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	for k, t := range s.cooldowns {
		if now.Sub(t) > s.cooldownTTL {
			delete(s.cooldowns, k)
		}
	}
	if last, ok := s.cooldowns[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	s.cooldowns[key] = now
	return true
}

// CooldownCount returns the number of tracked cooldown entries.
func (s *State) CooldownCount() int {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	return len(s.cooldowns)
}

// AppendChat adds one line to the rolling summary buffer.
func (s *State) AppendChat(line string) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summary = append(s.summary, line)
}

// TakeSummary returns the buffered lines and clears the buffer, stamping the
// last-summary time.
func (s *State) TakeSummary() []string {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	lines := s.summary
	s.summary = nil
	s.lastSummary = s.now()
	return lines
}

// ClearSummary drops the buffer without producing a summary (stream end).
func (s *State) ClearSummary() {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summary = nil
}

// SummaryLen returns the number of buffered lines.
func (s *State) SummaryLen() int {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return len(s.summary)
}

// LastSummary returns when TakeSummary last ran (zero before the first run).
func (s *State) LastSummary() time.Time {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return s.lastSummary
}

// SetLive records the monitored channel's live status.
func (s *State) SetLive(live bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live = live
}

// Live reports the last observed live status.
func (s *State) Live() bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.live
}
