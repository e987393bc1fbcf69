package botstate

import (
	"sync"
	"testing"
	"time"
)

func TestDuelLifecycle(t *testing.T) {
	s := New(time.Minute)
	if _, ok := s.PendingDuel(); ok {
		t.Fatalf("new state has a pending duel")
	}
	s.ProposeDuel("alice", "bob", 50)
	d, ok := s.PendingDuel()
	if !ok || d.Challenger != "alice" || d.Opponent != "bob" || d.Wager != 50 {
		t.Fatalf("PendingDuel() = %+v, %v", d, ok)
	}
	if _, ok := s.TakeDuel("carol"); ok {
		t.Fatalf("TakeDuel() succeeded for the wrong opponent")
	}
	d, ok = s.TakeDuel("BOB")
	if !ok {
		t.Fatalf("TakeDuel() failed for case-insensitive opponent match")
	}
	if d.Challenger != "alice" {
		t.Errorf("challenger = %q, want alice", d.Challenger)
	}
	if _, ok := s.TakeDuel("bob"); ok {
		t.Fatalf("duel claimed twice")
	}
}

func TestTakeDuelSingleWinner(t *testing.T) {
	s := New(time.Minute)
	s.ProposeDuel("alice", "bob", 10)
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.TakeDuel("bob"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d goroutines claimed the duel, want exactly 1", wins)
	}
}

func TestCheckAndSetCooldown(t *testing.T) {
	s := New(10 * time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	if !s.CheckAndSetCooldown("Alice", 10*time.Second) {
		t.Fatalf("first use should pass")
	}
	if s.CheckAndSetCooldown("alice", 10*time.Second) {
		t.Fatalf("immediate reuse should be blocked (case-insensitive)")
	}
	now = now.Add(11 * time.Second)
	if !s.CheckAndSetCooldown("alice", 10*time.Second) {
		t.Fatalf("use after cooldown should pass")
	}
}

func TestCooldownPruning(t *testing.T) {
	s := New(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.CheckAndSetCooldown("alice", time.Second)
	s.CheckAndSetCooldown("bob", time.Second)
	if got := s.CooldownCount(); got != 2 {
		t.Fatalf("CooldownCount() = %d, want 2", got)
	}
	now = now.Add(2 * time.Minute)
	s.CheckAndSetCooldown("carol", time.Second)
	// alice and bob are past the TTL and pruned; only carol remains.
	if got := s.CooldownCount(); got != 1 {
		t.Fatalf("CooldownCount() = %d after prune, want 1", got)
	}
}

func TestSummaryBuffer(t *testing.T) {
	s := New(time.Minute)
	fixed := time.Unix(5000, 0)
	s.now = func() time.Time { return fixed }

	s.AppendChat("alice: hi")
	s.AppendChat("bob: hello")
	if got := s.SummaryLen(); got != 2 {
		t.Fatalf("SummaryLen() = %d, want 2", got)
	}
	lines := s.TakeSummary()
	if len(lines) != 2 || lines[0] != "alice: hi" {
		t.Fatalf("TakeSummary() = %v", lines)
	}
	if got := s.SummaryLen(); got != 0 {
		t.Fatalf("buffer not cleared, len = %d", got)
	}
	if !s.LastSummary().Equal(fixed) {
		t.Errorf("LastSummary() = %v, want %v", s.LastSummary(), fixed)
	}
	// A late append after a clear is tolerated; it just lands in the next window.
	s.AppendChat("carol: late")
	s.ClearSummary()
	if got := s.SummaryLen(); got != 0 {
		t.Fatalf("ClearSummary() left %d lines", got)
	}
}

func TestLiveFlag(t *testing.T) {
	s := New(time.Minute)
	if s.Live() {
		t.Fatalf("new state reports live")
	}
	s.SetLive(true)
	if !s.Live() {
		t.Fatalf("SetLive(true) not observed")
	}
}
