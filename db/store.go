package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store wraps the bot's relational queries. Handlers and background jobs hold a
// *Store rather than a raw *sql.DB so tests can substitute their own interfaces.
type Store struct {
	DB *sql.DB
}

// TouchViewer upserts a viewer row and refreshes last_seen. Called for every
// inbound chat message, so it must stay a single statement.
func (s *Store) TouchViewer(ctx context.Context, twitchID, login, displayName string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO viewers (twitch_id, login, display_name, last_seen, created_at)
		VALUES ($1,$2,$3,NOW(),NOW())
		ON CONFLICT (twitch_id) DO UPDATE SET login=EXCLUDED.login, display_name=EXCLUDED.display_name, last_seen=NOW(), updated_at=NOW()`,
		twitchID, login, displayName)
	return err
}

// GetPoints returns the balance for a viewer by login; 0 and no error when unknown.
func (s *Store) GetPoints(ctx context.Context, login string) (int64, error) {
	var points int64
	err := s.DB.QueryRowContext(ctx, `SELECT points FROM viewers WHERE LOWER(login)=LOWER($1)`, login).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return points, err
}

// AddPoints adjusts a viewer's balance by delta (negative allowed).
func (s *Store) AddPoints(ctx context.Context, login string, delta int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE viewers SET points=points+$1, updated_at=NOW() WHERE LOWER(login)=LOWER($2)`, delta, login)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown viewer %q", login)
	}
	return nil
}

// RewardActive grants amount points to every viewer seen within the window.
// Returns the number of viewers rewarded.
func (s *Store) RewardActive(ctx context.Context, window time.Duration, amount int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE viewers SET points=points+$1, updated_at=NOW()
		WHERE last_seen >= NOW() - ($2 * INTERVAL '1 second')`, amount, int(window.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SettleDuel transfers the wager from loser to winner and records the duel in
// one transaction, so a crash can't pay out without debiting. The winner must
// be one of challenger or opponent; the loser is the other.
func (s *Store) SettleDuel(ctx context.Context, challenger, opponent, winner string, wager int64) error {
	loser := opponent
	if strings.EqualFold(winner, opponent) {
		loser = challenger
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin duel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE viewers SET points=points-$1, updated_at=NOW() WHERE LOWER(login)=LOWER($2)`, wager, loser); err != nil {
		return fmt.Errorf("debit loser: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE viewers SET points=points+$1, updated_at=NOW() WHERE LOWER(login)=LOWER($2)`, wager, winner); err != nil {
		return fmt.Errorf("credit winner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO duels (challenger, opponent, wager, winner) VALUES ($1,$2,$3,$4)`, challenger, opponent, wager, winner); err != nil {
		return fmt.Errorf("record duel: %w", err)
	}
	return tx.Commit()
}

// MarkFollowers flags the given logins as followers and clears the flag for
// everyone else. Used by the follower sync job.
func (s *Store) MarkFollowers(ctx context.Context, logins []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin follower tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE viewers SET is_follower=FALSE WHERE is_follower`); err != nil {
		return err
	}
	for _, login := range logins {
		if _, err := tx.ExecContext(ctx, `UPDATE viewers SET is_follower=TRUE, updated_at=NOW() WHERE LOWER(login)=LOWER($1)`, login); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetKV stores a small operational value (last job run, stream state).
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV reads a kv value; empty string when missing.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
