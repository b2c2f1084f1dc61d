// Package persist is the durable, append-only side of the event stream:
// challenge transitions, escrow phases and per-player tallies land in
// Postgres through a buffered writer so no database latency ever reaches
// the tick loop or a session goroutine.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/escrow"
)

const (
	writeQueueDepth = 4096
	writeTimeout    = 5 * time.Second
)

// Store wraps the Postgres connection and the async write queue. A nil
// *Store is valid and drops everything: nodes run fine without a database.
type Store struct {
	db    *sql.DB
	queue chan func(context.Context, *sql.DB)
	stop  chan struct{}
	done  chan struct{}
}

// Open connects and verifies the database. The caller decides whether a
// failure is fatal or the node runs without persistence.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan func(context.Context, *sql.DB), writeQueueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Close drains the queue and closes the pool.
func (s *Store) Close() {
	if s == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case op := <-s.queue:
			s.run(op)
		case <-s.stop:
			// drain what is already queued
			for {
				select {
				case op := <-s.queue:
					s.run(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) run(op func(context.Context, *sql.DB)) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	op(ctx, s.db)
	cancel()
}

func (s *Store) enqueue(op func(context.Context, *sql.DB)) {
	if s == nil {
		return
	}
	select {
	case s.queue <- op:
	default:
		slog.Warn("persist queue full, dropping write")
	}
}

// =============================================================================
// Schema
// =============================================================================

// migrations are applied in order; each is recorded by name so
// /migrations/status can report what this database carries.
var migrations = []struct {
	Name string
	SQL  string
}{
	{"001_challenges", `
		CREATE TABLE IF NOT EXISTS challenges (
			id           BIGSERIAL PRIMARY KEY,
			challenge_id TEXT        NOT NULL,
			event        TEXT        NOT NULL,
			reason       TEXT,
			payload      JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_challenge_id ON challenges (challenge_id);`},
	{"002_escrow_events", `
		CREATE TABLE IF NOT EXISTS escrow_events (
			id           BIGSERIAL PRIMARY KEY,
			challenge_id TEXT        NOT NULL,
			phase        TEXT        NOT NULL,
			ok           BOOLEAN     NOT NULL,
			reason       TEXT,
			tx_hash      TEXT,
			fee          DOUBLE PRECISION,
			payout       DOUBLE PRECISION,
			player_ids   TEXT[],
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_escrow_events_players ON escrow_events USING GIN (player_ids);`},
	{"003_player_stats", `
		CREATE TABLE IF NOT EXISTS player_stats (
			player_id   TEXT PRIMARY KEY,
			wins        BIGINT NOT NULL DEFAULT 0,
			losses      BIGINT NOT NULL DEFAULT 0,
			draws       BIGINT NOT NULL DEFAULT 0,
			games       BIGINT NOT NULL DEFAULT 0,
			winnings    BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);`},
}

// EnsureSchema applies all migrations and records them.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		slog.Info("migration applied", "name", m.Name)
	}
	return nil
}

// MigrationStatus is one row of /migrations/status.
type MigrationStatus struct {
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

// MigrationsStatus reports every known migration and whether it has run.
func (s *Store) MigrationsStatus(ctx context.Context) ([]MigrationStatus, error) {
	if s == nil {
		return nil, nil
	}
	applied := make(map[string]time.Time)
	rows, err := s.db.QueryContext(ctx, `SELECT name, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var at time.Time
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		applied[name] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationStatus{Name: m.Name}
		if at, ok := applied[m.Name]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// =============================================================================
// Async writers (hub.Persister)
// =============================================================================

// ChallengeEvent appends one state transition.
func (s *Store) ChallengeEvent(ev challenge.Event) {
	if ev.Challenge == nil {
		return
	}
	id := ev.Challenge.ID
	event, reason := ev.Event, ev.Reason
	payload, err := json.Marshal(ev.Challenge)
	if err != nil {
		return
	}
	s.enqueue(func(ctx context.Context, db *sql.DB) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO challenges (challenge_id, event, reason, payload) VALUES ($1, $2, $3, $4)`,
			id, event, nullable(reason), payload)
		if err != nil {
			slog.Warn("persist challenge event failed", "id", id, "error", err)
		}
	})
}

// EscrowEvent appends one escrow phase record.
func (s *Store) EscrowEvent(ev escrow.Event) {
	s.enqueue(func(ctx context.Context, db *sql.DB) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO escrow_events (challenge_id, phase, ok, reason, tx_hash, fee, payout, player_ids)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ChallengeID, ev.Phase, ev.OK, nullable(ev.Reason), nullable(ev.TxHash),
			ev.Fee, ev.Payout, textArray(ev.PlayerIDs))
		if err != nil {
			slog.Warn("persist escrow event failed", "id", ev.ChallengeID, "error", err)
		}
	})
}

// ChallengeResult bumps the winner/loser tallies.
func (s *Store) ChallengeResult(c *challenge.Challenge) {
	winner := ""
	if c.WinnerID != nil {
		winner = *c.WinnerID
	}
	wager := c.Wager
	participants := c.Participants()

	s.enqueue(func(ctx context.Context, db *sql.DB) {
		for _, pid := range participants {
			if pid == challenge.SystemHouse {
				continue
			}
			var wins, losses, draws, winnings int
			switch {
			case winner == "":
				draws = 1
			case winner == pid:
				wins, winnings = 1, wager
			default:
				losses, winnings = 1, -wager
			}
			_, err := db.ExecContext(ctx, `
				INSERT INTO player_stats (player_id, wins, losses, draws, games, winnings, updated_at)
				VALUES ($1, $2, $3, $4, 1, $5, now())
				ON CONFLICT (player_id) DO UPDATE SET
					wins       = player_stats.wins + EXCLUDED.wins,
					losses     = player_stats.losses + EXCLUDED.losses,
					draws      = player_stats.draws + EXCLUDED.draws,
					games      = player_stats.games + 1,
					winnings   = player_stats.winnings + EXCLUDED.winnings,
					updated_at = now()`,
				pid, wins, losses, draws, winnings)
			if err != nil {
				slog.Warn("persist player stats failed", "player", pid, "error", err)
			}
		}
	})
}

// =============================================================================
// Read side
// =============================================================================

// EscrowRecord is one persisted escrow event, as served by the HTTP API.
type EscrowRecord struct {
	ChallengeID string    `json:"challengeId"`
	Phase       string    `json:"phase"`
	OK          bool      `json:"ok"`
	Reason      string    `json:"reason,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Fee         float64   `json:"fee,omitempty"`
	Payout      float64   `json:"payout,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RecentEscrowEvents returns a player's escrow log, newest first.
func (s *Store) RecentEscrowEvents(ctx context.Context, playerID string, limit int) ([]EscrowRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge_id, phase, ok, COALESCE(reason, ''), COALESCE(tx_hash, ''),
		       COALESCE(fee, 0), COALESCE(payout, 0), created_at
		FROM escrow_events
		WHERE $1 = ANY(player_ids)
		ORDER BY id DESC
		LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscrowRecord
	for rows.Next() {
		var r EscrowRecord
		if err := rows.Scan(&r.ChallengeID, &r.Phase, &r.OK, &r.Reason, &r.TxHash, &r.Fee, &r.Payout, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LeaderboardRow is one aggregate row.
type LeaderboardRow struct {
	PlayerID string `json:"playerId"`
	Wins     int64  `json:"wins"`
	Losses   int64  `json:"losses"`
	Draws    int64  `json:"draws"`
	Games    int64  `json:"games"`
	Winnings int64  `json:"winnings"`
}

// Leaderboard returns the top players by the requested column.
func (s *Store) Leaderboard(ctx context.Context, limit int, sortBy string) ([]LeaderboardRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	order := "wins"
	switch sortBy {
	case "winnings", "games", "wins":
		order = sortBy
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT player_id, wins, losses, draws, games, winnings
		FROM player_stats
		ORDER BY %s DESC, player_id ASC
		LIMIT $1`, order), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.PlayerID, &r.Wins, &r.Losses, &r.Draws, &r.Games, &r.Winnings); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// textArray renders a Postgres text[] literal. Player ids are internally
// minted and contain no quoting hazards.
func textArray(vals []string) string {
	out := "{"
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out + "}"
}
