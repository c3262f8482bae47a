// Package history archives finished games to PostgreSQL. The live game
// record in the shared store is the source of truth; this archive exists
// for past-game queries and is written once per game, at End.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/bingo/core/pkg/game"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate runs all pending migrations against connStr.
func Migrate(log *slog.Logger, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("history: migrations completed")
	return nil
}

type ArchiveConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *ArchiveConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Archive persists ended games and serves past-game reads.
type Archive struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archive{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// Save upserts the game keyed by game number, so re-archiving after a
// crashed End is harmless.
func (a *Archive) Save(ctx context.Context, st *game.State) error {
	called, err := json.Marshal(st.CalledNumbers)
	if err != nil {
		return fmt.Errorf("failed to marshal called numbers: %w", err)
	}
	entries, err := json.Marshal(st.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal entries: %w", err)
	}
	winners, err := json.Marshal(st.Winners)
	if err != nil {
		return fmt.Errorf("failed to marshal winners: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO games (
			game_number, game_id, game_type, status, entry_fee_sol,
			progressive_jackpot, current_game_jackpot,
			called_numbers, entries, winners, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (game_number) DO UPDATE SET
			status = EXCLUDED.status,
			progressive_jackpot = EXCLUDED.progressive_jackpot,
			current_game_jackpot = EXCLUDED.current_game_jackpot,
			called_numbers = EXCLUDED.called_numbers,
			entries = EXCLUDED.entries,
			winners = EXCLUDED.winners,
			ended_at = EXCLUDED.ended_at
	`, st.GameNumber, st.GameID, string(st.GameType), string(st.Status), st.EntryFeeSol,
		st.ProgressiveJackpot, st.CurrentGameJackpot,
		called, entries, winners, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive game %d: %w", st.GameNumber, err)
	}

	a.log.Info("history: archived game",
		"gameNumber", st.GameNumber, "entries", len(st.Entries), "winners", len(st.Winners))
	return nil
}

// Recent returns up to limit archived games, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]game.State, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.pool.Query(ctx, `
		SELECT game_number, game_id, game_type, status, entry_fee_sol,
			progressive_jackpot, current_game_jackpot,
			called_numbers, entries, winners, ended_at
		FROM games
		ORDER BY game_number DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived games: %w", err)
	}
	defer rows.Close()

	var out []game.State
	for rows.Next() {
		var (
			st                       game.State
			gameType, status         string
			called, entries, winners []byte
		)
		if err := rows.Scan(&st.GameNumber, &st.GameID, &gameType, &status, &st.EntryFeeSol,
			&st.ProgressiveJackpot, &st.CurrentGameJackpot,
			&called, &entries, &winners, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived game: %w", err)
		}
		st.GameType = game.Type(gameType)
		st.Status = game.Status(status)
		if err := json.Unmarshal(called, &st.CalledNumbers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal called numbers for game %d: %w", st.GameNumber, err)
		}
		if err := json.Unmarshal(entries, &st.Entries); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entries for game %d: %w", st.GameNumber, err)
		}
		if err := json.Unmarshal(winners, &st.Winners); err != nil {
			return nil, fmt.Errorf("failed to unmarshal winners for game %d: %w", st.GameNumber, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archived games: %w", err)
	}
	return out, nil
}
