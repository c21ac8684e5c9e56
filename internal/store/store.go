package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Addr string
	User string
	Pass string
	Name string
}

// Connect opens a pgx pool against the persistence store and verifies
// connectivity before returning it.
func Connect(c Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// Migrate creates the schema. The unique constraints on rooms.code,
// (room_id, user_id) and (round_id, user_id) are load-bearing: they close
// the race windows on duplicate joins and duplicate answers.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id UUID PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			payable_ref VARCHAR(128) NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id UUID PRIMARY KEY,
			code VARCHAR(6) NOT NULL UNIQUE,
			mode VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			entry_fee NUMERIC(20,8) NOT NULL DEFAULT 0,
			pool_amount NUMERIC(20,8) NOT NULL DEFAULT 0,
			platform_fee NUMERIC(20,8) NOT NULL DEFAULT 0,
			player_count INT NOT NULL DEFAULT 0,
			host_user_id UUID NOT NULL REFERENCES users(user_id),
			host_funded BOOLEAN NOT NULL DEFAULT FALSE,
			host_proof_ref VARCHAR(128),
			winner_user_id UUID,
			settled BOOLEAN NOT NULL DEFAULT FALSE,
			settlement_ref VARCHAR(128),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS room_players (
			room_id UUID NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(user_id),
			status VARCHAR(20) NOT NULL DEFAULT 'joined',
			funded BOOLEAN NOT NULL DEFAULT FALSE,
			proof_ref VARCHAR(128),
			correct_count INT NOT NULL DEFAULT 0,
			total_time_ms BIGINT NOT NULL DEFAULT 0,
			elimination_cause VARCHAR(20),
			join_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			eliminated_at TIMESTAMPTZ,
			UNIQUE (room_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			question_id UUID PRIMARY KEY,
			category VARCHAR(64) NOT NULL,
			difficulty VARCHAR(20) NOT NULL,
			question_text TEXT NOT NULL,
			options JSONB NOT NULL,
			correct_option VARCHAR(1) NOT NULL,
			times_used INT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			round_id UUID PRIMARY KEY,
			room_id UUID NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			round_number INT NOT NULL,
			question_id UUID NOT NULL REFERENCES questions(question_id),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ,
			UNIQUE (room_id, round_number)
		)`,
		`CREATE TABLE IF NOT EXISTS answers (
			round_id UUID NOT NULL REFERENCES rounds(round_id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(user_id),
			selected_option VARCHAR(1) NOT NULL,
			is_correct BOOLEAN NOT NULL,
			time_ms BIGINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (round_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			room_id UUID NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			user_id UUID NOT NULL,
			amount NUMERIC(20,8) NOT NULL,
			proof_ref VARCHAR(128) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS prediction_pools (
			pool_id UUID PRIMARY KEY,
			room_id UUID NOT NULL UNIQUE REFERENCES rooms(room_id) ON DELETE CASCADE,
			total_stake NUMERIC(20,8) NOT NULL DEFAULT 0,
			settled BOOLEAN NOT NULL DEFAULT FALSE,
			winner_user_id UUID,
			winner_bonus NUMERIC(20,8) NOT NULL DEFAULT 0,
			predictor_pool NUMERIC(20,8) NOT NULL DEFAULT 0,
			settlement_ref VARCHAR(128),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ,
			settled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			prediction_id UUID PRIMARY KEY,
			pool_id UUID NOT NULL REFERENCES prediction_pools(pool_id) ON DELETE CASCADE,
			bettor_id UUID NOT NULL,
			target_user_id UUID NOT NULL,
			stake NUMERIC(20,8) NOT NULL,
			is_correct BOOLEAN,
			payout NUMERIC(20,8) NOT NULL DEFAULT 0,
			claimed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (pool_id, bettor_id)
		)`,
		`CREATE TABLE IF NOT EXISTS standings (
			user_id UUID PRIMARY KEY,
			wins BIGINT NOT NULL DEFAULT 0,
			games BIGINT NOT NULL DEFAULT 0,
			earnings NUMERIC(20,8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			room_id UUID,
			user_id UUID,
			event_type VARCHAR(40) NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_room_open ON rounds(room_id) WHERE closed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_questions_usage ON questions(times_used ASC, last_used_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_room ON audit_events(room_id, created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(ctx, m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	slog.InfoContext(ctx, "store: migrations completed")
	return nil
}
