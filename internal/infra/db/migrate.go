package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// migration — один аддитивный шаг схемы. Шаги применяются строго по порядку
// версий, каждый в своей транзакции вместе с записью в schema_migrations.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "base tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				chat_id     BIGINT NOT NULL,
				message_id  BIGINT NOT NULL,
				sender_id   BIGINT NOT NULL DEFAULT 0,
				sender_name TEXT NOT NULL DEFAULT '',
				text        TEXT NOT NULL DEFAULT '',
				ts          TIMESTAMPTZ NOT NULL,
				reply_to    BIGINT,
				media_type  TEXT NOT NULL DEFAULT '',
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (chat_id, message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_id, ts)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				chat_id         BIGINT PRIMARY KEY,
				last_message_id BIGINT NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS mtproto_sessions (
				name       TEXT PRIMARY KEY,
				data       BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version: 2,
		name:    "media refs",
		stmts: []string{
			`ALTER TABLE messages ADD COLUMN IF NOT EXISTS media_ref TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		version: 3,
		name:    "thread annotation",
		stmts: []string{
			`ALTER TABLE messages ADD COLUMN IF NOT EXISTS thread_id BIGINT`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_reply ON messages (chat_id, reply_to)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_thread ON messages (chat_id, thread_id)`,
		},
	},
}

// Migrate приводит схему к актуальной версии. Вызывается до любых операций
// хранилищ в рамках прогона.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("версия схемы: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("миграция %d: begin: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("миграция %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("миграция %d: запись версии: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("миграция %d: commit: %w", m.version, err)
		}
		logger.Info().Int("version", m.version).Str("name", m.name).Msg("миграция применена")
	}
	return nil
}
