package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chatsync/internal/logger"
)

// Connect opens the postgres pool and optionally applies migrations.
func Connect(dsn string, migrate bool) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if migrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return db, nil
}

// Migrate creates the schema if it does not exist yet.
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            full_name TEXT NOT NULL,
            bio TEXT NOT NULL DEFAULT '',
            profile_pic TEXT NOT NULL DEFAULT '',
            password_hash TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            recipient_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            text TEXT NOT NULL DEFAULT '',
            image_ref TEXT NOT NULL DEFAULT '',
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            CHECK (deleted OR ((text <> '') <> (image_ref <> '')))
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS messages_unseen_idx ON messages (recipient_id, sender_id) WHERE seen = FALSE;`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	logger.Info("database migrations applied")
	return nil
}
