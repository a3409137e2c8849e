// Package postgres provides a PostgreSQL-backed [wordstore.Store].
//
// Related-word search uses the pgvector extension. [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS, so the database role needs permission to
// create extensions on first start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	w, _ := store.SaveWord(ctx, wordstore.Word{Word: "lucid", Embedding: vec})
//	related, _ := wordstore.Related(ctx, store, w.ID, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExtension = `CREATE EXTENSION IF NOT EXISTS vector;`

// ─────────────────────────────────────────────────────────────────────────────
// Words and lists
// ─────────────────────────────────────────────────────────────────────────────

const ddlLists = `
CREATE TABLE IF NOT EXISTS word_lists (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlWords has a %d placeholder for the embedding dimension.
const ddlWords = `
CREATE TABLE IF NOT EXISTS words (
    id              TEXT         PRIMARY KEY,
    word            TEXT         NOT NULL,
    phonetics       TEXT         NOT NULL DEFAULT '',
    definition      TEXT         NOT NULL DEFAULT '',
    part_of_speech  TEXT         NOT NULL DEFAULT '',
    example         TEXT         NOT NULL DEFAULT '',
    image           TEXT         NOT NULL DEFAULT '',
    video           TEXT         NOT NULL DEFAULT '',
    overlay         JSONB,
    list_id         TEXT         REFERENCES word_lists (id) ON DELETE SET NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding       vector(%d)
);

ALTER TABLE words ADD COLUMN IF NOT EXISTS video TEXT NOT NULL DEFAULT '';
ALTER TABLE words ADD COLUMN IF NOT EXISTS overlay JSONB;

CREATE INDEX IF NOT EXISTS idx_words_word ON words (lower(word));

CREATE INDEX IF NOT EXISTS idx_words_embedding_hnsw
    ON words USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS word_list_members (
    list_id   TEXT     NOT NULL REFERENCES word_lists (id) ON DELETE CASCADE,
    word_id   TEXT     NOT NULL REFERENCES words (id) ON DELETE CASCADE,
    position  INTEGER  NOT NULL,
    PRIMARY KEY (list_id, word_id)
);

CREATE INDEX IF NOT EXISTS idx_word_list_members_position
    ON word_list_members (list_id, position);
`

// ─────────────────────────────────────────────────────────────────────────────
// Users and practice history
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id     TEXT  PRIMARY KEY,
    email  TEXT  NOT NULL,
    name   TEXT  NOT NULL DEFAULT '',
    level  TEXT  NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email));

CREATE TABLE IF NOT EXISTS practice_records (
    id           TEXT         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    word         TEXT         NOT NULL,
    mode         TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    user_turns   INTEGER      NOT NULL DEFAULT 0,
    model_turns  INTEGER      NOT NULL DEFAULT 0,
    target_uses  INTEGER      NOT NULL DEFAULT 0,
    end_reason   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_practice_records_user_started
    ON practice_records (user_id, started_at DESC);
`

// Migrate creates every table, index and extension the store needs. It is
// idempotent.
//
// embeddingDimensions sets the size of the words.embedding column. Changing it
// after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	stmts := []string{
		ddlExtension,
		ddlLists,
		fmt.Sprintf(ddlWords, embeddingDimensions),
		ddlUsers,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
