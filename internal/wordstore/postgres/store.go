package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/JPBrill/Lexivision/internal/wordstore"
)

var _ wordstore.Store = (*Store)(nil)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed [wordstore.Store] holding a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// NewStore connects to the database at dsn, runs [Migrate] and returns a
// ready store. pgvector types are registered on every pooled connection.
//
// The extension is created over a one-off connection first: registering the
// vector type fails on a fresh database where it does not exist yet.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	if err := ensureExtension(ctx, cfg.ConnConfig); err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{pool: pool, dims: embeddingDimensions}, nil
}

func ensureExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, ddlExtension); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Words
// ─────────────────────────────────────────────────────────────────────────────

const wordColumns = `id, word, phonetics, definition, part_of_speech, example, image, video, overlay,
       COALESCE(list_id, ''), created_at, embedding`

func (s *Store) SaveWord(ctx context.Context, w wordstore.Word) (wordstore.Word, error) {
	if err := w.Validate(); err != nil {
		return wordstore.Word{}, err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	emb, err := s.vector(w.Embedding)
	if err != nil {
		return wordstore.Word{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if w.ListID != "" {
			if err := requireRow(ctx, tx, `SELECT 1 FROM word_lists WHERE id = $1`, "list", w.ListID); err != nil {
				return err
			}
		}
		const q = `
			INSERT INTO words (id, word, phonetics, definition, part_of_speech, example, image, video, overlay, list_id, created_at, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
			ON CONFLICT (id) DO UPDATE SET
			    word           = EXCLUDED.word,
			    phonetics      = EXCLUDED.phonetics,
			    definition     = EXCLUDED.definition,
			    part_of_speech = EXCLUDED.part_of_speech,
			    example        = EXCLUDED.example,
			    image          = EXCLUDED.image,
			    video          = EXCLUDED.video,
			    overlay        = EXCLUDED.overlay,
			    list_id        = EXCLUDED.list_id,
			    embedding      = EXCLUDED.embedding`
		if _, err := tx.Exec(ctx, q,
			w.ID, w.Word, w.Phonetics, w.Definition, w.PartOfSpeech, w.Example, w.Image,
			w.Video, w.Overlay, w.ListID, w.CreatedAt, emb,
		); err != nil {
			return fmt.Errorf("postgres store: save word: %w", err)
		}
		if w.ListID != "" {
			return appendMember(ctx, tx, w.ListID, w.ID)
		}
		return nil
	})
	if err != nil {
		return wordstore.Word{}, err
	}
	return w, nil
}

func (s *Store) GetWord(ctx context.Context, id string) (wordstore.Word, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+wordColumns+` FROM words WHERE id = $1`, id)
	if err != nil {
		return wordstore.Word{}, fmt.Errorf("postgres store: get word: %w", err)
	}
	w, err := pgx.CollectExactlyOneRow(rows, scanWord)
	if errors.Is(err, pgx.ErrNoRows) {
		return wordstore.Word{}, fmt.Errorf("postgres store: word %q: %w", id, wordstore.ErrNotFound)
	}
	if err != nil {
		return wordstore.Word{}, fmt.Errorf("postgres store: get word: %w", err)
	}
	return w, nil
}

func (s *Store) DeleteWord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM words WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete word: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: word %q: %w", id, wordstore.ErrNotFound)
	}
	return nil
}

func (s *Store) WordsByList(ctx context.Context, listID string) ([]wordstore.Word, error) {
	if err := requireRow(ctx, s.pool, `SELECT 1 FROM word_lists WHERE id = $1`, "list", listID); err != nil {
		return nil, err
	}
	const q = `
		SELECT w.id, w.word, w.phonetics, w.definition, w.part_of_speech, w.example, w.image,
		       w.video, w.overlay, COALESCE(w.list_id, ''), w.created_at, w.embedding
		FROM word_list_members m
		JOIN words w ON w.id = m.word_id
		WHERE m.list_id = $1
		ORDER BY m.position`
	rows, err := s.pool.Query(ctx, q, listID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: words by list: %w", err)
	}
	words, err := pgx.CollectRows(rows, scanWord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: words by list: %w", err)
	}
	return words, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lists
// ─────────────────────────────────────────────────────────────────────────────

const listQuery = `
	SELECT l.id, l.name, l.created_at,
	       COALESCE(array_agg(m.word_id ORDER BY m.position) FILTER (WHERE m.word_id IS NOT NULL), '{}')
	FROM word_lists l
	LEFT JOIN word_list_members m ON m.list_id = l.id`

func (s *Store) CreateList(ctx context.Context, name string) (wordstore.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return wordstore.List{}, fmt.Errorf("%w: list name must not be empty", wordstore.ErrInvalid)
	}
	l := wordstore.List{ID: uuid.NewString(), Name: name, WordIDs: []string{}, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `INSERT INTO word_lists (id, name, created_at) VALUES ($1, $2, $3)`, l.ID, l.Name, l.CreatedAt)
	if err != nil {
		return wordstore.List{}, fmt.Errorf("postgres store: create list: %w", err)
	}
	return l, nil
}

func (s *Store) GetList(ctx context.Context, id string) (wordstore.List, error) {
	rows, err := s.pool.Query(ctx, listQuery+` WHERE l.id = $1 GROUP BY l.id`, id)
	if err != nil {
		return wordstore.List{}, fmt.Errorf("postgres store: get list: %w", err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanList)
	if errors.Is(err, pgx.ErrNoRows) {
		return wordstore.List{}, fmt.Errorf("postgres store: list %q: %w", id, wordstore.ErrNotFound)
	}
	if err != nil {
		return wordstore.List{}, fmt.Errorf("postgres store: get list: %w", err)
	}
	return l, nil
}

func (s *Store) Lists(ctx context.Context) ([]wordstore.List, error) {
	rows, err := s.pool.Query(ctx, listQuery+` GROUP BY l.id ORDER BY l.created_at, l.name`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lists: %w", err)
	}
	lists, err := pgx.CollectRows(rows, scanList)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lists: %w", err)
	}
	return lists, nil
}

func (s *Store) AddToList(ctx context.Context, listID, wordID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireRow(ctx, tx, `SELECT 1 FROM word_lists WHERE id = $1`, "list", listID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE words SET list_id = $1 WHERE id = $2`, listID, wordID)
		if err != nil {
			return fmt.Errorf("postgres store: add to list: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres store: word %q: %w", wordID, wordstore.ErrNotFound)
		}
		return appendMember(ctx, tx, listID, wordID)
	})
}

// appendMember adds wordID at the end of the list unless it is already there.
func appendMember(ctx context.Context, tx pgx.Tx, listID, wordID string) error {
	const q = `
		INSERT INTO word_list_members (list_id, word_id, position)
		SELECT $1, $2, COALESCE(MAX(position) + 1, 0)
		FROM word_list_members WHERE list_id = $1
		ON CONFLICT (list_id, word_id) DO NOTHING`
	if _, err := tx.Exec(ctx, q, listID, wordID); err != nil {
		return fmt.Errorf("postgres store: append list member: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Users and practice
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) SaveUser(ctx context.Context, u wordstore.User) (wordstore.User, error) {
	if err := u.Validate(); err != nil {
		return wordstore.User{}, err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO users (id, email, name, level) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, level = EXCLUDED.level`
	if _, err := s.pool.Exec(ctx, q, u.ID, u.Email, u.Name, u.Level); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return wordstore.User{}, fmt.Errorf("%w: email %q already registered", wordstore.ErrInvalid, u.Email)
		}
		return wordstore.User{}, fmt.Errorf("postgres store: save user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (wordstore.User, error) {
	var u wordstore.User
	err := s.pool.QueryRow(ctx, `SELECT id, email, name, level FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return wordstore.User{}, fmt.Errorf("postgres store: user %q: %w", id, wordstore.ErrNotFound)
	}
	if err != nil {
		return wordstore.User{}, fmt.Errorf("postgres store: get user: %w", err)
	}
	return u, nil
}

func (s *Store) RecordPractice(ctx context.Context, r wordstore.PracticeRecord) (wordstore.PracticeRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO practice_records
		    (id, user_id, word, mode, started_at, ended_at, user_turns, model_turns, target_uses, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.UserID, r.Word, r.Mode, r.StartedAt, r.EndedAt,
		r.UserTurns, r.ModelTurns, r.TargetUses, r.EndReason,
	)
	if err != nil {
		return wordstore.PracticeRecord{}, fmt.Errorf("postgres store: record practice: %w", err)
	}
	return r, nil
}

func (s *Store) PracticeHistory(ctx context.Context, userID string, limit int) ([]wordstore.PracticeRecord, error) {
	q := `
		SELECT id, user_id, word, mode, started_at, ended_at, user_turns, model_turns, target_uses, end_reason
		FROM practice_records
		WHERE user_id = $1
		ORDER BY started_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: practice history: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (wordstore.PracticeRecord, error) {
		var r wordstore.PracticeRecord
		err := row.Scan(&r.ID, &r.UserID, &r.Word, &r.Mode, &r.StartedAt, &r.EndedAt,
			&r.UserTurns, &r.ModelTurns, &r.TargetUses, &r.EndReason)
		r.StartedAt, r.EndedAt = r.StartedAt.UTC(), r.EndedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: practice history: %w", err)
	}
	if records == nil {
		records = []wordstore.PracticeRecord{}
	}
	return records, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Similarity
// ─────────────────────────────────────────────────────────────────────────────

// Nearest uses the HNSW cosine index. Words without an embedding are skipped.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]wordstore.Match, error) {
	if k <= 0 || len(embedding) == 0 {
		return []wordstore.Match{}, nil
	}
	emb, err := s.vector(embedding)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + wordColumns + `, embedding <=> $1 AS distance
		FROM words
		WHERE embedding IS NOT NULL
		ORDER BY distance, id
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, emb, k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (wordstore.Match, error) {
		var (
			m   wordstore.Match
			vec *pgvector.Vector
		)
		err := row.Scan(&m.Word.ID, &m.Word.Word, &m.Word.Phonetics, &m.Word.Definition,
			&m.Word.PartOfSpeech, &m.Word.Example, &m.Word.Image, &m.Word.Video,
			&m.Word.Overlay, &m.Word.ListID,
			&m.Word.CreatedAt, &vec, &m.Distance)
		if vec != nil {
			m.Word.Embedding = vec.Slice()
		}
		m.Word.CreatedAt = m.Word.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest: %w", err)
	}
	return matches, nil
}

// vector converts an embedding to a column value. Nil stays NULL.
func (s *Store) vector(embedding []float32) (any, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, store expects %d",
			wordstore.ErrInvalid, len(embedding), s.dims)
	}
	return pgvector.NewVector(embedding), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// requireRow returns ErrNotFound when q yields no row for id.
func requireRow(ctx context.Context, db querier, q, what, id string) error {
	var one int
	err := db.QueryRow(ctx, q, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres store: %s %q: %w", what, id, wordstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres store: lookup %s: %w", what, err)
	}
	return nil
}

func scanWord(row pgx.CollectableRow) (wordstore.Word, error) {
	var (
		w   wordstore.Word
		vec *pgvector.Vector
	)
	err := row.Scan(&w.ID, &w.Word, &w.Phonetics, &w.Definition, &w.PartOfSpeech,
		&w.Example, &w.Image, &w.Video, &w.Overlay, &w.ListID, &w.CreatedAt, &vec)
	if vec != nil {
		w.Embedding = vec.Slice()
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, err
}

func scanList(row pgx.CollectableRow) (wordstore.List, error) {
	var l wordstore.List
	err := row.Scan(&l.ID, &l.Name, &l.CreatedAt, &l.WordIDs)
	l.CreatedAt = l.CreatedAt.UTC()
	if l.WordIDs == nil {
		l.WordIDs = []string{}
	}
	return l, err
}
