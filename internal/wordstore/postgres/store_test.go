package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JPBrill/Lexivision/internal/wordstore"
	"github.com/JPBrill/Lexivision/internal/wordstore/postgres"
	"github.com/JPBrill/Lexivision/internal/wordstore/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LEXIVISION_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LEXIVISION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEXIVISION_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and
// closes it when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	dropSchema(t, ctx, pool)
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, storetest.Dimensions)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS practice_records CASCADE",
		"DROP TABLE IF EXISTS users CASCADE",
		"DROP TABLE IF EXISTS word_list_members CASCADE",
		"DROP TABLE IF EXISTS words CASCADE",
		"DROP TABLE IF EXISTS word_lists CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) wordstore.Store { return newTestStore(t) })
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	again, err := postgres.NewStore(ctx, testDSN(t), storetest.Dimensions)
	if err != nil {
		t.Fatalf("second NewStore: %v", err)
	}
	again.Close()

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStore_RejectsWrongDimensions(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SaveWord(context.Background(), wordstore.Word{
		Word:      "mismatch",
		Embedding: make([]float32, storetest.Dimensions+1),
	})
	if !errors.Is(err, wordstore.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestStore_EmbeddingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w, err := store.SaveWord(ctx, wordstore.Word{Word: "vector", Embedding: []float32{0.5, 0.25, 0, 1}})
	if err != nil {
		t.Fatalf("SaveWord: %v", err)
	}
	got, err := store.GetWord(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if len(got.Embedding) != 4 || got.Embedding[1] != 0.25 {
		t.Errorf("Embedding = %v", got.Embedding)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	_, err := postgres.NewStore(context.Background(), "not a dsn ::", storetest.Dimensions)
	if err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
