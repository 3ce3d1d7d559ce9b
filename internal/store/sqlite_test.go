package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, opts Options) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	runConformance(t, openSQLite)
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "memory.db")

	s, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	put(t, s, "coffee", "espresso", "food")
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, EnsureMigrated(ctx, s))

	got, err := s.GetExact(ctx, "Coffee")
	require.NoError(t, err)
	assert.Equal(t, "espresso", got.Body.Text())
	assert.Equal(t, []string{"food"}, got.Tags)
}

func TestSQLiteUnicodeFold(t *testing.T) {
	ctx := context.Background()
	s := openMigrated(t, openSQLite, Options{})
	put(t, s, "Café", "Ünïcode Body")

	got, err := s.GetExact(ctx, "CAFÉ")
	require.NoError(t, err)
	assert.Equal(t, "Café", got.Key)

	found, err := s.Scan(ctx, ScanParams{Query: "ünï"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestSQLiteMigrationRefoldsBodies(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "old.db"), Options{})
	require.NoError(t, err)
	defer s.Close()

	// A version 1 database whose body_fold still holds escaped JSON.
	_, err = s.db.ExecContext(ctx, `CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, s.applyMigration(ctx, 1, sqliteMigrations[0]))
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory (id, key, key_fold, body, body_fold, tags, created_at) VALUES (?, ?, ?, ?, ?, '[]', ?)`,
		"01J0000000000000000000000", "team", "team", `{"dept":"R&D"}`, `{"dept":"r&d"}`,
		"2026-03-01T09:30:00.000000000Z")
	require.NoError(t, err)
	assert.ErrorIs(t, EnsureMigrated(ctx, s), ErrSchemaOutdated)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, EnsureMigrated(ctx, s))

	found, err := s.Scan(ctx, ScanParams{Query: "r&d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"team"}, keysOf(found))
}
