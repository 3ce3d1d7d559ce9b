package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-api/internal/model"
)

// sqliteTime is fixed-width UTC so text order matches time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// sqliteMigration runs inside the transaction that records its version.
type sqliteMigration func(ctx context.Context, tx *sql.Tx) error

// sqliteMigrations are applied in order; the index is version-1.
var sqliteMigrations = []sqliteMigration{
	sqliteExec(`CREATE TABLE memory (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		key_fold   TEXT NOT NULL,
		body       TEXT NOT NULL,
		body_fold  TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_memory_key_fold ON memory(key_fold);
	CREATE INDEX idx_memory_created ON memory(created_at DESC);`),
	// 2: body_fold holds unescaped keys and values.
	sqliteRefold,
}

func sqliteExec(stmt string) sqliteMigration {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}
}

// sqliteRefold recomputes body_fold for every stored record.
func sqliteRefold(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, body FROM memory`)
	if err != nil {
		return err
	}
	folds := map[string]string{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		body, err := model.DecodeBody(raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decode body of %s: %w", id, err)
		}
		folds[id] = bodyFold(body)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for id, f := range folds {
		if _, err := tx.ExecContext(ctx, `UPDATE memory SET body_fold = ? WHERE id = ?`, f, id); err != nil {
			return fmt.Errorf("refold %s: %w", id, err)
		}
	}
	return nil
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	base
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path. It
// does not migrate; call Migrate once per deployment.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}

	return &SQLiteStore{base: newBase(opts), db: db, path: dbPath}, nil
}

func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n)
	if err != nil {
		return 0, s.fail("schema version", "", err)
	}
	if n == 0 {
		return 0, nil
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, s.fail("schema version", "", err)
	}
	return int(v.Int64), nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return s.fail("migrate", "", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := current; i < len(sqliteMigrations); i++ {
		if err := s.applyMigration(ctx, i+1, sqliteMigrations[i]); err != nil {
			return s.fail("migrate", "", fmt.Errorf("version %d: %w", i+1, err))
		}
		s.opts.Logger.Info("applied migration", "backend", "sqlite", "version", i+1)
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, version int, migrate sqliteMigration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrate(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(sqliteTime)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Upsert(ctx context.Context, p UpsertParams) (*model.Memory, error) {
	mem, err := s.prepare(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("upsert", mem.Key, err)
	}
	defer tx.Rollback()

	tagsJSON, _ := json.Marshal(mem.Tags)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO memory (id, key, key_fold, body, body_fold, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   body = excluded.body,
		   body_fold = excluded.body_fold,
		   tags = excluded.tags,
		   created_at = excluded.created_at
		 RETURNING id`,
		s.newID(), mem.Key, fold(mem.Key), mem.Body.Encode(), bodyFold(mem.Body),
		string(tagsJSON), mem.CreatedAt.UTC().Format(sqliteTime)).Scan(&mem.ID)
	if err != nil {
		return nil, s.fail("upsert", mem.Key, fmt.Errorf("insert memory: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("upsert", mem.Key, err)
	}
	return &mem, nil
}

const sqliteColumns = `id, key, body, tags, created_at`

func (s *SQLiteStore) GetExact(ctx context.Context, key string) (*model.Memory, error) {
	folded, err := s.lookupKey(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM memory WHERE key_fold = ?
		 ORDER BY created_at DESC LIMIT 1`, folded)
	m, err := s.scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", key, err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, p ListParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, s.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.query(ctx, "list", "", tag, p.Limit)
}

func (s *SQLiteStore) Scan(ctx context.Context, p ScanParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, s.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.query(ctx, "scan", p.Query, tag, p.Limit)
}

// query runs the shared newest-first select with optional substring and tag
// filters.
func (s *SQLiteStore) query(ctx context.Context, op, q, tag string, limit int) ([]model.Memory, error) {
	var where []string
	var args []interface{}

	if q != "" {
		where = append(where, "(instr(key_fold, ?) > 0 OR instr(body_fold, ?) > 0)")
		args = append(args, fold(q), fold(q))
	}
	if tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(memory.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}

	query := `SELECT ` + sqliteColumns + ` FROM memory`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(op, q, err)
	}
	defer rows.Close()

	memories := []model.Memory{}
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, s.fail(op, q, err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, q, err)
	}
	return memories, nil
}

// target resolves (key, created_at) to one row inside tx.
func (s *SQLiteStore) target(ctx context.Context, tx *sql.Tx, folded string, createdAt *time.Time) (model.Memory, error) {
	query := `SELECT ` + sqliteColumns + ` FROM memory WHERE key_fold = ?`
	args := []interface{}{folded}
	if createdAt != nil {
		query += ` AND created_at = ?`
		args = append(args, createdAt.UTC().Format(sqliteTime))
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	return s.scanMemory(tx.QueryRowContext(ctx, query, args...))
}

func (s *SQLiteStore) Delete(ctx context.Context, p DeleteParams) (bool, error) {
	folded, err := s.lookupKey(p.Key)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.fail("delete", p.Key, err)
	}
	defer tx.Rollback()

	m, err := s.target(ctx, tx, folded, p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail("delete", p.Key, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE id = ?`, m.ID)
	if err != nil {
		return false, s.fail("delete", p.Key, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, s.fail("delete", p.Key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Edit(ctx context.Context, p EditParams) (*model.Memory, error) {
	folded, err := s.lookupKey(p.Key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("edit", p.Key, err)
	}
	defer tx.Rollback()

	m, err := s.target(ctx, tx, folded, p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("edit", p.Key, err)
	}
	if err := s.applyPatch(&m, p.Patch); err != nil {
		return nil, err
	}

	tagsJSON, _ := json.Marshal(m.Tags)
	_, err = tx.ExecContext(ctx,
		`UPDATE memory SET key = ?, key_fold = ?, body = ?, body_fold = ?, tags = ?, created_at = ?
		 WHERE id = ?`,
		m.Key, fold(m.Key), m.Body.Encode(), bodyFold(m.Body), string(tagsJSON),
		m.CreatedAt.UTC().Format(sqliteTime), m.ID)
	if isSQLiteUnique(err) {
		return nil, errDuplicateKey(m.Key)
	}
	if err != nil {
		return nil, s.fail("edit", p.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("edit", p.Key, err)
	}
	return &m, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory`).Scan(&n); err != nil {
		return 0, s.fail("count", "", err)
	}
	return n, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) ([]model.Memory, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.query(ctx, "snapshot", "", "", 0)
}

func (s *SQLiteStore) Restore(ctx context.Context, records []model.Memory) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &RestoreError{Index: -1, Err: s.fail("restore", "", err)}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO memory (id, key, key_fold, body, body_fold, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, &RestoreError{Index: -1, Err: s.fail("restore", "", err)}
	}
	defer stmt.Close()

	for i, rec := range records {
		m, err := s.checkRestore(rec)
		if err != nil {
			return 0, &RestoreError{Index: i, Key: rec.Key, Err: err}
		}
		tagsJSON, _ := json.Marshal(m.Tags)
		_, err = stmt.ExecContext(ctx, m.ID, m.Key, fold(m.Key), m.Body.Encode(), bodyFold(m.Body),
			string(tagsJSON), m.CreatedAt.UTC().Format(sqliteTime))
		if isSQLiteUnique(err) {
			return 0, &RestoreError{Index: i, Key: m.Key, Err: errDuplicateKey(m.Key)}
		}
		if err != nil {
			return 0, &RestoreError{Index: i, Key: m.Key, Err: s.fail("restore", m.Key, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &RestoreError{Index: -1, Err: s.fail("restore", "", err)}
	}
	return len(records), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var body, tagsJSON, createdAt string

	if err := row.Scan(&m.ID, &m.Key, &body, &tagsJSON, &createdAt); err != nil {
		return m, err
	}

	var err error
	if m.Body, err = model.DecodeBody(body); err != nil {
		return m, fmt.Errorf("decode body of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return m, fmt.Errorf("decode tags of %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return m, fmt.Errorf("parse created_at of %s: %w", m.ID, err)
	}
	s.localize(&m)
	return m, nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
