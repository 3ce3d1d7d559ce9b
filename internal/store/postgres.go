package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcliao/memory-api/internal/model"
)

// postgresMigration runs inside the transaction that records its version.
type postgresMigration func(ctx context.Context, tx pgx.Tx) error

var postgresMigrations = []postgresMigration{
	postgresExec(`CREATE TABLE memory (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		key_fold   TEXT NOT NULL,
		body       JSONB NOT NULL,
		body_fold  TEXT NOT NULL,
		tags       TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX idx_memory_key_fold ON memory (key_fold);
	CREATE INDEX idx_memory_created ON memory (created_at DESC);
	CREATE INDEX idx_memory_tags ON memory USING GIN (tags);`),
	// 2: body_fold holds unescaped keys and values.
	postgresRefold,
}

func postgresExec(stmt string) postgresMigration {
	return func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt)
		return err
	}
}

// postgresRefold recomputes body_fold for every stored record.
func postgresRefold(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `SELECT id, body::text FROM memory`)
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

	batch := &pgx.Batch{}
	for id, f := range folds {
		batch.Queue(`UPDATE memory SET body_fold = $1 WHERE id = $2`, f, id)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	base
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres. Like NewSQLiteStore it does not
// migrate.
func NewPostgresStore(ctx context.Context, connStr string, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PostgresStore{base: newBase(opts), pool: pool}, nil
}

func (ps *PostgresStore) latestVersion() int { return len(postgresMigrations) }

func (ps *PostgresStore) SchemaVersion(ctx context.Context) (int, error) {
	var exists bool
	err := ps.pool.QueryRow(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return 0, ps.fail("schema version", "", err)
	}
	if !exists {
		return 0, nil
	}
	var v *int
	if err := ps.pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, ps.fail("schema version", "", err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

func (ps *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := ps.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return ps.fail("migrate", "", err)
	}
	current, err := ps.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := current; i < len(postgresMigrations); i++ {
		if err := ps.applyMigration(ctx, i+1, postgresMigrations[i]); err != nil {
			return ps.fail("migrate", "", fmt.Errorf("version %d: %w", i+1, err))
		}
		ps.opts.Logger.Info("applied migration", "backend", "postgres", "version", i+1)
	}
	return nil
}

func (ps *PostgresStore) applyMigration(ctx context.Context, version int, migrate postgresMigration) error {
	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := migrate(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (ps *PostgresStore) Upsert(ctx context.Context, p UpsertParams) (*model.Memory, error) {
	mem, err := ps.prepare(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, ps.fail("upsert", mem.Key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO memory (id, key, key_fold, body, body_fold, tags, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			body = EXCLUDED.body,
			body_fold = EXCLUDED.body_fold,
			tags = EXCLUDED.tags,
			created_at = EXCLUDED.created_at
		RETURNING id`,
		ps.newID(), mem.Key, fold(mem.Key), mem.Body.Encode(), bodyFold(mem.Body), mem.Tags, mem.CreatedAt,
	).Scan(&mem.ID)
	if err != nil {
		return nil, ps.fail("upsert", mem.Key, fmt.Errorf("insert memory: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, ps.fail("upsert", mem.Key, err)
	}
	return &mem, nil
}

const postgresColumns = `id, key, body::text, tags, created_at`

func (ps *PostgresStore) GetExact(ctx context.Context, key string) (*model.Memory, error) {
	folded, err := ps.lookupKey(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	m, err := ps.scanMemory(ps.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM memory WHERE key_fold = $1
		 ORDER BY created_at DESC LIMIT 1`, folded))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ps.fail("get", key, err)
	}
	return &m, nil
}

func (ps *PostgresStore) ListRecent(ctx context.Context, p ListParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, ps.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()
	return ps.query(ctx, "list", "", tag, p.Limit)
}

func (ps *PostgresStore) Scan(ctx context.Context, p ScanParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, ps.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()
	return ps.query(ctx, "scan", p.Query, tag, p.Limit)
}

func (ps *PostgresStore) query(ctx context.Context, op, q, tag string, limit int) ([]model.Memory, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q != "" {
		n := arg(fold(q))
		where = append(where, fmt.Sprintf("(strpos(key_fold, %[1]s) > 0 OR strpos(body_fold, %[1]s) > 0)", n))
	}
	if tag != "" {
		where = append(where, fmt.Sprintf("tags @> ARRAY[%s]::text[]", arg(tag)))
	}

	query := `SELECT ` + postgresColumns + ` FROM memory`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + arg(limit)
	}

	rows, err := ps.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ps.fail(op, q, err)
	}
	defer rows.Close()

	memories := []model.Memory{}
	for rows.Next() {
		m, err := ps.scanMemory(rows)
		if err != nil {
			return nil, ps.fail(op, q, err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ps.fail(op, q, err)
	}
	return memories, nil
}

// target resolves (key, created_at) to one row inside tx and locks it.
func (ps *PostgresStore) target(ctx context.Context, tx pgx.Tx, folded string, createdAt *time.Time) (model.Memory, error) {
	query := `SELECT ` + postgresColumns + ` FROM memory WHERE key_fold = $1`
	args := []any{folded}
	if createdAt != nil {
		query += ` AND created_at = $2`
		args = append(args, *createdAt)
	}
	query += ` ORDER BY created_at DESC LIMIT 1 FOR UPDATE`
	return ps.scanMemory(tx.QueryRow(ctx, query, args...))
}

func (ps *PostgresStore) Delete(ctx context.Context, p DeleteParams) (bool, error) {
	folded, err := ps.lookupKey(p.Key)
	if err != nil {
		return false, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, ps.fail("delete", p.Key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := ps.target(ctx, tx, folded, p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ps.fail("delete", p.Key, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM memory WHERE id = $1`, m.ID)
	if err != nil {
		return false, ps.fail("delete", p.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, ps.fail("delete", p.Key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (ps *PostgresStore) Edit(ctx context.Context, p EditParams) (*model.Memory, error) {
	folded, err := ps.lookupKey(p.Key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, ps.fail("edit", p.Key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := ps.target(ctx, tx, folded, p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ps.fail("edit", p.Key, err)
	}
	if err := ps.applyPatch(&m, p.Patch); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE memory SET key = $2, key_fold = $3, body = $4::jsonb, body_fold = $5, tags = $6, created_at = $7
		WHERE id = $1`,
		m.ID, m.Key, fold(m.Key), m.Body.Encode(), bodyFold(m.Body), m.Tags, m.CreatedAt)
	if isPgUnique(err) {
		return nil, errDuplicateKey(m.Key)
	}
	if err != nil {
		return nil, ps.fail("edit", p.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, ps.fail("edit", p.Key, err)
	}
	return &m, nil
}

func (ps *PostgresStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	var n int
	if err := ps.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory`).Scan(&n); err != nil {
		return 0, ps.fail("count", "", err)
	}
	return n, nil
}

func (ps *PostgresStore) Snapshot(ctx context.Context) ([]model.Memory, error) {
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()
	return ps.query(ctx, "snapshot", "", "", 0)
}

func (ps *PostgresStore) Restore(ctx context.Context, records []model.Memory) (int, error) {
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, &RestoreError{Index: -1, Err: ps.fail("restore", "", err)}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, rec := range records {
		m, err := ps.checkRestore(rec)
		if err != nil {
			return 0, &RestoreError{Index: i, Key: rec.Key, Err: err}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO memory (id, key, key_fold, body, body_fold, tags, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
			m.ID, m.Key, fold(m.Key), m.Body.Encode(), bodyFold(m.Body), m.Tags, m.CreatedAt)
		if isPgUnique(err) {
			return 0, &RestoreError{Index: i, Key: m.Key, Err: errDuplicateKey(m.Key)}
		}
		if err != nil {
			return 0, &RestoreError{Index: i, Key: m.Key, Err: ps.fail("restore", m.Key, err)}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &RestoreError{Index: -1, Err: ps.fail("restore", "", err)}
	}
	return len(records), nil
}

func (ps *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := ps.opCtx(ctx)
	defer cancel()

	st := &Stats{Backend: "postgres", Tags: []TagCount{}}
	v, err := ps.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	st.SchemaVers = v

	err = ps.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM memory`).Scan(&st.Total, &st.Oldest, &st.Newest)
	if err != nil {
		return nil, ps.fail("stats", "", err)
	}
	if st.Oldest != nil {
		t := st.Oldest.In(ps.opts.Location)
		st.Oldest = &t
	}
	if st.Newest != nil {
		t := st.Newest.In(ps.opts.Location)
		st.Newest = &t
	}

	rows, err := ps.pool.Query(ctx, `
		SELECT t, COUNT(*) FROM memory, unnest(tags) AS t
		GROUP BY t ORDER BY 2 DESC, t`)
	if err != nil {
		return nil, ps.fail("stats", "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, ps.fail("stats", "", err)
		}
		st.Tags = append(st.Tags, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, ps.fail("stats", "", err)
	}
	return st, nil
}

func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func (ps *PostgresStore) scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	var body string
	if err := row.Scan(&m.ID, &m.Key, &body, &m.Tags, &m.CreatedAt); err != nil {
		return m, err
	}
	var err error
	if m.Body, err = model.DecodeBody(body); err != nil {
		return m, fmt.Errorf("decode body of %s: %w", m.ID, err)
	}
	ps.localize(&m)
	return m, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
