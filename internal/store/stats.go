package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rcliao/memory-api/internal/model"
)

// EnsureMigrated returns ErrSchemaOutdated when s has pending migrations.
func EnsureMigrated(ctx context.Context, s Store) error {
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	l, ok := s.(interface{ latestVersion() int })
	if !ok {
		return nil
	}
	if v < l.latestVersion() {
		return fmt.Errorf("%w (at version %d of %d)", ErrSchemaOutdated, v, l.latestVersion())
	}
	return nil
}

func (s *SQLiteStore) latestVersion() int { return len(sqliteMigrations) }

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	st := &Stats{Backend: "sqlite", Tags: []TagCount{}}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	st.SchemaVers = v

	var oldest, newest *string
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM memory`).Scan(&st.Total, &oldest, &newest)
	if err != nil {
		return nil, s.fail("stats", "", err)
	}
	if st.Oldest, err = s.parseStatTime(oldest); err != nil {
		return nil, s.fail("stats", "", err)
	}
	if st.Newest, err = s.parseStatTime(newest); err != nil {
		return nil, s.fail("stats", "", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT json_each.value AS tag, COUNT(*) AS cnt
		FROM memory, json_each(memory.tags)
		GROUP BY tag ORDER BY cnt DESC, tag`)
	if err != nil {
		return nil, s.fail("stats", "", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, s.fail("stats", "", err)
		}
		st.Tags = append(st.Tags, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("stats", "", err)
	}
	return st, nil
}

func (s *SQLiteStore) parseStatTime(v *string) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := time.Parse(sqliteTime, *v)
	if err != nil {
		return nil, err
	}
	t = t.In(s.opts.Location)
	return &t, nil
}

// statsOf computes Stats in Go for engines without a query language.
func statsOf(backend string, mems []model.Memory) *Stats {
	st := &Stats{Backend: backend, Total: len(mems), Tags: []TagCount{}}
	counts := map[string]int{}
	for i := range mems {
		t := mems[i].CreatedAt
		if st.Oldest == nil || t.Before(*st.Oldest) {
			st.Oldest = &t
		}
		if st.Newest == nil || t.After(*st.Newest) {
			st.Newest = &t
		}
		for _, tag := range mems[i].Tags {
			counts[tag]++
		}
	}
	for tag, n := range counts {
		st.Tags = append(st.Tags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(st.Tags, func(i, j int) bool {
		if st.Tags[i].Count != st.Tags[j].Count {
			return st.Tags[i].Count > st.Tags[j].Count
		}
		return st.Tags[i].Tag < st.Tags[j].Tag
	})
	return st
}
