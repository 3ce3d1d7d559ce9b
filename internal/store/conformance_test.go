package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-api/internal/model"
)

// openFunc opens a fresh, unmigrated store for one test.
type openFunc func(t *testing.T, opts Options) Store

// stepClock advances one second per reading so write order is deterministic.
type stepClock struct {
	t time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openMigrated(t *testing.T, open openFunc, opts Options) Store {
	t.Helper()
	if opts.Now == nil {
		opts.Now = newStepClock().Now
	}
	s := open(t, opts)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func put(t *testing.T, s Store, key, text string, tags ...string) *model.Memory {
	t.Helper()
	m, err := s.Upsert(context.Background(), UpsertParams{Key: key, Body: model.TextBody(text), Tags: tags})
	require.NoError(t, err)
	return m
}

func keysOf(mems []model.Memory) []string {
	keys := make([]string, len(mems))
	for i, m := range mems {
		keys[i] = m.Key
	}
	return keys
}

// runConformance checks the behavior every engine must share.
func runConformance(t *testing.T, open openFunc) {
	ctx := context.Background()

	t.Run("upsert replaces by key", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		first := put(t, s, "coffee", "espresso")
		second := put(t, s, "coffee", "flat white", "food")

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.CreatedAt.After(first.CreatedAt))

		got, err := s.GetExact(ctx, "coffee")
		require.NoError(t, err)
		assert.Equal(t, "flat white", got.Body.Text())
		assert.Equal(t, []string{"food"}, got.Tags)
		assert.True(t, got.CreatedAt.Equal(second.CreatedAt))
	})

	t.Run("upsert trims key and rejects blank input", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		m := put(t, s, "  tea  ", "green")
		assert.Equal(t, "tea", m.Key)

		_, err := s.Upsert(ctx, UpsertParams{Key: "   ", Body: model.TextBody("x")})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.Upsert(ctx, UpsertParams{Key: "k", Body: model.TextBody("  ")})
		assert.ErrorIs(t, err, ErrValidation)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("structured body", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		_, err := s.Upsert(ctx, UpsertParams{Key: "flight", Body: model.Body{"airline": "KLM", "seat": "12A"}})
		require.NoError(t, err)

		got, err := s.GetExact(ctx, "flight")
		require.NoError(t, err)
		assert.Equal(t, "KLM", got.Body["airline"])

		found, err := s.Scan(ctx, ScanParams{Query: "klm"})
		require.NoError(t, err)
		assert.Equal(t, []string{"flight"}, keysOf(found))
	})

	t.Run("scan matches raw values of structured body", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		_, err := s.Upsert(ctx, UpsertParams{Key: "team", Body: model.Body{"dept": "R&D <core>", "quote": `say "hi"`}})
		require.NoError(t, err)

		for _, q := range []string{"r&d", "<core>", `"hi"`, "core", "quote"} {
			res, err := Recall(ctx, s, RecallParams{Query: q})
			require.NoError(t, err, q)
			assert.Equal(t, OutcomeMatched, res.Outcome, q)
			assert.Equal(t, []string{"team"}, keysOf(res.Related), q)
		}
	})

	t.Run("structured body keeps large integers", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		body, err := model.DecodeBody(`{"account":9007199254740993}`)
		require.NoError(t, err)
		_, err = s.Upsert(ctx, UpsertParams{Key: "bank", Body: body})
		require.NoError(t, err)

		got, err := s.GetExact(ctx, "bank")
		require.NoError(t, err)
		assert.Equal(t, `{"account":9007199254740993}`, got.Body.Encode())
	})

	t.Run("get exact folds case", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		put(t, s, "coffee", "espresso")

		got, err := s.GetExact(ctx, "COFFEE")
		require.NoError(t, err)
		assert.Equal(t, "coffee", got.Key)

		_, err = s.GetExact(ctx, "tea")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("recall outcomes", func(t *testing.T) {
		s := openMigrated(t, open, Options{})

		res, err := Recall(ctx, s, RecallParams{Query: "coffee"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeEmptyStore, res.Outcome)
		assert.ErrorIs(t, res.Err(), ErrEmptyStore)

		put(t, s, "coffee", "espresso")
		res, err = Recall(ctx, s, RecallParams{Query: "tea"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
		assert.ErrorIs(t, res.Err(), ErrNotFound)

		res, err = Recall(ctx, s, RecallParams{Query: "Coffee"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeMatched, res.Outcome)
		require.NotNil(t, res.ExactMatch)
		assert.Equal(t, "coffee", res.ExactMatch.Key)
		assert.NoError(t, res.Err())

		_, err = Recall(ctx, s, RecallParams{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("recall falls back to substring scan", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		put(t, s, "coffee", "double espresso")
		put(t, s, "breakfast", "toast")

		res, err := Recall(ctx, s, RecallParams{Query: "esp"})
		require.NoError(t, err)
		assert.Nil(t, res.ExactMatch)
		assert.Equal(t, []string{"coffee"}, keysOf(res.Related))

		res, err = Recall(ctx, s, RecallParams{Query: "FAST"})
		require.NoError(t, err)
		assert.Equal(t, []string{"breakfast"}, keysOf(res.Related))
	})

	t.Run("recall tag filter", func(t *testing.T) {
		s := openMigrated(t, open, Options{TagMode: model.TagsClosed})
		put(t, s, "coffee", "espresso", "food")
		put(t, s, "coffee shop", "near the office", "work")

		res, err := Recall(ctx, s, RecallParams{Query: "coffee", Tag: "work"})
		require.NoError(t, err)
		assert.Nil(t, res.ExactMatch)
		assert.Equal(t, []string{"coffee shop"}, keysOf(res.Related))

		res, err = Recall(ctx, s, RecallParams{Query: "coffee", Tag: "food"})
		require.NoError(t, err)
		require.NotNil(t, res.ExactMatch)
		assert.Equal(t, []string{"coffee"}, keysOf(res.Related))

		res, err = Recall(ctx, s, RecallParams{Tag: "work"})
		require.NoError(t, err)
		assert.Equal(t, []string{"coffee shop"}, keysOf(res.Related))

		_, err = Recall(ctx, s, RecallParams{Query: "coffee", Tag: "Work"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("closed tags reject unknown labels", func(t *testing.T) {
		s := openMigrated(t, open, Options{TagMode: model.TagsClosed})
		put(t, s, "coffee", "espresso", "food")

		_, err := s.Upsert(ctx, UpsertParams{Key: "coffee", Body: model.TextBody("latte"), Tags: []string{"beverages"}})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "tags", verr.Field)

		got, err := s.GetExact(ctx, "coffee")
		require.NoError(t, err)
		assert.Equal(t, "espresso", got.Body.Text())
		assert.Equal(t, []string{"food"}, got.Tags)
	})

	t.Run("free tags", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		m := put(t, s, "coffee", "espresso", " morning ", "drinks", "drinks")
		assert.Equal(t, []string{"drinks", "morning"}, m.Tags)

		list, err := s.ListRecent(ctx, ListParams{Tag: "morning"})
		require.NoError(t, err)
		assert.Equal(t, []string{"coffee"}, keysOf(list))
	})

	t.Run("list recent orders newest first", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		put(t, s, "a", "one", "x")
		put(t, s, "b", "two")
		put(t, s, "c", "three", "x")

		all, err := s.ListRecent(ctx, ListParams{})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, keysOf(all))

		limited, err := s.ListRecent(ctx, ListParams{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, keysOf(limited))

		tagged, err := s.ListRecent(ctx, ListParams{Tag: "x"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, keysOf(tagged))
	})

	t.Run("delete targets most recent case-insensitive match", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		older := put(t, s, "coffee", "espresso")
		put(t, s, "Coffee", "cortado")

		ok, err := s.Delete(ctx, DeleteParams{Key: "COFFEE"})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetExact(ctx, "coffee")
		require.NoError(t, err)
		assert.Equal(t, older.ID, got.ID)
		assert.Equal(t, "espresso", got.Body.Text())

		ok, err = s.Delete(ctx, DeleteParams{Key: "tea"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete by created_at", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		older := put(t, s, "coffee", "espresso")
		newer := put(t, s, "COFFEE", "cortado")

		ok, err := s.Delete(ctx, DeleteParams{Key: "coffee", CreatedAt: &older.CreatedAt})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetExact(ctx, "coffee")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		missing := older.CreatedAt.Add(time.Hour)
		ok, err = s.Delete(ctx, DeleteParams{Key: "coffee", CreatedAt: &missing})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("edit", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		orig := put(t, s, "coffee", "espresso")
		put(t, s, "tea", "green")

		body := model.TextBody("cortado")
		tags := []string{"food"}
		got, err := s.Edit(ctx, EditParams{Key: "COFFEE", Patch: Patch{Body: body, Tags: &tags}})
		require.NoError(t, err)
		assert.Equal(t, orig.ID, got.ID)
		assert.Equal(t, "cortado", got.Body.Text())
		assert.Equal(t, []string{"food"}, got.Tags)
		assert.True(t, got.CreatedAt.Equal(orig.CreatedAt))

		renamed := "espresso bar"
		got, err = s.Edit(ctx, EditParams{Key: "coffee", Patch: Patch{Key: &renamed}})
		require.NoError(t, err)
		assert.Equal(t, "espresso bar", got.Key)
		_, err = s.GetExact(ctx, "coffee")
		assert.ErrorIs(t, err, ErrNotFound)

		// The freed key can be written again.
		put(t, s, "coffee", "drip")

		taken := "tea"
		_, err = s.Edit(ctx, EditParams{Key: "espresso bar", Patch: Patch{Key: &taken}})
		assert.ErrorIs(t, err, ErrValidation)

		blank := model.TextBody(" ")
		_, err = s.Edit(ctx, EditParams{Key: "tea", Patch: Patch{Body: blank}})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = s.Edit(ctx, EditParams{Key: "water", Patch: Patch{Body: body}})
		assert.ErrorIs(t, err, ErrNotFound)

		tea, err := s.GetExact(ctx, "tea")
		require.NoError(t, err)
		assert.Equal(t, "green", tea.Body.Text())
	})

	t.Run("edit created_at reorders", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		a := put(t, s, "a", "one")
		put(t, s, "b", "two")

		later := a.CreatedAt.Add(time.Hour)
		_, err := s.Edit(ctx, EditParams{Key: "a", Patch: Patch{CreatedAt: &later}})
		require.NoError(t, err)

		all, err := s.ListRecent(ctx, ListParams{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keysOf(all))
	})

	t.Run("restore round trip", func(t *testing.T) {
		src := openMigrated(t, open, Options{})
		put(t, src, "coffee", "espresso", "food")
		put(t, src, "tea", "green")
		_, err := src.Upsert(ctx, UpsertParams{Key: "trip", Body: model.Body{"city": "Lisbon"}, Tags: []string{"travel"}})
		require.NoError(t, err)

		snap, err := src.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap, 3)

		dst := openMigrated(t, open, Options{})
		n, err := dst.Restore(ctx, snap)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := dst.Snapshot(ctx)
		require.NoError(t, err)
		assertSameRecords(t, snap, got)
	})

	t.Run("restore is all or nothing", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		put(t, s, "coffee", "espresso")

		at := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
		records := []model.Memory{
			{Key: "tea", Body: model.TextBody("green"), CreatedAt: at},
			{Key: "coffee", Body: model.TextBody("drip"), CreatedAt: at},
		}
		_, err := s.Restore(ctx, records)
		var rerr *RestoreError
		require.ErrorAs(t, err, &rerr)
		assert.ErrorIs(t, err, ErrRestore)
		assert.Equal(t, 1, rerr.Index)

		malformed := []model.Memory{
			{Key: "tea", Body: model.TextBody("green"), CreatedAt: at},
			{Key: " ", Body: model.TextBody("nameless"), CreatedAt: at},
		}
		_, err = s.Restore(ctx, malformed)
		require.ErrorAs(t, err, &rerr)
		assert.ErrorIs(t, err, ErrValidation)

		all, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"coffee"}, keysOf(all))
		assert.Equal(t, "espresso", all[0].Body.Text())
	})

	t.Run("reference timezone", func(t *testing.T) {
		loc := time.FixedZone("JST", 9*60*60)
		s := openMigrated(t, open, Options{Location: loc})
		m := put(t, s, "coffee", "espresso")
		assert.Equal(t, loc, m.CreatedAt.Location())

		got, err := s.GetExact(ctx, "coffee")
		require.NoError(t, err)
		assert.Equal(t, loc, got.CreatedAt.Location())
		assert.True(t, got.CreatedAt.Equal(m.CreatedAt))
	})

	t.Run("stats", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Total)
		assert.Nil(t, st.Oldest)

		a := put(t, s, "a", "one", "x", "y")
		put(t, s, "b", "two", "x")
		c := put(t, s, "c", "three")

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Total)
		require.NotNil(t, st.Oldest)
		require.NotNil(t, st.Newest)
		assert.True(t, st.Oldest.Equal(a.CreatedAt))
		assert.True(t, st.Newest.Equal(c.CreatedAt))
		assert.Equal(t, []TagCount{{Tag: "x", Count: 2}, {Tag: "y", Count: 1}}, st.Tags)
		assert.Positive(t, st.SchemaVers)
	})

	t.Run("schema must be migrated", func(t *testing.T) {
		s := open(t, Options{})
		v, err := s.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
		assert.ErrorIs(t, EnsureMigrated(ctx, s), ErrSchemaOutdated)

		require.NoError(t, s.Migrate(ctx))
		require.NoError(t, s.Migrate(ctx))
		assert.NoError(t, EnsureMigrated(ctx, s))
	})

	t.Run("expired context is a storage error", func(t *testing.T) {
		s := openMigrated(t, open, Options{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Upsert(cctx, UpsertParams{Key: "coffee", Body: model.TextBody("espresso")})
		var serr *StorageError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, ErrStorage)
	})
}

func assertSameRecords(t *testing.T, want, got []model.Memory) {
	t.Helper()
	require.Len(t, got, len(want))
	byKey := func(mems []model.Memory) []model.Memory {
		out := append([]model.Memory(nil), mems...)
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out
	}
	w, g := byKey(want), byKey(got)
	for i := range w {
		assert.Equal(t, w[i].Key, g[i].Key)
		assert.Equal(t, w[i].Body.Encode(), g[i].Body.Encode())
		assert.Equal(t, w[i].Tags, g[i].Tags)
		assert.True(t, w[i].CreatedAt.Equal(g[i].CreatedAt), "created_at of %s", w[i].Key)
	}
}
