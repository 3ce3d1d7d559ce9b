package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

func sample() []model.Memory {
	loc := time.FixedZone("PST", -8*60*60)
	return []model.Memory{
		{ID: "01A", Key: "coffee", Body: model.TextBody("espresso"), Tags: []string{"food"},
			CreatedAt: time.Date(2026, 2, 1, 8, 0, 0, 123456000, loc)},
		{ID: "01B", Key: "trip", Body: model.Body{"city": "Lisbon"},
			CreatedAt: time.Date(2026, 1, 5, 18, 30, 0, 0, time.UTC)},
	}
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	w := &Writer{Dir: dir, Now: func() time.Time { return fixed }}

	doc := NewDocument(sample(), fixed)
	path, err := w.Write(doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "memory-backup-20260304T050607.000000890Z.json"), path)

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, got.Version)
	assert.Equal(t, 2, got.Count)
	assert.True(t, got.ExportedAt.Equal(fixed))

	mems, err := got.Memories()
	require.NoError(t, err)
	require.Len(t, mems, 2)
	for i, want := range sample() {
		assert.Empty(t, mems[i].ID)
		assert.Equal(t, want.Key, mems[i].Key)
		assert.Equal(t, want.Body.Encode(), mems[i].Body.Encode())
		assert.True(t, want.CreatedAt.Equal(mems[i].CreatedAt))
	}
	assert.Equal(t, []string{"food"}, mems[0].Tags)
	assert.Equal(t, []string{}, mems[1].Tags)
}

func TestWriteNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	w := &Writer{Dir: dir, Now: func() time.Time { return fixed }}

	first, err := w.Write(NewDocument(sample()[:1], fixed))
	require.NoError(t, err)
	second, err := w.Write(NewDocument(sample(), fixed))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(filepath.Base(second), "memory-backup-20260304T050607.000000000Z-"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	doc, err := ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count)
}

func TestWriteRequiresDir(t *testing.T) {
	_, err := (&Writer{}).Write(NewDocument(nil, time.Now()))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	t.Run("string body becomes text", func(t *testing.T) {
		doc, err := Decode(strings.NewReader(`{"version":1,"count":1,"records":[
			{"key":"coffee","body":"espresso","tags":["food"],"created_at":"2026-02-01T08:00:00Z"}]}`))
		require.NoError(t, err)
		mems, err := doc.Memories()
		require.NoError(t, err)
		assert.Equal(t, model.TextBody("espresso"), mems[0].Body)
	})

	t.Run("bad created_at names the record", func(t *testing.T) {
		doc, err := Decode(strings.NewReader(`{"version":1,"records":[
			{"key":"a","body":"x","created_at":"2026-02-01T08:00:00Z"},
			{"key":"b","body":"y","created_at":"yesterday"}]}`))
		require.NoError(t, err)
		_, err = doc.Memories()
		var rerr *store.RestoreError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 1, rerr.Index)
		assert.Equal(t, "b", rerr.Key)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode(strings.NewReader(`{"version":`))
		assert.ErrorIs(t, err, store.ErrRestore)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := Decode(strings.NewReader(`{"version":9,"records":[]}`))
		assert.ErrorIs(t, err, store.ErrRestore)
	})
}
