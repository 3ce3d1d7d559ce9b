package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

// run executes the root command and returns stdout. Failures exit the
// process, so only successful invocations belong here.
func run(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs(args)
	require.NoError(t, RootCmd.ExecuteContext(context.Background()))
	return out.Bytes()
}

func TestCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"MEMORY_BACKEND", "MEMORY_DB", "MEMORY_TAG_MODE", "MEMORY_BACKUP_DIR", "MEMORY_AUTO_BACKUP"} {
		t.Setenv(k, "")
	}
	db := filepath.Join(home, "memory.db")
	backups := filepath.Join(home, "backups")

	var mig map[string]any
	require.NoError(t, json.Unmarshal(run(t, "migrate", "--db", db), &mig))
	assert.Equal(t, true, mig["ok"])

	var m model.Memory
	require.NoError(t, json.Unmarshal(run(t, "put", "--db", db, "--key", "tea", "green", "tea"), &m))
	assert.Equal(t, "green tea", m.Body.Text())
	require.NoError(t, json.Unmarshal(run(t, "put", "--db", db, "--key", "coffee", "--tags", "food, morning", "double", "espresso"), &m))
	assert.Equal(t, []string{"food", "morning"}, m.Tags)

	require.NoError(t, json.Unmarshal(run(t, "get", "--db", db, "--key", "COFFEE"), &m))
	assert.Equal(t, "double espresso", m.Body.Text())

	var res store.RecallResult
	require.NoError(t, json.Unmarshal(run(t, "recall", "--db", db, "esp"), &res))
	assert.Nil(t, res.ExactMatch)
	require.Len(t, res.Related, 1)
	assert.Equal(t, "coffee", res.Related[0].Key)

	assert.Equal(t, "coffee\ntea\n", string(run(t, "list", "--db", db, "--keys-only")))

	require.NoError(t, json.Unmarshal(run(t, "edit", "--db", db, "--key", "tea", "--body", "oolong", "--tags", ""), &m))
	assert.Equal(t, "oolong", m.Body.Text())
	assert.Empty(t, m.Tags)

	var exp struct {
		Path  string `json:"path"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(run(t, "export", "--db", db, "--dir", backups), &exp))
	assert.Equal(t, 2, exp.Count)
	assert.Equal(t, backups, filepath.Dir(exp.Path))

	assert.Contains(t, string(run(t, "rm", "--db", db, "--key", "coffee")), `"ok":true`)

	other := filepath.Join(home, "other.db")
	run(t, "migrate", "--db", other)
	assert.Contains(t, string(run(t, "restore", "--db", other, exp.Path)), `"restored":2`)

	var st store.Stats
	require.NoError(t, json.Unmarshal(run(t, "stats", "--db", other), &st))
	assert.Equal(t, 2, st.Total)

	var cats []map[string]string
	require.NoError(t, json.Unmarshal(run(t, "categories"), &cats))
	assert.Len(t, cats, 10)
}

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "error"} {
		_, err := setupLogger(level)
		assert.NoError(t, err, level)
	}
	_, err := setupLogger("loud")
	assert.Error(t, err)
}

func TestSplitTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitTags(" a, ,b "))
	assert.Nil(t, splitTags(""))
}

func TestRestoreHelpStatesNoMerge(t *testing.T) {
	cmd, _, err := RootCmd.Find([]string{"restore"})
	require.NoError(t, err)
	assert.Contains(t, cmd.Long, "does not merge")
}
