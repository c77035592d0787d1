package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(t *testing.T, path string, recs map[string]Record) {
	t.Helper()
	b, err := json.Marshal(recs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func TestLoadMissingAndCorruptStateIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, s.RunningServices())

	corrupt := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	s, err = Load(corrupt)
	require.NoError(t, err)
	assert.Empty(t, s.RunningServices())

	b, _ := os.ReadFile(corrupt)
	assert.Equal(t, "{not json", string(b), "load must not rewrite the file")
}

func TestLoadSweepsDeadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	writeRaw(t, path, map[string]Record{
		"github": {PID: 100, Port: 8080, StartedAt: "1700000000", ServicePath: "/s/github"},
		"slack":  {PID: 200, Port: 8081, StartedAt: "1700000001", ServicePath: "/s/slack"},
	})
	alive := func(pid int) bool { return pid == 100 }

	s, err := Load(path, withLiveness(alive))
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, s.RunningServices())

	// idempotent
	s2, err := Load(path, withLiveness(alive))
	require.NoError(t, err)
	assert.Equal(t, s.RunningServices(), s2.RunningServices())

	rec, ok := s.GetInfo("github")
	require.True(t, ok)
	assert.Equal(t, 8080, rec.Port)
	assert.Equal(t, "/s/github", rec.ServicePath)
	assert.True(t, s.IsRunning("github"))
	assert.False(t, s.IsRunning("slack"))
}

func TestLoadDropsNonexistentPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	writeRaw(t, path, map[string]Record{"ghost": {PID: 1<<31 - 1, Port: 9000, StartedAt: "1"}})

	s, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, s.RunningServices())
}

func TestSaveWritesSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	s, err := Load(path, withLiveness(func(int) bool { return true }))
	require.NoError(t, err)
	s.records["jira"] = Record{PID: 42, Port: 8090, StartedAt: "1700000000", ServicePath: "/s/jira"}
	require.NoError(t, s.Save())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, map[string]any{
		"pid": float64(42), "port": float64(8090), "startedAt": "1700000000", "servicePath": "/s/jira",
	}, raw["jira"])

	leftovers, _ := filepath.Glob(filepath.Join(dir, "nested", ".state-*"))
	assert.Empty(t, leftovers)

	other := filepath.Join(dir, "copy.json")
	require.NoError(t, s.SaveTo(other))
	assert.FileExists(t, other)
}

func TestRecordUptime(t *testing.T) {
	r := Record{StartedAt: "1700000000"}
	assert.Equal(t, time.Unix(1700000000, 0), r.Started())
	assert.Equal(t, 90*time.Second, r.Uptime(time.Unix(1700000090, 500)))
	assert.Zero(t, Record{StartedAt: "yesterday"}.Uptime(time.Now()))
}
