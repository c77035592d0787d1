package seed

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLFixture(t *testing.T) {
	p := write(t, "startup.yaml", `
repos:
  - name: api
    private: true
  - name: web
users:
  1: alice
`)
	raw, err := Load(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	repos := got["repos"].([]any)
	assert.Len(t, repos, 2)
	assert.Equal(t, "api", repos[0].(map[string]any)["name"])
	assert.Equal(t, true, repos[0].(map[string]any)["private"])
	assert.Equal(t, "alice", got["users"].(map[string]any)["1"])
}

func TestLoadJSONWithComments(t *testing.T) {
	p := write(t, "seed.json", `{
  // created by hand
  "channels": [{"id": "C1"},],
}`)
	raw, err := Load(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channels":[{"id":"C1"}]}`, string(raw))
}

func TestLoadRejectsNonObject(t *testing.T) {
	for name, content := range map[string]string{
		"list.yaml": "- a\n- b\n",
		"list.json": `[1,2]`,
		"null.json": `null`,
		"bad.json":  `{"a":`,
	} {
		_, err := Load(write(t, name, content))
		var pe *errdefs.ManifestParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: expected ManifestParseError, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var ioe *errdefs.IOError
	require.ErrorAs(t, err, &ioe)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
