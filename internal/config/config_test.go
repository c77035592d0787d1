package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islo-labs/doubleagent/internal/cache"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DOUBLEAGENT_SERVICES_REPO", "DOUBLEAGENT_REPO_URL", "DOUBLEAGENT_BRANCH",
		"DOUBLEAGENT_SNAPSHOTS_DIR", "DOUBLEAGENT_LOG_LEVEL", "DOUBLEAGENT_BASE_PORT",
		"DOUBLEAGENT_COMPLIANCE_MODE", "DOUBLEAGENT_SNAPSHOT_PULL_COMMAND",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("DOUBLEAGENT_HOME", home)

	c, err := Load(Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, home, c.Home)
	assert.Equal(t, filepath.Join(home, "services"), c.ServicesDir)
	assert.Equal(t, filepath.Join(home, "state.json"), c.StateFile)
	assert.Equal(t, filepath.Join(home, "snapshots"), c.SnapshotsDir)
	assert.Equal(t, filepath.Join(home, "logs", "doubleagent.log"), c.Log.File)
	assert.Equal(t, cache.DefaultRepoURL, c.RepoURL)
	assert.Equal(t, "main", c.Branch)
	assert.Equal(t, 8080, c.BasePort)
	assert.Equal(t, 30*time.Second, c.HealthTimeout)
	assert.Equal(t, "warn", c.Log.Level)
	assert.False(t, c.Strict())
	assert.DirExists(t, c.ServicesDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOUBLEAGENT_HOME", t.TempDir())
	t.Setenv("DOUBLEAGENT_SERVICES_REPO", "https://example.com/fork.git")
	t.Setenv("DOUBLEAGENT_BRANCH", "dev")
	t.Setenv("DOUBLEAGENT_SNAPSHOTS_DIR", "/tmp/snaps")
	t.Setenv("DOUBLEAGENT_LOG_LEVEL", "debug")
	t.Setenv("DOUBLEAGENT_BASE_PORT", "9100")
	t.Setenv("DOUBLEAGENT_COMPLIANCE_MODE", "STRICT")
	t.Setenv("DOUBLEAGENT_SNAPSHOT_PULL_COMMAND", "uv run snapshot-pull")

	c, err := Load(Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/fork.git", c.RepoURL)
	assert.Equal(t, "dev", c.Branch)
	assert.Equal(t, "/tmp/snaps", c.SnapshotsDir)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 9100, c.BasePort)
	assert.True(t, c.Strict())
	assert.Equal(t, []string{"uv", "run", "snapshot-pull"}, c.SnapshotPullCommand)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("DOUBLEAGENT_HOME", home)
	data := `
branch: release
health_timeout: 45s
log:
  dir: /var/log/doubleagent
  compress: true
history:
  dsn: sqlite:///tmp/h.db
metrics:
  textfile: /tmp/doubleagent.prom
snapshot:
  pull_command: ["python", "-m", "snapshot_pull"]
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o600))

	c, err := Load(Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "release", c.Branch)
	assert.Equal(t, 45*time.Second, c.HealthTimeout)
	assert.Equal(t, "/var/log/doubleagent", c.Log.Dir)
	assert.True(t, c.Log.Compress)
	assert.Equal(t, "sqlite:///tmp/h.db", c.HistoryDSN)
	assert.Equal(t, "/tmp/doubleagent.prom", c.MetricsTextfile)
	assert.Equal(t, []string{"python", "-m", "snapshot_pull"}, c.SnapshotPullCommand)
}

func TestLoadOverridesWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOUBLEAGENT_BRANCH", "dev")
	home := t.TempDir()
	c, err := Load(Options{
		WorkDir:   t.TempDir(),
		Overrides: map[string]any{"home": home, "branch": "hotfix", "base_port": 7000},
	})
	require.NoError(t, err)
	assert.Equal(t, home, c.Home)
	assert.Equal(t, "hotfix", c.Branch)
	assert.Equal(t, 7000, c.BasePort)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("DOUBLEAGENT_HOME", home)

	_, err := Load(Options{ConfigFile: filepath.Join(home, "missing.yaml")})
	assert.Error(t, err, "explicit config file must exist")

	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("base_port: [1"), 0o600))
	_, err = Load(Options{})
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("base_port: 70000\n"), 0o600))
	_, err = Load(Options{})
	assert.ErrorContains(t, err, "base_port")
}

func TestFindProjectFileWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	assert.Equal(t, "", FindProjectFile(nested))

	p := filepath.Join(root, "a", "doubleagent.yml")
	require.NoError(t, os.WriteFile(p, []byte("services: [github, slack]\n"), 0o600))
	assert.Equal(t, p, FindProjectFile(nested))

	// .yaml wins over .yml in the same directory
	py := filepath.Join(root, "a", "doubleagent.yaml")
	require.NoError(t, os.WriteFile(py, []byte("services: [jira]\n"), 0o600))
	assert.Equal(t, py, FindProjectFile(nested))

	proj, err := LoadProject(py)
	require.NoError(t, err)
	assert.Equal(t, []string{"jira"}, proj.Services)
}

func TestProjectServices(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOUBLEAGENT_HOME", t.TempDir())
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "doubleagent.yaml"), []byte("services:\n  - github\n  - stripe\n"), 0o600))

	c, err := Load(Options{WorkDir: wd})
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "stripe"}, c.ProjectServices())

	c.ProjectFile = ""
	assert.Nil(t, c.ProjectServices())
}

func TestLoadProjectInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "doubleagent.yaml")
	require.NoError(t, os.WriteFile(p, []byte("services: {"), 0o600))
	_, err := LoadProject(p)
	assert.Error(t, err)
}
