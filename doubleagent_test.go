//go:build !windows

package doubleagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islo-labs/doubleagent/internal/cache"
	"github.com/islo-labs/doubleagent/internal/config"
	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/snapshot"
	"github.com/islo-labs/doubleagent/internal/supervisor"
	"github.com/islo-labs/doubleagent/internal/toolchain"
	"github.com/islo-labs/doubleagent/pkg/sdk"
)

// stubFetcher "installs" manifests from an in-memory remote.
type stubFetcher struct {
	dir    string
	remote map[string]string
}

func (f *stubFetcher) FetchService(_ context.Context, name string) (string, error) {
	body, ok := f.remote[name]
	if !ok {
		return "", errdefs.NotFound("Service '%s' not found in repository.", name)
	}
	dir := filepath.Join(f.dir, name)
	if err := os.MkdirAll(filepath.Join(dir, "server"), 0o750); err != nil {
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, "service.yaml"), []byte(body), 0o600)
}

func (f *stubFetcher) UpdateService(ctx context.Context, name string) (string, error) {
	return f.FetchService(ctx, name)
}

func (f *stubFetcher) UpdateAllServices(context.Context) (cache.BulkResult, error) {
	return cache.BulkResult{Failed: map[string]error{}}, nil
}

func (f *stubFetcher) ListRemoteServices(context.Context) ([]string, error) { return nil, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:          home,
		ServicesDir:   filepath.Join(home, "services"),
		StateFile:     filepath.Join(home, "state.json"),
		SnapshotsDir:  filepath.Join(home, "snapshots"),
		BasePort:      config.DefaultBasePort,
		HealthTimeout: 2 * time.Second,
	}
	require.NoError(t, os.MkdirAll(cfg.ServicesDir, 0o750))
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, remote map[string]string, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithFetcher(&stubFetcher{dir: cfg.ServicesDir, remote: remote}),
		WithToolchain(toolchain.Direct{}),
		WithSupervisorOptions(supervisor.WithPollInterval(50 * time.Millisecond)),
	}
	e, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = e.StopServices(context.Background(), nil)
		_ = e.Close()
	})
	return e
}

func manifest(name string, argv ...string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = `"` + a + `"`
	}
	return "name: " + name + "\nserver:\n  command: [" + strings.Join(quoted, ", ") + "]\n"
}

// fakeServer serves the control plane on a free port, standing in for the
// HTTP side of the spawned process.
func fakeServer(t *testing.T) (int, *sdk.Overlay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, state := sdk.NewWithOverlay("fake", "test")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port, state
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func TestStartServicesPersistsAndReusesPort(t *testing.T) {
	cfg := testConfig(t)
	port, _ := fakeServer(t)
	e := newEngine(t, cfg, map[string]string{"github": manifest("github", "sleep", "30")})
	ctx := context.Background()

	started, err := e.StartServices(ctx, []string{"github"}, port, cfg.HealthTimeout)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, port, started[0].Port)
	assert.False(t, started[0].AlreadyRunning)
	assert.True(t, supervisor.ProcessAlive(started[0].PID))

	// a fresh engine sees the persisted record and keeps the port
	again := newEngine(t, cfg, nil)
	second, err := again.StartServices(ctx, []string{"github"}, port+100, cfg.HealthTimeout)
	require.NoError(t, err)
	assert.True(t, second[0].AlreadyRunning)
	assert.Equal(t, port, second[0].Port)

	stopped, err := again.StopServices(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, stopped)

	reloaded, err := supervisor.Load(cfg.StateFile)
	require.NoError(t, err)
	assert.Empty(t, reloaded.RunningServices())
}

func TestStartDefinitionRefusesOtherInstall(t *testing.T) {
	cfg := testConfig(t)
	port, _ := fakeServer(t)
	e := newEngine(t, cfg, map[string]string{"github": manifest("github", "sleep", "30")})
	ctx := context.Background()

	_, err := e.StartServices(ctx, []string{"github"}, port, cfg.HealthTimeout)
	require.NoError(t, err)

	local, err := e.Catalog().Get("github")
	require.NoError(t, err)
	same, err := e.StartDefinition(ctx, local, port+1, cfg.HealthTimeout)
	require.NoError(t, err)
	assert.True(t, same.AlreadyRunning)

	dev := *local
	dev.Path = t.TempDir()
	_, err = e.StartDefinition(ctx, &dev, port+1, cfg.HealthTimeout)
	require.ErrorIs(t, err, errdefs.ErrServiceAlreadyRunning)
	assert.Contains(t, err.Error(), "doubleagent stop github")
	assert.True(t, e.Supervisor().IsRunning("github"))
}

func TestStopServicesDropsDeadRecord(t *testing.T) {
	cfg := testConfig(t)
	port, _ := fakeServer(t)
	e := newEngine(t, cfg, map[string]string{"github": manifest("github", "sleep", "30")})
	ctx := context.Background()

	started, err := e.StartServices(ctx, []string{"github"}, port, cfg.HealthTimeout)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(started[0].PID, syscall.SIGKILL))
	require.Eventually(t, func() bool { return !supervisor.ProcessAlive(started[0].PID) },
		5*time.Second, 20*time.Millisecond)

	stopped, err := e.StopServices(ctx, []string{"github"})
	require.NoError(t, err)
	assert.Empty(t, stopped, "a dead process is not reported as stopped")
	_, ok := e.Supervisor().GetInfo("github")
	assert.False(t, ok)

	reloaded, err := supervisor.Load(cfg.StateFile)
	require.NoError(t, err)
	assert.Empty(t, reloaded.RunningServices())
}

func TestStartServicesRollsBackOnTimeout(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, map[string]string{"slow": manifest("slow", "sleep", "30")})

	_, err := e.StartServices(context.Background(), []string{"slow"}, freePort(t), 300*time.Millisecond)
	require.Error(t, err)
	var te *errdefs.HealthCheckTimeoutError
	assert.True(t, errors.As(err, &te))
	assert.False(t, e.Supervisor().IsRunning("slow"))

	reloaded, err := supervisor.Load(cfg.StateFile)
	require.NoError(t, err)
	assert.Empty(t, reloaded.RunningServices(), "rollback must be persisted")
}

func TestStartServicesProcessDied(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, map[string]string{"crash": manifest("crash", "sh", "-c", "exit 1")})

	_, err := e.StartServices(context.Background(), []string{"crash"}, freePort(t), 5*time.Second)
	require.ErrorIs(t, err, errdefs.ErrServiceProcessDied)
	assert.Contains(t, err.Error(), "health check failed for crash")
}

func TestStartServicesUnknownService(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, nil)
	_, err := e.StartServices(context.Background(), []string{"nonexistent"}, 8080, time.Second)
	require.ErrorIs(t, err, errdefs.ErrServiceNotFound)
	assert.NoDirExists(t, filepath.Join(cfg.ServicesDir, "nonexistent"))
}

func TestSeedResetAndSnapshot(t *testing.T) {
	cfg := testConfig(t)
	port, state := fakeServer(t)
	e := newEngine(t, cfg, map[string]string{"github": manifest("github", "sleep", "30")})
	ctx := context.Background()

	_, err := e.StartServices(ctx, []string{"github"}, port, cfg.HealthTimeout)
	require.NoError(t, err)

	res, err := e.Seed(ctx, "github", json.RawMessage(`{"repos":{"1":{"name":"api"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"repos":1}`, string(res.Seeded))
	assert.Equal(t, 1, state.Count("repos"))

	require.NoError(t, e.Reset(ctx, "github"))
	assert.Equal(t, 0, state.Count("repos"))

	require.NoError(t, e.Snapshots().Save(&snapshot.Manifest{Service: "github", Profile: "default", Redacted: true},
		json.RawMessage(`{"repos":{"1":{},"2":{}}}`)))
	loaded, err := e.LoadSnapshot(ctx, "github", "default")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"repos": 2}, loaded)

	// reset returns to the snapshot baseline
	state.Put("repos", "3", sdk.Resource{})
	require.NoError(t, e.Reset(ctx, "github"))
	assert.Equal(t, 2, state.Count("repos"))

	status := e.Status(ctx)
	require.Len(t, status, 1)
	assert.Equal(t, supervisor.StateRunning, status[0].State)
}

func TestSeedRequiresRunningService(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)
	_, err := e.Seed(context.Background(), "github", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, "github is not running", err.Error())
}

func TestEnvVarsAndEnvFile(t *testing.T) {
	started := []Started{
		{Name: "github", URL: "http://localhost:8080"},
		{Name: "google-drive", URL: "http://localhost:8081"},
	}
	assert.Equal(t, "DOUBLEAGENT_GOOGLE_DRIVE_URL", EnvVarName("google-drive"))
	assert.Equal(t, map[string]string{
		"DOUBLEAGENT_GITHUB_URL":       "http://localhost:8080",
		"DOUBLEAGENT_GOOGLE_DRIVE_URL": "http://localhost:8081",
	}, EnvVars(started))

	path := filepath.Join(t.TempDir(), EnvFile)
	require.NoError(t, WriteEnvFile(path, started))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Generated by doubleagent - do not edit\n"+
		"# Load with: source .doubleagent.env (bash) or use dotenv library\n\n"+
		"DOUBLEAGENT_GITHUB_URL=http://localhost:8080\n"+
		"DOUBLEAGENT_GOOGLE_DRIVE_URL=http://localhost:8081\n", string(b))

	empty := filepath.Join(t.TempDir(), EnvFile)
	require.NoError(t, WriteEnvFile(empty, nil))
	assert.NoFileExists(t, empty)
}

func TestRunContracts(t *testing.T) {
	cfg := testConfig(t)
	port, _ := fakeServer(t)
	body := manifest("stripe", "sleep", "30") +
		"contracts:\n  command: [\"sh\", \"-c\", \"echo $DOUBLEAGENT_STRIPE_URL; exit 3\"]\n"
	e := newEngine(t, cfg, map[string]string{"stripe": body}, WithContractPort(port))
	ctx := context.Background()

	def, err := e.Resolve(ctx, "stripe", true)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(def.ContractsDir(), 0o750))

	var out bytes.Buffer
	code, err := e.RunContracts(ctx, def, &out, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "http://localhost:")
	assert.False(t, e.Supervisor().IsRunning("stripe"), "service must be stopped after the run")
}

func TestRunContractsKilledBySignal(t *testing.T) {
	cfg := testConfig(t)
	port, _ := fakeServer(t)
	body := manifest("stripe", "sleep", "30") +
		"contracts:\n  command: [\"sh\", \"-c\", \"kill -9 $$\"]\n"
	e := newEngine(t, cfg, map[string]string{"stripe": body}, WithContractPort(port))
	ctx := context.Background()

	def, err := e.Resolve(ctx, "stripe", true)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(def.ContractsDir(), 0o750))

	code, err := e.RunContracts(ctx, def, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.False(t, e.Supervisor().IsRunning("stripe"))
}

func TestContractCommandErrors(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, map[string]string{
		"bare":  manifest("bare", "true"),
		"nodir":   manifest("nodir", "true") + "contracts:\n  command: [\"pytest\"]\n",
	})
	ctx := context.Background()

	bare, err := e.Resolve(ctx, "bare", true)
	require.NoError(t, err)
	_, err = e.ContractCommand(bare, "http://localhost:1")
	assert.ErrorContains(t, err, "no contracts configuration")

	nodir, err := e.Resolve(ctx, "nodir", true)
	require.NoError(t, err)
	_, err = e.ContractCommand(nodir, "http://localhost:1")
	assert.ErrorContains(t, err, "contracts directory not found")
}

func TestMetricsTextfileOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "doubleagent.prom")
	e, err := New(cfg, WithFetcher(&stubFetcher{dir: cfg.ServicesDir}), WithToolchain(toolchain.Direct{}))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	b, err := os.ReadFile(cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "doubleagent_")
}
