package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/service"
)

func manifest(name string) string {
	return "name: " + name + "\nserver:\n  command: [\"python\", \"main.py\"]\n  port: 8080\n"
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

// newOfflineFetcher returns a Fetcher whose mirror is populated by hand and
// whose sync step never touches the network.
func newOfflineFetcher(t *testing.T) (*Fetcher, *int) {
	t.Helper()
	f := New("file:///unused", t.TempDir(), "main")
	syncs := 0
	f.syncFn = func(context.Context) (SyncOutcome, error) {
		syncs++
		return SyncUpToDate, nil
	}
	return f, &syncs
}

func mirrorService(t *testing.T, f *Fetcher, name string) {
	t.Helper()
	dir := filepath.Join(f.MirrorDir(), servicesSubdir, name)
	writeFile(t, filepath.Join(dir, service.ManifestFile), manifest(name))
	writeFile(t, filepath.Join(dir, "server", "main.py"), "print('ok')\n")
}

func TestFetchServiceCopiesSubtree(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	mirrorService(t, f, "github")
	writeFile(t, filepath.Join(f.MirrorDir(), servicesSubdir, "github", ".git", "HEAD"), "ref: x\n")

	path, err := f.FetchService(context.Background(), "github")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.CacheDir(), "github"), path)
	assert.FileExists(t, filepath.Join(path, service.ManifestFile))
	assert.FileExists(t, filepath.Join(path, "server", "main.py"))
	assert.NoDirExists(t, filepath.Join(path, ".git"))
}

func TestFetchServiceReplacesPreviousInstall(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	mirrorService(t, f, "slack")
	stale := filepath.Join(f.CacheDir(), "slack", "stale.txt")
	writeFile(t, stale, "old")

	_, err := f.FetchService(context.Background(), "slack")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)

	entries, err := os.ReadDir(f.CacheDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), stagingPrefix)
	}
}

func TestFetchServiceNotFoundLeavesInstallUntouched(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	mirrorService(t, f, "github")

	_, err := f.FetchService(context.Background(), "nonexistent")
	require.ErrorIs(t, err, errdefs.ErrServiceNotFound)
	assert.NoDirExists(t, filepath.Join(f.CacheDir(), "nonexistent"))
}

func TestFetchServiceMissingManifest(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	writeFile(t, filepath.Join(f.MirrorDir(), servicesSubdir, "broken", "README.md"), "x")

	_, err := f.FetchService(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errdefs.ErrServiceNotFound)
	assert.Contains(t, err.Error(), service.ManifestFile)
	assert.NoDirExists(t, filepath.Join(f.CacheDir(), "broken"))
}

func TestFetchServiceRejectsUnsafeNames(t *testing.T) {
	f, syncs := newOfflineFetcher(t)
	for _, name := range []string{"", ".repo", "../etc", "a/b"} {
		_, err := f.FetchService(context.Background(), name)
		assert.ErrorIs(t, err, errdefs.ErrServiceNotFound, name)
	}
	assert.Zero(t, *syncs)
}

func TestUpdateServiceRequiresInstall(t *testing.T) {
	f, syncs := newOfflineFetcher(t)
	mirrorService(t, f, "stripe")

	_, err := f.UpdateService(context.Background(), "stripe")
	require.ErrorIs(t, err, errdefs.ErrServiceNotFound)
	assert.Contains(t, err.Error(), "doubleagent add stripe")
	assert.Zero(t, *syncs)

	_, err = f.FetchService(context.Background(), "stripe")
	require.NoError(t, err)
	_, err = f.UpdateService(context.Background(), "stripe")
	require.NoError(t, err)
}

func TestUpdateAllServicesContinuesOnFailure(t *testing.T) {
	f, syncs := newOfflineFetcher(t)
	for _, n := range []string{"auth0", "github", "jira"} {
		mirrorService(t, f, n)
		_, err := f.FetchService(context.Background(), n)
		require.NoError(t, err)
	}
	// jira disappears upstream
	require.NoError(t, os.RemoveAll(filepath.Join(f.MirrorDir(), servicesSubdir, "jira")))
	*syncs = 0

	res, err := f.UpdateAllServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, *syncs, "mirror must be synced once per batch")
	assert.Equal(t, []string{"auth0", "github"}, res.Updated)
	require.Contains(t, res.Failed, "jira")
	assert.ErrorIs(t, res.Failed["jira"], errdefs.ErrServiceNotFound)
	assert.Error(t, res.Err())
}

func TestUpdateAllServicesSyncFailureAborts(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	f.syncFn = func(context.Context) (SyncOutcome, error) {
		return 0, &errdefs.CacheSyncError{Op: "fetch main", Err: os.ErrDeadlineExceeded}
	}
	_, err := f.UpdateAllServices(context.Background())
	var se *errdefs.CacheSyncError
	require.ErrorAs(t, err, &se)
}

func TestListRemoteServicesSkipsHiddenAndInvalid(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	mirrorService(t, f, "beta")
	mirrorService(t, f, "alpha")
	writeFile(t, filepath.Join(f.MirrorDir(), servicesSubdir, ".keep", service.ManifestFile), manifest("keep"))
	writeFile(t, filepath.Join(f.MirrorDir(), servicesSubdir, "_lib", "README.md"), "shared")
	writeFile(t, filepath.Join(f.MirrorDir(), servicesSubdir, "notes.txt"), "x")

	names, err := f.ListRemoteServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestInstalledIgnoresMirrorAndStaging(t *testing.T) {
	f, _ := newOfflineFetcher(t)
	writeFile(t, filepath.Join(f.CacheDir(), "github", service.ManifestFile), manifest("github"))
	writeFile(t, filepath.Join(f.CacheDir(), stagingPrefix+"x-1", service.ManifestFile), manifest("x"))
	require.NoError(t, os.MkdirAll(f.MirrorDir(), 0o750))

	names, err := f.Installed()
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, names)
}

func TestProgressLogSplitsLines(t *testing.T) {
	p := &progressLog{log: New("", t.TempDir(), "").log}
	n, err := p.Write([]byte("Counting objects: 1\rCounting objects: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestSyncOutcomeString(t *testing.T) {
	assert.Equal(t, "cloned", SyncCloned.String())
	assert.Equal(t, "fast_forward", SyncFastForward.String())
	assert.Equal(t, "unknown", SyncOutcome(0).String())
}
