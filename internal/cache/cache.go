// Package cache keeps a local git mirror of the services monorepo and
// materializes individual service subtrees into a flat install directory.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cp "github.com/otiai10/copy"

	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/metrics"
	"github.com/islo-labs/doubleagent/internal/service"
)

const (
	// DefaultRepoURL is the upstream services monorepo.
	DefaultRepoURL = "https://github.com/islo-labs/doubleagent.git"
	// DefaultBranch is fetched when no branch override is configured.
	DefaultBranch = "main"

	mirrorDirName  = ".repo"
	servicesSubdir = "services"
	stagingPrefix  = ".staging-"
)

// Fetcher owns the mirror under <cacheDir>/.repo and the installed service
// directories next to it.
type Fetcher struct {
	repoURL   string
	cacheDir  string
	mirrorDir string
	branch    string
	depth     int
	log       *slog.Logger
	progress  io.Writer

	// syncFn is swapped in tests to avoid network access.
	syncFn func(ctx context.Context) (SyncOutcome, error)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithDepth sets the clone/fetch depth. Zero fetches full history.
func WithDepth(depth int) Option { return func(f *Fetcher) { f.depth = depth } }

// WithLogger sets the logger used for fetch and sync messages.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithProgress sends raw git transfer progress to w instead of the debug log.
func WithProgress(w io.Writer) Option { return func(f *Fetcher) { f.progress = w } }

// New returns a Fetcher for repoURL@branch caching into cacheDir.
func New(repoURL, cacheDir, branch string, opts ...Option) *Fetcher {
	if repoURL == "" {
		repoURL = DefaultRepoURL
	}
	if branch == "" {
		branch = DefaultBranch
	}
	f := &Fetcher{
		repoURL:   repoURL,
		cacheDir:  cacheDir,
		mirrorDir: filepath.Join(cacheDir, mirrorDirName),
		branch:    branch,
		depth:     1,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.progress == nil {
		f.progress = &progressLog{log: f.log}
	}
	f.syncFn = f.gitSync
	return f
}

func (f *Fetcher) RepoURL() string   { return f.repoURL }
func (f *Fetcher) Branch() string    { return f.branch }
func (f *Fetcher) CacheDir() string  { return f.cacheDir }
func (f *Fetcher) MirrorDir() string { return f.mirrorDir }

// Sync brings the mirror up to date with the remote branch.
func (f *Fetcher) Sync(ctx context.Context) (SyncOutcome, error) {
	if err := os.MkdirAll(f.cacheDir, 0o750); err != nil {
		return 0, &errdefs.IOError{Op: "mkdir", Path: f.cacheDir, Err: err}
	}
	out, err := f.syncFn(ctx)
	if err != nil {
		metrics.IncCacheSync("error")
		return 0, err
	}
	metrics.IncCacheSync(out.String())
	f.log.Debug("Mirror synchronized", "outcome", out.String(), "dir", f.mirrorDir)
	return out, nil
}

// FetchService syncs the mirror and (re)installs services/<name>.
// It returns the install path.
func (f *Fetcher) FetchService(ctx context.Context, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	f.log.Info("Fetching service", "name", name, "repo", f.repoURL, "branch", f.branch)
	if _, err := f.Sync(ctx); err != nil {
		return "", err
	}
	return f.extract(name)
}

// UpdateService re-fetches a service that is already installed.
func (f *Fetcher) UpdateService(ctx context.Context, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if fi, err := os.Stat(filepath.Join(f.cacheDir, name)); err != nil || !fi.IsDir() {
		return "", errdefs.NotFound("Service '%s' is not installed. Use 'doubleagent add %s' first.", name, name)
	}
	return f.FetchService(ctx, name)
}

// BulkResult carries the outcome of a best-effort batch operation.
type BulkResult struct {
	Updated []string
	Failed  map[string]error
}

// Err joins every per-item failure, or returns nil.
func (r BulkResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for n := range r.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+r.Failed[n].Error())
	}
	return fmt.Errorf("%d service(s) failed to update: %s", len(names), strings.Join(parts, "; "))
}

// UpdateAllServices syncs once and then refreshes every installed service.
// A failure on one service is logged and recorded; the batch continues.
func (f *Fetcher) UpdateAllServices(ctx context.Context) (BulkResult, error) {
	res := BulkResult{Failed: map[string]error{}}
	if _, err := f.Sync(ctx); err != nil {
		return res, err
	}
	names, err := f.Installed()
	if err != nil {
		return res, err
	}
	for _, name := range names {
		if _, err := f.extract(name); err != nil {
			f.log.Warn("Failed to update service", "name", name, "error", err)
			res.Failed[name] = err
			continue
		}
		res.Updated = append(res.Updated, name)
	}
	return res, nil
}

// ListRemoteServices syncs the mirror and lists services/<name> directories
// that carry a manifest. Hidden entries are ignored.
func (f *Fetcher) ListRemoteServices(ctx context.Context) ([]string, error) {
	if _, err := f.Sync(ctx); err != nil {
		return nil, err
	}
	return listServiceDirs(filepath.Join(f.mirrorDir, servicesSubdir))
}

// Installed lists service names currently present in the install directory.
func (f *Fetcher) Installed() ([]string, error) {
	return listServiceDirs(f.cacheDir)
}

func listServiceDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, &errdefs.IOError{Op: "readdir", Path: root, Err: err}
	}
	names := []string{}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.IsDir() {
			continue
		}
		if service.HasManifest(filepath.Join(root, e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// extract copies services/<name> from the mirror into the install directory.
// The copy lands in a hidden staging directory first so a failed copy never
// leaves a half-written install behind.
func (f *Fetcher) extract(name string) (string, error) {
	src := filepath.Join(f.mirrorDir, servicesSubdir, name)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return "", errdefs.NotFound("Service '%s' not found in repository. Run 'doubleagent list --remote' to see available services.", name)
	}
	if !service.HasManifest(src) {
		return "", fmt.Errorf("service '%s' is missing %s file", name, service.ManifestFile)
	}

	staging, err := os.MkdirTemp(f.cacheDir, stagingPrefix+name+"-")
	if err != nil {
		return "", &errdefs.IOError{Op: "mkdir", Path: f.cacheDir, Err: err}
	}
	if err := cp.Copy(src, staging, cp.Options{Skip: skipVCSMeta}); err != nil {
		_ = os.RemoveAll(staging)
		return "", &errdefs.IOError{Op: "copy", Path: src, Err: err}
	}

	dest := filepath.Join(f.cacheDir, name)
	if _, err := os.Stat(dest); err == nil {
		f.log.Debug("Removing existing cached service", "path", dest)
		if err := os.RemoveAll(dest); err != nil {
			_ = os.RemoveAll(staging)
			return "", &errdefs.IOError{Op: "remove", Path: dest, Err: err}
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		_ = os.RemoveAll(staging)
		return "", &errdefs.IOError{Op: "rename", Path: dest, Err: err}
	}
	f.log.Info("Service cached", "name", name, "path", dest)
	return dest, nil
}

func skipVCSMeta(info os.FileInfo, _, _ string) (bool, error) {
	return info.Name() == ".git", nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return errdefs.NotFound("invalid service name %q", name)
	}
	return nil
}

// progressLog forwards sideband progress lines to the debug log.
type progressLog struct{ log *slog.Logger }

func (p *progressLog) Write(b []byte) (int, error) {
	for _, line := range strings.FieldsFunc(string(b), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if line = strings.TrimSpace(line); line != "" {
			p.log.Debug("git", "progress", line)
		}
	}
	return len(b), nil
}
