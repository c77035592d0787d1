// Package catalog resolves service names to parsed manifests in the install
// directory, installing them from the remote repository on demand.
package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/islo-labs/doubleagent/internal/cache"
	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/service"
)

// Fetcher is the part of the cache the catalog drives.
type Fetcher interface {
	FetchService(ctx context.Context, name string) (string, error)
	UpdateService(ctx context.Context, name string) (string, error)
	UpdateAllServices(ctx context.Context) (cache.BulkResult, error)
	ListRemoteServices(ctx context.Context) ([]string, error)
}

// Catalog reads manifests from servicesDir/<name>/service.yaml.
type Catalog struct {
	dir     string
	fetcher Fetcher
	log     *slog.Logger
}

func New(servicesDir string, fetcher Fetcher) *Catalog {
	return &Catalog{dir: servicesDir, fetcher: fetcher, log: slog.Default()}
}

// WithLogger returns c logging to l.
func (c *Catalog) WithLogger(l *slog.Logger) *Catalog {
	c.log = l
	return c
}

func (c *Catalog) Dir() string { return c.dir }

func (c *Catalog) path(name string) string { return filepath.Join(c.dir, name) }

// IsInstalled reports whether name has an install directory holding a
// manifest.
func (c *Catalog) IsInstalled(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return service.HasManifest(c.path(name))
}

// Get loads the installed manifest for name.
func (c *Catalog) Get(name string) (*service.Definition, error) {
	if !c.IsInstalled(name) {
		return nil, errdefs.NotFound("Service '%s' not found. Run 'doubleagent add %s' to install it.", name, name)
	}
	return service.LoadDir(c.path(name))
}

// GetOrInstall returns the installed definition, fetching it first when it
// is missing and autoInstall is set.
func (c *Catalog) GetOrInstall(ctx context.Context, name string, autoInstall bool) (*service.Definition, error) {
	if c.IsInstalled(name) {
		return c.Get(name)
	}
	if !autoInstall {
		return c.Get(name)
	}
	c.log.Info("Service not installed, fetching", "name", name)
	if _, err := c.fetcher.FetchService(ctx, name); err != nil {
		return nil, err
	}
	return c.Get(name)
}

// List parses every installed manifest, sorted by name. Entries that fail
// to parse are skipped so one broken service does not hide the rest.
func (c *Catalog) List() ([]*service.Definition, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*service.Definition{}, nil
		}
		return nil, &errdefs.IOError{Op: "readdir", Path: c.dir, Err: err}
	}
	defs := []*service.Definition{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		def, err := service.LoadDir(c.path(e.Name()))
		if err != nil {
			c.log.Debug("Skipping unreadable service", "name", e.Name(), "error", err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (c *Catalog) ListRemote(ctx context.Context) ([]string, error) {
	return c.fetcher.ListRemoteServices(ctx)
}

// Add installs (or reinstalls) name and returns its definition.
func (c *Catalog) Add(ctx context.Context, name string) (*service.Definition, error) {
	if _, err := c.fetcher.FetchService(ctx, name); err != nil {
		return nil, err
	}
	return c.Get(name)
}

// Update refreshes an installed service from the remote.
func (c *Catalog) Update(ctx context.Context, name string) (*service.Definition, error) {
	if _, err := c.fetcher.UpdateService(ctx, name); err != nil {
		return nil, err
	}
	return c.Get(name)
}

func (c *Catalog) UpdateAll(ctx context.Context) (cache.BulkResult, error) {
	return c.fetcher.UpdateAllServices(ctx)
}

// LoadLocal reads a service under development straight from dir, without
// going through the install directory.
func (c *Catalog) LoadLocal(dir string) (*service.Definition, error) {
	if !service.HasManifest(dir) {
		return nil, errdefs.NotFound("No %s found in %s", service.ManifestFile, dir)
	}
	return service.LoadDir(dir)
}

// Fixture resolves a named fixture file of def.
func (c *Catalog) Fixture(def *service.Definition, name string) (string, error) {
	return def.Fixture(name)
}
