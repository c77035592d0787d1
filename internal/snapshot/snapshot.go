// Package snapshot manages captured service state on disk. A snapshot is a
// directory <root>/<service>/<profile> holding manifest.json and the
// seed.json payload that restores it through the seed endpoint.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/seed"
	"github.com/islo-labs/doubleagent/internal/service"
	"github.com/islo-labs/doubleagent/internal/toolchain"
)

const (
	ManifestFile   = "manifest.json"
	PayloadFile    = "seed.json"
	DefaultProfile = "default"
	// EnvDir tells connector scripts where to write.
	EnvDir = "DOUBLEAGENT_SNAPSHOTS_DIR"
)

// DefaultPullCommand prefixes the connector script path.
var DefaultPullCommand = []string{"uv", "run", "python"}

// ErrComplianceMode is returned by Pull when strict compliance mode is on.
var ErrComplianceMode = errors.New("snapshot pull is disabled in compliance mode (DOUBLEAGENT_COMPLIANCE_MODE=strict)")

// Manifest describes one stored profile.
type Manifest struct {
	Service        string         `json:"service"`
	Profile        string         `json:"profile"`
	Version        int            `json:"version"`
	PulledAt       float64        `json:"pulled_at"`
	Connector      string         `json:"connector"`
	Redacted       bool           `json:"redacted"`
	ResourceCounts map[string]int `json:"resource_counts"`
}

// Pulled returns PulledAt as a time.
func (m *Manifest) Pulled() time.Time {
	sec := int64(m.PulledAt)
	return time.Unix(sec, int64((m.PulledAt-float64(sec))*1e9))
}

// Store is a snapshot root directory.
type Store struct {
	dir string
	log *slog.Logger
}

// New returns a store rooted at dir. The directory is created lazily.
func New(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log}
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func validName(kind, v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, ".") {
		return fmt.Errorf("invalid %s name %q", kind, v)
	}
	return nil
}

// Path returns the directory of service/profile.
func (s *Store) Path(svc, profile string) (string, error) {
	if err := validName("service", svc); err != nil {
		return "", err
	}
	if err := validName("profile", profile); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, svc, profile), nil
}

func notFound(svc, profile string) error {
	return errdefs.NotFound("Snapshot '%s/%s' not found", svc, profile)
}

// Inspect reads the manifest of service/profile.
func (s *Store) Inspect(svc, profile string) (*Manifest, error) {
	dir, err := s.Path(svc, profile)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(svc, profile)
	}
	return m, err
}

func readManifest(path string) (*Manifest, error) {
	// #nosec G304 -- path is built from validated names
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	return &m, nil
}

// List returns manifests, newest first. An empty svc lists every service.
// Profiles without a manifest are ignored; unreadable manifests are logged
// and skipped.
func (s *Store) List(svc string) ([]*Manifest, error) {
	var services []string
	if svc != "" {
		if err := validName("service", svc); err != nil {
			return nil, err
		}
		services = []string{svc}
	} else {
		entries, err := os.ReadDir(s.dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, &errdefs.IOError{Op: "list", Path: s.dir, Err: err}
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				services = append(services, e.Name())
			}
		}
	}

	var out []*Manifest
	for _, name := range services {
		profiles, err := os.ReadDir(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		for _, p := range profiles {
			if !p.IsDir() {
				continue
			}
			path := filepath.Join(s.dir, name, p.Name(), ManifestFile)
			m, err := readManifest(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					s.log.Debug("skipping snapshot", "path", path, "error", err)
				}
				continue
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PulledAt > out[j].PulledAt })
	return out, nil
}

// Delete removes service/profile and reports whether it existed.
func (s *Store) Delete(svc, profile string) (bool, error) {
	dir, err := s.Path(svc, profile)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, &errdefs.IOError{Op: "delete", Path: dir, Err: err}
	}
	return true, nil
}

// LoadSeedPayload returns the seed document of service/profile.
func (s *Store) LoadSeedPayload(svc, profile string) (json.RawMessage, error) {
	dir, err := s.Path(svc, profile)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(dir, PayloadFile)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.NotFound("Snapshot seed payload not found at %s", p)
	}
	return seed.Load(p)
}

// Save writes a snapshot. It is what connectors produce and what tests use
// to build fixtures.
func (s *Store) Save(m *Manifest, payload json.RawMessage) error {
	dir, err := s.Path(m.Service, m.Profile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &errdefs.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o600); err != nil {
		return &errdefs.IOError{Op: "write", Path: dir, Err: err}
	}
	if payload == nil {
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, PayloadFile), payload, 0o600); err != nil {
		return &errdefs.IOError{Op: "write", Path: dir, Err: err}
	}
	return nil
}

// PullOptions are the connector flags.
type PullOptions struct {
	Profile     string
	Limit       int
	NoRedact    bool
	Incremental bool
	Backend     string
}

// Puller runs a service's connector script to capture a snapshot.
type Puller struct {
	Store *Store
	// Command prefixes the script path; DefaultPullCommand when empty.
	Command []string
	Wrapper toolchain.Wrapper
	// Strict refuses every pull.
	Strict bool
	Stdout io.Writer
	Stderr io.Writer
}

// ConnectorScript returns the pull script of def.
func ConnectorScript(def *service.Definition) string {
	return filepath.Join(def.Path, "connector", "pull.py")
}

// Argv builds the connector command line.
func (p *Puller) Argv(def *service.Definition, opts PullOptions) []string {
	prefix := p.Command
	if len(prefix) == 0 {
		prefix = DefaultPullCommand
	}
	argv := append([]string{}, prefix...)
	argv = append(argv, ConnectorScript(def), "--service", def.Name, "--profile", opts.Profile)
	if opts.Limit > 0 {
		argv = append(argv, "--limit", strconv.Itoa(opts.Limit))
	}
	if opts.NoRedact {
		argv = append(argv, "--no-redact")
	}
	if opts.Incremental {
		argv = append(argv, "--incremental")
	}
	if opts.Backend != "" {
		argv = append(argv, "--backend", opts.Backend)
	}
	return argv
}

// Pull runs the connector for def and returns the manifest it wrote.
func (p *Puller) Pull(ctx context.Context, def *service.Definition, opts PullOptions) (*Manifest, error) {
	if p.Strict {
		return nil, ErrComplianceMode
	}
	if opts.Profile == "" {
		opts.Profile = DefaultProfile
	}
	if _, err := p.Store.Path(def.Name, opts.Profile); err != nil {
		return nil, err
	}
	if _, err := os.Stat(ConnectorScript(def)); err != nil {
		return nil, fmt.Errorf("no connector/pull.py found for service '%s'. "+
			"Add a pull script at services/%s/connector/pull.py, "+
			"or use 'doubleagent seed %s --fixture <name>' to load fixture data", def.Name, def.Name, def.Name)
	}
	w := p.Wrapper
	if w == nil {
		w = toolchain.Direct{}
	}
	if pr, ok := w.(toolchain.Preparer); ok {
		if err := pr.Prepare(ctx, def.Path); err != nil {
			return nil, err
		}
	}
	argv := p.Argv(def, opts)
	cmd, err := w.Command(def.Path, argv)
	if err != nil {
		return nil, err
	}
	cmd = withContext(ctx, cmd)
	cmd.Env = append(os.Environ(), EnvDir+"="+p.Store.Dir())
	cmd.Stdout, cmd.Stderr = p.Stdout, p.Stderr
	p.Store.log.Debug("running connector", "service", def.Name, "argv", argv)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("snapshot pull failed: %w", err)
	}
	return p.Store.Inspect(def.Name, opts.Profile)
}

// withContext rebuilds cmd so it is killed when ctx ends.
func withContext(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	// #nosec G204
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	c.Dir = cmd.Dir
	return c
}
