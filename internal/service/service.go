// Package service describes a fake service as declared by its service.yaml
// manifest and knows how to load one from an install directory.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

const (
	// ManifestFile is the manifest name inside every service directory.
	ManifestFile = "service.yaml"
	// DefaultContractsDir is used when contracts.directory is omitted.
	DefaultContractsDir = "contracts"

	serverDir   = "server"
	fixturesDir = "fixtures"
)

// Definition is the identity and launch recipe of one service.
// Path is derived from the directory the manifest was read from and is
// never part of the manifest itself.
type Definition struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version,omitempty"`
	Description string     `yaml:"description,omitempty"`
	Docs        string     `yaml:"docs,omitempty"`
	Server      Server     `yaml:"server"`
	Contracts   *Contracts `yaml:"contracts,omitempty"`

	Path string `yaml:"-"`
}

// Server is the launch recipe of a service process.
type Server struct {
	Command []string          `yaml:"command"`
	Port    int               `yaml:"port,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Contracts is the contract-test runner recipe.
type Contracts struct {
	Command   []string `yaml:"command"`
	Directory string   `yaml:"directory,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if len(d.Server.Command) == 0 {
		return fmt.Errorf("service %s: server.command must not be empty", d.Name)
	}
	if d.Server.Port < 0 || d.Server.Port > 65535 {
		return fmt.Errorf("service %s: server.port %d out of range", d.Name, d.Server.Port)
	}
	if d.Contracts != nil && len(d.Contracts.Command) == 0 {
		return fmt.Errorf("service %s: contracts.command must not be empty", d.Name)
	}
	return nil
}

// ServerDir is the working directory for the server process. Manifests that
// keep their server code next to service.yaml run from Path itself.
func (d *Definition) ServerDir() string {
	dir := filepath.Join(d.Path, serverDir)
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return d.Path
}

// ContractsDir returns the absolute contract-test directory, or "" when the
// manifest has no contracts section.
func (d *Definition) ContractsDir() string {
	if d.Contracts == nil {
		return ""
	}
	return filepath.Join(d.Path, d.Contracts.Directory)
}

// Fixture resolves fixtures/<name>.yaml, falling back to .yml.
func (d *Definition) Fixture(name string) (string, error) {
	base := filepath.Join(d.Path, fixturesDir)
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(base, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("fixture '%s' not found for service '%s' (looked in %s)", name, d.Name, base)
}

// HasManifest reports whether dir contains a manifest file.
func HasManifest(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil && !fi.IsDir()
}

// Parse decodes manifest bytes. path is used only for error messages.
func Parse(data []byte, path string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	if def.Contracts != nil && def.Contracts.Directory == "" {
		def.Contracts.Directory = DefaultContractsDir
	}
	if def.Server.Env == nil {
		def.Server.Env = map[string]string{}
	}
	if err := def.Validate(); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	return &def, nil
}

// LoadDir reads dir/service.yaml and sets Path to the absolute dir.
func LoadDir(dir string) (*Definition, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &errdefs.IOError{Op: "resolve", Path: dir, Err: err}
	}
	p := filepath.Join(abs, ManifestFile)
	// #nosec G304 -- manifest path is derived from the cache directory
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &errdefs.IOError{Op: "read", Path: p, Err: err}
	}
	def, err := Parse(data, p)
	if err != nil {
		return nil, err
	}
	def.Path = abs
	return def, nil
}
