// Package config resolves CLI settings from defaults, an optional config file
// under the data directory, and DOUBLEAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/islo-labs/doubleagent/internal/cache"
	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/logger"
)

const (
	EnvPrefix = "DOUBLEAGENT"

	DefaultBasePort      = 8080
	DefaultHealthTimeout = 30 * time.Second

	dataDirName    = ".doubleagent"
	configFileName = "config.yaml"
	stateFileName  = "state.json"
	servicesDir    = "services"
	snapshotsDir   = "snapshots"
	logsDir        = "logs"
	cliLogFile     = "doubleagent.log"
)

// ProjectFiles are searched for, in order, in each directory from the
// working directory up to the filesystem root.
var ProjectFiles = []string{"doubleagent.yaml", "doubleagent.yml"}

// Config is the resolved runtime configuration.
type Config struct {
	Home        string
	ServicesDir string
	StateFile   string

	RepoURL string
	Branch  string

	BasePort      int
	HealthTimeout time.Duration

	Log logger.Config

	HistoryDSN      string
	MetricsTextfile string

	SnapshotsDir        string
	SnapshotPullCommand []string
	ComplianceMode      string

	// ProjectFile is the discovered doubleagent.yaml, or empty.
	ProjectFile string
}

// Strict reports whether strict compliance mode forbids pulling real data.
func (c *Config) Strict() bool { return strings.EqualFold(c.ComplianceMode, "strict") }

// Options tune Load. Zero values select the defaults.
type Options struct {
	// ConfigFile overrides <home>/config.yaml.
	ConfigFile string
	// WorkDir is where project config discovery starts (default: cwd).
	WorkDir string
	// Overrides are applied last, e.g. from CLI flags.
	Overrides map[string]any
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("repo_url", cache.DefaultRepoURL)
	v.SetDefault("branch", cache.DefaultBranch)
	v.SetDefault("base_port", DefaultBasePort)
	v.SetDefault("health_timeout", DefaultHealthTimeout)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("compliance_mode", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// historic names that do not follow the key layout
	_ = v.BindEnv("repo_url", EnvPrefix+"_SERVICES_REPO", EnvPrefix+"_REPO_URL")
	_ = v.BindEnv("snapshot.dir", EnvPrefix+"_SNAPSHOTS_DIR", EnvPrefix+"_SNAPSHOT_DIR")
	_ = v.BindEnv("history.dsn", EnvPrefix+"_HISTORY_DSN")
	_ = v.BindEnv("metrics.textfile", EnvPrefix+"_METRICS_TEXTFILE")
	_ = v.BindEnv("snapshot.pull_command", EnvPrefix+"_SNAPSHOT_PULL_COMMAND")
	_ = v.BindEnv("log.dir", EnvPrefix+"_LOG_DIR")
	return v
}

// DefaultHome returns $DOUBLEAGENT_HOME or ~/.doubleagent.
func DefaultHome() string {
	if h := os.Getenv(EnvPrefix + "_HOME"); h != "" {
		return h
	}
	base, err := os.UserHomeDir()
	if err != nil || base == "" {
		base = "."
	}
	return filepath.Join(base, dataDirName)
}

// Load resolves the configuration and creates the data and services
// directories.
func Load(opts Options) (*Config, error) {
	v := newViper()

	home := DefaultHome()
	if h, ok := opts.Overrides["home"].(string); ok && h != "" {
		home = h
	}
	cfgFile := opts.ConfigFile
	if cfgFile == "" {
		cfgFile = filepath.Join(home, configFileName)
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, os.ErrNotExist) {
			return nil, &errdefs.ManifestParseError{Path: cfgFile, Err: err}
		}
		if opts.ConfigFile != "" {
			return nil, &errdefs.IOError{Op: "read config", Path: cfgFile, Err: err}
		}
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	home, err := filepath.Abs(home)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Home:            home,
		ServicesDir:     filepath.Join(home, servicesDir),
		StateFile:       filepath.Join(home, stateFileName),
		RepoURL:         v.GetString("repo_url"),
		Branch:          v.GetString("branch"),
		BasePort:        v.GetInt("base_port"),
		HealthTimeout:   v.GetDuration("health_timeout"),
		HistoryDSN:      v.GetString("history.dsn"),
		MetricsTextfile: v.GetString("metrics.textfile"),
		SnapshotsDir:    v.GetString("snapshot.dir"),
		ComplianceMode:  v.GetString("compliance_mode"),
		Log: logger.Config{
			Level:      v.GetString("log.level"),
			File:       filepath.Join(home, logsDir, cliLogFile),
			Dir:        v.GetString("log.dir"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
	}
	if c.SnapshotsDir == "" {
		c.SnapshotsDir = filepath.Join(home, snapshotsDir)
	}
	c.SnapshotPullCommand = stringList(v.Get("snapshot.pull_command"))
	if err := c.validate(); err != nil {
		return nil, err
	}

	for _, d := range []string{c.Home, c.ServicesDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, &errdefs.IOError{Op: "mkdir", Path: d, Err: err}
		}
	}

	wd := opts.WorkDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	if wd != "" {
		c.ProjectFile = FindProjectFile(wd)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("base_port must be between 1 and 65535, got %d", c.BasePort)
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health_timeout must be positive, got %s", c.HealthTimeout)
	}
	if c.RepoURL == "" {
		return errors.New("repo_url must not be empty")
	}
	return nil
}

// stringList accepts either a YAML list or a whitespace separated string,
// which is what an environment variable yields.
func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(t)
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return strings.Fields(fmt.Sprint(t))
	}
}

// Project is the per-repository doubleagent.yaml.
type Project struct {
	Services []string `yaml:"services"`
}

// FindProjectFile walks from dir up to the root and returns the first
// project file found, or "".
func FindProjectFile(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		for _, name := range ProjectFiles {
			p := filepath.Join(dir, name)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadProject parses a project file.
func LoadProject(path string) (*Project, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, &errdefs.IOError{Op: "read", Path: path, Err: err}
	}
	var p Project
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	return &p, nil
}

// ProjectServices returns the services listed in the discovered project
// file. A missing or unreadable file yields nil.
func (c *Config) ProjectServices() []string {
	if c.ProjectFile == "" {
		return nil
	}
	p, err := LoadProject(c.ProjectFile)
	if err != nil {
		return nil
	}
	return p.Services
}
