// Package doubleagent wires the catalog, the process supervisor and the
// optional history and metrics sinks into the operations the CLI exposes:
// resolve a service, start it with rollback, stop it, and talk to it.
package doubleagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/islo-labs/doubleagent/internal/cache"
	"github.com/islo-labs/doubleagent/internal/catalog"
	"github.com/islo-labs/doubleagent/internal/config"
	"github.com/islo-labs/doubleagent/internal/env"
	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/history"
	"github.com/islo-labs/doubleagent/internal/history/factory"
	"github.com/islo-labs/doubleagent/internal/metrics"
	"github.com/islo-labs/doubleagent/internal/service"
	"github.com/islo-labs/doubleagent/internal/snapshot"
	"github.com/islo-labs/doubleagent/internal/supervisor"
	"github.com/islo-labs/doubleagent/internal/toolchain"
	"github.com/islo-labs/doubleagent/pkg/client"
)

// EnvFile is written by start with one URL variable per started service.
const EnvFile = ".doubleagent.env"

// ContractPort is where contract runs start the service under test.
const ContractPort = 18080

// Re-exported for embedders.
type (
	Definition  = service.Definition
	Record      = supervisor.Record
	HistorySink = history.Sink
)

// Started describes one service after StartServices.
type Started struct {
	Name string
	Port int
	PID  int
	URL  string
	// AlreadyRunning is set when the service was found running and left as is.
	AlreadyRunning bool
}

// Engine is the façade over catalog and supervisor.
type Engine struct {
	cfg        *config.Config
	log        *slog.Logger
	catalog    *catalog.Catalog
	supervisor *supervisor.Supervisor
	snapshots  *snapshot.Store
	toolchain  toolchain.Wrapper
	sink       history.Sink
	registry   *prometheus.Registry

	contractPort int
}

type options struct {
	log       *slog.Logger
	fetcher   catalog.Fetcher
	toolchain toolchain.Wrapper
	sink      history.Sink
	progress  io.Writer
	supOpts   []supervisor.Option

	contractPort int
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithFetcher replaces the git backed cache, mostly for tests.
func WithFetcher(f catalog.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithToolchain replaces the mise aware command wrapper.
func WithToolchain(w toolchain.Wrapper) Option { return func(o *options) { o.toolchain = w } }

// WithHistory sets the history sink instead of opening cfg.HistoryDSN.
func WithHistory(s history.Sink) Option { return func(o *options) { o.sink = s } }

// WithProgress receives git transfer progress.
func WithProgress(w io.Writer) Option { return func(o *options) { o.progress = w } }

// WithContractPort moves contract runs off ContractPort.
func WithContractPort(p int) Option { return func(o *options) { o.contractPort = p } }

// WithSupervisorOptions passes extra options to the supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) { o.supOpts = append(o.supOpts, opts...) }
}

// New builds an engine from a resolved configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{log: slog.Default(), toolchain: toolchain.Mise{}, contractPort: ContractPort}
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{cfg: cfg, log: o.log, toolchain: o.toolchain, sink: o.sink, contractPort: o.contractPort}

	if cfg.MetricsTextfile != "" {
		e.registry = prometheus.NewRegistry()
		if err := metrics.Register(e.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if e.sink == nil && cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			// history is best effort
			e.log.Warn("History sink disabled", "error", err)
		} else {
			e.sink = sink
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		copts := []cache.Option{cache.WithLogger(o.log)}
		if o.progress != nil {
			copts = append(copts, cache.WithProgress(o.progress))
		}
		fetcher = cache.New(cfg.RepoURL, cfg.ServicesDir, cfg.Branch, copts...)
	}
	e.catalog = catalog.New(cfg.ServicesDir, fetcher).WithLogger(o.log)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(o.log),
		supervisor.WithToolchain(o.toolchain),
		supervisor.WithOutput(cfg.Log),
	}
	if e.sink != nil {
		supOpts = append(supOpts, supervisor.WithHistory(e.sink))
	}
	sup, err := supervisor.Load(cfg.StateFile, append(supOpts, o.supOpts...)...)
	if err != nil {
		_ = e.closeSink()
		return nil, err
	}
	e.supervisor = sup
	e.snapshots = snapshot.New(cfg.SnapshotsDir, o.log)
	return e, nil
}

// Close flushes metrics to the textfile and closes the history sink.
func (e *Engine) Close() error {
	var errs []error
	if e.registry != nil {
		if err := metrics.WriteTextfile(e.registry, e.cfg.MetricsTextfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	errs = append(errs, e.closeSink())
	return errors.Join(errs...)
}

func (e *Engine) closeSink() error {
	if c, ok := e.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (e *Engine) Config() *config.Config             { return e.cfg }
func (e *Engine) Catalog() *catalog.Catalog          { return e.catalog }
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.supervisor }
func (e *Engine) Snapshots() *snapshot.Store         { return e.snapshots }
func (e *Engine) Toolchain() toolchain.Wrapper       { return e.toolchain }
func (e *Engine) History() history.Sink              { return e.sink }

// Resolve returns the installed definition of name, fetching it when
// autoInstall is set.
func (e *Engine) Resolve(ctx context.Context, name string, autoInstall bool) (*service.Definition, error) {
	return e.catalog.GetOrInstall(ctx, name, autoInstall)
}

// StartServices starts names one at a time, the i-th on basePort+i. A
// service that is already running keeps its port. When a start or health
// wait fails, the service just spawned is stopped, state is saved and the
// error is returned; services started earlier in the call stay up.
func (e *Engine) StartServices(ctx context.Context, names []string, basePort int, timeout time.Duration) ([]Started, error) {
	var out []Started
	for i, name := range names {
		if rec, ok := e.supervisor.GetInfo(name); ok {
			e.log.Info("Service already running", "name", name, "port", rec.Port)
			out = append(out, Started{Name: name, Port: rec.Port, PID: rec.PID, URL: client.URLForPort(rec.Port), AlreadyRunning: true})
			continue
		}
		def, err := e.Resolve(ctx, name, true)
		if err != nil {
			return out, errors.Join(err, e.supervisor.Save())
		}
		s, err := e.startAndWait(ctx, def, basePort+i, timeout)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, e.supervisor.Save()
}

// StartDefinition starts an already resolved definition, as used for local
// development directories and contract runs. A service of the same name
// running from another directory is reported as ErrServiceAlreadyRunning.
func (e *Engine) StartDefinition(ctx context.Context, def *service.Definition, port int, timeout time.Duration) (Started, error) {
	if rec, ok := e.supervisor.GetInfo(def.Name); ok {
		if rec.ServicePath != "" && rec.ServicePath != def.Path {
			return Started{}, fmt.Errorf("%w from %s on port %d. Stop it first with 'doubleagent stop %s'",
				errdefs.AlreadyRunning(def.Name), rec.ServicePath, rec.Port, def.Name)
		}
		return Started{Name: def.Name, Port: rec.Port, PID: rec.PID, URL: client.URLForPort(rec.Port), AlreadyRunning: true}, nil
	}
	s, err := e.startAndWait(ctx, def, port, timeout)
	if err != nil {
		return s, err
	}
	return s, e.supervisor.Save()
}

// startAndWait is the per-service unit: spawn, wait for health and, on any
// failure, stop and persist before returning.
func (e *Engine) startAndWait(ctx context.Context, def *service.Definition, port int, timeout time.Duration) (Started, error) {
	pid, err := e.supervisor.Start(ctx, def, port)
	if err != nil {
		return Started{}, errors.Join(err, e.supervisor.Save())
	}
	if err := e.supervisor.WaitForHealth(ctx, def.Name, port, timeout); err != nil {
		_ = e.supervisor.Stop(ctx, def.Name)
		return Started{}, errors.Join(fmt.Errorf("health check failed for %s: %w", def.Name, err), e.supervisor.Save())
	}
	return Started{Name: def.Name, Port: port, PID: pid, URL: client.URLForPort(port)}, nil
}

// StopServices stops names, or every recorded service when names is empty,
// and saves state. Every matching record is dropped, even when its process
// already died; only names whose process was alive are returned.
func (e *Engine) StopServices(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		names = e.supervisor.RunningServices()
	}
	var stopped []string
	for _, name := range names {
		if _, ok := e.supervisor.GetInfo(name); !ok {
			continue
		}
		alive := e.supervisor.IsRunning(name)
		if err := e.supervisor.Stop(ctx, name); err != nil {
			e.log.Warn("Failed to stop service", "name", name, "error", err)
			continue
		}
		if alive {
			stopped = append(stopped, name)
		}
	}
	return stopped, e.supervisor.Save()
}

// EnvVarName is DOUBLEAGENT_<NAME>_URL with dashes turned into underscores.
func EnvVarName(name string) string {
	n := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "DOUBLEAGENT_" + n + "_URL"
}

// EnvVars maps each started service to its URL variable.
func EnvVars(started []Started) map[string]string {
	vars := make(map[string]string, len(started))
	for _, s := range started {
		vars[EnvVarName(s.Name)] = s.URL
	}
	return vars
}

// WriteEnvFile writes started as a dotenv file. Nothing is written for an
// empty list.
func WriteEnvFile(path string, started []Started) error {
	if len(started) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("# Generated by doubleagent - do not edit\n")
	b.WriteString("# Load with: source .doubleagent.env (bash) or use dotenv library\n\n")
	for _, kv := range env.Var(EnvVars(started)).List() {
		b.WriteString(kv + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return &errdefs.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// clientFor returns a control client for a running service.
func (e *Engine) clientFor(name string) (*client.Client, error) {
	rec, ok := e.supervisor.GetInfo(name)
	if !ok {
		return nil, fmt.Errorf("%s is not running", name)
	}
	return client.New(client.Config{BaseURL: client.URLForPort(rec.Port), Logger: e.log}), nil
}

// Reset clears the state of a running service.
func (e *Engine) Reset(ctx context.Context, name string) error {
	c, err := e.clientFor(name)
	if err != nil {
		return err
	}
	return c.Reset(ctx)
}

// Seed posts payload to a running service.
func (e *Engine) Seed(ctx context.Context, name string, payload json.RawMessage) (*client.SeedResponse, error) {
	c, err := e.clientFor(name)
	if err != nil {
		return nil, err
	}
	return c.Seed(ctx, payload)
}

// LoadSnapshot installs the snapshot profile of a running service as its
// baseline.
func (e *Engine) LoadSnapshot(ctx context.Context, name, profile string) (map[string]int, error) {
	payload, err := e.snapshots.LoadSeedPayload(name, profile)
	if err != nil {
		return nil, err
	}
	c, err := e.clientFor(name)
	if err != nil {
		return nil, err
	}
	return c.Bootstrap(ctx, payload)
}

// ServiceStatus is one row of the status report.
type ServiceStatus struct {
	Name   string
	Record supervisor.Record
	State  supervisor.State
	URL    string
}

// Status reports every running service.
func (e *Engine) Status(ctx context.Context) []ServiceStatus {
	names := e.supervisor.RunningServices()
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		rec, _ := e.supervisor.GetInfo(name)
		out = append(out, ServiceStatus{
			Name:   name,
			Record: rec,
			State:  e.supervisor.Status(ctx, name),
			URL:    client.URLForPort(rec.Port),
		})
	}
	return out
}

// ContractCommand prepares the contract test command of def against a
// service reachable at url. The caller runs it.
func (e *Engine) ContractCommand(def *service.Definition, url string) (*exec.Cmd, error) {
	if def.Contracts == nil {
		return nil, fmt.Errorf("no contracts configuration found in service.yaml for '%s'. "+
			"Add a 'contracts' section with a 'command' to run tests", def.Name)
	}
	dir := def.ContractsDir()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("contracts directory not found for %s. Expected: %s", def.Name, dir)
	}
	w := toolchain.ForService(e.toolchain, def.Path)
	cmd, err := w.Command(dir, def.Contracts.Command)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	cmd.Env = env.Merge(os.Environ(), map[string]string{EnvVarName(def.Name): url})
	return cmd, nil
}

// RunContracts starts def on the contract port, runs its contract tests and
// stops it again unless it was already running. The exit code of the test
// command is returned, or 1 when it was killed by a signal.
func (e *Engine) RunContracts(ctx context.Context, def *service.Definition, stdout, stderr io.Writer) (int, error) {
	if p, ok := toolchain.ForService(e.toolchain, def.Path).(toolchain.Preparer); ok {
		if err := p.Prepare(ctx, def.Path); err != nil {
			return 0, fmt.Errorf("failed to install mise tools for '%s' at %s: %w", def.Name, def.Path, err)
		}
	}
	s, err := e.StartDefinition(ctx, def, e.contractPort, e.cfg.HealthTimeout)
	if err != nil {
		return 0, err
	}
	cmd, err := e.ContractCommand(def, s.URL)
	if err == nil {
		cmd.Stdout, cmd.Stderr = stdout, stderr
		err = cmd.Run()
	}
	if !s.AlreadyRunning {
		if _, stopErr := e.StopServices(ctx, []string{def.Name}); stopErr != nil {
			e.log.Warn("Failed to save state after contract run", "error", stopErr)
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to execute contract tests for '%s': %w", def.Name, err)
	}
	return 0, nil
}
