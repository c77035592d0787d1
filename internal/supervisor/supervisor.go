// Package supervisor spawns service processes, tracks them by pid in a JSON
// state file and answers liveness and health questions about them.
//
// The CLI exits between commands, so no process handle outlives the call
// that spawned it: everything after the spawn goes through the recorded pid.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/islo-labs/doubleagent/internal/env"
	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/history"
	"github.com/islo-labs/doubleagent/internal/logger"
	"github.com/islo-labs/doubleagent/internal/metrics"
	"github.com/islo-labs/doubleagent/internal/service"
	"github.com/islo-labs/doubleagent/internal/toolchain"
	"github.com/islo-labs/doubleagent/pkg/client"
)

const (
	// HealthPath is polled on every service.
	HealthPath = client.HealthPath

	DefaultPollInterval   = 500 * time.Millisecond
	DefaultRequestTimeout = 2 * time.Second
)

// State is the lifecycle phase of one service name.
type State int

const (
	StateUnknown State = iota
	StateStarting
	StateRunning
	StateUnhealthy
	StateStopped
	StateDied
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopped:
		return "stopped"
	case StateDied:
		return "died"
	default:
		return "unknown"
	}
}

// Supervisor owns the in-memory record map loaded from the state file.
// It is not safe for concurrent use; one CLI invocation drives it.
type Supervisor struct {
	stateFile string
	records   map[string]Record
	phases    map[string]State

	log       *slog.Logger
	toolchain toolchain.Wrapper
	output    logger.Config
	sink      history.Sink
	client    *http.Client
	interval  time.Duration
	alive     func(int) bool
	now       func() time.Time
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithToolchain sets how service commands are wrapped. Default: toolchain.Direct.
func WithToolchain(w toolchain.Wrapper) Option { return func(s *Supervisor) { s.toolchain = w } }

// WithOutput captures service stdout/stderr according to c. By default the
// output is discarded.
func WithOutput(c logger.Config) Option { return func(s *Supervisor) { s.output = c } }

// WithHistory sends lifecycle events to sink.
func WithHistory(sink history.Sink) Option { return func(s *Supervisor) { s.sink = sink } }

// WithPollInterval overrides the health polling cadence.
func WithPollInterval(d time.Duration) Option { return func(s *Supervisor) { s.interval = d } }

func withLiveness(f func(int) bool) Option { return func(s *Supervisor) { s.alive = f } }

// Load reads stateFile and drops every record whose process is gone. The
// file itself is left untouched until Save.
func Load(stateFile string, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		stateFile: stateFile,
		phases:    map[string]State{},
		log:       slog.Default(),
		toolchain: toolchain.Direct{},
		client:    &http.Client{Timeout: DefaultRequestTimeout},
		interval:  DefaultPollInterval,
		alive:     ProcessAlive,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	recs, parsed, err := readState(stateFile)
	if err != nil {
		return nil, err
	}
	if !parsed {
		s.log.Warn("Ignoring unreadable state file", "path", stateFile)
	}
	s.records = make(map[string]Record, len(recs))
	for name, rec := range recs {
		if s.alive(rec.PID) {
			s.records[name] = rec
			continue
		}
		s.log.Debug("Dropping stale record", "name", name, "pid", rec.PID)
	}
	metrics.SetRunning(len(s.records))
	return s, nil
}

// StateFile is the path Save writes to.
func (s *Supervisor) StateFile() string { return s.stateFile }

// IsRunning reports whether name has a record whose process is alive.
func (s *Supervisor) IsRunning(name string) bool {
	rec, ok := s.records[name]
	return ok && s.alive(rec.PID)
}

// RunningServices returns the names with a record, sorted.
func (s *Supervisor) RunningServices() []string { return sortedKeys(s.records) }

// GetInfo returns the record for name.
func (s *Supervisor) GetInfo(name string) (Record, bool) {
	rec, ok := s.records[name]
	return rec, ok
}

// Start spawns the manifest's server command detached from the CLI and
// records it under def.Name, replacing any previous record.
func (s *Supervisor) Start(ctx context.Context, def *service.Definition, port int) (int, error) {
	dir := def.ServerDir()
	w := toolchain.ForService(s.toolchain, def.Path)
	if p, ok := w.(toolchain.Preparer); ok {
		if err := p.Prepare(ctx, dir); err != nil {
			return 0, err
		}
	}
	cmd, err := w.Command(dir, def.Server.Command)
	if err != nil {
		return 0, err
	}
	cmd.Dir = dir
	cmd.Env = buildEnv(os.Environ(), port, def.Server.Env)
	detach(cmd)

	stdout, stderr, err := s.output.OutputFiles(def.Name)
	if err != nil {
		return 0, &errdefs.IOError{Op: "open service log", Path: s.output.Dir, Err: err}
	}
	if stdout != nil {
		cmd.Stdout, cmd.Stderr = stdout, stderr
		defer func() {
			_ = stdout.Close()
			_ = stderr.Close()
		}()
	}

	if err := cmd.Start(); err != nil {
		return 0, &errdefs.IOError{Op: "spawn", Path: def.Server.Command[0], Err: err}
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while this invocation is still alive, so a
	// crash is seen as "gone" rather than a zombie that still answers signal 0.
	go func() { _ = cmd.Wait() }()

	s.records[def.Name] = Record{
		PID:         pid,
		Port:        port,
		StartedAt:   strconv.FormatInt(s.now().Unix(), 10),
		ServicePath: def.Path,
	}
	s.phases[def.Name] = StateStarting
	s.log.Info("Service spawned", "name", def.Name, "pid", pid, "port", port, "dir", dir)
	metrics.IncStart(def.Name)
	metrics.SetRunning(len(s.records))
	s.emit(ctx, history.EventStart, def.Name, "")
	return pid, nil
}

// buildEnv layers PORT and then the manifest env over the inherited
// environment. Manifest values may reference ${PORT} or any inherited name.
func buildEnv(base []string, port int, extra map[string]string) []string {
	return env.Merge(base, map[string]string{"PORT": strconv.Itoa(port)}, extra)
}

// Stop terminates the recorded process and forgets it. Signal failures are
// swallowed: once the record is gone the service is no longer tracked.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	rec, ok := s.records[name]
	if !ok {
		return nil
	}
	terminate(rec.PID)
	delete(s.records, name)
	s.phases[name] = StateStopped
	s.log.Info("Service stopped", "name", name, "pid", rec.PID)
	metrics.IncStop(name)
	metrics.SetRunning(len(s.records))
	s.emitRecord(ctx, history.EventStop, name, rec, "")
	return nil
}

var errNotReady = errors.New("health endpoint not ready")

// WaitForHealth polls the health endpoint until it answers 2xx. It returns
// errdefs.ErrServiceProcessDied as soon as the process is found dead and a
// *errdefs.HealthCheckTimeoutError once timeout elapses.
func (s *Supervisor) WaitForHealth(ctx context.Context, name string, port int, timeout time.Duration) error {
	started := s.now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := func() error {
		if s.probe(wctx, port) {
			return nil
		}
		if rec, ok := s.records[name]; ok && !s.alive(rec.PID) {
			return backoff.Permanent(fmt.Errorf("service '%s' (pid %d): %w", name, rec.PID, errdefs.ErrServiceProcessDied))
		}
		return errNotReady
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(s.interval), wctx))
	switch {
	case err == nil:
		s.phases[name] = StateRunning
		metrics.ObserveHealthWait(name, s.now().Sub(started).Seconds())
		s.log.Debug("Service healthy", "name", name, "port", port)
		return nil
	case errors.Is(err, errdefs.ErrServiceProcessDied):
		s.phases[name] = StateDied
		metrics.IncHealthFailure(name, "died")
		s.emit(ctx, history.EventDied, name, err.Error())
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		terr := &errdefs.HealthCheckTimeoutError{Seconds: int(timeout / time.Second)}
		s.phases[name] = StateUnhealthy
		metrics.IncHealthFailure(name, "timeout")
		s.emit(ctx, history.EventUnhealthy, name, terr.Error())
		return terr
	}
}

// CheckHealth performs one probe against name's recorded port. Any failure,
// including a missing record, is reported as false.
func (s *Supervisor) CheckHealth(ctx context.Context, name string) bool {
	rec, ok := s.records[name]
	if !ok {
		return false
	}
	return s.probe(ctx, rec.Port)
}

func (s *Supervisor) probe(ctx context.Context, port int) bool {
	url := "http://localhost:" + strconv.Itoa(port) + HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Status combines the record, liveness and a health probe into a State.
func (s *Supervisor) Status(ctx context.Context, name string) State {
	rec, ok := s.records[name]
	if !ok {
		if p, seen := s.phases[name]; seen {
			return p
		}
		return StateUnknown
	}
	if !s.alive(rec.PID) {
		return StateDied
	}
	if s.probe(ctx, rec.Port) {
		return StateRunning
	}
	if s.phases[name] == StateStarting {
		return StateStarting
	}
	return StateUnhealthy
}

// Save writes the full record map to the state file.
func (s *Supervisor) Save() error { return s.SaveTo(s.stateFile) }

// SaveTo writes the full record map to path.
func (s *Supervisor) SaveTo(path string) error { return writeState(path, s.records) }

func (s *Supervisor) emit(ctx context.Context, typ history.EventType, name, detail string) {
	s.emitRecord(ctx, typ, name, s.records[name], detail)
}

func (s *Supervisor) emitRecord(ctx context.Context, typ history.EventType, name string, rec Record, detail string) {
	if s.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err := s.sink.Send(sctx, history.Event{
		Type:       typ,
		OccurredAt: s.now().UTC(),
		Service:    name,
		PID:        rec.PID,
		Port:       rec.Port,
		Detail:     detail,
	})
	if err != nil {
		s.log.Warn("Failed to record history event", "event", typ, "name", name, "error", err)
	}
}
