package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/islo-labs/doubleagent"
	"github.com/islo-labs/doubleagent/internal/metrics"
	"github.com/islo-labs/doubleagent/internal/seed"
	"github.com/islo-labs/doubleagent/internal/supervisor"
)

func createAddCommand(c *command, f *AddFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add [service...]",
		Short: "Add (install) services from the remote repository",
		Long: `Install services into the local cache. Without arguments the services
listed in doubleagent.yaml are installed.

Examples:
  doubleagent add github slack
  doubleagent add`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Services = args
			return c.Add(cmd.Context(), *f)
		},
	}
}

func createStartCommand(c *command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [service...]",
		Short: "Start one or more services",
		Long: `Start services, installing them first when needed. The first service
listens on --port, each following one on the next port.

Examples:
  doubleagent start github slack --port 9000
  doubleagent start --local ./services/github
  doubleagent start github --snapshot default`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Services = args
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Port, "port", "p", 0, "port for the first service (default base_port)")
	cmd.Flags().StringVarP(&f.Local, "local", "l", "", "start a service from a local directory")
	cmd.Flags().StringVar(&f.Snapshot, "snapshot", "", "load a snapshot profile as the baseline state")
	return cmd
}

func createStopCommand(c *command, f *StopFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop running services (all when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Services = args
			return c.Stop(cmd.Context(), *f)
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status of running services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createResetCommand(c *command, f *ResetFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [service...]",
		Short: "Reset service state (all running when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Services = args
			return c.Reset(cmd.Context(), *f)
		},
	}
}

func createSeedCommand(c *command, f *SeedFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <service> [file]",
		Short: "Seed a running service with data",
		Long: `Load fixture data into a running service from a YAML or JSON file, or
from a fixture pack bundled with the service.

Examples:
  doubleagent seed github --fixture startup
  doubleagent seed github path/to/data.yaml`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			if len(args) > 1 {
				f.File = args[1]
			}
			return c.Seed(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Fixture, "fixture", "", "bundled fixture pack (e.g. startup)")
	return cmd
}

func createListCommand(c *command, f *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Remote, "remote", "r", false, "show services available in the remote repository")
	return cmd
}

func createUpdateCommand(c *command, f *UpdateFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update [service...]",
		Short: "Update services to the latest version (all installed when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Services = args
			return c.Update(cmd.Context(), *f)
		},
	}
}

// Add installs f.Services, or the project's services when none are given.
func (c *command) Add(ctx context.Context, f AddFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	names := f.Services
	if len(names) == 0 {
		cfg := e.Config()
		if cfg.ProjectFile == "" {
			c.ui.Warning("No services specified and no doubleagent.yaml found")
			c.ui.Blank()
			c.ui.Println("Either specify services as arguments:")
			c.ui.Println("  " + c.ui.Subtle("doubleagent add github slack"))
			return nil
		}
		names = cfg.ProjectServices()
		if len(names) == 0 {
			c.ui.Info("No services specified in " + cfg.ProjectFile)
			return nil
		}
		c.ui.Info("Reading services from " + cfg.ProjectFile)
	}

	c.ui.Header("Adding services from remote repository...")
	var failed int
	for _, name := range names {
		def, err := e.Catalog().Add(ctx, name)
		if err != nil {
			failed++
			c.ui.Failure(fmt.Sprintf("Adding %s: %v", name, err))
			continue
		}
		c.ui.Success("Added " + name)
		c.ui.Println("    → " + c.ui.Subtle("Installed to "+def.Path))
	}
	c.ui.Blank()
	if failed > 0 {
		c.ui.Warning(fmt.Sprintf("Added %d service(s), %d failed", len(names)-failed, failed))
		return fmt.Errorf("%d service(s) failed to install", failed)
	}
	c.ui.Success(fmt.Sprintf("Added %d service(s)", len(names)))
	c.ui.Hint("doubleagent start <service>", "start a service")
	return nil
}

// Start starts services and writes .doubleagent.env for whatever came up.
func (c *command) Start(ctx context.Context, f StartFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	cfg := e.Config()
	port := f.Port
	if port == 0 {
		port = cfg.BasePort
	}

	var started []doubleagent.Started
	if f.Local != "" {
		def, err := e.Catalog().LoadLocal(f.Local)
		if err != nil {
			return err
		}
		c.ui.Step(fmt.Sprintf("Starting %s (local: %s)...", def.Name, f.Local))
		s, err := e.StartDefinition(ctx, def, port, cfg.HealthTimeout)
		if err != nil {
			return err
		}
		started = append(started, s)
	} else {
		names := f.Services
		if len(names) == 0 {
			names = cfg.ProjectServices()
		}
		if len(names) == 0 {
			return errors.New("no services specified. Use 'doubleagent start <service>' or 'doubleagent start --local <path>'")
		}
		c.ui.Step("Starting " + strings.Join(names, ", ") + "...")
		started, err = e.StartServices(ctx, names, port, cfg.HealthTimeout)
		if err != nil {
			c.reportStarted(started)
			return errors.Join(err, c.writeEnv(started))
		}
	}
	c.reportStarted(started)
	if err := c.loadSnapshot(ctx, e, started, f.Snapshot); err != nil {
		return err
	}
	return c.writeEnv(started)
}

func (c *command) reportStarted(started []doubleagent.Started) {
	for _, s := range started {
		if s.AlreadyRunning {
			c.ui.Warning(s.Name + " is already running on " + c.ui.URL(s.URL))
			continue
		}
		c.ui.Success(fmt.Sprintf("%s running on %s (PID: %d)", c.ui.Bold(s.Name), c.ui.URL(s.URL), s.PID))
		c.ui.Printf("  Export: %s=%s\n", c.ui.Bold(doubleagent.EnvVarName(s.Name)), s.URL)
	}
}

func (c *command) loadSnapshot(ctx context.Context, e *doubleagent.Engine, started []doubleagent.Started, profile string) error {
	if profile == "" {
		return nil
	}
	for _, s := range started {
		counts, err := e.LoadSnapshot(ctx, s.Name, profile)
		if err != nil {
			return fmt.Errorf("load snapshot '%s' into %s: %w", profile, s.Name, err)
		}
		c.ui.Success(fmt.Sprintf("Loaded snapshot '%s' into %s %s", profile, s.Name, formatCounts(counts)))
	}
	return nil
}

func (c *command) writeEnv(started []doubleagent.Started) error {
	if len(started) == 0 {
		return nil
	}
	path := c.envFile()
	if err := doubleagent.WriteEnvFile(path, started); err != nil {
		return err
	}
	c.ui.Blank()
	c.ui.Success(fmt.Sprintf("Wrote %s (load with 'source %s' or dotenv)", c.ui.Bold(doubleagent.EnvFile), doubleagent.EnvFile))
	return nil
}

// Stop stops f.Services, or everything that is running.
func (c *command) Stop(ctx context.Context, f StopFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	sup := e.Supervisor()
	if len(f.Services) == 0 && len(sup.RunningServices()) == 0 {
		c.ui.Println("No services running")
		return nil
	}
	for _, name := range f.Services {
		if !sup.IsRunning(name) {
			c.ui.Warning(name + " is not running")
		}
	}
	stopped, err := e.StopServices(ctx, f.Services)
	for _, name := range stopped {
		c.ui.Success("Stopped " + name)
	}
	return err
}

// Status prints one block per running service.
func (c *command) Status(ctx context.Context) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	rows := e.Status(ctx)
	if len(rows) == 0 {
		c.ui.Println("No services running")
		c.ui.Blank()
		c.ui.Hint("doubleagent start <service>", "start services")
		return nil
	}
	c.ui.Header("Running services:")
	for _, r := range rows {
		health := c.ui.Green("healthy")
		if r.State != supervisor.StateRunning {
			health = c.ui.Red("unhealthy")
		}
		c.ui.Printf("  ● %s %s [%s]\n", c.ui.Bold(r.Name), c.ui.URL(r.URL), health)
		line := fmt.Sprintf("    PID: %d  Started: %s", r.Record.PID, r.Record.StartedAt)
		if u, err := metrics.Sample(ctx, r.Name, r.Record.PID); err == nil {
			line += fmt.Sprintf("  Uptime: %s  Memory: %.1f MB", u.Uptime, u.MemoryMB())
		}
		c.ui.Println(line)
	}
	return nil
}

// Reset resets f.Services, or every running service.
func (c *command) Reset(ctx context.Context, f ResetFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	names := f.Services
	if len(names) == 0 {
		names = e.Supervisor().RunningServices()
	}
	if len(names) == 0 {
		c.ui.Println("No services to reset")
		return nil
	}
	var failed []string
	for _, name := range names {
		if _, ok := e.Supervisor().GetInfo(name); !ok {
			c.ui.Warning(name + " is not running")
			continue
		}
		if err := e.Reset(ctx, name); err != nil {
			failed = append(failed, name)
			c.ui.Failure(fmt.Sprintf("Resetting %s: %v", name, err))
			continue
		}
		c.ui.Success("Reset " + name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("reset failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// Seed posts a fixture or data file to a running service.
func (c *command) Seed(ctx context.Context, f SeedFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	if _, ok := e.Supervisor().GetInfo(f.Service); !ok {
		return fmt.Errorf("%s is not running", f.Service)
	}

	path := f.File
	switch {
	case f.Fixture != "":
		def, err := e.Catalog().Get(f.Service)
		if err != nil {
			return err
		}
		if path, err = e.Catalog().Fixture(def, f.Fixture); err != nil {
			return err
		}
	case path == "":
		return fmt.Errorf("either --fixture or a file path is required.\n"+
			"Usage: doubleagent seed %s --fixture startup\n"+
			"Usage: doubleagent seed %s path/to/data.yaml", f.Service, f.Service)
	}

	payload, err := seed.Load(path)
	if err != nil {
		return err
	}
	c.ui.Step(fmt.Sprintf("Seeding %s from %s...", f.Service, path))
	res, err := e.Seed(ctx, f.Service, payload)
	if err != nil {
		return err
	}
	c.ui.Success("Seeded " + f.Service)
	if len(res.Seeded) > 0 {
		c.ui.Println("  Seeded: " + string(res.Seeded))
	}
	return nil
}

// List prints installed services, or the remote catalog with --remote.
func (c *command) List(ctx context.Context, f ListFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	installed, err := e.Catalog().List()
	if err != nil {
		return err
	}

	if f.Remote {
		c.ui.Println(c.ui.Subtle("Fetching services from remote repository..."))
		c.ui.Blank()
		remote, err := e.Catalog().ListRemote(ctx)
		if err != nil {
			return err
		}
		if len(remote) == 0 {
			c.ui.Println("No services found in remote repository")
			return nil
		}
		have := make(map[string]bool, len(installed))
		for _, d := range installed {
			have[d.Name] = true
		}
		c.ui.Header("Available services (remote):")
		for _, name := range remote {
			state := c.ui.Subtle("not installed")
			if have[name] {
				state = c.ui.Green("installed")
			}
			c.ui.Printf("  ● %s [%s]\n", c.ui.Bold(name), state)
		}
		c.ui.Blank()
		c.ui.Hint("doubleagent add <service>", "install a service")
		return nil
	}

	if len(installed) == 0 {
		c.ui.Println("No services installed")
		c.ui.Blank()
		c.ui.Hint("doubleagent list --remote", "see available services")
		c.ui.Hint("doubleagent add <service>", "install a service")
		return nil
	}
	c.ui.Header("Installed services:")
	for _, d := range installed {
		c.ui.Printf("  ● %s - %s\n", c.ui.Bold(d.Name), c.ui.Subtle(d.Description))
		if d.Docs != "" {
			c.ui.Println("    " + c.ui.Subtle(d.Docs))
		}
	}
	c.ui.Blank()
	c.ui.Hint("doubleagent start <service>", "start a service")
	return nil
}

// Update refreshes f.Services, or every installed service.
func (c *command) Update(ctx context.Context, f UpdateFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	if len(f.Services) == 0 {
		c.ui.Header("Updating all installed services...")
		res, err := e.Catalog().UpdateAll(ctx)
		if err != nil {
			return err
		}
		for _, name := range res.Updated {
			c.ui.Success(name + " updated")
		}
		failed := make([]string, 0, len(res.Failed))
		for name := range res.Failed {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		for _, name := range failed {
			c.ui.Failure(fmt.Sprintf("%s: %v", name, res.Failed[name]))
		}
		if len(res.Updated) == 0 && len(res.Failed) == 0 {
			c.ui.Info("No services installed to update")
			c.ui.Hint("doubleagent add <service>", "install services first")
			return nil
		}
		c.ui.Blank()
		c.ui.Success(fmt.Sprintf("Updated %d service(s)", len(res.Updated)))
		return nil
	}

	c.ui.Header("Updating services...")
	var failed int
	for _, name := range f.Services {
		if _, err := e.Catalog().Update(ctx, name); err != nil {
			failed++
			c.ui.Failure(fmt.Sprintf("Updating %s: %v", name, err))
			continue
		}
		c.ui.Success(name + " updated")
	}
	if failed > 0 {
		return fmt.Errorf("%d service(s) failed to update", failed)
	}
	return nil
}

// formatCounts renders resource counts as "(issues: 3, repos: 2)".
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "(empty)"
	}
	return "(" + resourceSummary(counts) + ")"
}
