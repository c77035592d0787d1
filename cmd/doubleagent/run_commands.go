package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/islo-labs/doubleagent"
	"github.com/islo-labs/doubleagent/internal/env"
)

func createContractCommand(c *command, f *ContractFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "contract <service>",
		Short: "Run contract tests against a fresh instance of a service",
		Long: `Start the service on the contract port, run the command from the
contracts section of its service.yaml and stop it again. The exit code of
the test command becomes the exit code of doubleagent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.Contract(cmd.Context(), *f)
		},
	}
}

func createRunCommand(c *command, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -s <service>... -- <command> [args...]",
		Short: "Run a command with services started and env vars set",
		Long: `Start services, run a command with DOUBLEAGENT_<NAME>_URL set for each
one, then stop the services that were started (unless --keep).

Examples:
  doubleagent run -s github -s slack -- pytest tests/
  doubleagent run -s github --keep -- python agent.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 || dash == len(args) {
				return errors.New("a command is required after --")
			}
			f.Command = args[dash:]
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.Services, "services", "s", nil, "services to start before running the command")
	cmd.Flags().IntVarP(&f.Port, "port", "p", 0, "base port for services (default base_port)")
	cmd.Flags().BoolVarP(&f.Keep, "keep", "k", false, "keep services running after the command exits")
	cmd.Flags().StringVar(&f.Snapshot, "snapshot", "", "load a snapshot profile as the baseline state")
	if err := cmd.MarkFlagRequired("services"); err != nil {
		panic(err)
	}
	return cmd
}

// Contract runs the contract tests of one service.
func (c *command) Contract(ctx context.Context, f ContractFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	def, err := e.Resolve(ctx, f.Service, true)
	if err != nil {
		return err
	}
	c.ui.Step("Running contract tests for " + c.ui.Bold(def.Name))
	c.ui.Blank()
	code, err := e.RunContracts(ctx, def, c.ui.out, c.ui.err)
	if err != nil {
		return err
	}
	c.ui.Blank()
	if code != 0 {
		c.ui.Failure("Contract tests failed")
		return &exitCodeError{code: code}
	}
	c.ui.Success("All contract tests passed!")
	return nil
}

// Run starts services, runs f.Command with their URLs in the environment
// and stops what it started.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	port := f.Port
	if port == 0 {
		port = e.Config().BasePort
	}

	c.ui.Step("Starting services...")
	started, err := e.StartServices(ctx, f.Services, port, e.Config().HealthTimeout)
	if err == nil {
		err = c.loadSnapshot(ctx, e, started, f.Snapshot)
	}
	if err != nil {
		c.cleanup(ctx, e, started)
		return err
	}
	for _, s := range started {
		if s.AlreadyRunning {
			c.ui.Success(fmt.Sprintf("%s already running on port %d", s.Name, s.Port))
		} else {
			c.ui.Success(fmt.Sprintf("%s healthy on port %d", s.Name, s.Port))
		}
	}

	vars := doubleagent.EnvVars(started)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c.ui.Blank()
	c.ui.Step("Environment:")
	for _, k := range keys {
		c.ui.Printf("  %s=%s\n", c.ui.Bold(k), c.ui.URL(vars[k]))
	}
	c.ui.Blank()
	c.ui.Step("Running: " + c.ui.Bold(strings.Join(f.Command, " ")))
	c.ui.Blank()

	// #nosec G204 -- the command is the user's own
	child := exec.CommandContext(ctx, f.Command[0], f.Command[1:]...)
	child.Stdin = os.Stdin
	child.Stdout, child.Stderr = c.ui.out, c.ui.err
	child.Env = env.Merge(os.Environ(), vars)
	runErr := child.Run()

	c.ui.Blank()
	if f.Keep {
		c.ui.Info("Services kept running (use 'doubleagent stop' to stop them)")
	} else {
		c.cleanup(ctx, e, started)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
		return &exitCodeError{code: code}
	}
	if runErr != nil {
		return fmt.Errorf("failed to execute command: %w", runErr)
	}
	return nil
}

// cleanup stops the services this invocation started. Services that were
// already running before are left alone.
func (c *command) cleanup(ctx context.Context, e *doubleagent.Engine, started []doubleagent.Started) {
	var names []string
	for _, s := range started {
		if !s.AlreadyRunning {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	c.ui.Step("Stopping services...")
	stopped, err := e.StopServices(ctx, names)
	for _, name := range stopped {
		c.ui.Success(name + " stopped")
	}
	if err != nil {
		c.ui.Warning("Failed to save state: " + err.Error())
	}
}
