package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCommand(stdout, stderr)
	root := buildRoot(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		return 0
	}
	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	printError(c.ui, errdefs.Chain(err))
	return 1
}

// exitCodeError carries a child process exit status up to main.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.global)
	root.AddCommand(
		createAddCommand(c, &AddFlags{}),
		createStartCommand(c, &StartFlags{}),
		createStopCommand(c, &StopFlags{}),
		createStatusCommand(c),
		createResetCommand(c, &ResetFlags{}),
		createSeedCommand(c, &SeedFlags{}),
		createListCommand(c, &ListFlags{}),
		createUpdateCommand(c, &UpdateFlags{}),
		createContractCommand(c, &ContractFlags{}),
		createRunCommand(c, &RunFlags{}),
		createSnapshotCommand(c),
		createHistoryCommand(c, &HistoryFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "doubleagent",
		Short: "Fake services. Real agents.",
		Long: `doubleagent runs local, disposable fakes of third-party APIs.

Examples:
  doubleagent add github slack
  doubleagent start github --port 8080
  doubleagent seed github --fixture startup
  doubleagent run -s github -- pytest tests/`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVar(&flags.Home, "home", "", "data directory (default $DOUBLEAGENT_HOME or ~/.doubleagent)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "console log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored output")
	return root
}
