package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/islo-labs/doubleagent/internal/snapshot"
	"github.com/islo-labs/doubleagent/internal/toolchain"
)

func createSnapshotCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshot profiles (pull, list, inspect, delete, push, import)",
	}
	cmd.AddCommand(
		createSnapshotPullCommand(c, &SnapshotPullFlags{}),
		createSnapshotListCommand(c, &SnapshotListFlags{}),
		createSnapshotInspectCommand(c, &SnapshotRefFlags{}),
		createSnapshotDeleteCommand(c, &SnapshotRefFlags{}),
		createSnapshotPushCommand(c, &SnapshotPushFlags{}),
		createSnapshotImportCommand(c, &SnapshotPushFlags{}),
	)
	return cmd
}

func createSnapshotPullCommand(c *command, f *SnapshotPullFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <service>",
		Short: "Pull a snapshot from the real API (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.SnapshotPull(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Profile, "profile", "p", snapshot.DefaultProfile, "snapshot profile name")
	cmd.Flags().IntVarP(&f.Limit, "limit", "l", 0, "maximum number of resources to pull per type")
	cmd.Flags().BoolVar(&f.NoRedact, "no-redact", false, "disable PII redaction (NOT recommended)")
	cmd.Flags().BoolVar(&f.Incremental, "incremental", false, "merge new data into the existing snapshot")
	cmd.Flags().StringVar(&f.Backend, "backend", "", "connector backend passed through to the pull script")
	return cmd
}

func createSnapshotListCommand(c *command, f *SnapshotListFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [service]",
		Short: "List available snapshot profiles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Service = args[0]
			}
			return c.SnapshotList(*f)
		},
	}
}

func createSnapshotInspectCommand(c *command, f *SnapshotRefFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <service>",
		Short: "Print a snapshot's manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.SnapshotInspect(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Profile, "profile", "p", snapshot.DefaultProfile, "snapshot profile name")
	return cmd
}

func createSnapshotDeleteCommand(c *command, f *SnapshotRefFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <service>",
		Short: "Delete a snapshot profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.SnapshotDelete(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Profile, "profile", "p", "", "snapshot profile name (required)")
	if err := cmd.MarkFlagRequired("profile"); err != nil {
		panic(err)
	}
	return cmd
}

func createSnapshotPushCommand(c *command, f *SnapshotPushFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <service>",
		Short: "Push a snapshot to a shared registry (s3://, gs:// or file://)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.SnapshotPush(cmd.Context(), *f)
		},
	}
	registryFlags(cmd, f)
	return cmd
}

func createSnapshotImportCommand(c *command, f *SnapshotPushFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <service>",
		Short: "Install a snapshot from a file:// registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return c.SnapshotImport(*f)
		},
	}
	registryFlags(cmd, f)
	return cmd
}

func registryFlags(cmd *cobra.Command, f *SnapshotPushFlags) {
	cmd.Flags().StringVarP(&f.Profile, "profile", "p", "", "snapshot profile name (required)")
	cmd.Flags().StringVarP(&f.Registry, "registry", "r", "", "registry URL, e.g. s3://bucket/prefix (required)")
	for _, name := range []string{"profile", "registry"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

// SnapshotPull runs the service's connector.
func (c *command) SnapshotPull(ctx context.Context, f SnapshotPullFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	cfg := e.Config()
	if cfg.Strict() {
		return snapshot.ErrComplianceMode
	}
	limit := "all"
	if f.Limit > 0 {
		limit = fmt.Sprint(f.Limit)
	}
	extra := ""
	if f.Incremental {
		extra = ", incremental"
	}
	c.ui.Step(fmt.Sprintf("Pulling %s snapshot '%s' (limit=%s, redact=%t%s)...",
		c.ui.Bold(f.Service), c.ui.URL(f.Profile), limit, !f.NoRedact, extra))

	def, err := e.Resolve(ctx, f.Service, true)
	if err != nil {
		return err
	}
	p := &snapshot.Puller{
		Store:   e.Snapshots(),
		Command: cfg.SnapshotPullCommand,
		Wrapper: toolchain.ForService(e.Toolchain(), def.Path),
		Strict:  cfg.Strict(),
		Stdout:  c.ui.out,
		Stderr:  c.ui.err,
	}
	m, err := p.Pull(ctx, def, snapshot.PullOptions{
		Profile:     f.Profile,
		Limit:       f.Limit,
		NoRedact:    f.NoRedact,
		Incremental: f.Incremental,
		Backend:     f.Backend,
	})
	if err != nil {
		return err
	}
	dir, _ := e.Snapshots().Path(m.Service, m.Profile)
	c.ui.Success(fmt.Sprintf("Snapshot '%s' saved for %s", c.ui.URL(m.Profile), c.ui.Bold(m.Service)))
	c.ui.Println("  Location: " + dir)
	return nil
}

// SnapshotList prints stored profiles, newest first.
func (c *command) SnapshotList(f SnapshotListFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	list, err := e.Snapshots().List(f.Service)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.ui.Println("No snapshots found.")
		if f.Service != "" {
			c.ui.Printf("  Run 'doubleagent snapshot pull %s' to create one.\n", f.Service)
		}
		return nil
	}
	c.ui.Header("Available snapshots:")
	for _, m := range list {
		redacted := ""
		if m.Redacted {
			redacted = " (redacted)"
		}
		c.ui.Printf("  %s / %s%s\n", c.ui.Bold(m.Service), c.ui.URL(m.Profile), redacted)
		c.ui.Println("    Resources: " + resourceSummary(m.ResourceCounts))
		c.ui.Println("    Connector: " + m.Connector)
		if t := m.Pulled(); !t.IsZero() {
			c.ui.Println("    Pulled: " + t.Format("2006-01-02 15:04:05"))
		}
		c.ui.Blank()
	}
	return nil
}

func resourceSummary(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

// SnapshotInspect prints the manifest as indented JSON.
func (c *command) SnapshotInspect(f SnapshotRefFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	m, err := e.Snapshots().Inspect(f.Service, f.Profile)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	c.ui.Println(string(b))
	return nil
}

// SnapshotDelete removes a stored profile. A missing profile is a warning.
func (c *command) SnapshotDelete(f SnapshotRefFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	ok, err := e.Snapshots().Delete(f.Service, f.Profile)
	if err != nil {
		return err
	}
	if ok {
		c.ui.Success(fmt.Sprintf("Snapshot '%s/%s' deleted", f.Service, f.Profile))
	} else {
		c.ui.Warning(fmt.Sprintf("Snapshot '%s/%s' not found", f.Service, f.Profile))
	}
	return nil
}

// SnapshotPush uploads a profile to a registry.
func (c *command) SnapshotPush(ctx context.Context, f SnapshotPushFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	c.ui.Step(fmt.Sprintf("Pushing snapshot '%s/%s' to %s...", c.ui.Bold(f.Service), c.ui.URL(f.Profile), c.ui.URL(f.Registry)))
	p := &snapshot.Pusher{Store: e.Snapshots(), Stdout: c.ui.out, Stderr: c.ui.err}
	res, err := p.Push(ctx, f.Service, f.Profile, f.Registry)
	if res != nil && res.Unredacted {
		c.ui.Warning(fmt.Sprintf("Snapshot '%s' is NOT redacted. Pushing unredacted data to a shared registry may expose PII.", f.Profile))
	}
	if err != nil {
		return err
	}
	c.ui.Success("Snapshot pushed to " + c.ui.URL(res.Destination))
	return nil
}

// SnapshotImport installs a profile from a file:// registry.
func (c *command) SnapshotImport(f SnapshotPushFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	if err := e.Snapshots().Import(f.Service, f.Profile, f.Registry); err != nil {
		return err
	}
	c.ui.Success(fmt.Sprintf("Snapshot '%s/%s' imported from %s", f.Service, f.Profile, f.Registry))
	return nil
}
