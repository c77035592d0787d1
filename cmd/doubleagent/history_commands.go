package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/islo-labs/doubleagent/internal/history"
)

var errHistoryUnreadable = errors.New("no history sink is configured. Set history.dsn to a sqlite, postgres, clickhouse or opensearch DSN")

func createHistoryCommand(c *command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent service lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events to show")
	return cmd
}

// History prints the newest events from a readable history sink.
func (c *command) History(ctx context.Context, f HistoryFlags) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	r, ok := e.History().(history.Reader)
	if !ok {
		return errHistoryUnreadable
	}
	events, err := r.Recent(ctx, f.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		c.ui.Println("No events recorded")
		return nil
	}
	tw := tabwriter.NewWriter(c.ui.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tSERVICE\tPID\tPORT\tDETAIL")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			ev.OccurredAt.Local().Format("2006-01-02 15:04:05"), ev.Type, ev.Service, ev.PID, ev.Port, ev.Detail)
	}
	return tw.Flush()
}
