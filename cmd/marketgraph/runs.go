package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/marketgraph/graph/store"
	"github.com/dshills/marketgraph/internal/config"
)

func runsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored run transcripts",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printSummaries(cmd.OutOrStdout(), runs)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Print a stored transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := st.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

// openStore opens only the transcript store; inspecting runs needs no
// provider credentials.
func openStore(path string) (store.Store, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Driver, cfg.Store.DSN)
}

func printSummaries(w io.Writer, runs []store.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tMESSAGES\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.Status, r.Messages,
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return tw.Flush()
}
