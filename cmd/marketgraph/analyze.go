package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/marketgraph/internal/workflow"
)

func analyzeCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis and print the resulting messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, runErr := a.analyzer.Analyze(ctx)
			if err := printResult(cmd.OutOrStdout(), res, asJSON); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

// printResult writes res even for failed runs so a timeout still shows the
// partial log.
func printResult(w io.Writer, res workflow.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "run %s (%s)\n", res.RunID, res.Status)
	for i, m := range res.Messages {
		fmt.Fprintf(w, "\n--- message %d ---\n%s\n", i+1, m)
	}
	_, err := fmt.Fprintf(w, "\ntokens in=%d out=%d cost=$%.4f\n", res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.CostUSD)
	return err
}
