// Command marketgraph runs the multi-branch stock analysis workflow as a
// one-shot CLI or an HTTP service.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "marketgraph",
		Short:         "Parallel technical, fundamental and sentiment analysis of US stocks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./marketgraph.yaml or ./config/marketgraph.yaml)")

	root.AddCommand(serveCmd(&cfgPath), analyzeCmd(&cfgPath), runsCmd(&cfgPath))
	return root
}
