package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dshills/marketgraph/internal/server"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			var gatherer prometheus.Gatherer
			if a.registry != nil {
				gatherer = a.registry
			}
			e := server.New(&server.Server{
				Analyzer: a.analyzer,
				Store:    a.store,
				Gatherer: gatherer,
				Logger:   a.logger,
			})

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "address", addr)
				errCh <- e.Start(addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}
