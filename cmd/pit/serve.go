package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bout API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			engine, err := a.engine(reg)
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}

			srv := server.New(server.Options{
				Listen:        a.cfg.Listen,
				ExperimentKey: settings.GetString("experiment_key"),
			}, server.Deps{
				Engine:   engine,
				Bouts:    a.bouts,
				Accounts: a.ledger,
				Catalog:  a.catalog,
				Gatherer: reg,
				Logger:   a.logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.logger.Info("starting pit server",
				"db_path", a.cfg.DBPath, "providers", len(a.cfg.Providers),
				"credits_enabled", a.cfg.Ledger.CreditsEnabled)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides listen)")
	cmd.Flags().String("experiment-key", "", "key required to submit experiment configs; empty disables them")
	_ = settings.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = settings.BindPFlag("experiment_key", cmd.Flags().Lookup("experiment-key"))
	return cmd
}
