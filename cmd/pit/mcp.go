package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only pit tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			deps := mcp.Deps{
				Bouts:        a.bouts,
				Usage:        a.tracker,
				Pools:        a.ledger,
				Catalog:      a.catalog,
				Pricing:      priceTable(a.cfg),
				DefaultModel: a.cfg.Engine.DefaultModel,
				Logger:       a.logger,
			}
			if a.anomalies != nil {
				deps.Anomalies = a.anomalies
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
