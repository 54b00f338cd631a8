package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/anomaly"
	"github.com/pario-ai/pit/pkg/models"
)

func newAnomaliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Query and manage the persona-break log",
	}

	cmd.AddCommand(
		newAnomaliesSearchCmd(),
		newAnomaliesStatsCmd(),
		newAnomaliesCleanupCmd(),
	)
	return cmd
}

func newAnomaliesSearchCmd() *cobra.Command {
	var (
		model  string
		preset string
		boutID string
		since  string
		limit  int
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recorded persona breaks",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnomalyLog()
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AnomalyQueryOpts{
				Kind:     models.AnomalyPersonaBreak,
				Model:    model,
				PresetID: preset,
				BoutID:   boutID,
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAnomalies(entries, full))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&preset, "preset", "", "filter by preset id")
	cmd.Flags().StringVar(&boutID, "bout", "", "filter by bout id")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&full, "excerpts", false, "print each entry's excerpt")
	return cmd
}

func newAnomaliesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show persona-break counts by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnomalyLog()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAnomalyStats(stats))
			return nil
		},
	}
}

func newAnomaliesCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnomalyLog()
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d anomaly entries.\n", deleted)
			return nil
		},
	}
}

func openAnomalyLog() (*anomaly.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	l, err := anomaly.New(cfg.Anomaly)
	if err != nil {
		return nil, nil, fmt.Errorf("open anomaly db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAnomalies(entries []models.AnomalyEntry, excerpts bool) string {
	if len(entries) == 0 {
		return "No anomalies found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %4s %-18s %-26s %-24s %-20s\n",
		"BOUT ID", "TURN", "AGENT", "MODEL", "MARKER", "TIME")
	b.WriteString(strings.Repeat("-", 135) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-38s %4d %-18s %-26s %-24s %-20s\n",
			e.BoutID, e.Turn, e.AgentName, e.Model, e.Marker,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
		if excerpts && e.Excerpt != "" {
			fmt.Fprintf(&b, "    %s\n", strings.ReplaceAll(e.Excerpt, "\n", "\n    "))
		}
	}
	return b.String()
}

func formatAnomalyStats(stats []models.AnomalyStat) string {
	if len(stats) == 0 {
		return "No anomaly stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %8s\n", "MODEL", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 48) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %8d\n", s.Model, s.Day, s.Count)
	}
	return b.String()
}
