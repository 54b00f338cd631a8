package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/models"
)

func newStatsCmd() *cobra.Command {
	var (
		owner  string
		bouts  bool
		boutID string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := context.Background()

			// Bout detail view
			if boutID != "" {
				turns, err := a.tracker.BoutTurns(ctx, boutID)
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					fmt.Println("No usage found for bout.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TURN\tTIME\tPROMPT\tCOMPLETION\tTOTAL\tCONTEXT GROWTH")
				for _, t := range turns {
					growth := "-"
					if t.Turn > 0 {
						growth = fmt.Sprintf("%+d", t.ContextGrowth)
					}
					fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n",
						t.Turn, t.CreatedAt.Format("2006-01-02T15:04:05"), t.PromptTokens, t.CompletionTokens, t.TotalTokens, growth)
				}
				return w.Flush()
			}

			// Bout list view
			if bouts {
				list, err := a.bouts.List(ctx, bout.ListOpts{OwnerID: owner, Status: models.BoutStatus(status), Limit: limit})
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No bouts found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "BOUT ID\tPRESET\tOWNER\tSTATUS\tTURNS\tTOKENS\tCREDITS\tCREATED")
				for _, b := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%.2f\t%s\n",
						b.ID, b.PresetID, defaultStr(b.OwnerID, "(anon)"), b.Status, len(b.Transcript), b.MaxTurns,
						b.InputTokens+b.OutputTokens, models.MicroToCredits(b.CostMicro), b.CreatedAt.Format("2006-01-02T15:04:05"))
				}
				return w.Flush()
			}

			// Default: usage summary
			summaries, err := a.tracker.Summary(ctx, owner)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tMODEL\tBOUTS\tTURNS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					defaultStr(s.OwnerID, "(anon)"), s.Model, s.BoutCount, s.TurnCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	cmd.Flags().BoolVar(&bouts, "bouts", false, "list bouts")
	cmd.Flags().StringVar(&status, "status", "", "with --bouts, filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "with --bouts, max bouts to list")
	cmd.Flags().StringVar(&boutID, "bout", "", "show per-turn usage for a bout")
	return cmd
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
