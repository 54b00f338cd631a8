package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/models"
)

func newPoolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "Show the intro and daily pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.ledger.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Println("Intro pool")
			fmt.Printf("  started:    %s\n", st.Intro.StartedAt.Format(time.RFC3339))
			fmt.Printf("  initial:    %.2f credits\n", models.MicroToCredits(st.Intro.InitialMicro))
			fmt.Printf("  claimed:    %.2f credits\n", models.MicroToCredits(st.Intro.ClaimedMicro))
			fmt.Printf("  drain:      %.2f credits/min\n", models.MicroToCredits(st.Intro.DrainMicroPerMinute))
			fmt.Printf("  remaining:  %.2f credits\n", models.MicroToCredits(st.IntroRemaining))
			fmt.Printf("Daily pool (%s)\n", st.Daily.Date)
			fmt.Printf("  bouts:      %d / %d\n", st.Daily.Used, st.Daily.MaxCount)
			fmt.Printf("  spend:      %.2f / %.2f credits\n",
				models.MicroToCredits(st.Daily.SpendMicro), models.MicroToCredits(st.Daily.MaxSpendMicro))
			return nil
		},
	}
}
