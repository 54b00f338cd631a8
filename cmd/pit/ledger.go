package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/models"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and adjust credit accounts",
	}
	cmd.AddCommand(
		newLedgerBalanceCmd(),
		newLedgerGrantCmd(),
		newLedgerReferCmd(),
		newLedgerHistoryCmd(),
		newLedgerAuditCmd(),
	)
	return cmd
}

func newLedgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <owner>",
		Short: "Show an owner's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			acct, err := a.ledger.Balance(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.2f credits (%d micro)\n", acct.OwnerID, models.MicroToCredits(acct.BalanceMicro), acct.BalanceMicro)
			return nil
		},
	}
}

func newLedgerGrantCmd() *cobra.Command {
	var (
		credits   int64
		reference string
	)

	cmd := &cobra.Command{
		Use:   "grant <owner>",
		Short: "Grant credits to an owner, opening the account if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if credits <= 0 {
				return fmt.Errorf("--credits must be positive")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := context.Background()
			if _, err := a.ledger.EnsureAccount(ctx, args[0]); err != nil {
				return err
			}
			acct, err := a.ledger.ApplyDelta(ctx, args[0], models.CreditsToMicro(credits), models.SourceGrant, reference,
				map[string]any{"via": "cli"})
			if err != nil {
				return err
			}
			fmt.Printf("granted %d credits to %s; balance %.2f\n", credits, acct.OwnerID, models.MicroToCredits(acct.BalanceMicro))
			return nil
		},
	}

	cmd.Flags().Int64Var(&credits, "credits", 0, "credits to grant")
	cmd.Flags().StringVar(&reference, "reference", "", "reference recorded with the grant")
	return cmd
}

func newLedgerReferCmd() *cobra.Command {
	var referrer string

	cmd := &cobra.Command{
		Use:   "refer <owner>",
		Short: "Record that owner joined through --referrer and pay the referral bonus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := context.Background()
			if _, err := a.ledger.EnsureAccount(ctx, args[0]); err != nil {
				return err
			}
			res, err := a.ledger.ApplyReferral(ctx, referrer, args[0])
			if err != nil {
				return err
			}
			switch res.Status {
			case models.ReferralCredited:
				fmt.Printf("%s credited %.2f credits for referring %s\n", res.ReferrerID, models.MicroToCredits(res.CreditedMicro), args[0])
			case models.ReferralEmpty:
				fmt.Printf("referral recorded; the intro pool is empty so %s was not credited\n", res.ReferrerID)
			default:
				fmt.Printf("%s was already referred by %s\n", args[0], res.ReferrerID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&referrer, "referrer", "", "owner who made the referral")
	_ = cmd.MarkFlagRequired("referrer")
	return cmd
}

func newLedgerHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <owner>",
		Short: "List an owner's most recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			txs, err := a.ledger.Transactions(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Println("No transactions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tSOURCE\tDELTA\tREFERENCE\tMETADATA")
			for _, t := range txs {
				meta := ""
				if len(t.Metadata) > 0 {
					b, _ := json.Marshal(t.Metadata)
					meta = string(b)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%+.2f\t%s\t%s\n",
					t.ID, t.CreatedAt.Format(time.RFC3339), t.Source, models.MicroToCredits(t.DeltaMicro), t.ReferenceID, meta)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max transactions to show")
	return cmd
}

func newLedgerAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <owner>",
		Short: "Compare the materialized balance with the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			au, err := a.ledger.Audit(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("owner:         %s\n", au.OwnerID)
			fmt.Printf("balance:       %d micro\n", au.BalanceMicro)
			fmt.Printf("log sum:       %d micro\n", au.LogSumMicro)
			fmt.Printf("transactions:  %d\n", au.Transactions)
			if !au.Consistent() {
				return fmt.Errorf("balance drift of %d micro", au.BalanceMicro-au.LogSumMicro)
			}
			fmt.Println("consistent")
			return nil
		},
	}
}
