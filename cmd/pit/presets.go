package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/catalog"
)

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List presets, response lengths and formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.LoadOrBuiltin(cfg.Catalog.Path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRESET\tNAME\tTIER\tAGENTS\tTURNS")
			for _, p := range cat.Presets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", p.ID, p.Name, defaultStr(p.Tier, "free"), len(p.Agents), p.MaxTurns)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "LENGTH\tLABEL\tMAX OUTPUT\tPER TURN")
			for _, l := range cat.Lengths {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", l.ID, l.Label, l.MaxOutputTokens, l.OutputTokensPerTurn)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "FORMAT\tLABEL\tHINT")
			for _, f := range cat.Formats {
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Label, f.Hint)
			}
			return w.Flush()
		},
	}
}
