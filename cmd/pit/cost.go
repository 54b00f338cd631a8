package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
)

func newCostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price bouts before running them",
	}
	cmd.AddCommand(newCostEstimateCmd())
	return cmd
}

func newCostEstimateCmd() *cobra.Command {
	var (
		presetID string
		model    string
		length   string
		turns    int
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Show the preauthorization estimate for a bout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.LoadOrBuiltin(cfg.Catalog.Path)
			if err != nil {
				return err
			}

			if turns <= 0 {
				p, err := cat.Lookup(presetID)
				if err != nil {
					return err
				}
				turns = p.MaxTurns
			}
			l, err := cat.Length(length)
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.Engine.DefaultModel
			}

			table := priceTable(cfg)
			if !table.Known(model) {
				fmt.Printf("warning: no price for %s; bouts on it are free\n", model)
			}
			in, out := pricing.EstimateTokens(turns, l.OutputTokensPerTurn)
			micro := table.EstimateBout(model, turns, l.OutputTokensPerTurn)

			fmt.Printf("Model:         %s\n", model)
			fmt.Printf("Turns:         %d (%s length, %d output tokens/turn)\n", turns, l.ID, l.OutputTokensPerTurn)
			fmt.Printf("Tokens:        %d input / %d output (estimated)\n", in, out)
			fmt.Printf("Upstream:      GBP %s\n", table.CostGBP(model, in, out).StringFixed(6))
			fmt.Printf("Estimate:      %.2f credits (%d micro)\n", models.MicroToCredits(micro), micro)
			return nil
		},
	}

	cmd.Flags().StringVar(&presetID, "preset", "roast-battle", "preset id, used for the turn count")
	cmd.Flags().StringVar(&model, "model", "", "model (default: engine.default_model)")
	cmd.Flags().StringVar(&length, "length", "", "response length id")
	cmd.Flags().IntVar(&turns, "turns", 0, "turn count (default: the preset's)")
	return cmd
}
