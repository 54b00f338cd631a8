package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/experiment"
	"github.com/pario-ai/pit/pkg/models"
)

func newRunCmd() *cobra.Command {
	var (
		boutID         string
		presetID       string
		topic          string
		owner          string
		tier           string
		model          string
		length         string
		format         string
		turns          int
		experimentPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a bout and stream it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine, err := a.engine(prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}

			var exp *experiment.Config
			if experimentPath != "" {
				if exp, err = loadExperiment(experimentPath); err != nil {
					return err
				}
			}
			if boutID == "" {
				boutID = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := engine.Run(ctx, bout.RunRequest{
				BoutID:     boutID,
				PresetID:   presetID,
				MaxTurns:   turns,
				OwnerID:    owner,
				Tier:       bout.Tier(tier),
				Model:      model,
				Length:     length,
				Format:     format,
				Topic:      topic,
				Experiment: exp,
			}, printEvents(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			if res.Replayed {
				printTranscript(cmd.OutOrStdout(), res.Bout)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&boutID, "id", "", "bout id (default: a new uuid)")
	cmd.Flags().StringVar(&presetID, "preset", "roast-battle", "preset id")
	cmd.Flags().StringVar(&topic, "topic", "", "topic for the bout")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (empty runs anonymously)")
	cmd.Flags().StringVar(&tier, "tier", "", "owner tier: free or paid")
	cmd.Flags().StringVar(&model, "model", "", "model (default: engine.default_model)")
	cmd.Flags().StringVar(&length, "length", "", "response length id")
	cmd.Flags().StringVar(&format, "format", "", "response format id")
	cmd.Flags().IntVar(&turns, "turns", 0, "turn count for arena bouts")
	cmd.Flags().StringVar(&experimentPath, "experiment", "", "path to a YAML experiment config")
	return cmd
}

func loadExperiment(path string) (*experiment.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	var exp experiment.Config
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse experiment: %w", err)
	}
	return &exp, nil
}

func printEvents(w io.Writer) bout.EmitFunc {
	return func(ev bout.Event) error {
		switch ev.Type {
		case bout.EventStart:
			if ev.Turn == 0 {
				fmt.Fprintf(w, "bout %s\n", ev.BoutID)
			}
		case bout.EventTurn:
			fmt.Fprintf(w, "\n[%d] %s\n", ev.Turn+1, ev.AgentName)
		case bout.EventTextDelta:
			fmt.Fprint(w, ev.Delta)
		case bout.EventTextEnd:
			fmt.Fprintln(w)
		case bout.EventShareLine:
			fmt.Fprintf(w, "\n> %s\n", ev.Text)
		case bout.EventDone:
			printTotals(w, ev.Totals)
		case bout.EventError:
			if ev.Error != nil {
				fmt.Fprintf(w, "\nerror (%s): %s\n", ev.Error.Category, ev.Error.Message)
			}
			printTotals(w, ev.Totals)
		}
		return nil
	}
}

func printTotals(w io.Writer, t *bout.Totals) {
	if t == nil {
		return
	}
	fmt.Fprintf(w, "\n%d turns, %d input / %d output tokens, %.2f credits\n",
		t.Turns, t.InputTokens, t.OutputTokens, models.MicroToCredits(t.CostMicro))
}

func printTranscript(w io.Writer, b models.Bout) {
	fmt.Fprintf(w, "bout %s (%s, already finished)\n", b.ID, b.Status)
	for _, t := range b.Transcript {
		fmt.Fprintf(w, "\n[%d] %s\n%s\n", t.Turn+1, t.AgentName, t.Text)
	}
	if b.ShareLine != "" {
		fmt.Fprintf(w, "\n> %s\n", b.ShareLine)
	}
}
