// cmd/tollgate/chaos.go
package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"tollgate/internal/chaos"
	"tollgate/internal/logging"
)

func newChaosCmd() *cobra.Command {
	var (
		settings chaos.Settings
		pause    time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run fault experiments against an in-memory ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Experiments never touch the configured store.
			if err := logging.Init(logging.Config{Format: "console", Component: "chaos"}); err != nil {
				return err
			}
			clock := clockwork.NewRealClock()
			engine := chaos.NewEngine(clock)
			held := engine.RunAll(cmd.Context(), chaos.Experiments(clock, settings), pause)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(engine.Results()); err != nil {
					return err
				}
			}
			if !held {
				return errors.New("at least one hypothesis did not hold")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&settings.Redeemers, "redeemers", 16, "concurrent redeemers in the race experiment")
	cmd.Flags().DurationVar(&settings.Duration, "duration", 2*time.Second, "observation window per experiment")
	cmd.Flags().DurationVar(&settings.SampleEvery, "sample", 250*time.Millisecond, "sampling interval")
	cmd.Flags().DurationVar(&pause, "pause", time.Second, "pause between experiments")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}
