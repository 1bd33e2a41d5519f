// cmd/tollgate/sweep.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tollgate/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup("sweeper")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
			go a.dispatcher.Run(dispatchCtx)

			sw := sweeper.New(a.store, a.store, a.dispatcher, a.clock, sweeper.Config{BatchSize: cfg.SweepBatch})
			res, err := sw.RunOnce(ctx)
			stopDispatch()
			<-a.dispatcher.Done()
			log.Info().Int("expired", res.Expired).Int("lapsed", res.Lapsed).Msg("Sweep finished")
			return err
		},
	}
}
