// cmd/tollgate/serve.go
package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tollgate/internal/config"
	"tollgate/internal/eventlog"
	"tollgate/internal/server"
	"tollgate/internal/sweeper"
	"tollgate/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiration sweeper and event delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup("tollgate")
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "tollgate",
		Version:      version,
		OTLPEndpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close resources")
		}
	}()

	var journal *eventlog.Journal
	if cfg.HasSink(config.SinkJournal) {
		journal = a.journal
	}
	router := server.NewRouter(server.Options{
		Tariffs:     a.tariffs,
		Tokens:      a.tokens,
		Memberships: a.memberships,
		Journal:     journal,
		Metrics:     tel.Handler(),
		Ready:       a.ready,
		Throttle:    server.NewThrottle(cfg.RedeemRate, cfg.RedeemBurst, 0),
	})
	sw := sweeper.New(a.store, a.store, a.dispatcher, a.clock, sweeper.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatch,
	})

	log.Info().Str("version", version).Str("store", cfg.Store).Strs("sinks", cfg.EventSinks).Msg("Starting tollgate")

	// The dispatcher outlives the HTTP server and sweeper so their last
	// events are still delivered.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	go a.dispatcher.Run(dispatchCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(cfg.HTTPAddr, router).Run(gctx) })
	g.Go(func() error { return sw.Run(gctx) })
	err = g.Wait()

	stopDispatch()
	<-a.dispatcher.Done()
	log.Info().Msg("tollgate stopped")
	return err
}
