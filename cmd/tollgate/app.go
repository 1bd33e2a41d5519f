// cmd/tollgate/app.go
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"tollgate/internal/clients"
	"tollgate/internal/config"
	"tollgate/internal/eventlog"
	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/store/memory"
	"tollgate/internal/store/sqlstore"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

type ledgerStore interface {
	tariff.Repository
	token.Repository
	membership.Repository
}

// app holds the wired components shared by serve and sweep.
type app struct {
	cfg   *config.Config
	clock clockwork.Clock

	store   ledgerStore
	sql     *sqlstore.Store
	journal *eventlog.Journal

	dispatcher *events.Dispatcher
	closers    []func() error

	tariffs     tariff.Service
	tokens      token.Service
	memberships membership.Service
}

func openStore(ctx context.Context, cfg *config.Config) (ledgerStore, *sqlstore.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("Using the in-memory store; state is lost on exit")
		return memory.NewStore(), nil, nil
	case config.StoreSQLite:
		s, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		return s, s, err
	case config.StorePostgres:
		s, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL)
		return s, s, err
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// migrate creates the ledger and journal schemas.
func migrate(ctx context.Context, s *sqlstore.Store) error {
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	return eventlog.New(s.DB()).Migrate(ctx)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: clockwork.NewRealClock()}

	store, sql, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store, a.sql = store, sql
	if sql != nil {
		a.closers = append(a.closers, sql.Close)
		if err := migrate(ctx, sql); err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.journal = eventlog.New(sql.DB())
	}

	sinks, err := a.buildSinks()
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.dispatcher = events.NewDispatcher(a.clock, events.DispatcherConfig{Buffer: cfg.EventBuffer}, sinks...)

	var directory clients.Directory
	if cfg.DirectoryURL != "" {
		directory = clients.NewDirectoryClient(cfg.DirectoryURL)
	} else {
		directory = clients.NewStaticDirectory(true)
	}

	var opts []token.Option
	if cfg.RedeemLinkBase != "" {
		opts = append(opts, token.WithRedeemLinkBase(cfg.RedeemLinkBase))
	}
	a.tariffs = tariff.NewService(store, directory, a.clock)
	a.tokens = token.NewService(store, store, directory, a.dispatcher, a.clock, opts...)
	a.memberships = membership.NewService(store, a.dispatcher, a.clock)
	return a, nil
}

func (a *app) buildSinks() ([]events.Sink, error) {
	var sinks []events.Sink
	for _, name := range a.cfg.EventSinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, events.LogSink{})
		case config.SinkJournal:
			if a.journal == nil {
				return nil, errors.New("the journal sink needs a sql store")
			}
			sinks = append(sinks, a.journal)
		case config.SinkKafka:
			k := events.NewKafkaSink(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
			a.closers = append(a.closers, k.Close)
			sinks = append(sinks, k)
		case config.SinkAMQP:
			q, err := events.NewAMQPSink(a.cfg.AMQPURL, a.cfg.AMQPQueue)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, q.Close)
			sinks = append(sinks, q)
		default:
			return nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	return sinks, nil
}

// ready reports whether the store can serve requests.
func (a *app) ready(ctx context.Context) error {
	if a.sql == nil {
		return nil
	}
	return a.sql.Ping(ctx)
}

// Close releases sinks and the store in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
