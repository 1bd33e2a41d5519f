// internal/config/config.go

// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	SinkLog     = "log"
	SinkJournal = "journal"
	SinkKafka   = "kafka"
	SinkAMQP    = "amqp"
)

// Config holds every TOLLGATE_ setting.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Store       string `env:"STORE" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"tollgate.db"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"500"`

	// DirectoryURL empty means every resource exists and every issuer is
	// authorized.
	DirectoryURL string `env:"DIRECTORY_URL"`

	EventSinks   []string `env:"EVENT_SINKS" envSeparator:"," envDefault:"log"`
	EventBuffer  int      `env:"EVENT_BUFFER" envDefault:"1024"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"tollgate.events"`
	AMQPURL      string   `env:"AMQP_URL"`
	AMQPQueue    string   `env:"AMQP_QUEUE" envDefault:"tollgate.events"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// RedeemRate is redemptions per second allowed per subject.
	RedeemRate     float64 `env:"REDEEM_RATE" envDefault:"1"`
	RedeemBurst    int     `env:"REDEEM_BURST" envDefault:"5"`
	RedeemLinkBase string  `env:"REDEEM_LINK_BASE"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(env.Options{Prefix: "TOLLGATE_"})
}

// Parse builds a validated Config with explicit env options.
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("TOLLGATE_DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, fmt.Errorf("sweep batch must be positive, got %d", c.SweepBatch))
	}
	if c.RedeemRate <= 0 || c.RedeemBurst <= 0 {
		errs = append(errs, errors.New("redeem rate and burst must be positive"))
	}
	for _, s := range c.EventSinks {
		switch s {
		case SinkLog:
		case SinkJournal:
			if c.Store == StoreMemory {
				errs = append(errs, errors.New("the journal sink needs a sqlite or postgres store"))
			}
		case SinkKafka:
			if len(c.KafkaBrokers) == 0 {
				errs = append(errs, errors.New("TOLLGATE_KAFKA_BROKERS is required for the kafka sink"))
			}
		case SinkAMQP:
			if c.AMQPURL == "" {
				errs = append(errs, errors.New("TOLLGATE_AMQP_URL is required for the amqp sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown event sink %q", s))
		}
	}
	return errors.Join(errs...)
}

// HasSink reports whether name is among the configured sinks.
func (c *Config) HasSink(name string) bool {
	return slices.Contains(c.EventSinks, name)
}
