// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(vars map[string]string) (*Config, error) {
	return Parse(env.Options{Prefix: "TOLLGATE_", Environment: vars})
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.SweepBatch)
	assert.Equal(t, []string{SinkLog}, cfg.EventSinks)
	assert.True(t, cfg.HasSink(SinkLog))
	assert.False(t, cfg.HasSink(SinkKafka))
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(map[string]string{
		"TOLLGATE_STORE":          "postgres",
		"TOLLGATE_DATABASE_URL":   "postgres://localhost/tollgate",
		"TOLLGATE_SWEEP_INTERVAL": "30s",
		"TOLLGATE_EVENT_SINKS":    "log,journal,kafka",
		"TOLLGATE_KAFKA_BROKERS":  "k1:9092,k2:9092",
	})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.HasSink(SinkJournal))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"TOLLGATE_STORE": "mongo"},
		"zero sweep interval":  {"TOLLGATE_SWEEP_INTERVAL": "0s"},
		"negative interval":    {"TOLLGATE_SWEEP_INTERVAL": "-1m"},
		"unknown sink":         {"TOLLGATE_EVENT_SINKS": "log,carrier-pigeon"},
		"journal on memory":    {"TOLLGATE_STORE": "memory", "TOLLGATE_EVENT_SINKS": "journal"},
		"kafka without broker": {"TOLLGATE_EVENT_SINKS": "kafka"},
		"amqp without url":     {"TOLLGATE_EVENT_SINKS": "amqp"},
		"postgres without url": {"TOLLGATE_STORE": "postgres"},
		"zero burst":           {"TOLLGATE_REDEEM_BURST": "0"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse(vars)
			assert.Error(t, err)
		})
	}
}
