// internal/logging/logging_test.go
package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitToWritesStructuredJSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
	var buf bytes.Buffer
	require.NoError(t, InitTo(&buf, Config{Level: "WARN", Component: "sweeper"}))

	log.Info().Msg("dropped")
	log.Warn().Str("token_id", "t1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "sweeper", line["component"])
	assert.Equal(t, "t1", line["token_id"])
}

func TestInitRejectsBadSettings(t *testing.T) {
	assert.Error(t, InitTo(&bytes.Buffer{}, Config{Level: "loud"}))
	assert.Error(t, InitTo(&bytes.Buffer{}, Config{Format: "xml"}))
}
