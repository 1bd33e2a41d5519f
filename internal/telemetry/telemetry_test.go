// internal/telemetry/telemetry_test.go
package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMetricsReachPrometheusHandler(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "tollgate-test", Version: "dev"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	counter, err := otel.Meter("tollgate/test").Int64Counter("tollgate.test.hits")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "tollgate_test_hits")
	assert.Contains(t, string(body), "go_goroutines")
}
