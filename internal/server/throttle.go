// internal/server/throttle.go
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"tollgate/internal/apperr"
	"tollgate/internal/httpjson"
)

const (
	maxRedeemBody    = 64 << 10
	defaultCacheSize = 65536
)

// Throttle keeps one token bucket per redeeming subject and one per client
// address. Buckets live in a bounded LRU; an evicted key starts full again.
type Throttle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]

	throttled metric.Int64Counter
}

func NewThrottle(perSecond float64, burst, cacheSize int) *Throttle {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	buckets, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	throttled, _ := otel.Meter("tollgate/server").Int64Counter("tollgate.redemptions.throttled",
		metric.WithDescription("Redemption requests rejected by the rate limiter"))
	return &Throttle{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		buckets:   buckets,
		throttled: throttled,
	}
}

// Allow takes one token from key's bucket.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	l, ok := t.buckets.Get(key)
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.buckets.Add(key, l)
	}
	t.mu.Unlock()
	return l.Allow()
}

// Middleware rejects a redemption with 429 once either the subject named in
// the body or the client address runs out of tokens.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRedeemBody))
		if err != nil {
			httpjson.Error(w, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			SubjectID string `json:"subject_id"`
		}
		_ = json.Unmarshal(body, &peek)

		keys := [][2]string{{"addr", clientAddr(r)}}
		if peek.SubjectID != "" {
			keys = append(keys, [2]string{"subject", peek.SubjectID})
		}
		for _, key := range keys {
			if t.Allow(key[0] + ":" + key[1]) {
				continue
			}
			t.throttled.Add(r.Context(), 1, metric.WithAttributes(attribute.String("key.kind", key[0])))
			log.Info().Str("key_kind", key[0]).Str("key", key[1]).Msg("Redemption throttled")
			w.Header().Set("Retry-After", strconv.Itoa(1))
			httpjson.Write(w, http.StatusTooManyRequests, map[string]string{
				"code":    "RATE_LIMITED",
				"message": "too many redemption attempts",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
