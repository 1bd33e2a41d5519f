// internal/server/server.go

// Package server assembles the HTTP surface of the ledgers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"tollgate/internal/apperr"
	"tollgate/internal/eventlog"
	"tollgate/internal/httpjson"
	"tollgate/internal/membership"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

// Options wires services into the router. Journal, Metrics, Ready and
// Throttle are optional.
type Options struct {
	Tariffs     tariff.Service
	Tokens      token.Service
	Memberships membership.Service

	Journal  *eventlog.Journal
	Metrics  http.Handler
	Ready    func(context.Context) error
	Throttle *Throttle
}

// NewRouter mounts every domain handler on one chi router.
func NewRouter(o Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if o.Ready != nil {
			if err := o.Ready(r.Context()); err != nil {
				httpjson.Error(w, apperr.Transient("health check", err))
				return
			}
		}
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}

	var redeemMW []func(http.Handler) http.Handler
	if o.Throttle != nil {
		redeemMW = append(redeemMW, o.Throttle.Middleware)
	}
	tariff.NewHandler(o.Tariffs).Routes(r)
	token.NewHandler(o.Tokens).Routes(r, redeemMW...)
	membership.NewHandler(o.Memberships).Routes(r)
	if o.Journal != nil {
		eventlog.NewHandler(o.Journal).Routes(r)
	}
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Server runs an http.Server until its context ends.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

func New(addr string, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		shutdownTimeout: 10 * time.Second,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	log.Info().Msg("HTTP server shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
