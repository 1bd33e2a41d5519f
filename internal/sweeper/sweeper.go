// internal/sweeper/sweeper.go

// Package sweeper advances time-based state in the background. It is the
// only writer that moves a membership to expired.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/token"
)

const maxPagesPerPass = 100

// MembershipExpirer is the membership storage the first pass needs.
type MembershipExpirer interface {
	ExpireMemberships(ctx context.Context, now time.Time, limit int) ([]membership.Expired, error)
}

// LapsedTokenLister is the token storage the second pass needs.
type LapsedTokenLister interface {
	ListLapsedTokens(ctx context.Context, after, before time.Time, limit int) ([]*token.AccessToken, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Result summarizes one sweep.
type Result struct {
	Expired int
	Lapsed  int
}

type Sweeper struct {
	memberships MembershipExpirer
	tokens      LapsedTokenLister
	emitter     events.Emitter
	clock       clockwork.Clock
	cfg         Config
	tracer      trace.Tracer

	expiredCount metric.Int64Counter
	lapsedCount  metric.Int64Counter
	failedPasses metric.Int64Counter
	duration     metric.Float64Histogram

	mu sync.Mutex
	// lapsedFrom is the lower bound of the next lapsed-token scan. Tokens
	// that lapsed before the process started are reported on its first pass.
	lapsedFrom time.Time
}

func New(memberships MembershipExpirer, tokens LapsedTokenLister, emitter events.Emitter, clock clockwork.Clock, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	meter := otel.Meter("tollgate/sweeper")
	expiredCount, _ := meter.Int64Counter("tollgate.memberships.expired",
		metric.WithDescription("Memberships moved to expired"))
	lapsedCount, _ := meter.Int64Counter("tollgate.tokens.lapsed",
		metric.WithDescription("Tokens observed past expiry with uses left"))
	failedPasses, _ := meter.Int64Counter("tollgate.sweep.failures",
		metric.WithDescription("Sweep passes that failed"))
	duration, _ := meter.Float64Histogram("tollgate.sweep.duration",
		metric.WithDescription("Sweep duration"), metric.WithUnit("s"))

	return &Sweeper{
		memberships:  memberships,
		tokens:       tokens,
		emitter:      emitter,
		clock:        clock,
		cfg:          cfg,
		tracer:       otel.Tracer("tollgate/sweeper"),
		expiredCount: expiredCount,
		lapsedCount:  lapsedCount,
		failedPasses: failedPasses,
		duration:     duration,
	}
}

// Run sweeps on every tick until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("Sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.failedPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "panic")))
			log.Error().Interface("panic", r).Msg("Sweep panicked")
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Sweep incomplete, retrying next tick")
	}
}

// RunOnce runs both passes. A failing pass does not stop the other; their
// errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "sweeper.run_once")
	defer span.End()

	start := s.clock.Now()
	now := start.UTC()
	var res Result

	expired, expireErr := s.expireMemberships(ctx, now)
	res.Expired = expired
	if expireErr != nil {
		s.failedPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "memberships")))
		log.Error().Err(expireErr).Int("expired", expired).Msg("Membership expiry pass failed")
	}

	lapsed, lapseErr := s.reportLapsedTokens(ctx, now)
	res.Lapsed = lapsed
	if lapseErr != nil {
		s.failedPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "tokens")))
		log.Error().Err(lapseErr).Int("lapsed", lapsed).Msg("Lapsed token pass failed")
	}

	s.duration.Record(ctx, s.clock.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("memberships.expired", res.Expired),
		attribute.Int("tokens.lapsed", res.Lapsed),
	)
	log.Debug().Int("expired", res.Expired).Int("lapsed", res.Lapsed).Msg("Sweep finished")

	err := errors.Join(expireErr, lapseErr)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (s *Sweeper) expireMemberships(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for page := 0; page < maxPagesPerPass; page++ {
		batch, err := s.memberships.ExpireMemberships(ctx, now, s.cfg.BatchSize)
		// Records expired before a failure are committed; report them.
		total += s.emitExpired(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("expire memberships: %w", err)
		}
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (s *Sweeper) emitExpired(ctx context.Context, batch []membership.Expired) int {
	if len(batch) == 0 {
		return 0
	}
	evs := make([]events.Event, 0, len(batch))
	for _, m := range batch {
		evs = append(evs, events.MembershipExpired{
			SubjectID:         m.SubjectID,
			ResourceID:        m.ResourceID,
			PreviousExpiresAt: m.PreviousExpiresAt,
		})
		log.Info().Str("subject_id", m.SubjectID).Str("resource_id", m.ResourceID).
			Time("expired_at", m.PreviousExpiresAt).Msg("Membership expired")
	}
	s.emitter.Emit(ctx, evs...)
	s.expiredCount.Add(ctx, int64(len(batch)))
	return len(batch)
}

// reportLapsedTokens emits TokenLapsed for tokens whose expiry passed since
// the previous scan. Tokens are never written.
func (s *Sweeper) reportLapsedTokens(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for page := 0; page < maxPagesPerPass; page++ {
		batch, err := s.tokens.ListLapsedTokens(ctx, s.lapsedFrom, now, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list lapsed tokens: %w", err)
		}
		for _, t := range batch {
			s.emitter.Emit(ctx, events.TokenLapsed{TokenID: t.ID, TariffID: t.TariffID})
		}
		total += len(batch)
		s.lapsedCount.Add(ctx, int64(len(batch)))

		if len(batch) < s.cfg.BatchSize {
			s.lapsedFrom = now
			return total, nil
		}
		last := batch[len(batch)-1].ExpiresAt
		if !last.After(s.lapsedFrom) {
			// A full page sharing one expiry instant; skip past it.
			log.Warn().Time("expires_at", last).Msg("Lapsed token page did not advance, skipping instant")
			last = last.Add(time.Millisecond)
		}
		s.lapsedFrom = last
	}
	return total, nil
}
