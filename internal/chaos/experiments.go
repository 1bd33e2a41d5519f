// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"tollgate/internal/apperr"
	"tollgate/internal/events"
	"tollgate/internal/token"
)

// Settings shape the built-in experiments.
type Settings struct {
	Redeemers   int
	Duration    time.Duration
	SampleEvery time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Redeemers <= 1 {
		s.Redeemers = 16
	}
	if s.Duration <= 0 {
		s.Duration = 2 * time.Second
	}
	if s.SampleEvery <= 0 {
		s.SampleEvery = 250 * time.Millisecond
	}
	return s
}

// Experiments returns the built-in experiments, each with its own target.
func Experiments(clock clockwork.Clock, s Settings) []Experiment {
	s = s.withDefaults()
	return []Experiment{
		RedemptionRace(NewTarget(events.Discard, clock), s),
		MembershipWriteFailure(NewTarget(events.Discard, clock), s),
		SinkOutage(clock, s),
	}
}

func constant(v float64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) { return v, nil }
}

// RedemptionRace fires many concurrent redemptions of one single-use token.
// Exactly one must succeed and every other must be rejected as exhausted.
func RedemptionRace(t *Target, s Settings) Experiment {
	var (
		mu        sync.Mutex
		issued    *token.Issued
		successes atomic.Int64
		exhausted atomic.Int64
		other     atomic.Int64
	)
	usesRemaining := func(ctx context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		if issued == nil {
			return 1, nil
		}
		tok, err := t.Tokens.Get(ctx, issued.ID)
		if err != nil {
			return 0, err
		}
		return float64(tok.UsesRemaining), nil
	}

	return Experiment{
		Name:       "redemption-race",
		Hypothesis: fmt.Sprintf("%d concurrent redeemers of a single-use token produce exactly one grant", s.Redeemers),
		Gauges: []Gauge{
			{Name: "uses_remaining", Read: usesRemaining, Steady: Bound{AtLeast, 0}},
			{Name: "successful_redemptions", Read: func(context.Context) (float64, error) {
				return float64(successes.Load()), nil
			}, Steady: Bound{AtMost, 1}},
			{Name: "exhausted_rejections", Read: func(context.Context) (float64, error) {
				return float64(exhausted.Load()), nil
			}, Steady: Bound{AtLeast, 0}},
			{Name: "unexpected_errors", Read: func(context.Context) (float64, error) {
				return float64(other.Load()), nil
			}, Steady: Bound{Equal, 0}},
		},
		Inject: []Step{{
			Target: "token.redeem",
			Run: func(ctx context.Context) error {
				tok, err := t.IssueToken(ctx, 30, 1)
				if err != nil {
					return err
				}
				mu.Lock()
				issued = tok
				mu.Unlock()

				g, gctx := errgroup.WithContext(ctx)
				start := make(chan struct{})
				for i := 0; i < s.Redeemers; i++ {
					subject := fmt.Sprintf("racer-%d", i)
					g.Go(func() error {
						<-start
						_, err := t.Tokens.Redeem(gctx, tok.Secret, subject)
						switch {
						case err == nil:
							successes.Add(1)
						case errors.Is(err, apperr.ErrTokenExhausted):
							exhausted.Add(1)
						default:
							other.Add(1)
						}
						return nil
					})
				}
				close(start)
				return g.Wait()
			},
		}},
		Expect: []Expect{
			{Gauge: "successful_redemptions", Bound: Bound{Equal, 1},
				Message: "exactly one redemption must succeed"},
			{Gauge: "exhausted_rejections", Bound: Bound{Equal, float64(s.Redeemers - 1)},
				Message: "every other redemption must be rejected as exhausted"},
			{Gauge: "uses_remaining", Bound: Bound{Equal, 0},
				Message: "the token must end with zero uses"},
		},
		Observe:  s.Duration,
		Interval: s.SampleEvery,
	}
}

// MembershipWriteFailure fails the membership write during redemption. The
// redemption must fail as retryable and leave the token's uses untouched.
func MembershipWriteFailure(t *Target, s Settings) Experiment {
	var (
		mu          sync.Mutex
		issued      *token.Issued
		transient   atomic.Int64
		subjectID   = "chaos-" + uuid.NewString()[:8]
		setupIssued = func(ctx context.Context) error {
			tok, err := t.IssueToken(ctx, 30, 2)
			if err != nil {
				return err
			}
			mu.Lock()
			issued = tok
			mu.Unlock()
			return nil
		}
	)
	currentSecret := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if issued == nil {
			return "", errors.New("no token issued")
		}
		return issued.Secret, nil
	}
	usesRemaining := func(ctx context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		if issued == nil {
			return 2, nil
		}
		tok, err := t.Tokens.Get(ctx, issued.ID)
		if err != nil {
			return 0, err
		}
		return float64(tok.UsesRemaining), nil
	}
	memberActive := func(ctx context.Context) (float64, error) {
		snap, err := t.Memberships.GetStatus(ctx, subjectID, targetResource)
		if err != nil {
			return 0, err
		}
		if snap.IsCurrentlyActive {
			return 1, nil
		}
		return 0, nil
	}

	return Experiment{
		Name:       "membership-write-failure",
		Hypothesis: "a failed membership write rolls back the token decrement",
		Gauges: []Gauge{
			{Name: "uses_remaining", Read: usesRemaining, Steady: Bound{Equal, 2}},
			{Name: "membership_active", Read: memberActive, Steady: Bound{Equal, 0}},
			{Name: "transient_failures", Read: func(context.Context) (float64, error) {
				return float64(transient.Load()), nil
			}, Steady: Bound{AtLeast, 0}},
		},
		Inject: []Step{
			{Target: "token.issue", Run: setupIssued},
			{Target: "membership.write", Run: func(context.Context) error {
				t.Faults.Arm("membership.write", ErrInjected)
				return nil
			}},
			{Target: "token.redeem", Run: func(ctx context.Context) error {
				secret, err := currentSecret()
				if err != nil {
					return err
				}
				_, err = t.Tokens.Redeem(ctx, secret, subjectID)
				if errors.Is(err, apperr.ErrTransientStorage) {
					transient.Add(1)
					return nil
				}
				if err == nil {
					return errors.New("redemption succeeded despite armed fault")
				}
				return err
			}},
		},
		Restore: []Step{
			{Target: "membership.write", Run: func(context.Context) error {
				t.Faults.Disarm("membership.write")
				return nil
			}},
			{Target: "token.redeem", Run: func(ctx context.Context) error {
				secret, err := currentSecret()
				if err != nil {
					return err
				}
				_, err = t.Tokens.Redeem(ctx, secret, subjectID)
				return err
			}},
		},
		Expect: []Expect{
			{Gauge: "uses_remaining", Bound: Bound{Equal, 2},
				Message: "token uses must be restored after the failed write"},
			{Gauge: "membership_active", Bound: Bound{Equal, 0},
				Message: "no membership may exist after the failed write"},
			{Gauge: "transient_failures", Bound: Bound{Equal, 1},
				Message: "the redemption must fail as transient storage"},
		},
		Observe:  s.Duration,
		Interval: s.SampleEvery,
	}
}

// SinkOutage takes the only event sink down while redemptions run. State
// changes must still commit, and the queued events must arrive once the
// sink returns.
func SinkOutage(clock clockwork.Clock, s Settings) Experiment {
	var (
		down      atomic.Bool
		delivered atomic.Int64
		redeemed  atomic.Int64
		cancel    context.CancelFunc
	)
	sink := events.FuncSink{SinkName: "chaos", Fn: func(context.Context, events.Envelope) error {
		if down.Load() {
			return errors.New("sink unavailable")
		}
		delivered.Add(1)
		return nil
	}}
	dispatcher := events.NewDispatcher(clock, events.DispatcherConfig{
		MaxRetryElapsed: s.Duration * 4,
		BreakerTimeout:  s.SampleEvery,
	}, sink)
	t := NewTarget(dispatcher, clock)

	return Experiment{
		Name:       "sink-outage",
		Hypothesis: "redemptions commit while the event sink is down and events arrive after it recovers",
		Gauges: []Gauge{
			{Name: "redemptions", Read: func(context.Context) (float64, error) {
				return float64(redeemed.Load()), nil
			}, Steady: Bound{AtLeast, 0}},
			{Name: "events_delivered", Read: func(context.Context) (float64, error) {
				return float64(delivered.Load()), nil
			}, Steady: Bound{AtLeast, 0}},
		},
		Inject: []Step{
			{Target: "events", Run: func(ctx context.Context) error {
				var runCtx context.Context
				runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
				go dispatcher.Run(runCtx)
				return nil
			}},
			{Target: "events.chaos", Run: func(context.Context) error {
				down.Store(true)
				return nil
			}},
			{Target: "token.redeem", Run: func(ctx context.Context) error {
				for i := 0; i < 3; i++ {
					tok, err := t.IssueToken(ctx, 30, 1)
					if err != nil {
						return err
					}
					if _, err := t.Tokens.Redeem(ctx, tok.Secret, fmt.Sprintf("outage-%d", i)); err != nil {
						return err
					}
					redeemed.Add(1)
				}
				return nil
			}},
			{Target: "events.chaos", Run: func(context.Context) error {
				down.Store(false)
				return nil
			}},
		},
		Restore: []Step{{Target: "events", Run: func(context.Context) error {
			if cancel != nil {
				cancel()
				<-dispatcher.Done()
			}
			return nil
		}}},
		Expect: []Expect{
			{Gauge: "redemptions", Bound: Bound{Equal, 3},
				Message: "every redemption must commit while the sink is down"},
			{Gauge: "events_delivered", Bound: Bound{Above, 0},
				Message: "queued events must be delivered once the sink recovers"},
		},
		Observe:  s.Duration,
		Interval: s.SampleEvery,
	}
}
