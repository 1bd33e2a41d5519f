// internal/events/emitter.go
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Emitter accepts lifecycle events. Emit never reports delivery failures;
// state changes must not depend on subscribers.
type Emitter interface {
	Emit(ctx context.Context, evs ...Event)
}

// Sink receives envelopes from a Dispatcher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

type discard struct{}

func (discard) Emit(context.Context, ...Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// DispatcherConfig tunes queueing and delivery retries.
type DispatcherConfig struct {
	Buffer int
	// EnqueueTimeout bounds how long Emit waits for room in a full queue.
	EnqueueTimeout  time.Duration
	RetryInterval   time.Duration
	MaxRetryElapsed time.Duration
	// BreakerTimeout is how long a tripped sink stays open before a trial delivery.
	BreakerTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 50 * time.Millisecond
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.MaxRetryElapsed <= 0 {
		c.MaxRetryElapsed = 30 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher queues envelopes and delivers them to every sink from a single
// worker. Delivery is at-least-once per sink within MaxRetryElapsed.
type Dispatcher struct {
	cfg   DispatcherConfig
	clock clockwork.Clock
	queue chan Envelope
	sinks []guardedSink

	delivered metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher; call Run to start delivery.
func NewDispatcher(clock clockwork.Clock, cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	meter := otel.Meter("tollgate/events")
	delivered, _ := meter.Int64Counter("tollgate.events.delivered",
		metric.WithDescription("Envelopes delivered to a sink"))
	failed, _ := meter.Int64Counter("tollgate.events.failed",
		metric.WithDescription("Envelopes a sink never accepted"))
	dropped, _ := meter.Int64Counter("tollgate.events.dropped",
		metric.WithDescription("Events dropped because the queue was full"))

	d := &Dispatcher{
		cfg:       cfg,
		clock:     clock,
		queue:     make(chan Envelope, cfg.Buffer),
		delivered: delivered,
		failed:    failed,
		dropped:   dropped,
		done:      make(chan struct{}),
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, guardedSink{
			sink: s,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    s.Name(),
				Timeout: cfg.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).
						Msg("Event sink circuit changed state")
				},
			}),
		})
	}
	return d
}

// Emit stamps and enqueues events. When the queue is full it waits at most
// EnqueueTimeout, or until ctx ends, and then drops the event.
func (d *Dispatcher) Emit(ctx context.Context, evs ...Event) {
	for _, e := range evs {
		env, err := NewEnvelope(e, d.clock.Now())
		if err != nil {
			log.Error().Err(err).Str("kind", string(e.Kind())).Msg("Failed to build event envelope")
			continue
		}
		if !d.enqueue(ctx, env) {
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(env.Kind))))
			log.Warn().Str("kind", string(env.Kind)).Str("key", env.Key).Msg("Event queue full, dropping event")
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, env Envelope) bool {
	select {
	case d.queue <- env:
		return true
	default:
	}
	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- env:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run delivers queued envelopes until ctx is cancelled, then drains what is
// already queued before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.closeOnce.Do(func() { close(d.done) })
	for {
		select {
		case env := <-d.queue:
			d.deliver(ctx, env)
		case <-ctx.Done():
			return d.drain()
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case env := <-d.queue:
			d.deliver(ctx, env)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	for _, gs := range d.sinks {
		attrs := metric.WithAttributes(
			attribute.String("sink", gs.sink.Name()),
			attribute.String("kind", string(env.Kind)),
		)
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			_, err := gs.breaker.Execute(func() (interface{}, error) {
				return nil, gs.sink.Deliver(ctx, env)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(&backoff.ExponentialBackOff{
				InitialInterval:     d.cfg.RetryInterval,
				RandomizationFactor: backoff.DefaultRandomizationFactor,
				Multiplier:          backoff.DefaultMultiplier,
				MaxInterval:         backoff.DefaultMaxInterval,
			}),
			backoff.WithMaxElapsedTime(d.cfg.MaxRetryElapsed),
		)
		if err != nil {
			d.failed.Add(context.Background(), 1, attrs)
			log.Error().Err(err).
				Str("sink", gs.sink.Name()).
				Str("kind", string(env.Kind)).
				Str("event_id", env.ID.String()).
				Msg("Failed to deliver event")
			continue
		}
		d.delivered.Add(context.Background(), 1, attrs)
	}
}

// Recorder keeps every event in memory. It is both an Emitter, for direct use
// by services in tests, and a Sink.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	clock     clockwork.Clock
}

func NewRecorder(clock clockwork.Clock) *Recorder {
	return &Recorder{clock: clock}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Emit(_ context.Context, evs ...Event) {
	for _, e := range evs {
		env, err := NewEnvelope(e, r.clock.Now())
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.envelopes = append(r.envelopes, env)
		r.mu.Unlock()
	}
}

func (r *Recorder) Deliver(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// Events decodes every recorded envelope of the given kinds (all when empty).
func (r *Recorder) Events(kinds ...Kind) []Event {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []Event
	for _, env := range r.Envelopes() {
		if len(want) > 0 && !want[env.Kind] {
			continue
		}
		e, err := Decode(env)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns how many envelopes of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, env := range r.Envelopes() {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

// ErrSinkClosed is returned by sinks used after Close.
var ErrSinkClosed = errors.New("event sink closed")

// FuncSink adapts a function into a Sink for in-process subscribers.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, env Envelope) error
}

func (f FuncSink) Name() string { return f.SinkName }

func (f FuncSink) Deliver(ctx context.Context, env Envelope) error {
	if f.Fn == nil {
		return fmt.Errorf("sink %s has no handler", f.SinkName)
	}
	return f.Fn(ctx, env)
}
