// internal/chaos/engine.go

// Package chaos runs fault experiments against the ledgers: steady state is
// checked, faults are injected, the system is observed, faults are rolled
// back and the hypothesis is judged on the final readings.
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Op compares a reading against a bound.
type Op string

const (
	Above   Op = ">"
	Below   Op = "<"
	AtLeast Op = ">="
	AtMost  Op = "<="
	Equal   Op = "=="
)

// Bound is a single comparison a reading must satisfy.
type Bound struct {
	Op    Op      `json:"op"`
	Value float64 `json:"value"`
}

// Holds reports whether v satisfies the bound. Unknown ops never hold.
func (b Bound) Holds(v float64) bool {
	switch b.Op {
	case Above:
		return v > b.Value
	case Below:
		return v < b.Value
	case AtLeast:
		return v >= b.Value
	case AtMost:
		return v <= b.Value
	case Equal:
		return v == b.Value
	default:
		return false
	}
}

// Gauge reads one ledger property. Steady is checked before injection and on
// every sample.
type Gauge struct {
	Name   string
	Read   func(context.Context) (float64, error)
	Steady Bound
}

// Step injects or removes a fault. Target names the component it touches.
type Step struct {
	Target string
	Run    func(context.Context) error
}

// Expect must hold for the last reading of Gauge once faults are rolled back.
type Expect struct {
	Gauge   string
	Bound   Bound
	Message string
}

// Experiment is one hypothesis about ledger behaviour under a fault.
type Experiment struct {
	Name       string
	Hypothesis string
	Gauges     []Gauge
	Inject     []Step
	Restore    []Step
	Expect     []Expect
	// Observe is how long gauges are sampled after injection.
	Observe  time.Duration
	Interval time.Duration
}

type Result struct {
	Experiment  string               `json:"experiment"`
	Started     time.Time            `json:"started"`
	Elapsed     time.Duration        `json:"elapsed"`
	SteadyState bool                 `json:"steady_state"`
	Held        bool                 `json:"held"`
	Breaches    []Breach             `json:"breaches,omitempty"`
	Readings    map[string][]float64 `json:"readings"`
	Failures    []Failure            `json:"failures,omitempty"`
	Unmet       []string             `json:"unmet,omitempty"`
}

// Breach is a reading outside its gauge's steady bound.
type Breach struct {
	Gauge string  `json:"gauge"`
	Bound Bound   `json:"bound"`
	Got   float64 `json:"got"`
}

// Failure is a step or gauge read that returned an error.
type Failure struct {
	Target string `json:"target"`
	Err    string `json:"error"`
}

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid, aborting experiment")

type Engine struct {
	tracer trace.Tracer
	clock  clockwork.Clock

	mu      sync.Mutex
	results []Result
}

func NewEngine(clock clockwork.Clock) *Engine {
	return &Engine{
		tracer: otel.Tracer("tollgate/chaos"),
		clock:  clock,
	}
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out
}

// RunExperiment executes a single experiment.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	res := &Result{
		Experiment: exp.Name,
		Started:    e.clock.Now(),
		Readings:   make(map[string][]float64),
	}

	span.AddEvent("steady_state")
	if breaches := e.checkSteadyState(ctx, exp.Gauges); len(breaches) > 0 {
		res.Breaches = breaches
		return res, ErrSteadyStateInvalid
	}
	res.SteadyState = true

	span.AddEvent("inject")
	for _, step := range exp.Inject {
		if err := step.Run(ctx); err != nil {
			res.Failures = append(res.Failures, Failure{Target: step.Target, Err: err.Error()})
			span.RecordError(err)
		}
	}

	span.AddEvent("observe")
	e.observe(ctx, exp, res)

	span.AddEvent("restore")
	for _, step := range exp.Restore {
		if err := step.Run(ctx); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("experiment", exp.Name).Str("target", step.Target).Msg("Restore step failed")
		}
	}

	res.Held = judge(exp.Expect, res)
	res.Elapsed = e.clock.Since(res.Started)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("held", res.Held),
		attribute.Int("breaches", len(res.Breaches)),
	)
	return res, nil
}

// observe samples every gauge for the observation window, always taking at
// least one sample.
func (e *Engine) observe(ctx context.Context, exp Experiment, res *Result) {
	every := exp.Interval
	if every <= 0 {
		every = time.Second
	}
	ticker := e.clock.NewTicker(every)
	defer ticker.Stop()
	deadline := e.clock.After(exp.Observe)

	e.sample(ctx, exp.Gauges, res)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.Chan():
			e.sample(ctx, exp.Gauges, res)
		}
	}
}

func (e *Engine) sample(ctx context.Context, gauges []Gauge, res *Result) {
	for _, g := range gauges {
		v, err := g.Read(ctx)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Target: g.Name, Err: err.Error()})
			continue
		}
		res.Readings[g.Name] = append(res.Readings[g.Name], v)
		if !g.Steady.Holds(v) {
			res.Breaches = append(res.Breaches, Breach{Gauge: g.Name, Bound: g.Steady, Got: v})
		}
	}
}

// checkSteadyState returns a breach per gauge that is out of bounds or
// unreadable. Unreadable gauges report Got as -1.
func (e *Engine) checkSteadyState(ctx context.Context, gauges []Gauge) []Breach {
	var breaches []Breach
	for _, g := range gauges {
		v, err := g.Read(ctx)
		if err != nil {
			v = -1
		}
		if err != nil || !g.Steady.Holds(v) {
			breaches = append(breaches, Breach{Gauge: g.Name, Bound: g.Steady, Got: v})
		}
	}
	return breaches
}

func judge(expects []Expect, res *Result) bool {
	held := true
	for _, x := range expects {
		readings := res.Readings[x.Gauge]
		if len(readings) == 0 || !x.Bound.Holds(readings[len(readings)-1]) {
			res.Unmet = append(res.Unmet, x.Message)
			held = false
		}
	}
	return held
}

// RunAll runs experiments in order, pausing between them, and logs each
// outcome. It returns false if any hypothesis did not hold.
func (e *Engine) RunAll(ctx context.Context, experiments []Experiment, pause time.Duration) bool {
	ctx, span := e.tracer.Start(ctx, "chaos.run_all",
		trace.WithAttributes(attribute.Int("experiments", len(experiments))),
	)
	defer span.End()

	allHeld := true
	for i, exp := range experiments {
		log.Info().Int("n", i+1).Int("of", len(experiments)).Str("experiment", exp.Name).
			Str("hypothesis", exp.Hypothesis).Msg("Running experiment")

		res, err := e.RunExperiment(ctx, exp)
		if err != nil {
			allHeld = false
			log.Error().Err(err).Str("experiment", exp.Name).Msg("Experiment aborted")
			continue
		}
		logResult(res)
		if !res.Held {
			allHeld = false
		}

		if i < len(experiments)-1 && pause > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-e.clock.After(pause):
			}
		}
	}
	return allHeld
}

func logResult(res *Result) {
	ev := log.Info()
	if !res.Held {
		ev = log.Warn().Strs("unmet", res.Unmet)
	}
	ev.Str("experiment", res.Experiment).
		Bool("held", res.Held).
		Int("breaches", len(res.Breaches)).
		Int("failures", len(res.Failures)).
		Dur("elapsed", res.Elapsed).
		Msg("Experiment finished")
}
