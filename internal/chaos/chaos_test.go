// internal/chaos/chaos_test.go
package chaos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/events"
)

var fast = Settings{Redeemers: 12, Duration: 1500 * time.Millisecond, SampleEvery: 50 * time.Millisecond}

func TestBoundHolds(t *testing.T) {
	cases := []struct {
		value float64
		bound Bound
		want  bool
	}{
		{1, Bound{Above, 0}, true},
		{0, Bound{Above, 0}, false},
		{0, Bound{Below, 1}, true},
		{1, Bound{AtLeast, 1}, true},
		{2, Bound{AtMost, 1}, false},
		{3, Bound{Equal, 3}, true},
		{3, Bound{"!=", 3}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.bound.Holds(tc.value), "%v %s %v", tc.value, tc.bound.Op, tc.bound.Value)
	}
}

func TestRunExperimentAbortsOnInvalidSteadyState(t *testing.T) {
	injected := false
	exp := Experiment{
		Name:   "broken",
		Gauges: []Gauge{{Name: "m", Read: constant(5), Steady: Bound{Below, 1}}},
		Inject: []Step{{Target: "x", Run: func(context.Context) error {
			injected = true
			return nil
		}}},
	}

	res, err := NewEngine(clockwork.NewRealClock()).RunExperiment(context.Background(), exp)
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, injected)
	assert.False(t, res.SteadyState)
	require.Len(t, res.Breaches, 1)
	assert.Equal(t, float64(5), res.Breaches[0].Got)
}

func TestRunExperimentRecordsFailedStepsAndUnmetExpectations(t *testing.T) {
	restored := false
	exp := Experiment{
		Name:   "failing",
		Gauges: []Gauge{{Name: "m", Read: constant(1), Steady: Bound{AtLeast, 0}}},
		Inject: []Step{{Target: "db", Run: func(context.Context) error {
			return errors.New("boom")
		}}},
		Restore: []Step{{Target: "db", Run: func(context.Context) error {
			restored = true
			return nil
		}}},
		Expect:   []Expect{{Gauge: "m", Bound: Bound{Above, 1}, Message: "m must exceed one"}},
		Observe:  50 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	}

	engine := NewEngine(clockwork.NewRealClock())
	res, err := engine.RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.False(t, res.Held)
	assert.Equal(t, []string{"m must exceed one"}, res.Unmet)
	require.NotEmpty(t, res.Failures)
	assert.Equal(t, "db", res.Failures[0].Target)
	assert.NotEmpty(t, res.Readings["m"])
	assert.Len(t, engine.Results(), 1)
}

func TestRedemptionRaceHolds(t *testing.T) {
	clock := clockwork.NewRealClock()
	exp := RedemptionRace(NewTarget(events.Discard, clock), fast)

	res, err := NewEngine(clock).RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.True(t, res.Held, "unmet: %v", res.Unmet)
}

func TestMembershipWriteFailureRollsBack(t *testing.T) {
	clock := clockwork.NewRealClock()
	target := NewTarget(events.Discard, clock)
	exp := MembershipWriteFailure(target, fast)

	res, err := NewEngine(clock).RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, res.Held, "unmet: %v", res.Unmet)

	// After rollback the fault is disarmed and the retried redemption landed.
	assert.NoError(t, target.Faults.Check("membership.write"))
}

func TestSinkOutageDeliversAfterRecovery(t *testing.T) {
	clock := clockwork.NewRealClock()
	res, err := NewEngine(clock).RunExperiment(context.Background(), SinkOutage(clock, fast))
	require.NoError(t, err)
	assert.True(t, res.Held, "unmet: %v", res.Unmet)
}

func TestRunAllReportsOverallOutcome(t *testing.T) {
	clock := clockwork.NewRealClock()
	ok := NewEngine(clock).RunAll(context.Background(), []Experiment{
		{
			Name:     "a",
			Gauges:   []Gauge{{Name: "m", Read: constant(1), Steady: Bound{Equal, 1}}},
			Expect:   []Expect{{Gauge: "m", Bound: Bound{Equal, 1}}},
			Observe:  10 * time.Millisecond,
			Interval: 5 * time.Millisecond,
		},
		{Name: "b", Gauges: []Gauge{{Name: "m", Read: constant(0), Steady: Bound{Equal, 1}}}},
	}, time.Millisecond)
	assert.False(t, ok)
}
