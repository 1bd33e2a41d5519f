// internal/events/emitter_test.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	t.Helper()
	d := NewDispatcher(clockwork.NewRealClock(), cfg, sinks...)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a := NewRecorder(clockwork.NewRealClock())
	b := NewRecorder(clockwork.NewRealClock())
	d := startDispatcher(t, DispatcherConfig{}, a, b)

	tokenID := uuid.New()
	d.Emit(context.Background(),
		TokenRevoked{TokenID: tokenID, ByAdminID: "admin-1"},
		MembershipApproved{SubjectID: "u1", ResourceID: "c1"},
	)

	require.Eventually(t, func() bool {
		return len(a.Envelopes()) == 2 && len(b.Envelopes()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := a.Events(KindTokenRevoked)
	require.Len(t, got, 1)
	assert.Equal(t, TokenRevoked{TokenID: tokenID, ByAdminID: "admin-1"}, got[0])
	assert.Equal(t, "c1/u1", a.Envelopes()[1].Key)
}

func TestDispatcherRetriesFailingSink(t *testing.T) {
	var calls atomic.Int32
	flaky := FuncSink{SinkName: "flaky", Fn: func(context.Context, Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	d := startDispatcher(t, DispatcherConfig{MaxRetryElapsed: 10 * time.Second}, flaky)

	d.Emit(context.Background(), TokenLapsed{TokenID: uuid.New(), TariffID: uuid.New()})

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 8*time.Second, 20*time.Millisecond)
}

func TestDispatcherDropsWhenQueueFullAndContextDone(t *testing.T) {
	// No Run loop: the queue never drains.
	d := NewDispatcher(clockwork.NewRealClock(), DispatcherConfig{Buffer: 1, EnqueueTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx,
			TokenLapsed{TokenID: uuid.New()},
			TokenLapsed{TokenID: uuid.New()},
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked past its context deadline")
	}
	assert.Len(t, d.queue, 1)
}

func TestEmitReturnsWhenSinkDownAndQueueFull(t *testing.T) {
	// The sink hangs until the test ends, so the worker never frees a slot.
	release := make(chan struct{})
	down := FuncSink{SinkName: "down", Fn: func(context.Context, Envelope) error {
		<-release
		return errors.New("broker unavailable")
	}}
	d := startDispatcher(t, DispatcherConfig{
		Buffer:          2,
		EnqueueTimeout:  10 * time.Millisecond,
		RetryInterval:   time.Millisecond,
		MaxRetryElapsed: time.Minute,
	}, down)
	t.Cleanup(func() { close(release) })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(context.Background(), TokenLapsed{TokenID: uuid.New()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked behind a failing sink")
	}
	assert.LessOrEqual(t, len(d.queue), 2)
}

func TestOpenBreakerSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	down := FuncSink{SinkName: "down", Fn: func(context.Context, Envelope) error {
		calls.Add(1)
		return errors.New("broker unavailable")
	}}
	healthy := NewRecorder(clockwork.NewRealClock())
	d := startDispatcher(t, DispatcherConfig{
		RetryInterval:   time.Millisecond,
		MaxRetryElapsed: time.Minute,
		BreakerTimeout:  time.Minute,
	}, down, healthy)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), TokenLapsed{TokenID: uuid.New()})
	}

	// The first event trips the breaker; the rest fail fast instead of
	// retrying for a minute each.
	require.Eventually(t, func() bool { return len(healthy.Envelopes()) == 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), calls.Load())
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode(Envelope{Kind: "Nope", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []skafka.Message
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSinkKeysByEntity(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := NewKafkaSinkWithWriter(w)
	env, err := NewEnvelope(MembershipExpired{SubjectID: "u1", ResourceID: "c1", PreviousExpiresAt: time.Now()}, time.Now())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), env))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "c1/u1", string(w.msgs[0].Key))
	var decoded Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, KindMembershipExpired, decoded.Kind)
}

type fakePublisher struct {
	key string
	msg amqp.Publishing
}

func (p *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	p.key = key
	p.msg = msg
	return nil
}

func TestAMQPSinkPublishesPersistentMessages(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewAMQPSinkWithPublisher(pub, "tollgate.events")
	env, err := NewEnvelope(TokenRevoked{TokenID: uuid.New(), ByAdminID: "a"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), env))

	assert.Equal(t, "tollgate.events", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, string(KindTokenRevoked), pub.msg.Type)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Deliver(context.Background(), env), ErrSinkClosed)
}
