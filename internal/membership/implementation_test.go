// internal/membership/implementation_test.go
package membership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/apperr"
	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/store/memory"
)

func newService(t *testing.T) (membership.Service, *events.Recorder, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := events.NewRecorder(clock)
	return membership.NewService(memory.NewStore(), rec, clock), rec, clock
}

func TestGetStatusWithoutRecord(t *testing.T) {
	svc, _, _ := newService(t)
	snap, err := svc.GetStatus(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusNone, snap.Status)
	assert.False(t, snap.IsCurrentlyActive)

	_, err = svc.GetStatus(context.Background(), "", "c1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpsertFromGrantEmitsActivatedThenExtended(t *testing.T) {
	ctx := context.Background()
	svc, rec, clock := newService(t)
	origin := uuid.New()

	m, err := svc.UpsertFromGrant(ctx, "u1", "c1", 1, &origin)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)
	assert.Equal(t, clock.Now().AddDate(0, 0, 1), *m.ExpiresAt)

	m, err = svc.UpsertFromGrant(ctx, "u1", "c1", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().AddDate(0, 0, 10), *m.ExpiresAt)

	// Shorter grant: nothing stored, nothing emitted.
	_, err = svc.UpsertFromGrant(ctx, "u1", "c1", 2, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Count(events.KindMembershipActivated))
	assert.Equal(t, 1, rec.Count(events.KindMembershipExtended))

	activated := rec.Events(events.KindMembershipActivated)[0].(events.MembershipActivated)
	require.NotNil(t, activated.OriginTokenID)
	assert.Equal(t, origin, *activated.OriginTokenID)

	_, err = svc.UpsertFromGrant(ctx, "u1", "c1", -1, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrentGrantsConvergeToLongest(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newService(t)

	var wg sync.WaitGroup
	for _, d := range []int{3, 30, 7, 1, 14, 30, 2} {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			_, err := svc.UpsertFromGrant(ctx, "u1", "c1", d, nil)
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	snap, err := svc.GetStatus(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().AddDate(0, 0, 30), *snap.ExpiresAt)
}

func TestJoinRejectThenGrantActivates(t *testing.T) {
	ctx := context.Background()
	svc, rec, _ := newService(t)

	m, err := svc.RequestJoin(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusPending, m.Status)

	m, err = svc.Decide(ctx, "u1", "c1", false, "not eligible", 0)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, m.Status)

	rejected := rec.Events(events.KindMembershipRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "not eligible", rejected[0].(events.MembershipRejected).Reason)

	_, err = svc.Decide(ctx, "u1", "c1", true, "", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	m, err = svc.UpsertFromGrant(ctx, "u1", "c1", 30, nil)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)

	_, err = svc.RequestJoin(ctx, "u1", "c1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestApproveJoinRequest(t *testing.T) {
	ctx := context.Background()
	svc, rec, clock := newService(t)

	_, err := svc.RequestJoin(ctx, "u1", "c1")
	require.NoError(t, err)
	_, err = svc.RequestJoin(ctx, "u1", "c1")
	require.NoError(t, err, "repeated join requests are idempotent")

	m, err := svc.Decide(ctx, "u1", "c1", true, "", 7)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().AddDate(0, 0, 7), *m.ExpiresAt)
	assert.Equal(t, 1, rec.Count(events.KindMembershipApproved))

	snap, err := svc.GetStatus(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, snap.IsCurrentlyActive)
}

func TestManualGrantRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Grant(ctx, "u1", "c1", 0, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := svc.Grant(ctx, "u1", "c1", 0, "admin-1")
	require.NoError(t, err)
	assert.Nil(t, m.ExpiresAt)
	assert.Nil(t, m.OriginTokenID)
}
