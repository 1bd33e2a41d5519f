// internal/membership/domain_test.go
package membership

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tollgate/internal/apperr"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func days(n int) time.Time { return now.AddDate(0, 0, n) }

func active(expires *time.Time) *Membership {
	return &Membership{SubjectID: "u1", ResourceID: "c1", Status: StatusActive, ExpiresAt: expires, Version: 3}
}

func TestApplyGrant(t *testing.T) {
	origin := uuid.New()
	five, one := days(5), days(1)

	tests := []struct {
		name        string
		current     *Membership
		duration    int
		wantOutcome GrantOutcome
		wantExpiry  *time.Time
	}{
		{"creates active record", nil, 30, GrantActivated, ptr(days(30))},
		{"reactivates expired", &Membership{Status: StatusExpired, ExpiresAt: ptr(days(-3)), Version: 2}, 30, GrantActivated, ptr(days(30))},
		{"redemption overrides rejection", &Membership{Status: StatusRejected, Reason: "spam", Version: 2}, 7, GrantActivated, ptr(days(7))},
		{"activates pending", &Membership{Status: StatusPending, Version: 1}, 7, GrantActivated, ptr(days(7))},
		{"shorter grant leaves expiry", active(&five), 2, GrantUnchanged, &five},
		{"longer grant extends", active(&one), 10, GrantExtended, ptr(days(10))},
		{"non-expiring stays non-expiring", active(nil), 30, GrantUnchanged, nil},
		{"free grant lifts expiry", active(&five), 0, GrantExtended, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := ApplyGrant(tt.current, "u1", "c1", now, tt.duration, &origin)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, tt.wantExpiry, got.ExpiresAt)
			assert.Empty(t, got.Reason)
			if tt.current != nil && outcome != GrantUnchanged {
				assert.Equal(t, tt.current.Version+1, got.Version)
			}
		})
	}
}

func TestApplyGrantConvergesToMaxInAnyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		durations := rapid.SliceOfN(rapid.IntRange(1, 400), 1, 8).Draw(t, "durations")
		offsets := rapid.SliceOfN(rapid.IntRange(0, 1000), len(durations), len(durations)).Draw(t, "offsets_ms")

		var m *Membership
		want := now
		for i, d := range durations {
			at := now.Add(time.Duration(offsets[i]) * time.Millisecond)
			next, _ := ApplyGrant(m, "u1", "c1", at, d, nil)
			m = &next
			if e := at.AddDate(0, 0, d); e.After(want) {
				want = e
			}
		}
		if m.ExpiresAt == nil || !m.ExpiresAt.Equal(want) {
			t.Fatalf("expiry %v, want max %v", m.ExpiresAt, want)
		}
	})
}

func TestApplyGrantNeverShortens(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		existing := rapid.IntRange(1, 400).Draw(t, "existing")
		grant := rapid.IntRange(0, 400).Draw(t, "grant")
		e := days(existing)

		got, _ := ApplyGrant(active(&e), "u1", "c1", now, grant, nil)
		if got.ExpiresAt != nil && got.ExpiresAt.Before(e) {
			t.Fatalf("grant of %d days shortened expiry from %v to %v", grant, e, *got.ExpiresAt)
		}
	})
}

func TestCurrentlyActive(t *testing.T) {
	exp := days(1)
	m := active(&exp)
	assert.True(t, m.CurrentlyActive(now))
	assert.True(t, m.CurrentlyActive(exp), "still active at the expiry instant")
	assert.False(t, m.CurrentlyActive(exp.Add(time.Millisecond)))
	assert.True(t, active(nil).CurrentlyActive(days(10000)))
	assert.False(t, (&Membership{Status: StatusPending}).CurrentlyActive(now))
	assert.False(t, (*Membership)(nil).CurrentlyActive(now))
}

func TestRequestJoinTransitions(t *testing.T) {
	m, changed, err := RequestJoin(nil, "u1", "c1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, m.Version)

	again, changed, err := RequestJoin(&m, "u1", "c1", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, m, again)

	for _, s := range []Status{StatusExpired, StatusRejected} {
		m, changed, err := RequestJoin(&Membership{Status: s, Reason: "x", Version: 4}, "u1", "c1", now)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, StatusPending, m.Status)
		assert.Empty(t, m.Reason)
		assert.Equal(t, 5, m.Version)
	}

	_, _, err = RequestJoin(active(nil), "u1", "c1", now)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestDecide(t *testing.T) {
	pending := &Membership{SubjectID: "u1", ResourceID: "c1", Status: StatusPending, Version: 1}

	approved, err := Decide(pending, true, " welcome ", now, 14)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)
	assert.Equal(t, ptr(days(14)), approved.ExpiresAt)
	assert.Equal(t, "welcome", approved.Reason)
	assert.Nil(t, approved.OriginTokenID)

	free, err := Decide(pending, true, "", now, 0)
	require.NoError(t, err)
	assert.Nil(t, free.ExpiresAt)

	rejected, err := Decide(pending, false, "level too low", now, 14)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Nil(t, rejected.ExpiresAt)

	for _, current := range []*Membership{nil, active(nil), {Status: StatusRejected}, {Status: StatusExpired}} {
		_, err := Decide(current, true, "", now, 1)
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	}
}

func ptr(t time.Time) *time.Time { return &t }
