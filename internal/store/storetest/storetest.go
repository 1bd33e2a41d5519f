// internal/store/storetest/storetest.go

// Package storetest is the behaviour suite every repository implementation
// must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/apperr"
	"tollgate/internal/membership"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

// Store is the union of the repository ports.
type Store interface {
	tariff.Repository
	token.Repository
	membership.Repository
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite; open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"TariffLifecycle", testTariffLifecycle},
		{"TariffVersionConflict", testTariffVersionConflict},
		{"DeleteTariffWithTokens", testDeleteTariffWithTokens},
		{"TokenLookup", testTokenLookup},
		{"RevokeToken", testRevokeToken},
		{"RedeemGrantsMembership", testRedeemGrantsMembership},
		{"RedeemRejections", testRedeemRejections},
		{"ConcurrentRedeemAtMostMaxUses", testConcurrentRedeem},
		{"MutateMembership", testMutateMembership},
		{"ExpireMemberships", testExpireMemberships},
		{"ListLapsedTokens", testListLapsedTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func newTariff(resourceID string, durationDays, validityDays int) *tariff.Tariff {
	return &tariff.Tariff{
		ID:                uuid.New(),
		ResourceID:        resourceID,
		Name:              "monthly",
		Price:             decimal.RequireFromString("9.99"),
		DurationDays:      durationDays,
		TokenValidityDays: validityDays,
		Active:            true,
		Version:           1,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
	}
}

func newToken(tariffID uuid.UUID, maxUses int, expiresAt time.Time) *token.AccessToken {
	return &token.AccessToken{
		ID:              uuid.New(),
		TariffID:        tariffID,
		IssuerSubjectID: "admin",
		SecretDigest:    uuid.NewString(),
		CreatedAt:       epoch,
		ExpiresAt:       expiresAt,
		MaxUses:         maxUses,
		UsesRemaining:   maxUses,
	}
}

func grantAt(now time.Time, origin uuid.UUID) token.GrantFunc {
	return func(t *tariff.Tariff, current *membership.Membership) (*membership.Membership, membership.GrantOutcome) {
		next, outcome := membership.ApplyGrant(current, "u1", t.ResourceID, now, t.DurationDays, &origin)
		if outcome == membership.GrantUnchanged {
			return nil, outcome
		}
		return &next, outcome
	}
}

func seed(t *testing.T, s Store, maxUses int) (*tariff.Tariff, *token.AccessToken) {
	t.Helper()
	ctx := context.Background()
	tr := newTariff("c1", 30, 7)
	require.NoError(t, s.CreateTariff(ctx, tr))
	tok := newToken(tr.ID, maxUses, epoch.AddDate(0, 0, 7))
	require.NoError(t, s.CreateToken(ctx, tok))
	return tr, tok
}

func testTariffLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	tr := newTariff("c1", 30, 7)
	require.NoError(t, s.CreateTariff(ctx, tr))
	other := newTariff("c2", 10, 1)
	require.NoError(t, s.CreateTariff(ctx, other))

	got, err := s.GetTariff(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ResourceID, got.ResourceID)
	assert.True(t, tr.Price.Equal(got.Price))
	assert.Equal(t, tr.CreatedAt, got.CreatedAt)

	active, err := s.ListActiveTariffs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tr.ID, active[0].ID)

	got.Active = false
	got.Version = 2
	require.NoError(t, s.UpdateTariff(ctx, got, 1))
	active, err = s.ListActiveTariffs(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteTariff(ctx, tr.ID))
	_, err = s.GetTariff(ctx, tr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTariff(ctx, tr.ID), apperr.ErrNotFound)
}

func testTariffVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	tr := newTariff("c1", 30, 7)
	require.NoError(t, s.CreateTariff(ctx, tr))

	tr.Name = "renamed"
	tr.Version = 2
	require.NoError(t, s.UpdateTariff(ctx, tr, 1))

	tr.Version = 3
	assert.ErrorIs(t, s.UpdateTariff(ctx, tr, 1), apperr.ErrVersionConflict)

	missing := newTariff("c1", 1, 1)
	assert.ErrorIs(t, s.UpdateTariff(ctx, missing, 1), apperr.ErrNotFound)
}

func testDeleteTariffWithTokens(t *testing.T, s Store) {
	tr, _ := seed(t, s, 1)
	assert.ErrorIs(t, s.DeleteTariff(context.Background(), tr.ID), apperr.ErrInvalidState)
}

func testTokenLookup(t *testing.T, s Store) {
	ctx := context.Background()
	tr, tok := seed(t, s, 3)

	got, err := s.GetTokenByDigest(ctx, tok.SecretDigest)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, 3, got.UsesRemaining)
	assert.Equal(t, tok.ExpiresAt, got.ExpiresAt)
	assert.Nil(t, got.LastRedeemedAt)

	_, err = s.GetTokenByDigest(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetToken(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := s.ListTokensByTariff(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tok.ID, list[0].ID)
}

func testRevokeToken(t *testing.T, s Store) {
	ctx := context.Background()
	_, tok := seed(t, s, 5)

	changed, err := s.RevokeToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.RevokeToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsesRemaining)

	_, err = s.RevokeToken(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func testRedeemGrantsMembership(t *testing.T, s Store) {
	ctx := context.Background()
	_, tok := seed(t, s, 2)
	now := epoch.Add(time.Hour)

	res, err := s.RedeemToken(ctx, token.RedeemRequest{TokenID: tok.ID, SubjectID: "u1", Now: now, Grant: grantAt(now, tok.ID)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Token.UsesRemaining)
	assert.Equal(t, "u1", res.Token.LastRedeemedBy)
	assert.Equal(t, "c1", res.ResourceID)
	assert.Equal(t, membership.GrantActivated, res.Outcome)
	require.NotNil(t, res.Membership.ExpiresAt)
	assert.Equal(t, now.AddDate(0, 0, 30), *res.Membership.ExpiresAt)

	stored, err := s.GetMembership(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, stored.Status)
	require.NotNil(t, stored.OriginTokenID)
	assert.Equal(t, tok.ID, *stored.OriginTokenID)

	// A second redemption at the same instant cannot move the expiry.
	res, err = s.RedeemToken(ctx, token.RedeemRequest{TokenID: tok.ID, SubjectID: "u1", Now: now, Grant: grantAt(now, tok.ID)})
	require.NoError(t, err)
	assert.Equal(t, membership.GrantUnchanged, res.Outcome)
	assert.Zero(t, res.Token.UsesRemaining)
	assert.Equal(t, 1, res.Membership.Version)
}

func testRedeemRejections(t *testing.T, s Store) {
	ctx := context.Background()
	_, tok := seed(t, s, 1)

	_, err := s.RedeemToken(ctx, token.RedeemRequest{TokenID: uuid.New(), SubjectID: "u1", Now: epoch, Grant: grantAt(epoch, tok.ID)})
	assert.ErrorIs(t, err, apperr.ErrTokenNotFound)

	late := tok.ExpiresAt.Add(time.Millisecond)
	_, err = s.RedeemToken(ctx, token.RedeemRequest{TokenID: tok.ID, SubjectID: "u1", Now: late, Grant: grantAt(late, tok.ID)})
	assert.ErrorIs(t, err, apperr.ErrTokenExpired)

	_, err = s.RedeemToken(ctx, token.RedeemRequest{TokenID: tok.ID, SubjectID: "u1", Now: tok.ExpiresAt, Grant: grantAt(tok.ExpiresAt, tok.ID)})
	require.NoError(t, err, "a token is still valid at its expiry instant")

	_, err = s.RedeemToken(ctx, token.RedeemRequest{TokenID: tok.ID, SubjectID: "u1", Now: epoch, Grant: grantAt(epoch, tok.ID)})
	assert.ErrorIs(t, err, apperr.ErrTokenExhausted)

	_, err = s.GetMembership(ctx, "u2", "c1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func testConcurrentRedeem(t *testing.T, s Store) {
	const maxUses, callers = 3, 20
	_, tok := seed(t, s, maxUses)

	var ok, exhausted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.RedeemToken(context.Background(), token.RedeemRequest{
				TokenID: tok.ID, SubjectID: "u1", Now: epoch, Grant: grantAt(epoch, tok.ID),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.CodeOf(err) == apperr.CodeTokenExhausted:
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, maxUses, ok.Load())
	assert.EqualValues(t, callers-maxUses, exhausted.Load())

	got, err := s.GetToken(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsesRemaining)
}

func testMutateMembership(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.MutateMembership(ctx, "u1", "c1", func(*membership.Membership) (*membership.Membership, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	m, err := s.MutateMembership(ctx, "u1", "c1", func(current *membership.Membership) (*membership.Membership, error) {
		next, _, err := membership.RequestJoin(current, "u1", "c1", epoch)
		return &next, err
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusPending, m.Status)

	m, err = s.MutateMembership(ctx, "u1", "c1", func(current *membership.Membership) (*membership.Membership, error) {
		next, err := membership.Decide(current, false, "no", epoch, 0)
		return &next, err
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, m.Status)
	assert.Equal(t, 2, m.Version)

	_, err = s.MutateMembership(ctx, "u1", "c1", func(current *membership.Membership) (*membership.Membership, error) {
		next, err := membership.Decide(current, true, "", epoch, 0)
		return &next, err
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := s.GetMembership(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, got.Status)
	assert.Equal(t, "no", got.Reason)
}

func grant(t *testing.T, s Store, subjectID string, now time.Time, days int) {
	t.Helper()
	_, err := s.MutateMembership(context.Background(), subjectID, "c1", func(current *membership.Membership) (*membership.Membership, error) {
		next, _ := membership.ApplyGrant(current, subjectID, "c1", now, days, nil)
		return &next, nil
	})
	require.NoError(t, err)
}

func testExpireMemberships(t *testing.T, s Store) {
	ctx := context.Background()
	grant(t, s, "overdue", epoch, 1)
	grant(t, s, "fresh", epoch, 30)
	grant(t, s, "forever", epoch, 0)

	now := epoch.AddDate(0, 0, 2)
	expired, err := s.ExpireMemberships(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "overdue", expired[0].SubjectID)
	assert.Equal(t, epoch.AddDate(0, 0, 1), expired[0].PreviousExpiresAt)

	again, err := s.ExpireMemberships(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, again)

	for subject, want := range map[string]membership.Status{
		"overdue": membership.StatusExpired,
		"fresh":   membership.StatusActive,
		"forever": membership.StatusActive,
	} {
		m, err := s.GetMembership(ctx, subject, "c1")
		require.NoError(t, err)
		assert.Equal(t, want, m.Status, subject)
	}

	// Exactly at the expiry instant the membership is still valid.
	grant(t, s, "edge", epoch, 3)
	expired, err = s.ExpireMemberships(ctx, epoch.AddDate(0, 0, 3), 100)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func testListLapsedTokens(t *testing.T, s Store) {
	ctx := context.Background()
	tr := newTariff("c1", 30, 7)
	require.NoError(t, s.CreateTariff(ctx, tr))

	early := newToken(tr.ID, 1, epoch.Add(time.Hour))
	late := newToken(tr.ID, 1, epoch.Add(3*time.Hour))
	spent := newToken(tr.ID, 1, epoch.Add(2*time.Hour))
	spent.UsesRemaining = 0
	future := newToken(tr.ID, 1, epoch.AddDate(0, 0, 1))
	for _, tok := range []*token.AccessToken{early, late, spent, future} {
		require.NoError(t, s.CreateToken(ctx, tok))
	}

	got, err := s.ListLapsedTokens(ctx, epoch, epoch.Add(4*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	got, err = s.ListLapsedTokens(ctx, epoch, epoch.Add(4*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.ListLapsedTokens(ctx, epoch.Add(3*time.Hour), epoch.Add(4*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)
}
