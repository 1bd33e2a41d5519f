// internal/store/memory/store_test.go
package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/apperr"
	"tollgate/internal/membership"
	"tollgate/internal/store/memory"
	"tollgate/internal/store/storetest"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

func TestRepositorySuite(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Store {
		return memory.NewStore()
	})
}

func TestRedeemRollsBackWhenMembershipWriteFails(t *testing.T) {
	ctx := context.Background()
	failing := true
	s := memory.NewStore(memory.WithFaults(func(op string) error {
		if failing && op == "membership.write" {
			return errors.New("disk on fire")
		}
		return nil
	}))

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr := &tariff.Tariff{ID: uuid.New(), ResourceID: "c1", Name: "t", Price: decimal.Zero,
		DurationDays: 30, TokenValidityDays: 7, Active: true, Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTariff(ctx, tr))
	tok := &token.AccessToken{ID: uuid.New(), TariffID: tr.ID, SecretDigest: "d", CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, 7), MaxUses: 1, UsesRemaining: 1}
	require.NoError(t, s.CreateToken(ctx, tok))

	req := token.RedeemRequest{
		TokenID:   tok.ID,
		SubjectID: "u1",
		Now:       now,
		Grant: func(t *tariff.Tariff, current *membership.Membership) (*membership.Membership, membership.GrantOutcome) {
			next, outcome := membership.ApplyGrant(current, "u1", t.ResourceID, now, t.DurationDays, nil)
			return &next, outcome
		},
	}
	_, err := s.RedeemToken(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrTransientStorage)

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsesRemaining)
	assert.Nil(t, got.LastRedeemedAt)
	_, err = s.GetMembership(ctx, "u1", "c1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	failing = false
	res, err := s.RedeemToken(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, res.Token.UsesRemaining)
	assert.Equal(t, membership.StatusActive, res.Membership.Status)
}

func TestCancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := memory.NewStore().CreateTariff(ctx, &tariff.Tariff{ID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrTransientStorage)
}
