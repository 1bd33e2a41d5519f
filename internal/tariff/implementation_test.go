// internal/tariff/implementation_test.go
package tariff_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/apperr"
	"tollgate/internal/clients"
	"tollgate/internal/store/memory"
	"tollgate/internal/tariff"
)

func newService(t *testing.T) (tariff.Service, *memory.Store) {
	t.Helper()
	dir := clients.NewStaticDirectory(false)
	dir.AddResource("c1", "admin")
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return tariff.NewService(store, dir, clock), store
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	price := decimal.RequireFromString("4.50")

	tests := []struct {
		name     string
		resource string
		price    decimal.Decimal
		duration int
		validity int
		field    string
	}{
		{"zero duration", "c1", price, 0, 7, "duration_days"},
		{"negative validity", "c1", price, 30, -1, "token_validity_days"},
		{"negative price", "c1", decimal.NewFromInt(-1), 30, 7, "price"},
		{"missing resource", "", price, 30, 7, "resource_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.resource, "plan", tt.price, tt.duration, tt.validity)
			require.ErrorIs(t, err, apperr.ErrValidation)
			var appErr *apperr.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Metadata["field"])
		})
	}

	_, err := svc.Create(ctx, "unknown", "plan", price, 30, 7)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	free, err := svc.Create(ctx, "c1", "free", decimal.Zero, 30, 7)
	require.NoError(t, err)
	assert.True(t, free.Active)
}

func TestUpdateDeactivateDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, "c1", "monthly", decimal.NewFromInt(10), 30, 7)
	require.NoError(t, err)

	name, validity := "monthly plus", 14
	updated, err := svc.Update(ctx, tr.ID, tariff.Update{Name: &name, TokenValidityDays: &validity})
	require.NoError(t, err)
	assert.Equal(t, "monthly plus", updated.Name)
	assert.Equal(t, 14, updated.TokenValidityDays)
	assert.Equal(t, 30, updated.DurationDays)
	assert.Equal(t, 2, updated.Version)

	bad := 0
	_, err = svc.Update(ctx, tr.ID, tariff.Update{DurationDays: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	list, err := svc.ListActive(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	deactivated, err := svc.Deactivate(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	list, err = svc.ListActive(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, svc.Delete(ctx, tr.ID))
	_, err = svc.Get(ctx, tr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentUpdatesAllApply(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	tr, err := svc.Create(ctx, "c1", "monthly", decimal.NewFromInt(10), 30, 7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deactivate(ctx, tr.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Version)
}
