// internal/tariff/implementation.go
package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/apperr"
	"tollgate/internal/clients"
)

const maxUpdateAttempts = 5

// service implements the Service interface.
type service struct {
	repo      Repository
	directory clients.Directory
	clock     clockwork.Clock
	tracer    trace.Tracer
}

// NewService creates a new tariff catalog instance.
func NewService(repo Repository, directory clients.Directory, clock clockwork.Clock) Service {
	return &service{
		repo:      repo,
		directory: directory,
		clock:     clock,
		tracer:    otel.Tracer("tollgate/tariff"),
	}
}

// Create validates and stores a new active tariff for resourceID.
func (s *service) Create(ctx context.Context, resourceID, name string, price decimal.Decimal, durationDays, tokenValidityDays int) (*Tariff, error) {
	ctx, span := s.tracer.Start(ctx, "tariff.create",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer span.End()

	now := s.clock.Now().UTC()
	t := &Tariff{
		ID:                uuid.New(),
		ResourceID:        resourceID,
		Name:              name,
		Price:             price,
		DurationDays:      durationDays,
		TokenValidityDays: tokenValidityDays,
		Active:            true,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.directory.ResourceExists(ctx, resourceID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Transient("check resource", err)
	}
	if !exists {
		return nil, apperr.WithMetadata(apperr.CodeValidation, "resource does not exist",
			map[string]string{"resource_id": resourceID})
	}

	if err := s.repo.CreateTariff(ctx, t); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create tariff: %w", err)
	}

	log.Info().Str("tariff_id", t.ID.String()).Str("resource_id", resourceID).
		Int("duration_days", durationDays).Int("token_validity_days", tokenValidityDays).
		Msg("Tariff created")
	return t, nil
}

// Get retrieves a tariff by its ID.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*Tariff, error) {
	ctx, span := s.tracer.Start(ctx, "tariff.get",
		trace.WithAttributes(attribute.String("tariff.id", id.String())),
	)
	defer span.End()

	return s.repo.GetTariff(ctx, id)
}

// ListActive returns the active tariffs offered for resourceID.
func (s *service) ListActive(ctx context.Context, resourceID string) ([]*Tariff, error) {
	ctx, span := s.tracer.Start(ctx, "tariff.list_active",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer span.End()

	tariffs, err := s.repo.ListActiveTariffs(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("tariffs.count", len(tariffs)))
	return tariffs, nil
}

// Update applies a partial edit. Tokens already issued keep the validity
// window they were stamped with.
func (s *service) Update(ctx context.Context, id uuid.UUID, u Update) (*Tariff, error) {
	ctx, span := s.tracer.Start(ctx, "tariff.update",
		trace.WithAttributes(attribute.String("tariff.id", id.String())),
	)
	defer span.End()

	return s.mutate(ctx, id, func(t *Tariff) error {
		t.Apply(u)
		return t.Validate()
	})
}

// Deactivate stops further issuance against a tariff.
func (s *service) Deactivate(ctx context.Context, id uuid.UUID) (*Tariff, error) {
	ctx, span := s.tracer.Start(ctx, "tariff.deactivate",
		trace.WithAttributes(attribute.String("tariff.id", id.String())),
	)
	defer span.End()

	t, err := s.mutate(ctx, id, func(t *Tariff) error {
		t.Active = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("tariff_id", id.String()).Msg("Tariff deactivated")
	return t, nil
}

// Delete hard-deletes a tariff with no issued tokens.
func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "tariff.delete",
		trace.WithAttributes(attribute.String("tariff.id", id.String())),
	)
	defer span.End()

	if err := s.repo.DeleteTariff(ctx, id); err != nil {
		return err
	}
	log.Info().Str("tariff_id", id.String()).Msg("Tariff deleted")
	return nil
}

// mutate runs a read-modify-write cycle guarded by the tariff version,
// retrying when a concurrent edit wins.
func (s *service) mutate(ctx context.Context, id uuid.UUID, fn func(*Tariff) error) (*Tariff, error) {
	t, err := backoff.Retry(ctx, func() (*Tariff, error) {
		t, err := s.repo.GetTariff(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		expected := t.Version
		if err := fn(t); err != nil {
			return nil, backoff.Permanent(err)
		}
		t.Version = expected + 1
		t.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.UpdateTariff(ctx, t, expected); err != nil {
			if errors.Is(err, apperr.ErrVersionConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return t, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(5*time.Millisecond)),
		backoff.WithMaxTries(maxUpdateAttempts),
	)
	if errors.Is(err, apperr.ErrVersionConflict) {
		return nil, apperr.Transient("update tariff", err)
	}
	return t, err
}
