// internal/tariff/service.go
package tariff

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service defines the interface for the tariff catalog.
type Service interface {
	Create(ctx context.Context, resourceID, name string, price decimal.Decimal, durationDays, tokenValidityDays int) (*Tariff, error)
	Get(ctx context.Context, id uuid.UUID) (*Tariff, error)
	ListActive(ctx context.Context, resourceID string) ([]*Tariff, error)
	Update(ctx context.Context, id uuid.UUID, u Update) (*Tariff, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*Tariff, error)
	// Delete removes a tariff that never had a token issued against it.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repository is the storage port for tariffs.
type Repository interface {
	CreateTariff(ctx context.Context, t *Tariff) error
	// GetTariff returns apperr.ErrNotFound when absent.
	GetTariff(ctx context.Context, id uuid.UUID) (*Tariff, error)
	ListActiveTariffs(ctx context.Context, resourceID string) ([]*Tariff, error)
	// UpdateTariff stores t if the stored version still equals
	// expectedVersion, otherwise returns apperr.ErrVersionConflict.
	UpdateTariff(ctx context.Context, t *Tariff, expectedVersion int) error
	// DeleteTariff returns apperr.ErrInvalidState when tokens reference it.
	DeleteTariff(ctx context.Context, id uuid.UUID) error
}
