// internal/tariff/domain.go
package tariff

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tollgate/internal/apperr"
)

// Tariff is a priced access plan for one resource.
type Tariff struct {
	ID                uuid.UUID       `json:"id"`
	ResourceID        string          `json:"resource_id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	DurationDays      int             `json:"duration_days"`
	TokenValidityDays int             `json:"token_validity_days"`
	Active            bool            `json:"active"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Update is a partial tariff edit; nil fields are left alone.
type Update struct {
	Name              *string          `json:"name,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	DurationDays      *int             `json:"duration_days,omitempty"`
	TokenValidityDays *int             `json:"token_validity_days,omitempty"`
}

// Validate checks the invariants every stored tariff must hold.
func (t *Tariff) Validate() error {
	if strings.TrimSpace(t.ResourceID) == "" {
		return apperr.Validation("resource_id", "resource id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return apperr.Validation("name", "name is required")
	}
	if t.Price.IsNegative() {
		return apperr.Validation("price", "price must not be negative")
	}
	if t.DurationDays <= 0 {
		return apperr.Validation("duration_days", "duration must be positive")
	}
	if t.TokenValidityDays <= 0 {
		return apperr.Validation("token_validity_days", "token validity must be positive")
	}
	return nil
}

// Apply copies the set fields of u onto t.
func (t *Tariff) Apply(u Update) {
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Price != nil {
		t.Price = *u.Price
	}
	if u.DurationDays != nil {
		t.DurationDays = *u.DurationDays
	}
	if u.TokenValidityDays != nil {
		t.TokenValidityDays = *u.TokenValidityDays
	}
}

// TokenValidity is how long an issued token stays redeemable.
func (t *Tariff) TokenValidity() time.Duration {
	return time.Duration(t.TokenValidityDays) * 24 * time.Hour
}
