// internal/membership/service.go
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the membership ledger.
type Service interface {
	GetStatus(ctx context.Context, subjectID, resourceID string) (*Snapshot, error)
	UpsertFromGrant(ctx context.Context, subjectID, resourceID string, durationDays int, originToken *uuid.UUID) (*Membership, error)
	// Grant is a manual admin grant; durationDays of zero is non-expiring.
	Grant(ctx context.Context, subjectID, resourceID string, durationDays int, byAdminID string) (*Membership, error)
	RequestJoin(ctx context.Context, subjectID, resourceID string) (*Membership, error)
	Decide(ctx context.Context, subjectID, resourceID string, approve bool, reason string, durationDays int) (*Membership, error)
}

// MutateFunc receives the current record (nil when absent) and returns the
// record to store, or nil to leave storage untouched. It may run more than
// once and must not have side effects.
type MutateFunc func(current *Membership) (*Membership, error)

// Repository is the storage port for memberships.
type Repository interface {
	// GetMembership returns apperr.ErrNotFound when absent.
	GetMembership(ctx context.Context, subjectID, resourceID string) (*Membership, error)
	// MutateMembership applies fn atomically within the (subject, resource)
	// scope and returns the stored result.
	MutateMembership(ctx context.Context, subjectID, resourceID string, fn MutateFunc) (*Membership, error)
	// ExpireMemberships moves up to limit active memberships whose expiry is
	// before now to expired and reports them. Records already expired are
	// never reported again.
	ExpireMemberships(ctx context.Context, now time.Time, limit int) ([]Expired, error)
}
