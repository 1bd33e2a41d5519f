// internal/token/domain.go
package token

import (
	"time"

	"github.com/google/uuid"

	"tollgate/internal/membership"
	"tollgate/internal/tariff"
)

// AccessToken is a redeemable credential bound to a tariff. Single-use
// tokens are the MaxUses == 1 case.
type AccessToken struct {
	ID              uuid.UUID  `json:"id"`
	TariffID        uuid.UUID  `json:"tariff_id"`
	IssuerSubjectID string     `json:"issuer_subject_id"`
	SecretDigest    string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	MaxUses         int        `json:"max_uses"`
	UsesRemaining   int        `json:"uses_remaining"`
	LastRedeemedBy  string     `json:"last_redeemed_by,omitempty"`
	LastRedeemedAt  *time.Time `json:"last_redeemed_at,omitempty"`
}

// Expired reports whether the token can no longer be redeemed at now.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *AccessToken) Exhausted() bool {
	return t.UsesRemaining <= 0
}

// Issued is what issuance hands back: the stored token plus its secret,
// which is never readable again.
type Issued struct {
	*AccessToken
	Secret     string `json:"secret"`
	RedeemLink string `json:"redeem_link,omitempty"`
}

// GrantFunc computes the membership write for a redemption. It returns a nil
// membership when the stored record must stay as it is.
type GrantFunc func(t *tariff.Tariff, current *membership.Membership) (*membership.Membership, membership.GrantOutcome)

// RedeemRequest is one atomic redeem-and-grant unit of work.
type RedeemRequest struct {
	TokenID   uuid.UUID
	SubjectID string
	Now       time.Time
	Grant     GrantFunc
}

// Redemption is the committed result of a successful redeem.
type Redemption struct {
	Token        *AccessToken            `json:"token"`
	ResourceID   string                  `json:"resource_id"`
	DurationDays int                     `json:"duration_days"`
	Membership   *membership.Membership  `json:"membership"`
	Outcome      membership.GrantOutcome `json:"-"`
}
