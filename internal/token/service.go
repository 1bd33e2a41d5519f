// internal/token/service.go
package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the token ledger.
type Service interface {
	// Issue mints a token against an active tariff. maxUses must be positive.
	Issue(ctx context.Context, tariffID uuid.UUID, issuerSubjectID string, maxUses int) (*Issued, error)
	// Redeem consumes one use of the token identified by secret and grants
	// the redeeming subject access to the tariff's resource.
	Redeem(ctx context.Context, secret, subjectID string) (*Redemption, error)
	Revoke(ctx context.Context, id uuid.UUID, byAdminID string) error
	Get(ctx context.Context, id uuid.UUID) (*AccessToken, error)
	ListByTariff(ctx context.Context, tariffID uuid.UUID) ([]*AccessToken, error)
}

// Repository is the storage port for tokens.
type Repository interface {
	CreateToken(ctx context.Context, t *AccessToken) error
	// GetToken and GetTokenByDigest return apperr.ErrNotFound when absent.
	GetToken(ctx context.Context, id uuid.UUID) (*AccessToken, error)
	GetTokenByDigest(ctx context.Context, digest string) (*AccessToken, error)
	ListTokensByTariff(ctx context.Context, tariffID uuid.UUID) ([]*AccessToken, error)
	// RevokeToken zeroes the remaining uses and reports whether anything
	// changed.
	RevokeToken(ctx context.Context, id uuid.UUID) (bool, error)
	// RedeemToken decrements the token and applies req.Grant to the
	// membership as one transaction. It fails with apperr.ErrTokenNotFound,
	// apperr.ErrTokenExpired or apperr.ErrTokenExhausted without side
	// effects; any other error means nothing was committed.
	RedeemToken(ctx context.Context, req RedeemRequest) (*Redemption, error)
	// ListLapsedTokens returns tokens with uses left whose expiry falls in
	// [after, before), oldest first.
	ListLapsedTokens(ctx context.Context, after, before time.Time, limit int) ([]*AccessToken, error)
}
