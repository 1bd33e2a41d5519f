// internal/token/implementation.go
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/apperr"
	"tollgate/internal/clients"
	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/tariff"
)

// TariffReader is the slice of the tariff catalog issuance needs.
type TariffReader interface {
	GetTariff(ctx context.Context, id uuid.UUID) (*tariff.Tariff, error)
}

// Option configures the token service.
type Option func(*service)

// WithRedeemLinkBase makes issuance return base+secret as a redeem link.
func WithRedeemLinkBase(base string) Option {
	return func(s *service) { s.linkBase = base }
}

// service implements the Service interface.
type service struct {
	repo      Repository
	tariffs   TariffReader
	directory clients.Directory
	emitter   events.Emitter
	clock     clockwork.Clock
	tracer    trace.Tracer
	linkBase  string

	issued      metric.Int64Counter
	redemptions metric.Int64Counter
}

// NewService creates a new token ledger instance.
func NewService(repo Repository, tariffs TariffReader, directory clients.Directory, emitter events.Emitter, clock clockwork.Clock, opts ...Option) Service {
	meter := otel.Meter("tollgate/token")
	issued, _ := meter.Int64Counter("tollgate.tokens.issued",
		metric.WithDescription("Tokens issued"))
	redemptions, _ := meter.Int64Counter("tollgate.redemptions",
		metric.WithDescription("Redemption attempts by outcome"))

	s := &service{
		repo:        repo,
		tariffs:     tariffs,
		directory:   directory,
		emitter:     emitter,
		clock:       clock,
		tracer:      otel.Tracer("tollgate/token"),
		issued:      issued,
		redemptions: redemptions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a token whose expiry and use count are fixed at issuance.
func (s *service) Issue(ctx context.Context, tariffID uuid.UUID, issuerSubjectID string, maxUses int) (*Issued, error) {
	ctx, span := s.tracer.Start(ctx, "token.issue",
		trace.WithAttributes(
			attribute.String("tariff.id", tariffID.String()),
			attribute.String("issuer.id", issuerSubjectID),
		),
	)
	defer span.End()

	if strings.TrimSpace(issuerSubjectID) == "" {
		return nil, apperr.Validation("issuer_subject_id", "issuer id is required")
	}
	if maxUses <= 0 {
		return nil, apperr.Validation("max_uses", "max uses must be positive")
	}

	t, err := s.tariffs.GetTariff(ctx, tariffID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, apperr.WithMetadata(apperr.CodeTariffInactive, "tariff is inactive",
			map[string]string{"tariff_id": tariffID.String()})
	}

	exists, err := s.directory.ResourceExists(ctx, t.ResourceID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Transient("check resource", err)
	}
	if !exists {
		return nil, apperr.WithMetadata(apperr.CodeValidation, "resource does not exist",
			map[string]string{"resource_id": t.ResourceID})
	}

	authorized, err := s.directory.IsTariffOwnerAuthorized(ctx, t.ResourceID, issuerSubjectID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Transient("check issuer", err)
	}
	if !authorized {
		return nil, apperr.WithMetadata(apperr.CodeForbidden, "issuer may not issue tokens for this resource",
			map[string]string{"resource_id": t.ResourceID})
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := s.clock.Now().UTC()
	tok := &AccessToken{
		ID:              uuid.New(),
		TariffID:        t.ID,
		IssuerSubjectID: issuerSubjectID,
		SecretDigest:    Digest(secret),
		CreatedAt:       now,
		ExpiresAt:       now.Add(t.TokenValidity()),
		MaxUses:         maxUses,
		UsesRemaining:   maxUses,
	}
	if err := s.repo.CreateToken(ctx, tok); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create token: %w", err)
	}

	s.issued.Add(ctx, 1)
	s.emitter.Emit(ctx, events.TokenIssued{
		TokenID:         tok.ID,
		TariffID:        tok.TariffID,
		IssuerSubjectID: issuerSubjectID,
		ExpiresAt:       tok.ExpiresAt,
		MaxUses:         maxUses,
	})
	log.Info().Str("token_id", tok.ID.String()).Str("tariff_id", t.ID.String()).
		Int("max_uses", maxUses).Time("expires_at", tok.ExpiresAt).Msg("Token issued")

	out := &Issued{AccessToken: tok, Secret: secret}
	if s.linkBase != "" {
		out.RedeemLink = s.linkBase + secret
	}
	return out, nil
}

// Redeem looks the token up by the digest of secret, rejects it early when
// it is expired or spent, then decrements it and extends the membership in
// one storage transaction.
func (s *service) Redeem(ctx context.Context, secret, subjectID string) (*Redemption, error) {
	ctx, span := s.tracer.Start(ctx, "token.redeem",
		trace.WithAttributes(attribute.String("subject.id", subjectID)),
	)
	defer span.End()

	if strings.TrimSpace(secret) == "" {
		return nil, apperr.Validation("secret", "secret is required")
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, apperr.Validation("subject_id", "subject id is required")
	}

	tok, err := s.repo.GetTokenByDigest(ctx, Digest(secret))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, s.reject(ctx, span, nil, subjectID, apperr.ErrTokenNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, s.fail(ctx, err)
	}
	span.SetAttributes(attribute.String("token.id", tok.ID.String()))

	now := s.clock.Now().UTC()
	if tok.Expired(now) {
		return nil, s.reject(ctx, span, tok, subjectID, apperr.ErrTokenExpired)
	}
	if tok.Exhausted() {
		return nil, s.reject(ctx, span, tok, subjectID, apperr.ErrTokenExhausted)
	}

	res, err := s.repo.RedeemToken(ctx, RedeemRequest{
		TokenID:   tok.ID,
		SubjectID: subjectID,
		Now:       now,
		Grant: func(t *tariff.Tariff, current *membership.Membership) (*membership.Membership, membership.GrantOutcome) {
			origin := tok.ID
			next, outcome := membership.ApplyGrant(current, subjectID, t.ResourceID, now, t.DurationDays, &origin)
			if outcome == membership.GrantUnchanged {
				return nil, outcome
			}
			return &next, outcome
		},
	})
	switch {
	case errors.Is(err, apperr.ErrTokenNotFound),
		errors.Is(err, apperr.ErrTokenExpired),
		errors.Is(err, apperr.ErrTokenExhausted):
		return nil, s.reject(ctx, span, tok, subjectID, err)
	case err != nil:
		span.RecordError(err)
		return nil, s.fail(ctx, err)
	}

	s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "redeemed")))
	span.SetAttributes(
		attribute.String("redeem.outcome", "redeemed"),
		attribute.String("grant.outcome", res.Outcome.String()),
	)

	evs := []events.Event{events.TokenRedeemed{
		TokenID:            res.Token.ID,
		TariffID:           res.Token.TariffID,
		RedeemingSubjectID: subjectID,
		ResourceID:         res.ResourceID,
		NewExpiresAt:       res.Membership.ExpiresAt,
	}}
	if e := membership.GrantEvent(*res.Membership, res.Outcome); e != nil {
		evs = append(evs, e)
	}
	s.emitter.Emit(ctx, evs...)

	log.Info().Str("token_id", res.Token.ID.String()).Str("subject_id", subjectID).
		Str("resource_id", res.ResourceID).Int("uses_remaining", res.Token.UsesRemaining).
		Str("grant", res.Outcome.String()).Msg("Token redeemed")
	return res, nil
}

// reject records a refused redemption and returns err.
func (s *service) reject(ctx context.Context, span trace.Span, tok *AccessToken, subjectID string, err error) error {
	code := apperr.CodeOf(err)
	s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(code))))
	span.SetAttributes(attribute.String("redeem.outcome", string(code)))

	ev := log.Info().Str("subject_id", subjectID).Str("code", string(code))
	if tok != nil {
		ev = ev.Str("token_id", tok.ID.String())
	}
	ev.Msg("Redemption rejected")

	if code == apperr.CodeTokenExhausted && tok != nil {
		s.emitter.Emit(ctx, events.TokenExhausted{TokenID: tok.ID, AttemptingSubjectID: subjectID})
	}
	return err
}

// fail turns an unexpected storage error into a retryable one.
func (s *service) fail(ctx context.Context, err error) error {
	s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(apperr.CodeTransientStorage))))
	if apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}
	log.Warn().Err(err).Msg("Redemption rolled back")
	return apperr.Transient("redeem token", err)
}

// Revoke spends every remaining use of a token.
func (s *service) Revoke(ctx context.Context, id uuid.UUID, byAdminID string) error {
	ctx, span := s.tracer.Start(ctx, "token.revoke",
		trace.WithAttributes(attribute.String("token.id", id.String())),
	)
	defer span.End()

	if strings.TrimSpace(byAdminID) == "" {
		return apperr.Validation("by_admin_id", "admin id is required")
	}

	changed, err := s.repo.RevokeToken(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed {
		return nil
	}

	s.emitter.Emit(ctx, events.TokenRevoked{TokenID: id, ByAdminID: byAdminID})
	log.Info().Str("token_id", id.String()).Str("by_admin_id", byAdminID).Msg("Token revoked")
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*AccessToken, error) {
	ctx, span := s.tracer.Start(ctx, "token.get",
		trace.WithAttributes(attribute.String("token.id", id.String())),
	)
	defer span.End()

	return s.repo.GetToken(ctx, id)
}

func (s *service) ListByTariff(ctx context.Context, tariffID uuid.UUID) ([]*AccessToken, error) {
	ctx, span := s.tracer.Start(ctx, "token.list_by_tariff",
		trace.WithAttributes(attribute.String("tariff.id", tariffID.String())),
	)
	defer span.End()

	if _, err := s.tariffs.GetTariff(ctx, tariffID); err != nil {
		return nil, err
	}
	return s.repo.ListTokensByTariff(ctx, tariffID)
}
