// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/apperr"
	"tollgate/internal/events"
)

// service implements the Service interface.
type service struct {
	repo    Repository
	emitter events.Emitter
	clock   clockwork.Clock
	tracer  trace.Tracer
}

// NewService creates a new membership ledger instance.
func NewService(repo Repository, emitter events.Emitter, clock clockwork.Clock) Service {
	return &service{
		repo:    repo,
		emitter: emitter,
		clock:   clock,
		tracer:  otel.Tracer("tollgate/membership"),
	}
}

// GetStatus returns the stored record with the derived access decision. A
// missing record reads as status none.
func (s *service) GetStatus(ctx context.Context, subjectID, resourceID string) (*Snapshot, error) {
	ctx, span := s.startSpan(ctx, "membership.get_status", subjectID, resourceID)
	defer span.End()

	if err := validateKey(subjectID, resourceID); err != nil {
		return nil, err
	}

	m, err := s.repo.GetMembership(ctx, subjectID, resourceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &Snapshot{Membership: Membership{
			SubjectID:  subjectID,
			ResourceID: resourceID,
			Status:     StatusNone,
		}}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Snapshot{Membership: *m, IsCurrentlyActive: m.CurrentlyActive(s.clock.Now())}, nil
}

// UpsertFromGrant activates or extends a membership; see ApplyGrant.
func (s *service) UpsertFromGrant(ctx context.Context, subjectID, resourceID string, durationDays int, originToken *uuid.UUID) (*Membership, error) {
	ctx, span := s.startSpan(ctx, "membership.upsert_from_grant", subjectID, resourceID)
	defer span.End()

	if err := validateKey(subjectID, resourceID); err != nil {
		return nil, err
	}
	if durationDays < 0 {
		return nil, apperr.Validation("duration_days", "duration must not be negative")
	}

	var outcome GrantOutcome
	m, err := s.repo.MutateMembership(ctx, subjectID, resourceID, func(current *Membership) (*Membership, error) {
		next, o := ApplyGrant(current, subjectID, resourceID, s.clock.Now(), durationDays, originToken)
		outcome = o
		if o == GrantUnchanged {
			return nil, nil
		}
		return &next, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("grant.outcome", outcome.String()))
	if e := GrantEvent(*m, outcome); e != nil {
		s.emitter.Emit(ctx, e)
	}
	log.Debug().Str("subject_id", subjectID).Str("resource_id", resourceID).
		Str("outcome", outcome.String()).Msg("Membership grant applied")
	return m, nil
}

// Grant applies a manual admin grant.
func (s *service) Grant(ctx context.Context, subjectID, resourceID string, durationDays int, byAdminID string) (*Membership, error) {
	if strings.TrimSpace(byAdminID) == "" {
		return nil, apperr.Validation("by_admin_id", "admin id is required")
	}
	m, err := s.UpsertFromGrant(ctx, subjectID, resourceID, durationDays, nil)
	if err != nil {
		return nil, err
	}
	log.Info().Str("subject_id", subjectID).Str("resource_id", resourceID).
		Str("by_admin_id", byAdminID).Int("duration_days", durationDays).Msg("Manual membership grant")
	return m, nil
}

// RequestJoin records a pending join request.
func (s *service) RequestJoin(ctx context.Context, subjectID, resourceID string) (*Membership, error) {
	ctx, span := s.startSpan(ctx, "membership.request_join", subjectID, resourceID)
	defer span.End()

	if err := validateKey(subjectID, resourceID); err != nil {
		return nil, err
	}

	m, err := s.repo.MutateMembership(ctx, subjectID, resourceID, func(current *Membership) (*Membership, error) {
		next, changed, err := RequestJoin(current, subjectID, resourceID, s.clock.Now())
		if err != nil || !changed {
			return nil, err
		}
		return &next, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return m, nil
}

// Decide approves or rejects a pending membership.
func (s *service) Decide(ctx context.Context, subjectID, resourceID string, approve bool, reason string, durationDays int) (*Membership, error) {
	ctx, span := s.startSpan(ctx, "membership.decide", subjectID, resourceID)
	defer span.End()
	span.SetAttributes(attribute.Bool("decision.approve", approve))

	if err := validateKey(subjectID, resourceID); err != nil {
		return nil, err
	}
	if durationDays < 0 {
		return nil, apperr.Validation("duration_days", "duration must not be negative")
	}

	m, err := s.repo.MutateMembership(ctx, subjectID, resourceID, func(current *Membership) (*Membership, error) {
		next, err := Decide(current, approve, reason, s.clock.Now(), durationDays)
		if err != nil {
			return nil, err
		}
		return &next, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if approve {
		s.emitter.Emit(ctx, events.MembershipApproved{SubjectID: subjectID, ResourceID: resourceID, Reason: m.Reason})
	} else {
		s.emitter.Emit(ctx, events.MembershipRejected{SubjectID: subjectID, ResourceID: resourceID, Reason: m.Reason})
	}
	log.Info().Str("subject_id", subjectID).Str("resource_id", resourceID).
		Bool("approved", approve).Msg("Join request decided")
	return m, nil
}

func (s *service) startSpan(ctx context.Context, name, subjectID, resourceID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("subject.id", subjectID),
			attribute.String("resource.id", resourceID),
		),
	)
}

func validateKey(subjectID, resourceID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return apperr.Validation("subject_id", "subject id is required")
	}
	if strings.TrimSpace(resourceID) == "" {
		return apperr.Validation("resource_id", "resource id is required")
	}
	return nil
}
