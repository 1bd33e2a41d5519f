// internal/membership/domain.go
package membership

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"tollgate/internal/apperr"
	"tollgate/internal/events"
)

// Status is the stored lifecycle state of a membership.
type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRejected Status = "rejected"
)

// Membership is the access record for one (subject, resource) pair.
type Membership struct {
	SubjectID     string     `json:"subject_id"`
	ResourceID    string     `json:"resource_id"`
	Status        Status     `json:"status"`
	GrantedAt     *time.Time `json:"granted_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	OriginTokenID *uuid.UUID `json:"origin_token_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Snapshot is a membership plus the derived access decision at read time.
type Snapshot struct {
	Membership
	IsCurrentlyActive bool `json:"is_currently_active"`
}

// CurrentlyActive reports whether m grants access at now. It treats a
// time-expired active record as inactive without changing it.
func (m *Membership) CurrentlyActive(now time.Time) bool {
	if m == nil || m.Status != StatusActive {
		return false
	}
	return m.ExpiresAt == nil || !now.After(*m.ExpiresAt)
}

// Overdue reports whether the sweeper must expire m at now.
func (m *Membership) Overdue(now time.Time) bool {
	return m.Status == StatusActive && m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// GrantOutcome describes what ApplyGrant did to the record.
type GrantOutcome int

const (
	GrantUnchanged GrantOutcome = iota
	GrantActivated
	GrantExtended
)

func (o GrantOutcome) String() string {
	switch o {
	case GrantActivated:
		return "activated"
	case GrantExtended:
		return "extended"
	default:
		return "unchanged"
	}
}

// ApplyGrant computes the record after granting durationDays from now.
// current is nil when no record exists. A durationDays of zero grants
// non-expiring access. An active record is only ever extended: the result
// expires at max(current expiry, now + duration), with a nil expiry counting
// as later than any time.
func ApplyGrant(current *Membership, subjectID, resourceID string, now time.Time, durationDays int, origin *uuid.UUID) (Membership, GrantOutcome) {
	now = now.UTC()
	candidate := expiryFrom(now, durationDays)

	if current == nil {
		return Membership{
			SubjectID:     subjectID,
			ResourceID:    resourceID,
			Status:        StatusActive,
			GrantedAt:     &now,
			ExpiresAt:     candidate,
			OriginTokenID: origin,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, GrantActivated
	}

	next := *current
	if current.Status != StatusActive {
		next.Status = StatusActive
		next.GrantedAt = &now
		next.ExpiresAt = candidate
		next.OriginTokenID = origin
		next.Reason = ""
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return next, GrantActivated
	}

	if !later(candidate, current.ExpiresAt) {
		return *current, GrantUnchanged
	}
	next.ExpiresAt = candidate
	next.OriginTokenID = origin
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, GrantExtended
}

// RequestJoin computes the pending record for a join request. It is legal
// from none, expired and rejected; a pending record is returned unchanged.
func RequestJoin(current *Membership, subjectID, resourceID string, now time.Time) (Membership, bool, error) {
	now = now.UTC()
	if current == nil {
		return Membership{
			SubjectID:  subjectID,
			ResourceID: resourceID,
			Status:     StatusPending,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, true, nil
	}
	switch current.Status {
	case StatusPending:
		return *current, false, nil
	case StatusActive:
		return *current, false, apperr.WithMetadata(apperr.CodeInvalidState, "membership is already active",
			map[string]string{"status": string(current.Status)})
	}
	next := *current
	next.Status = StatusPending
	next.ExpiresAt = nil
	next.Reason = ""
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, true, nil
}

// Decide resolves a pending record. Approval activates it for durationDays
// (zero meaning non-expiring); rejection records the reason.
func Decide(current *Membership, approve bool, reason string, now time.Time, durationDays int) (Membership, error) {
	if current == nil || current.Status != StatusPending {
		status := StatusNone
		if current != nil {
			status = current.Status
		}
		return Membership{}, apperr.WithMetadata(apperr.CodeInvalidState, "membership is not pending",
			map[string]string{"status": string(status)})
	}
	now = now.UTC()
	next := *current
	next.Reason = strings.TrimSpace(reason)
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if approve {
		next.Status = StatusActive
		next.GrantedAt = &now
		next.ExpiresAt = expiryFrom(now, durationDays)
		next.OriginTokenID = nil
	} else {
		next.Status = StatusRejected
		next.ExpiresAt = nil
	}
	return next, nil
}

// GrantEvent returns the lifecycle event for a grant outcome, or nil.
func GrantEvent(m Membership, outcome GrantOutcome) events.Event {
	switch outcome {
	case GrantActivated:
		return events.MembershipActivated{
			SubjectID:     m.SubjectID,
			ResourceID:    m.ResourceID,
			ExpiresAt:     m.ExpiresAt,
			OriginTokenID: m.OriginTokenID,
		}
	case GrantExtended:
		return events.MembershipExtended{
			SubjectID:     m.SubjectID,
			ResourceID:    m.ResourceID,
			ExpiresAt:     m.ExpiresAt,
			OriginTokenID: m.OriginTokenID,
		}
	}
	return nil
}

// Expired describes one membership the sweeper moved to expired.
type Expired struct {
	SubjectID         string
	ResourceID        string
	PreviousExpiresAt time.Time
}

func expiryFrom(now time.Time, durationDays int) *time.Time {
	if durationDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, durationDays)
	return &t
}

// later reports whether a is strictly later than b, where nil means never.
func later(a, b *time.Time) bool {
	switch {
	case b == nil:
		return false
	case a == nil:
		return true
	default:
		return a.After(*b)
	}
}
