// internal/events/events.go

// Package events defines the closed set of lifecycle events emitted by the
// tariff, token and membership ledgers, and the machinery that delivers them
// to external subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names an event variant.
type Kind string

const (
	KindTokenIssued         Kind = "TokenIssued"
	KindTokenRedeemed       Kind = "TokenRedeemed"
	KindTokenExhausted      Kind = "TokenExhausted"
	KindTokenRevoked        Kind = "TokenRevoked"
	KindTokenLapsed         Kind = "TokenLapsed"
	KindMembershipActivated Kind = "MembershipActivated"
	KindMembershipExtended  Kind = "MembershipExtended"
	KindMembershipApproved  Kind = "MembershipApproved"
	KindMembershipRejected  Kind = "MembershipRejected"
	KindMembershipExpired   Kind = "MembershipExpired"
)

// Event is implemented only by the types in this file.
type Event interface {
	Kind() Kind
	// Key groups events about the same entity, e.g. for partitioning.
	Key() string
	isEvent()
}

type TokenIssued struct {
	TokenID         uuid.UUID `json:"token_id"`
	TariffID        uuid.UUID `json:"tariff_id"`
	IssuerSubjectID string    `json:"issuer_subject_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxUses         int       `json:"max_uses"`
}

type TokenRedeemed struct {
	TokenID            uuid.UUID  `json:"token_id"`
	TariffID           uuid.UUID  `json:"tariff_id"`
	RedeemingSubjectID string     `json:"redeeming_subject_id"`
	ResourceID         string     `json:"resource_id"`
	NewExpiresAt       *time.Time `json:"new_expires_at"`
}

// TokenExhausted is an audit record of a redemption attempt against a token
// with no uses left.
type TokenExhausted struct {
	TokenID             uuid.UUID `json:"token_id"`
	AttemptingSubjectID string    `json:"attempting_subject_id"`
}

type TokenRevoked struct {
	TokenID   uuid.UUID `json:"token_id"`
	ByAdminID string    `json:"by_admin_id"`
}

// TokenLapsed reports a token that expired with uses remaining.
type TokenLapsed struct {
	TokenID  uuid.UUID `json:"token_id"`
	TariffID uuid.UUID `json:"tariff_id"`
}

type MembershipActivated struct {
	SubjectID     string     `json:"subject_id"`
	ResourceID    string     `json:"resource_id"`
	ExpiresAt     *time.Time `json:"expires_at"`
	OriginTokenID *uuid.UUID `json:"origin_token_id,omitempty"`
}

type MembershipExtended struct {
	SubjectID     string     `json:"subject_id"`
	ResourceID    string     `json:"resource_id"`
	ExpiresAt     *time.Time `json:"expires_at"`
	OriginTokenID *uuid.UUID `json:"origin_token_id,omitempty"`
}

type MembershipApproved struct {
	SubjectID  string `json:"subject_id"`
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason,omitempty"`
}

type MembershipRejected struct {
	SubjectID  string `json:"subject_id"`
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason,omitempty"`
}

type MembershipExpired struct {
	SubjectID         string    `json:"subject_id"`
	ResourceID        string    `json:"resource_id"`
	PreviousExpiresAt time.Time `json:"previous_expires_at"`
}

func (TokenIssued) Kind() Kind         { return KindTokenIssued }
func (TokenRedeemed) Kind() Kind       { return KindTokenRedeemed }
func (TokenExhausted) Kind() Kind      { return KindTokenExhausted }
func (TokenRevoked) Kind() Kind        { return KindTokenRevoked }
func (TokenLapsed) Kind() Kind         { return KindTokenLapsed }
func (MembershipActivated) Kind() Kind { return KindMembershipActivated }
func (MembershipExtended) Kind() Kind  { return KindMembershipExtended }
func (MembershipApproved) Kind() Kind  { return KindMembershipApproved }
func (MembershipRejected) Kind() Kind  { return KindMembershipRejected }
func (MembershipExpired) Kind() Kind   { return KindMembershipExpired }

func (e TokenIssued) Key() string         { return e.TokenID.String() }
func (e TokenRedeemed) Key() string       { return e.TokenID.String() }
func (e TokenExhausted) Key() string      { return e.TokenID.String() }
func (e TokenRevoked) Key() string        { return e.TokenID.String() }
func (e TokenLapsed) Key() string         { return e.TokenID.String() }
func (e MembershipActivated) Key() string { return MembershipKey(e.SubjectID, e.ResourceID) }
func (e MembershipExtended) Key() string  { return MembershipKey(e.SubjectID, e.ResourceID) }
func (e MembershipApproved) Key() string  { return MembershipKey(e.SubjectID, e.ResourceID) }
func (e MembershipRejected) Key() string  { return MembershipKey(e.SubjectID, e.ResourceID) }
func (e MembershipExpired) Key() string   { return MembershipKey(e.SubjectID, e.ResourceID) }

func (TokenIssued) isEvent()         {}
func (TokenRedeemed) isEvent()       {}
func (TokenExhausted) isEvent()      {}
func (TokenRevoked) isEvent()        {}
func (TokenLapsed) isEvent()         {}
func (MembershipActivated) isEvent() {}
func (MembershipExtended) isEvent()  {}
func (MembershipApproved) isEvent()  {}
func (MembershipRejected) isEvent()  {}
func (MembershipExpired) isEvent()   {}

// MembershipKey is the partition key for membership events.
func MembershipKey(subjectID, resourceID string) string {
	return resourceID + "/" + subjectID
}

// Envelope is the wire form of an event handed to sinks.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope stamps e with a fresh id and the given time.
func NewEnvelope(e Event, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return Envelope{
		ID:         uuid.New(),
		Kind:       e.Kind(),
		Key:        e.Key(),
		OccurredAt: at.UTC(),
		Payload:    payload,
	}, nil
}

// Decode turns an envelope back into its typed event.
func Decode(env Envelope) (Event, error) {
	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindTokenIssued:
		e, err = decodeAs[TokenIssued](env.Payload)
	case KindTokenRedeemed:
		e, err = decodeAs[TokenRedeemed](env.Payload)
	case KindTokenExhausted:
		e, err = decodeAs[TokenExhausted](env.Payload)
	case KindTokenRevoked:
		e, err = decodeAs[TokenRevoked](env.Payload)
	case KindTokenLapsed:
		e, err = decodeAs[TokenLapsed](env.Payload)
	case KindMembershipActivated:
		e, err = decodeAs[MembershipActivated](env.Payload)
	case KindMembershipExtended:
		e, err = decodeAs[MembershipExtended](env.Payload)
	case KindMembershipApproved:
		e, err = decodeAs[MembershipApproved](env.Payload)
	case KindMembershipRejected:
		e, err = decodeAs[MembershipRejected](env.Payload)
	case KindMembershipExpired:
		e, err = decodeAs[MembershipExpired](env.Payload)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return e, nil
}

func decodeAs[T Event](payload json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
