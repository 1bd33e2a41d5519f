// internal/store/memory/store.go

// Package memory implements every ledger repository in process. Writers
// take a lock scoped to the entity they change, never a global one.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tollgate/internal/apperr"
	"tollgate/internal/membership"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

// Fault is consulted before each write; a non-nil result aborts the write
// as a storage failure. Ops are named "tariff.write", "token.write",
// "token.redeem", "membership.write" and "membership.expire".
type Fault func(op string) error

type Option func(*Store)

// WithFaults installs a fault hook, used by tests and fault experiments.
func WithFaults(f Fault) Option {
	return func(s *Store) { s.fault = f }
}

type memberKey struct {
	subjectID  string
	resourceID string
}

type Store struct {
	mu          sync.RWMutex
	tariffs     map[uuid.UUID]tariff.Tariff
	tokens      map[uuid.UUID]token.AccessToken
	byDigest    map[string]uuid.UUID
	memberships map[memberKey]membership.Membership

	tokenLocks  keyedMutex[uuid.UUID]
	memberLocks keyedMutex[memberKey]
	fault       Fault
}

var (
	_ tariff.Repository     = (*Store)(nil)
	_ token.Repository      = (*Store)(nil)
	_ membership.Repository = (*Store)(nil)
)

func NewStore(opts ...Option) *Store {
	s := &Store{
		tariffs:     make(map[uuid.UUID]tariff.Tariff),
		tokens:      make(map[uuid.UUID]token.AccessToken),
		byDigest:    make(map[string]uuid.UUID),
		memberships: make(map[memberKey]membership.Membership),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient(op, err)
	}
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return apperr.Transient(op, err)
	}
	return nil
}

// keyedMutex hands out one mutex per key. An entry lives only while some
// caller holds or waits for it.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex[K]) lock(key K) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[K]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (s *Store) CreateTariff(ctx context.Context, t *tariff.Tariff) error {
	if err := s.check(ctx, "tariff.write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tariffs[t.ID] = *t
	return nil
}

func (s *Store) GetTariff(_ context.Context, id uuid.UUID) (*tariff.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tariffLocked(id)
}

func (s *Store) tariffLocked(id uuid.UUID) (*tariff.Tariff, error) {
	t, ok := s.tariffs[id]
	if !ok {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "tariff not found",
			map[string]string{"tariff_id": id.String()})
	}
	return &t, nil
}

func (s *Store) ListActiveTariffs(_ context.Context, resourceID string) ([]*tariff.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tariff.Tariff
	for _, t := range s.tariffs {
		if t.ResourceID == resourceID && t.Active {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateTariff(ctx context.Context, t *tariff.Tariff, expectedVersion int) error {
	if err := s.check(ctx, "tariff.write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.tariffLocked(t.ID)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return apperr.ErrVersionConflict
	}
	s.tariffs[t.ID] = *t
	return nil
}

func (s *Store) DeleteTariff(ctx context.Context, id uuid.UUID) error {
	if err := s.check(ctx, "tariff.write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.tariffLocked(id); err != nil {
		return err
	}
	for _, tok := range s.tokens {
		if tok.TariffID == id {
			return apperr.WithMetadata(apperr.CodeInvalidState, "tariff has issued tokens; deactivate it instead",
				map[string]string{"tariff_id": id.String()})
		}
	}
	delete(s.tariffs, id)
	return nil
}

func (s *Store) CreateToken(ctx context.Context, t *token.AccessToken) error {
	if err := s.check(ctx, "token.write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.tariffLocked(t.TariffID); err != nil {
		return err
	}
	s.tokens[t.ID] = *t
	s.byDigest[t.SecretDigest] = t.ID
	return nil
}

func (s *Store) GetToken(_ context.Context, id uuid.UUID) (*token.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenLocked(id)
}

func (s *Store) tokenLocked(id uuid.UUID) (*token.AccessToken, error) {
	t, ok := s.tokens[id]
	if !ok {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "token not found",
			map[string]string{"token_id": id.String()})
	}
	return &t, nil
}

func (s *Store) GetTokenByDigest(_ context.Context, digest string) (*token.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[digest]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.tokenLocked(id)
}

func (s *Store) ListTokensByTariff(_ context.Context, tariffID uuid.UUID) ([]*token.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*token.AccessToken
	for _, t := range s.tokens {
		if t.TariffID == tariffID {
			out = append(out, &t)
		}
	}
	sortTokens(out, func(t *token.AccessToken) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) RevokeToken(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := s.tokenLocks.lock(id)
	defer unlock()

	if err := s.check(ctx, "token.write"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tokenLocked(id)
	if err != nil {
		return false, err
	}
	if t.UsesRemaining <= 0 {
		return false, nil
	}
	t.UsesRemaining = 0
	s.tokens[id] = *t
	return true, nil
}

// RedeemToken holds the token lock, then the membership lock, while it
// computes both writes. Both are committed together or not at all.
func (s *Store) RedeemToken(ctx context.Context, req token.RedeemRequest) (*token.Redemption, error) {
	unlockToken := s.tokenLocks.lock(req.TokenID)
	defer unlockToken()

	s.mu.RLock()
	tok, err := s.tokenLocked(req.TokenID)
	s.mu.RUnlock()
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		return nil, apperr.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if tok.Expired(req.Now) {
		return nil, apperr.ErrTokenExpired
	}
	if tok.Exhausted() {
		return nil, apperr.ErrTokenExhausted
	}

	s.mu.RLock()
	t, err := s.tariffLocked(tok.TariffID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	key := memberKey{subjectID: req.SubjectID, resourceID: t.ResourceID}
	unlockMember := s.memberLocks.lock(key)
	defer unlockMember()

	current := s.membership(key)
	next, outcome := req.Grant(t, current)

	if err := s.check(ctx, "token.redeem"); err != nil {
		return nil, err
	}
	if next != nil {
		if err := s.check(ctx, "membership.write"); err != nil {
			return nil, err
		}
	}

	redeemedAt := req.Now
	tok.UsesRemaining--
	tok.LastRedeemedBy = req.SubjectID
	tok.LastRedeemedAt = &redeemedAt

	s.mu.Lock()
	s.tokens[tok.ID] = *tok
	stored := current
	if next != nil {
		s.memberships[key] = *next
		stored = next
	}
	s.mu.Unlock()

	return &token.Redemption{
		Token:        tok,
		ResourceID:   t.ResourceID,
		DurationDays: t.DurationDays,
		Membership:   stored,
		Outcome:      outcome,
	}, nil
}

func (s *Store) ListLapsedTokens(_ context.Context, after, before time.Time, limit int) ([]*token.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*token.AccessToken
	for _, t := range s.tokens {
		if t.UsesRemaining > 0 && !t.ExpiresAt.Before(after) && t.ExpiresAt.Before(before) {
			out = append(out, &t)
		}
	}
	sortTokens(out, func(t *token.AccessToken) time.Time { return t.ExpiresAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortTokens(tokens []*token.AccessToken, by func(*token.AccessToken) time.Time) {
	sort.Slice(tokens, func(i, j int) bool {
		a, b := by(tokens[i]), by(tokens[j])
		if a.Equal(b) {
			return tokens[i].ID.String() < tokens[j].ID.String()
		}
		return a.Before(b)
	})
}

// membership returns a copy of the stored record or nil.
func (s *Store) membership(key memberKey) *membership.Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[key]
	if !ok {
		return nil
	}
	return &m
}

func (s *Store) GetMembership(_ context.Context, subjectID, resourceID string) (*membership.Membership, error) {
	m := s.membership(memberKey{subjectID: subjectID, resourceID: resourceID})
	if m == nil {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "membership not found",
			map[string]string{"subject_id": subjectID, "resource_id": resourceID})
	}
	return m, nil
}

func (s *Store) MutateMembership(ctx context.Context, subjectID, resourceID string, fn membership.MutateFunc) (*membership.Membership, error) {
	key := memberKey{subjectID: subjectID, resourceID: resourceID}
	unlock := s.memberLocks.lock(key)
	defer unlock()

	current := s.membership(key)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if current == nil {
			return nil, apperr.ErrNotFound
		}
		return current, nil
	}
	if err := s.check(ctx, "membership.write"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.memberships[key] = *next
	s.mu.Unlock()
	out := *next
	return &out, nil
}

func (s *Store) ExpireMemberships(ctx context.Context, now time.Time, limit int) ([]membership.Expired, error) {
	if err := s.check(ctx, "membership.expire"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var due []membership.Membership
	for _, m := range s.memberships {
		if m.Overdue(now) {
			due = append(due, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var expired []membership.Expired
	for _, m := range due {
		key := memberKey{subjectID: m.SubjectID, resourceID: m.ResourceID}
		unlock := s.memberLocks.lock(key)
		s.mu.Lock()
		current, ok := s.memberships[key]
		if ok && current.Overdue(now) {
			prev := *current.ExpiresAt
			current.Status = membership.StatusExpired
			current.Version++
			current.UpdatedAt = now.UTC()
			s.memberships[key] = current
			expired = append(expired, membership.Expired{
				SubjectID:         m.SubjectID,
				ResourceID:        m.ResourceID,
				PreviousExpiresAt: prev,
			})
		}
		s.mu.Unlock()
		unlock()
	}
	return expired, nil
}
