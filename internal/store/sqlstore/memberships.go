// internal/store/sqlstore/memberships.go
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/apperr"
	"tollgate/internal/membership"
)

const membershipColumns = `subject_id, resource_id, status, granted_at, expires_at, origin_token_id, reason, version, created_at, updated_at`

type membershipRow struct {
	SubjectID     string         `db:"subject_id"`
	ResourceID    string         `db:"resource_id"`
	Status        string         `db:"status"`
	GrantedAt     sql.NullInt64  `db:"granted_at"`
	ExpiresAt     sql.NullInt64  `db:"expires_at"`
	OriginTokenID sql.NullString `db:"origin_token_id"`
	Reason        string         `db:"reason"`
	Version       int            `db:"version"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

func (r membershipRow) toDomain() (*membership.Membership, error) {
	m := &membership.Membership{
		SubjectID:  r.SubjectID,
		ResourceID: r.ResourceID,
		Status:     membership.Status(r.Status),
		GrantedAt:  fromNullMillis(r.GrantedAt),
		ExpiresAt:  fromNullMillis(r.ExpiresAt),
		Reason:     r.Reason,
		Version:    r.Version,
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
	if r.OriginTokenID.Valid {
		id, err := uuid.Parse(r.OriginTokenID.String)
		if err != nil {
			return nil, fmt.Errorf("parse origin token id: %w", err)
		}
		m.OriginTokenID = &id
	}
	return m, nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func (s *Store) GetMembership(ctx context.Context, subjectID, resourceID string) (*membership.Membership, error) {
	m, err := getMembership(ctx, s.db, subjectID, resourceID, "")
	if err != nil {
		return nil, storageErr("get membership", err)
	}
	if m == nil {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "membership not found",
			map[string]string{"subject_id": subjectID, "resource_id": resourceID})
	}
	return m, nil
}

// getMembership returns nil without error when no row exists.
func getMembership(ctx context.Context, q sqlx.ExtContext, subjectID, resourceID, suffix string) (*membership.Membership, error) {
	var row membershipRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT `+membershipColumns+` FROM memberships
		WHERE subject_id = ? AND resource_id = ?`+suffix), subjectID, resourceID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select membership: %w", err)
	}
	return row.toDomain()
}

func (s *Store) lockMembership(ctx context.Context, tx *sqlx.Tx, subjectID, resourceID string) (*membership.Membership, error) {
	return getMembership(ctx, tx, subjectID, resourceID, s.forUpdate())
}

// writeMembership inserts next when current is nil, otherwise updates the
// row only if it still carries current's version. A lost race returns
// errConflict.
func writeMembership(ctx context.Context, tx *sqlx.Tx, next, current *membership.Membership) error {
	if current == nil {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO memberships (`+membershipColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), next.SubjectID, next.ResourceID, string(next.Status), nullMillis(next.GrantedAt),
			nullMillis(next.ExpiresAt), nullUUID(next.OriginTokenID), next.Reason, next.Version,
			millis(next.CreatedAt), millis(next.UpdatedAt))
		if isUniqueViolation(err) {
			return errConflict
		}
		if err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE memberships
		SET status = ?, granted_at = ?, expires_at = ?, origin_token_id = ?, reason = ?,
		    version = ?, updated_at = ?
		WHERE subject_id = ? AND resource_id = ? AND version = ?
	`), string(next.Status), nullMillis(next.GrantedAt), nullMillis(next.ExpiresAt),
		nullUUID(next.OriginTokenID), next.Reason, next.Version, millis(next.UpdatedAt),
		next.SubjectID, next.ResourceID, current.Version)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	if n == 0 {
		return errConflict
	}
	return nil
}

func (s *Store) MutateMembership(ctx context.Context, subjectID, resourceID string, fn membership.MutateFunc) (*membership.Membership, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.mutate_membership",
		trace.WithAttributes(
			attribute.String("subject.id", subjectID),
			attribute.String("resource.id", resourceID),
		),
	)
	defer span.End()

	out, err := retryOnConflict(ctx, "mutate membership", func() (*membership.Membership, error) {
		var out *membership.Membership
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			current, err := s.lockMembership(ctx, tx, subjectID, resourceID)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				if current == nil {
					return apperr.ErrNotFound
				}
				out = current
				return nil
			}
			if err := writeMembership(ctx, tx, next, current); err != nil {
				return err
			}
			out = next
			return nil
		})
		return out, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// ExpireMemberships flips overdue active rows one by one. Each update is
// guarded by the expiry it read, so a membership extended in between is
// left alone.
func (s *Store) ExpireMemberships(ctx context.Context, now time.Time, limit int) ([]membership.Expired, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.expire_memberships",
		trace.WithAttributes(attribute.Int("batch.size", limit)),
	)
	defer span.End()

	var due []membershipRow
	err := s.db.SelectContext(ctx, &due, s.db.Rebind(`
		SELECT `+membershipColumns+` FROM memberships
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?
	`), string(membership.StatusActive), millis(now), limit)
	if err != nil {
		span.RecordError(err)
		return nil, storageErr("select overdue memberships", err)
	}

	var expired []membership.Expired
	for _, row := range due {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE memberships
			SET status = ?, version = version + 1, updated_at = ?
			WHERE subject_id = ? AND resource_id = ? AND status = ? AND expires_at = ?
		`), string(membership.StatusExpired), millis(now), row.SubjectID, row.ResourceID,
			string(membership.StatusActive), row.ExpiresAt.Int64)
		if err != nil {
			span.RecordError(err)
			return expired, storageErr("expire membership", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		expired = append(expired, membership.Expired{
			SubjectID:         row.SubjectID,
			ResourceID:        row.ResourceID,
			PreviousExpiresAt: fromMillis(row.ExpiresAt.Int64),
		})
	}
	span.SetAttributes(attribute.Int("memberships.expired", len(expired)))
	return expired, nil
}
