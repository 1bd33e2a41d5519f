// internal/store/sqlstore/tokens.go
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
	"tollgate/internal/token"
)

const tokenColumns = `id, tariff_id, issuer_subject_id, secret_digest, created_at, expires_at, max_uses, uses_remaining, last_redeemed_by, last_redeemed_at`

type tokenRow struct {
	ID              uuid.UUID     `db:"id"`
	TariffID        uuid.UUID     `db:"tariff_id"`
	IssuerSubjectID string        `db:"issuer_subject_id"`
	SecretDigest    string        `db:"secret_digest"`
	CreatedAt       int64         `db:"created_at"`
	ExpiresAt       int64         `db:"expires_at"`
	MaxUses         int           `db:"max_uses"`
	UsesRemaining   int           `db:"uses_remaining"`
	LastRedeemedBy  string        `db:"last_redeemed_by"`
	LastRedeemedAt  sql.NullInt64 `db:"last_redeemed_at"`
}

func (r tokenRow) toDomain() *token.AccessToken {
	return &token.AccessToken{
		ID:              r.ID,
		TariffID:        r.TariffID,
		IssuerSubjectID: r.IssuerSubjectID,
		SecretDigest:    r.SecretDigest,
		CreatedAt:       fromMillis(r.CreatedAt),
		ExpiresAt:       fromMillis(r.ExpiresAt),
		MaxUses:         r.MaxUses,
		UsesRemaining:   r.UsesRemaining,
		LastRedeemedBy:  r.LastRedeemedBy,
		LastRedeemedAt:  fromNullMillis(r.LastRedeemedAt),
	}
}

func tokenNotFound(id string) error {
	return apperr.WithMetadata(apperr.CodeNotFound, "token not found", map[string]string{"token_id": id})
}

func (s *Store) CreateToken(ctx context.Context, t *token.AccessToken) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO access_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.TariffID, t.IssuerSubjectID, t.SecretDigest, millis(t.CreatedAt), millis(t.ExpiresAt),
		t.MaxUses, t.UsesRemaining, t.LastRedeemedBy, nullMillis(t.LastRedeemedAt))
	if err != nil {
		return storageErr("insert token", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id uuid.UUID) (*token.AccessToken, error) {
	return getToken(ctx, s.db, id)
}

func getToken(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) (*token.AccessToken, error) {
	var row tokenRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+tokenColumns+` FROM access_tokens WHERE id = ?`), id)
	if notFound(err) {
		return nil, tokenNotFound(id.String())
	}
	if err != nil {
		return nil, storageErr("get token", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetTokenByDigest(ctx context.Context, digest string) (*token.AccessToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+tokenColumns+` FROM access_tokens WHERE secret_digest = ?`), digest)
	if notFound(err) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get token by digest", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTokensByTariff(ctx context.Context, tariffID uuid.UUID) ([]*token.AccessToken, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+tokenColumns+` FROM access_tokens
		WHERE tariff_id = ?
		ORDER BY created_at, id
	`), tariffID)
	if err != nil {
		return nil, storageErr("list tokens", err)
	}
	return tokensFromRows(rows), nil
}

func (s *Store) RevokeToken(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE access_tokens SET uses_remaining = 0
		WHERE id = ? AND uses_remaining > 0
	`), id)
	if err != nil {
		return false, storageErr("revoke token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("revoke token", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetToken(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RedeemToken decrements the token with a conditional update, so of any
// number of concurrent callers at most uses_remaining succeed, then writes
// the membership in the same transaction.
func (s *Store) RedeemToken(ctx context.Context, req token.RedeemRequest) (*token.Redemption, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.redeem_token",
		trace.WithAttributes(
			attribute.String("token.id", req.TokenID.String()),
			attribute.String("subject.id", req.SubjectID),
		),
	)
	defer span.End()

	attempts := 0
	out, err := retryOnConflict(ctx, "redeem token", func() (*token.Redemption, error) {
		attempts++
		var out *token.Redemption
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			now := millis(req.Now)
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE access_tokens
				SET uses_remaining = uses_remaining - 1, last_redeemed_by = ?, last_redeemed_at = ?
				WHERE id = ? AND uses_remaining > 0 AND expires_at >= ?
			`), req.SubjectID, now, req.TokenID, now)
			if err != nil {
				return fmt.Errorf("decrement token: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("decrement token: %w", err)
			}
			if n == 0 {
				return explainRedeemMiss(ctx, tx, req)
			}

			tok, err := getToken(ctx, tx, req.TokenID)
			if err != nil {
				return err
			}
			t, err := getTariff(ctx, tx, tok.TariffID)
			if err != nil {
				return err
			}
			current, err := s.lockMembership(ctx, tx, req.SubjectID, t.ResourceID)
			if err != nil {
				return err
			}

			next, outcome := req.Grant(t, current)
			stored := current
			if next != nil {
				if err := writeMembership(ctx, tx, next, current); err != nil {
					return err
				}
				stored = next
			}
			out = &token.Redemption{
				Token:        tok,
				ResourceID:   t.ResourceID,
				DurationDays: t.DurationDays,
				Membership:   stored,
				Outcome:      outcome,
			}
			return nil
		})
		return out, err
	})
	span.SetAttributes(attribute.Int("tx.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// explainRedeemMiss reports why the conditional decrement matched no row.
func explainRedeemMiss(ctx context.Context, tx *sqlx.Tx, req token.RedeemRequest) error {
	tok, err := getToken(ctx, tx, req.TokenID)
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		return apperr.ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	if tok.Expired(req.Now) {
		return apperr.ErrTokenExpired
	}
	return apperr.ErrTokenExhausted
}

func (s *Store) ListLapsedTokens(ctx context.Context, after, before time.Time, limit int) ([]*token.AccessToken, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+tokenColumns+` FROM access_tokens
		WHERE uses_remaining > 0 AND expires_at >= ? AND expires_at < ?
		ORDER BY expires_at, id
		LIMIT ?
	`), millis(after), millis(before), limit)
	if err != nil {
		return nil, storageErr("list lapsed tokens", err)
	}
	return tokensFromRows(rows), nil
}

func tokensFromRows(rows []tokenRow) []*token.AccessToken {
	out := make([]*token.AccessToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
