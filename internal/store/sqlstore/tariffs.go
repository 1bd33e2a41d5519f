// internal/store/sqlstore/tariffs.go
package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/apperr"
	"tollgate/internal/tariff"
)

const tariffColumns = `id, resource_id, name, price, duration_days, token_validity_days, active, version, created_at, updated_at`

type tariffRow struct {
	ID                uuid.UUID       `db:"id"`
	ResourceID        string          `db:"resource_id"`
	Name              string          `db:"name"`
	Price             decimal.Decimal `db:"price"`
	DurationDays      int             `db:"duration_days"`
	TokenValidityDays int             `db:"token_validity_days"`
	Active            bool            `db:"active"`
	Version           int             `db:"version"`
	CreatedAt         int64           `db:"created_at"`
	UpdatedAt         int64           `db:"updated_at"`
}

func (r tariffRow) toDomain() *tariff.Tariff {
	return &tariff.Tariff{
		ID:                r.ID,
		ResourceID:        r.ResourceID,
		Name:              r.Name,
		Price:             r.Price,
		DurationDays:      r.DurationDays,
		TokenValidityDays: r.TokenValidityDays,
		Active:            r.Active,
		Version:           r.Version,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

func (s *Store) CreateTariff(ctx context.Context, t *tariff.Tariff) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tariffs (`+tariffColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.ResourceID, t.Name, t.Price.String(), t.DurationDays, t.TokenValidityDays,
		t.Active, t.Version, millis(t.CreatedAt), millis(t.UpdatedAt))
	if err != nil {
		return storageErr("insert tariff", err)
	}
	return nil
}

func (s *Store) GetTariff(ctx context.Context, id uuid.UUID) (*tariff.Tariff, error) {
	return getTariff(ctx, s.db, id)
}

func getTariff(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) (*tariff.Tariff, error) {
	var row tariffRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+tariffColumns+` FROM tariffs WHERE id = ?`), id)
	if notFound(err) {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "tariff not found",
			map[string]string{"tariff_id": id.String()})
	}
	if err != nil {
		return nil, storageErr("get tariff", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListActiveTariffs(ctx context.Context, resourceID string) ([]*tariff.Tariff, error) {
	var rows []tariffRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT `+tariffColumns+` FROM tariffs
		WHERE resource_id = ? AND active = ?
		ORDER BY created_at, id
	`), resourceID, true)
	if err != nil {
		return nil, storageErr("list tariffs", err)
	}
	out := make([]*tariff.Tariff, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpdateTariff(ctx context.Context, t *tariff.Tariff, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tariffs
		SET name = ?, price = ?, duration_days = ?, token_validity_days = ?, active = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`), t.Name, t.Price.String(), t.DurationDays, t.TokenValidityDays, t.Active,
		t.Version, millis(t.UpdatedAt), t.ID, expectedVersion)
	if err != nil {
		return storageErr("update tariff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update tariff", err)
	}
	if n == 0 {
		if _, err := s.GetTariff(ctx, t.ID); err != nil {
			return err
		}
		return apperr.ErrVersionConflict
	}
	return nil
}

func (s *Store) DeleteTariff(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.delete_tariff",
		trace.WithAttributes(attribute.String("tariff.id", id.String())),
	)
	defer span.End()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var issued int
		if err := tx.GetContext(ctx, &issued, tx.Rebind(`SELECT COUNT(*) FROM access_tokens WHERE tariff_id = ?`), id); err != nil {
			return fmt.Errorf("count tokens: %w", err)
		}
		if issued > 0 {
			return apperr.WithMetadata(apperr.CodeInvalidState, "tariff has issued tokens; deactivate it instead",
				map[string]string{"tariff_id": id.String()})
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tariffs WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete tariff: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.WithMetadata(apperr.CodeNotFound, "tariff not found",
				map[string]string{"tariff_id": id.String()})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("delete tariff", err)
	}
	return nil
}
