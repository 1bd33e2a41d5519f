// internal/eventlog/eventlog.go

// Package eventlog is the persisted journal of lifecycle events. It is an
// events.Sink, so the dispatcher appends to it like any other subscriber.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/events"
)

// Record is one journaled envelope with its position in the log.
type Record struct {
	Seq int64 `json:"seq"`
	events.Envelope
}

type recordRow struct {
	Seq        int64     `db:"seq"`
	EventID    uuid.UUID `db:"event_id"`
	Kind       string    `db:"kind"`
	EntityKey  string    `db:"entity_key"`
	Payload    string    `db:"payload"`
	OccurredAt int64     `db:"occurred_at"`
}

func (r recordRow) toRecord() Record {
	return Record{
		Seq: r.Seq,
		Envelope: events.Envelope{
			ID:         r.EventID,
			Kind:       events.Kind(r.Kind),
			Key:        r.EntityKey,
			OccurredAt: timeFromMillis(r.OccurredAt),
			Payload:    json.RawMessage(r.Payload),
		},
	}
}

// Journal appends envelopes to the lifecycle_events table.
type Journal struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

var _ events.Sink = (*Journal)(nil)

// New creates a journal on db. Call Migrate before first use.
func New(db *sqlx.DB) *Journal {
	return &Journal{
		db:     db,
		tracer: otel.Tracer("tollgate/eventlog"),
	}
}

// Migrate creates the journal table for the connection's dialect.
func (j *Journal) Migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if j.db.DriverName() == "postgres" {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			`+seq+`,
			event_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			occurred_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_events_key ON lifecycle_events(entity_key, seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate event journal: %w", err)
	}
	return nil
}

func (j *Journal) Name() string { return "journal" }

// Deliver appends env. Redelivery of an already journaled envelope is a
// no-op.
func (j *Journal) Deliver(ctx context.Context, env events.Envelope) error {
	return j.Append(ctx, env)
}

// Append journals envelopes in one transaction, skipping ids already present.
func (j *Journal) Append(ctx context.Context, envs ...events.Envelope) error {
	ctx, span := j.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(attribute.Int("event.count", len(envs))),
	)
	defer span.End()

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO lifecycle_events (event_id, kind, entity_key, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, env := range envs {
		if _, err := stmt.ExecContext(ctx, env.ID, string(env.Kind), env.Key, string(env.Payload), env.OccurredAt.UnixMilli()); err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert event %s: %w", env.ID, err)
		}
		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.String("event.id", env.ID.String()),
			attribute.String("event.kind", string(env.Kind)),
		))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Stream returns up to limit records after fromSeq, in append order.
func (j *Journal) Stream(ctx context.Context, fromSeq int64, limit int) ([]Record, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.stream",
		trace.WithAttributes(
			attribute.Int64("from.seq", fromSeq),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	var rows []recordRow
	err := j.db.SelectContext(ctx, &rows, j.db.Rebind(`
		SELECT seq, event_id, kind, entity_key, payload, occurred_at
		FROM lifecycle_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`), fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(rows)))
	return toRecords(rows), nil
}

// LoadByKey returns every record about one token or membership.
func (j *Journal) LoadByKey(ctx context.Context, key string) ([]Record, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(attribute.String("entity.key", key)),
	)
	defer span.End()

	var rows []recordRow
	err := j.db.SelectContext(ctx, &rows, j.db.Rebind(`
		SELECT seq, event_id, kind, entity_key, payload, occurred_at
		FROM lifecycle_events
		WHERE entity_key = ?
		ORDER BY seq ASC
	`), key)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(rows)))
	return toRecords(rows), nil
}

func toRecords(rows []recordRow) []Record {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
