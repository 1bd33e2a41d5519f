// internal/store/sqlstore/schema.go
package sqlstore

import (
	"context"
	"fmt"
)

// Times are unix milliseconds so both dialects compare them the same way.
const schema = `
CREATE TABLE IF NOT EXISTS tariffs (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	name TEXT NOT NULL,
	price TEXT NOT NULL,
	duration_days INTEGER NOT NULL,
	token_validity_days INTEGER NOT NULL,
	active BOOLEAN NOT NULL,
	version INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tariffs_resource ON tariffs(resource_id, active);

CREATE TABLE IF NOT EXISTS access_tokens (
	id TEXT PRIMARY KEY,
	tariff_id TEXT NOT NULL REFERENCES tariffs(id),
	issuer_subject_id TEXT NOT NULL,
	secret_digest TEXT NOT NULL UNIQUE,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	max_uses INTEGER NOT NULL,
	uses_remaining INTEGER NOT NULL,
	last_redeemed_by TEXT NOT NULL DEFAULT '',
	last_redeemed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_access_tokens_tariff ON access_tokens(tariff_id);
CREATE INDEX IF NOT EXISTS idx_access_tokens_expires ON access_tokens(expires_at);

CREATE TABLE IF NOT EXISTS memberships (
	subject_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	status TEXT NOT NULL,
	granted_at BIGINT,
	expires_at BIGINT,
	origin_token_id TEXT,
	reason TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (subject_id, resource_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_status_expires ON memberships(status, expires_at);
`

// Migrate creates the ledger tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}
