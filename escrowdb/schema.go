package escrowdb

import (
	"context"
	"fmt"
	"strings"
)

// schema is the platform DDL, written once for both dialects. __AUTOID__ is
// expanded per engine. Hex-format checks live in the escrow package; the
// database keeps the structural constraints.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE,
	wallet_address TEXT UNIQUE,
	oauth_provider TEXT,
	oauth_id       TEXT UNIQUE,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agreements (
	agreement_id       TEXT PRIMARY KEY,
	payer_id           TEXT NOT NULL REFERENCES users (id),
	payee_id           TEXT NOT NULL REFERENCES users (id),
	arbitrator_id      TEXT REFERENCES users (id),
	arbitration_policy TEXT NOT NULL,
	amount_wei         TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'DRAFT',
	created_tx_hash    TEXT,
	funded_tx_hash     TEXT,
	released_tx_hash   TEXT,
	refunded_tx_hash   TEXT,
	created_onchain_at TIMESTAMP,
	funded_at          TIMESTAMP,
	released_at        TIMESTAMP,
	refunded_at        TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	CONSTRAINT ck_agreements_no_self_deal CHECK (payer_id <> payee_id),
	CONSTRAINT ck_agreements_policy_arbitrator CHECK (
		(arbitration_policy = 'NONE' AND arbitrator_id IS NULL) OR
		(arbitration_policy = 'WITH_ARBITRATOR' AND arbitrator_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_agreements_status ON agreements (status);

CREATE TABLE IF NOT EXISTS disputes (
	id                 TEXT PRIMARY KEY,
	agreement_id       TEXT NOT NULL UNIQUE REFERENCES agreements (agreement_id),
	opened_by          TEXT NOT NULL REFERENCES users (id),
	status             TEXT NOT NULL DEFAULT 'OPEN',
	resolution         TEXT,
	resolution_tx_hash TEXT,
	justification      TEXT,
	opened_at          TIMESTAMP NOT NULL,
	resolved_at        TIMESTAMP,
	CONSTRAINT ck_disputes_status_consistency CHECK (
		(status = 'OPEN' AND resolved_at IS NULL AND resolution IS NULL
			AND resolution_tx_hash IS NULL) OR
		(status = 'RESOLVED' AND resolved_at IS NOT NULL AND resolution IS NOT NULL
			AND resolution_tx_hash IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS onchain_events (
	id               __AUTOID__,
	chain_id         BIGINT NOT NULL,
	contract_address TEXT NOT NULL,
	tx_hash          TEXT NOT NULL,
	log_index        INTEGER NOT NULL,
	event_name       TEXT NOT NULL,
	agreement_id     TEXT NOT NULL REFERENCES agreements (agreement_id),
	block_number     BIGINT NOT NULL,
	block_hash       TEXT NOT NULL,
	payload          TEXT NOT NULL,
	processed_at     TIMESTAMP NOT NULL,
	CONSTRAINT uq_onchain_events_idempotent UNIQUE (chain_id, tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_onchain_events_position
	ON onchain_events (chain_id, block_number, log_index);

CREATE TABLE IF NOT EXISTS chain_sync_state (
	id                   __AUTOID__,
	chain_id             BIGINT NOT NULL,
	contract_address     TEXT NOT NULL,
	last_processed_block BIGINT NOT NULL DEFAULT 0,
	last_finalized_block BIGINT NOT NULL DEFAULT 0,
	confirmations        INTEGER NOT NULL DEFAULT 3,
	reorg_buffer         INTEGER NOT NULL DEFAULT 10,
	updated_at           TIMESTAMP NOT NULL,
	CONSTRAINT uq_chain_sync_state_chain_contract UNIQUE (chain_id, contract_address)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	refresh_token_hash TEXT NOT NULL UNIQUE,
	created_at         TIMESTAMP NOT NULL,
	expires_at         TIMESTAMP NOT NULL,
	revoked_at         TIMESTAMP,
	last_used_at       TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);
`

// EnsureSchema creates any missing tables and indexes. It is idempotent and
// safe to run at every startup; production schema migration tooling remains
// the deployment's concern.
func (s *Store) EnsureSchema(ctx context.Context) error {
	autoid := "BIGSERIAL PRIMARY KEY"
	if s.dialect == DialectSQLite {
		autoid = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := strings.ReplaceAll(schema, "__AUTOID__", autoid)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("escrowdb: ensure schema: %w", err)
	}
	return nil
}
