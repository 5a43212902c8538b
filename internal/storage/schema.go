package storage

// schema is applied by EnsureSchema. Amounts are NUMERIC(20,0) to hold any
// uint64; statuses are the ordered integer values of the status enums.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id                 NUMERIC(20,0) PRIMARY KEY,
	handle             TEXT          NOT NULL,
	admin              TEXT          NOT NULL,
	start_time         TIMESTAMPTZ   NOT NULL,
	end_time           TIMESTAMPTZ   NOT NULL,
	target             NUMERIC(20,0),
	resolved           BOOLEAN       NOT NULL DEFAULT FALSE,
	weight_finalized   BOOLEAN       NOT NULL DEFAULT FALSE,
	total_participants NUMERIC(20,0) NOT NULL DEFAULT 0,
	total_weight       NUMERIC(20,0) NOT NULL DEFAULT 0,
	status             SMALLINT      NOT NULL DEFAULT 0,
	resolved_at        TIMESTAMPTZ,
	reconciled_at      TIMESTAMPTZ,
	synced_at          TIMESTAMPTZ   NOT NULL
);

CREATE INDEX IF NOT EXISTS pools_pending_idx ON pools (end_time) WHERE reconciled_at IS NULL;

CREATE TABLE IF NOT EXISTS bets (
	id          TEXT          PRIMARY KEY,
	handle      TEXT          NOT NULL,
	bettor      TEXT          NOT NULL,
	pool_id     NUMERIC(20,0) NOT NULL REFERENCES pools (id),
	deposit     NUMERIC(20,0) NOT NULL,
	prediction  BYTEA,
	weight      NUMERIC(20,0) NOT NULL DEFAULT 0,
	status      SMALLINT      NOT NULL DEFAULT 0,
	reward      NUMERIC(20,0),
	claim_tx    TEXT,
	resolved_at TIMESTAMPTZ,
	synced_at   TIMESTAMPTZ   NOT NULL
);

CREATE INDEX IF NOT EXISTS bets_pool_id_idx ON bets (pool_id);

CREATE TABLE IF NOT EXISTS resolution_records (
	pool_id      NUMERIC(20,0) PRIMARY KEY REFERENCES pools (id),
	run_id       TEXT          NOT NULL,
	run_state    TEXT          NOT NULL,
	target       NUMERIC(20,0),
	steps        JSONB         NOT NULL DEFAULT '[]',
	heartbeat_at TIMESTAMPTZ   NOT NULL,
	created_at   TIMESTAMPTZ   NOT NULL,
	archived_at  TIMESTAMPTZ
);
`
