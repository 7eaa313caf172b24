package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS payment_intents (
	id              TEXT PRIMARY KEY,
	amount_sats     BIGINT NOT NULL,
	status          TEXT NOT NULL,
	address_id      TEXT,
	required_confs  INTEGER NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	confirmed_at    TIMESTAMPTZ,
	customer_id     TEXT,
	email           TEXT,
	memo            TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_intents_status ON payment_intents(status);
CREATE INDEX IF NOT EXISTS idx_payment_intents_expires_at ON payment_intents(expires_at);
CREATE INDEX IF NOT EXISTS idx_payment_intents_customer_id ON payment_intents(customer_id);
CREATE INDEX IF NOT EXISTS idx_payment_intents_email ON payment_intents(email);

CREATE TABLE IF NOT EXISTS deposit_addresses (
	id                 TEXT PRIMARY KEY,
	address            TEXT NOT NULL,
	derivation_index   BIGINT NOT NULL,
	script_pubkey_hex  TEXT NOT NULL,
	intent_id          TEXT,
	assigned_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_deposit_addresses_address ON deposit_addresses(address);
CREATE UNIQUE INDEX IF NOT EXISTS idx_deposit_addresses_derivation_index ON deposit_addresses(derivation_index);

CREATE TABLE IF NOT EXISTS tx_observations (
	id                 TEXT PRIMARY KEY,
	txid               TEXT NOT NULL,
	vout               INTEGER NOT NULL,
	value_sats         BIGINT NOT NULL,
	confirmations      INTEGER NOT NULL,
	address_id         TEXT NOT NULL,
	script_pubkey_hex  TEXT NOT NULL,
	status             TEXT NOT NULL,
	seen_at            TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_observations_txid_vout ON tx_observations(txid, vout);
CREATE INDEX IF NOT EXISTS idx_tx_observations_address_id ON tx_observations(address_id);

CREATE TABLE IF NOT EXISTS magic_link_tokens (
	id           TEXT PRIMARY KEY,
	token        TEXT NOT NULL,
	intent_id    TEXT NOT NULL,
	consumed     BOOLEAN NOT NULL DEFAULT FALSE,
	consumed_at  TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_magic_link_tokens_token ON magic_link_tokens(token);

CREATE TABLE IF NOT EXISTS customers (
	id          TEXT PRIMARY KEY,
	email       TEXT,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS system_metadata (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL
);
`
