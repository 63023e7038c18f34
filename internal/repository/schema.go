package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.
//
// Timestamps are stored twice: as TIMESTAMP for readability and as unix
// nanoseconds for ordering and the alert write guard, since the SQLite
// driver stores TIMESTAMP as text that does not sort reliably.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    txn_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    merchant_category TEXT,
    amount REAL NOT NULL,
    country_code TEXT NOT NULL,
    channel TEXT NOT NULL,
    device_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    combined_score REAL NOT NULL,
    is_alert INTEGER NOT NULL DEFAULT 0,
    degraded INTEGER NOT NULL DEFAULT 0,
    bundle_version TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(customer_id, timestamp);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_id TEXT PRIMARY KEY,
    txn_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    score REAL NOT NULL,
    status TEXT NOT NULL,
    explanation TEXT,
    analyst_notes TEXT,
    occurrences INTEGER NOT NULL DEFAULT 1,
    linked_txn_ids TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    first_occurrence_at TIMESTAMP NOT NULL,
    last_occurrence_at TIMESTAMP NOT NULL,
    created_ns BIGINT NOT NULL,
    updated_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE INDEX IF NOT EXISTS idx_alerts_customer ON alerts(customer_id);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_ns);
`

// schemaAlertTxns maps every transaction folded into an alert, the
// originating one included, back to that alert.
const schemaAlertTxns = `
CREATE TABLE IF NOT EXISTS alert_txns (
    txn_id TEXT PRIMARY KEY,
    alert_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_txns_alert ON alert_txns(alert_id);
`

// schemaDeadLetters holds outbox events that exhausted their retries.
const schemaDeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    event_key TEXT NOT NULL,
    payload TEXT NOT NULL,
    error TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    created_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_ns);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAlerts,
		schemaAlertTxns,
		schemaDeadLetters,
	}
}
