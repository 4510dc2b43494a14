package observability

import "database/sql"

// Schema contains the DDL of the workbench observability tables.
const Schema = `
-- User-visible notices raised by the status loop and the workbench
CREATE TABLE IF NOT EXISTS notices (
    notice_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    dataset TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notices_at ON notices(at DESC);
CREATE INDEX IF NOT EXISTS idx_notices_dataset ON notices(dataset, at DESC);

-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

-- Audit trail of the writes a user made through the workbench
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    dataset TEXT NOT NULL,
    operation TEXT NOT NULL,
    parameters TEXT NOT NULL DEFAULT '{}',
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_dataset ON audit_log(dataset, operation);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
