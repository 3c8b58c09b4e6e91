package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS reports (
    query_key            TEXT PRIMARY KEY,
    addr                 TEXT NOT NULL,
    namespace            TEXT NOT NULL DEFAULT '',
    start_time           TEXT NOT NULL DEFAULT '',
    end_time             TEXT NOT NULL DEFAULT '',
    payload              BLOB NOT NULL,
    payload_size         INTEGER NOT NULL,
    fetched_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS control_groups (
    accessor             TEXT PRIMARY KEY,
    token                TEXT NOT NULL,
    creation_path        TEXT,
    creation_time        TEXT,
    ttl_secs             INTEGER NOT NULL DEFAULT 0,
    tracked_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_fetched ON reports(fetched_at);
CREATE INDEX IF NOT EXISTS idx_reports_namespace ON reports(namespace);
`
