package store

// Schema is the licensing store schema. Timestamps are Unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policies (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    policy_id   TEXT NOT NULL,
    user_id     TEXT NOT NULL DEFAULT '',
    access_key  TEXT NOT NULL DEFAULT '',
    project_id  TEXT NOT NULL DEFAULT '',
    token       TEXT NOT NULL,
    certificate TEXT NOT NULL,
    fetched_at  INTEGER NOT NULL,
    UNIQUE (policy_id, user_id, access_key, project_id)
);

CREATE INDEX IF NOT EXISTS idx_policies_user ON policies(user_id);
CREATE INDEX IF NOT EXISTS idx_policies_key ON policies(access_key);
CREATE INDEX IF NOT EXISTS idx_policies_project ON policies(project_id);

CREATE TABLE IF NOT EXISTS policy_products (
    policy_row INTEGER NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    product_id TEXT NOT NULL,
    PRIMARY KEY (policy_row, product_id)
);

CREATE INDEX IF NOT EXISTS idx_policy_products_product ON policy_products(product_id);

CREATE TABLE IF NOT EXISTS checkouts (
    policy_id   TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    token       TEXT NOT NULL,
    certificate TEXT NOT NULL,
    expires_at  INTEGER NOT NULL DEFAULT 0,
    imported_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkout_products (
    policy_id  TEXT NOT NULL REFERENCES checkouts(policy_id) ON DELETE CASCADE,
    product_id TEXT NOT NULL,
    PRIMARY KEY (policy_id, product_id)
);

CREATE TABLE IF NOT EXISTS grace_period (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
    id          TEXT PRIMARY KEY,
    product_id  TEXT NOT NULL,
    version     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    policy_id   TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    access_key  TEXT NOT NULL DEFAULT '',
    project_id  TEXT NOT NULL DEFAULT '',
    country     TEXT NOT NULL DEFAULT '',
    trial       INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    posted      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_usage_pending ON usage_records(posted, recorded_at);

CREATE TABLE IF NOT EXISTS feature_records (
    id          TEXT PRIMARY KEY,
    product_id  TEXT NOT NULL,
    feature_id  TEXT NOT NULL,
    version     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    policy_id   TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    access_key  TEXT NOT NULL DEFAULT '',
    project_id  TEXT NOT NULL DEFAULT '',
    country     TEXT NOT NULL DEFAULT '',
    trial       INTEGER NOT NULL DEFAULT 0,
    user_data   TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL,
    posted      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_feature_pending ON feature_records(posted, recorded_at);
`

// InitMetadata seeds the metadata table
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
