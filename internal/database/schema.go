package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- OAuth tokens: at most one live token per (user, provider)
CREATE TABLE IF NOT EXISTS oauth_tokens (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,

    access_token TEXT NOT NULL,
    refresh_token TEXT,
    expires_at INTEGER NOT NULL,
    scope TEXT NOT NULL DEFAULT '',

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, provider)
);

-- User accounts: provider-native user id <-> internal user id
CREATE TABLE IF NOT EXISTS user_accounts (
    provider TEXT NOT NULL,
    provider_user_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (provider, provider_user_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_user_accounts_user ON user_accounts(user_id, provider);

-- Backfill requests: one row per (user, provider, year key); year_key is a year or 'ytd'
CREATE TABLE IF NOT EXISTS backfill_requests (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    year_key TEXT NOT NULL,

    status TEXT NOT NULL DEFAULT 'pending',  -- pending, in_progress, completed, failed
    rides_found INTEGER NOT NULL DEFAULT 0,
    backfilled_up_to INTEGER,                -- only meaningful for 'ytd'
    completed_at INTEGER,
    last_error TEXT,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, provider, year_key)
);

CREATE INDEX IF NOT EXISTS idx_backfill_requests_status ON backfill_requests(user_id, provider, status);

-- Import sessions: one row per import run
CREATE TABLE IF NOT EXISTS import_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,

    status TEXT NOT NULL DEFAULT 'running',  -- running, completed
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    last_activity_received_at INTEGER,
    unassigned_ride_count INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_import_sessions_running
    ON import_sessions(user_id, provider) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_import_sessions_status ON import_sessions(status);

-- Rides: keyed per provider by the provider's native activity id
CREATE TABLE IF NOT EXISTS rides (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    native_id TEXT NOT NULL,

    start_time INTEGER NOT NULL,
    duration_seconds INTEGER NOT NULL,
    distance_miles REAL NOT NULL,
    elevation_feet REAL NOT NULL,
    avg_heart_rate INTEGER,
    max_heart_rate INTEGER,
    activity_type TEXT NOT NULL,

    location TEXT,
    location_user_set BOOLEAN NOT NULL DEFAULT 0,
    start_lat REAL,
    start_lng REAL,

    bike_id TEXT,
    import_session_id TEXT,

    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rides_native ON rides(provider, native_id);
CREATE INDEX IF NOT EXISTS idx_rides_user_start ON rides(user_id, start_time);
CREATE INDEX IF NOT EXISTS idx_rides_session ON rides(import_session_id) WHERE import_session_id IS NOT NULL;

-- Activities skipped because another provider already recorded them
CREATE TABLE IF NOT EXISTS ride_duplicate_skips (
    provider TEXT NOT NULL,
    native_id TEXT NOT NULL,
    duplicate_of_ride_id INTEGER NOT NULL,
    skipped_at INTEGER NOT NULL,

    PRIMARY KEY (provider, native_id)
);

-- Job queue: named jobs with JSON payloads
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    payload TEXT NOT NULL,

    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,

    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(next_retry_at, processing_started_at);

-- Cooperative locks (used when LOCK_STORE_URL points at the main database)
CREATE TABLE IF NOT EXISTS locks (
    lock_key TEXT PRIMARY KEY,
    lock_value TEXT NOT NULL,
    expires_at_ms INTEGER NOT NULL
);

-- Per-provider rate limit circuit breaker
CREATE TABLE IF NOT EXISTS rate_limit_circuit_breaker (
    provider TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'closed',  -- closed, open, half_open
    opened_at INTEGER,
    closes_at INTEGER,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`
