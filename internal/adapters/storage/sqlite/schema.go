package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS usage_windows (
	caller_id TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	window_key TEXT NOT NULL,
	tier TEXT NOT NULL,
	tier_limit INTEGER NOT NULL,
	total_calls INTEGER NOT NULL DEFAULT 0,
	automation_paused INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (caller_id, window_start)
);

CREATE TABLE IF NOT EXISTS usage_accounts (
	caller_id TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	account_id TEXT NOT NULL,
	account_name TEXT NOT NULL DEFAULT '',
	calls_made INTEGER NOT NULL DEFAULT 0,
	last_call_at INTEGER NOT NULL,
	PRIMARY KEY (caller_id, window_start, account_id)
);

CREATE TABLE IF NOT EXISTS global_windows (
	window_start INTEGER PRIMARY KEY,
	window_key TEXT NOT NULL,
	label TEXT NOT NULL,
	global_calls INTEGER NOT NULL DEFAULT 0,
	global_limit INTEGER NOT NULL,
	accounts_processed INTEGER NOT NULL DEFAULT 0,
	automation_paused INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	rotated_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deferred_actions (
	id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	provider_call_cost INTEGER NOT NULL DEFAULT 1,
	tier TEXT NOT NULL,
	tier_class INTEGER NOT NULL,
	base_priority INTEGER NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	window_start INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	retry_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deferred_drain ON deferred_actions(status, tier_class, base_priority, created_at);
CREATE INDEX IF NOT EXISTS idx_deferred_caller ON deferred_actions(caller_id, status);
CREATE INDEX IF NOT EXISTS idx_deferred_expires ON deferred_actions(expires_at);

CREATE TABLE IF NOT EXISTS external_accounts (
	id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	provider_call_count INTEGER NOT NULL DEFAULT 0,
	rate_limited INTEGER NOT NULL DEFAULT 0,
	rate_limit_reset_at INTEGER NOT NULL DEFAULT 0,
	skip_follow_check_free INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
	caller_id TEXT NOT NULL,
	plan TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_caller ON subscriptions(caller_id, status, expires_at);
`
