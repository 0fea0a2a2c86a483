// Package sqlite persists all Qube entities in a single SQLite database.
// Every multi-document mutation in the conversion ledger runs inside one
// SQL transaction, which is the sole concurrency-correctness mechanism.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle and exposes typed operations.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the qube database inside dir and applies all
// schema migrations.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "qube.db")
	handle, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent request handlers.
	handle.SetMaxOpenConns(1)

	db := &DB{db: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// migrate applies every schema statement. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so migrate is safe to run on every start.
func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Projects and their reward configuration
		`CREATE TABLE IF NOT EXISTS projects (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			owner_addresses     TEXT NOT NULL DEFAULT '[]',
			token_address       TEXT NOT NULL DEFAULT '',
			chain_id            INTEGER NOT NULL DEFAULT 0,
			redirect_url        TEXT NOT NULL DEFAULT '',
			is_referral_enabled INTEGER NOT NULL DEFAULT 0,
			is_using_xp_reward  INTEGER NOT NULL DEFAULT 0,
			total_paid_out      REAL NOT NULL DEFAULT 0,
			last_payment_at     TEXT,
			created_at          TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS conversion_points (
			id            TEXT NOT NULL,
			project_id    TEXT NOT NULL,
			title         TEXT NOT NULL,
			payment_type  TEXT NOT NULL,
			reward_amount REAL NOT NULL DEFAULT 0,
			percentage    REAL NOT NULL DEFAULT 0,
			tiers_json    TEXT NOT NULL DEFAULT '[]',
			is_active     INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (project_id, id)
		)`,

		// API keys, one per project, with usage accounting
		`CREATE TABLE IF NOT EXISTS api_keys (
			key          TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL,
			usage_count  INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id)`,

		// Fixed-window rate limit counters, keyed by api key + window start.
		// Persisted in the store so the limit holds across stateless instances.
		`CREATE TABLE IF NOT EXISTS rate_limits (
			api_key      TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (api_key, window_start)
		)`,

		// Affiliate referrals
		`CREATE TABLE IF NOT EXISTS referrals (
			id                 TEXT PRIMARY KEY,
			project_id         TEXT NOT NULL,
			affiliate_wallet   TEXT NOT NULL,
			conversions        INTEGER NOT NULL DEFAULT 0,
			earnings           REAL NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL DEFAULT (datetime('now')),
			last_conversion_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_project ON referrals(project_id)`,

		// Campaign links (ASP and individual)
		`CREATE TABLE IF NOT EXISTS campaign_links (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL,
			referral_id     TEXT NOT NULL DEFAULT '',
			asp_id          TEXT NOT NULL DEFAULT '',
			source          TEXT NOT NULL,
			destination_url TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_project ON campaign_links(project_id)`,

		// Click logs, back-linked to their conversion log once converted
		`CREATE TABLE IF NOT EXISTS click_logs (
			id                TEXT PRIMARY KEY,
			link_id           TEXT NOT NULL,
			country           TEXT NOT NULL DEFAULT 'unknown',
			query_params_json TEXT NOT NULL DEFAULT '{}',
			conversion_log_id TEXT NOT NULL DEFAULT '',
			clicked_at        TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clicks_link ON click_logs(link_id)`,

		// Single-use tracking tokens, deleted when their conversion commits
		`CREATE TABLE IF NOT EXISTS tracking_tokens (
			token        TEXT PRIMARY KEY,
			link_id      TEXT NOT NULL,
			click_log_id TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Conversion ledger
		`CREATE TABLE IF NOT EXISTS conversion_logs (
			id             TEXT PRIMARY KEY,
			project_id     TEXT NOT NULL,
			tracking_token TEXT NOT NULL DEFAULT '',
			point_id       TEXT NOT NULL,
			referral_id    TEXT NOT NULL DEFAULT '',
			link_id        TEXT NOT NULL DEFAULT '',
			reward_kind    TEXT NOT NULL,
			reward_amount  REAL NOT NULL,
			reward_unit    TEXT NOT NULL,
			token_address  TEXT NOT NULL DEFAULT '',
			chain_id       INTEGER NOT NULL DEFAULT 0,
			country        TEXT NOT NULL DEFAULT 'unknown',
			user_wallet    TEXT NOT NULL DEFAULT '',
			is_paid        INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			paid_at        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_convlogs_referral ON conversion_logs(referral_id, point_id)`,
		`CREATE INDEX IF NOT EXISTS idx_convlogs_link ON conversion_logs(link_id, point_id)`,
		`CREATE INDEX IF NOT EXISTS idx_convlogs_unpaid ON conversion_logs(project_id, is_paid)`,

		// Append-only payout settlements
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id                TEXT PRIMARY KEY,
			conversion_log_id TEXT NOT NULL,
			tx_hash_affiliate TEXT NOT NULL DEFAULT '',
			tx_hash_user      TEXT NOT NULL DEFAULT '',
			amount            REAL NOT NULL,
			created_at        TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_log ON payment_transactions(conversion_log_id)`,

		// Per-link aggregate counters, bumped inside the conversion transaction
		`CREATE TABLE IF NOT EXISTS link_stats (
			link_id       TEXT PRIMARY KEY,
			clicks        INTEGER NOT NULL DEFAULT 0,
			conversions   INTEGER NOT NULL DEFAULT 0,
			unpaid_count  INTEGER NOT NULL DEFAULT 0,
			unpaid_amount REAL NOT NULL DEFAULT 0,
			total_amount  REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS link_stats_daily (
			link_id     TEXT NOT NULL,
			day         TEXT NOT NULL,
			conversions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (link_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS link_stats_monthly (
			link_id     TEXT NOT NULL,
			month       TEXT NOT NULL,
			conversions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (link_id, month)
		)`,
		`CREATE TABLE IF NOT EXISTS link_stats_country (
			link_id     TEXT NOT NULL,
			country     TEXT NOT NULL,
			conversions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (link_id, country)
		)`,
		`CREATE TABLE IF NOT EXISTS link_stats_point (
			link_id     TEXT NOT NULL,
			point_id    TEXT NOT NULL,
			conversions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (link_id, point_id)
		)`,

		// External affiliate networks and their postback configuration
		`CREATE TABLE IF NOT EXISTS asps (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS asp_postback_urls (
			asp_id TEXT NOT NULL,
			env    TEXT NOT NULL,
			url    TEXT NOT NULL,
			PRIMARY KEY (asp_id, env)
		)`,
		`CREATE TABLE IF NOT EXISTS asp_param_mappings (
			asp_id        TEXT NOT NULL,
			external_name TEXT NOT NULL,
			internal_name TEXT NOT NULL,
			default_value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (asp_id, external_name)
		)`,
		`CREATE TABLE IF NOT EXISTS asp_conversions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			asp_id        TEXT NOT NULL DEFAULT '',
			campaign_id   TEXT NOT NULL,
			click_id      TEXT NOT NULL,
			conversion_id TEXT NOT NULL,
			source        TEXT NOT NULL,
			event_name    TEXT NOT NULL,
			event_value   REAL NOT NULL DEFAULT 0,
			currency      TEXT NOT NULL DEFAULT '',
			affiliate_id  TEXT NOT NULL DEFAULT '',
			occurred_at   TEXT NOT NULL,
			received_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aspconv_campaign ON asp_conversions(campaign_id)`,

		// Error journal for best-effort lookups (geo, postback)
		`CREATE TABLE IF NOT EXISTS error_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			component  TEXT NOT NULL,
			message    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// ─── Time Helpers ───────────────────────────────────────────────────────────

const timeLayout = time.RFC3339

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to SQLite's datetime('now') layout.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

// RecordError appends a row to the error journal.
func (db *DB) RecordError(component, message, detail string) error {
	_, err := db.db.Exec(`
		INSERT INTO error_logs (component, message, detail)
		VALUES (?, ?, ?)
	`, component, message, detail)
	return err
}

// ErrorCount returns the number of journaled errors for a component.
func (db *DB) ErrorCount(component string) (int, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM error_logs WHERE component = ?
	`, component).Scan(&n)
	return n, err
}
