package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/septivank/energy-metering-cache/internal/db"
)

const dailyTableSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	usage_point_id TEXT NOT NULL,
	date %[2]s NOT NULL,
	value BIGINT NOT NULL DEFAULT 0,
	blacklist BOOLEAN NOT NULL DEFAULT FALSE,
	fail_count INTEGER NOT NULL DEFAULT 0,
	monthly_charge TEXT
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_point_date ON %[1]s(usage_point_id, date);
`

const detailTableSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	usage_point_id TEXT NOT NULL,
	date %[2]s NOT NULL,
	value BIGINT NOT NULL DEFAULT 0,
	"interval" INTEGER NOT NULL DEFAULT 0,
	measure_type TEXT NOT NULL DEFAULT 'HP',
	blacklist BOOLEAN NOT NULL DEFAULT FALSE,
	fail_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_point_date ON %[1]s(usage_point_id, date);
`

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_points (
	usage_point_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	enable BOOLEAN NOT NULL DEFAULT TRUE,
	cache BOOLEAN NOT NULL DEFAULT TRUE,
	consumption BOOLEAN NOT NULL DEFAULT TRUE,
	consumption_detail BOOLEAN NOT NULL DEFAULT TRUE,
	production BOOLEAN NOT NULL DEFAULT FALSE,
	production_detail BOOLEAN NOT NULL DEFAULT FALSE,
	plan TEXT NOT NULL DEFAULT 'BASE',
	consumption_price_base TEXT NOT NULL DEFAULT '0',
	consumption_price_hc TEXT NOT NULL DEFAULT '0',
	consumption_price_hp TEXT NOT NULL DEFAULT '0',
	production_price TEXT NOT NULL DEFAULT '0',
	offpeak_hours_0 TEXT NOT NULL DEFAULT '',
	offpeak_hours_1 TEXT NOT NULL DEFAULT '',
	offpeak_hours_2 TEXT NOT NULL DEFAULT '',
	offpeak_hours_3 TEXT NOT NULL DEFAULT '',
	offpeak_hours_4 TEXT NOT NULL DEFAULT '',
	offpeak_hours_5 TEXT NOT NULL DEFAULT '',
	offpeak_hours_6 TEXT NOT NULL DEFAULT '',
	call_number INTEGER NOT NULL DEFAULT 0,
	quota_limit INTEGER NOT NULL DEFAULT 0,
	quota_reached BOOLEAN NOT NULL DEFAULT FALSE,
	quota_reset_at %[1]s,
	last_call %[1]s,
	consentement_expiration %[1]s,
	ban BOOLEAN NOT NULL DEFAULT FALSE,
	progress INTEGER NOT NULL DEFAULT 0,
	progress_status TEXT NOT NULL DEFAULT '',
	consumption_max_date %[1]s,
	consumption_detail_max_date %[1]s,
	production_max_date %[1]s,
	production_detail_max_date %[1]s
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// schema renders the DDL of every table for the dialect
func schema(d dialect) []string {
	timestamp := "TIMESTAMPTZ"
	if d == dialectSQLite {
		timestamp = "TIMESTAMP"
	}

	var stmts []string
	for _, s := range db.AllSeries() {
		tmpl := dailyTableSchema
		if s.Resolution == db.Detail {
			tmpl = detailTableSchema
		}
		stmts = append(stmts, splitStatements(fmt.Sprintf(tmpl, s.Table(), timestamp))...)
	}
	stmts = append(stmts, splitStatements(fmt.Sprintf(ledgerSchema, timestamp))...)
	return stmts
}

func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// migrate creates missing tables. It never alters existing ones.
func migrate(ctx context.Context, d database) error {
	for _, stmt := range schema(d.dialect()) {
		if _, err := d.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
