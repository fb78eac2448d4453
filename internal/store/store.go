// Package store is the relational store behind the dispatch pipeline:
// campaigns, contacts, shipping records, schedules and presence rows on
// SQLite. The only query shapes are PK lookups, an atomic get-or-create on
// a composite unique key, timestamp-window scans and predicate counts.
package store

import (
	"database/sql"
	"time"
)

// EnsureSchema creates all tables if they don't exist. Timestamps are unix
// milliseconds; NULL means unset.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS campaigns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  channel_id INTEGER NOT NULL DEFAULT 0,
  contact_list_id INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('DRAFT','SCHEDULED','IN_PROGRESS','FINISHED','CANCELED')) DEFAULT 'DRAFT',
  confirmation INTEGER NOT NULL DEFAULT 0,
  messages TEXT NOT NULL DEFAULT '[]',
  confirmation_messages TEXT NOT NULL DEFAULT '[]',
  media_path TEXT NOT NULL DEFAULT '',
  media_name TEXT NOT NULL DEFAULT '',
  scheduled_at INTEGER,
  completed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_due ON campaigns(status, scheduled_at);
CREATE TABLE IF NOT EXISTS campaign_settings (
  tenant_id INTEGER NOT NULL,
  key TEXT NOT NULL,
  value TEXT NOT NULL,
  PRIMARY KEY (tenant_id, key)
);
CREATE TABLE IF NOT EXISTS contacts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id INTEGER NOT NULL,
  contact_list_id INTEGER NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  number TEXT NOT NULL,
  email TEXT NOT NULL DEFAULT '',
  valid INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_contacts_list ON contacts(contact_list_id, valid);
CREATE TABLE IF NOT EXISTS shipping_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  campaign_id INTEGER NOT NULL,
  contact_id INTEGER NOT NULL,
  number TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  confirmation_message TEXT NOT NULL DEFAULT '',
  confirmation_requested_at INTEGER,
  delivered_at INTEGER,
  task_id TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE (campaign_id, contact_id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id INTEGER NOT NULL,
  contact_id INTEGER NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  media_path TEXT NOT NULL DEFAULT '',
  send_at INTEGER NOT NULL,
  sent_at INTEGER,
  status TEXT NOT NULL CHECK(status IN ('PENDING','QUEUED','SENT','ERROR')) DEFAULT 'PENDING',
  recurrence_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, send_at);
CREATE TABLE IF NOT EXISTS recurrences (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id INTEGER NOT NULL,
  interval_days INTEGER NOT NULL DEFAULT 0,
  body TEXT NOT NULL DEFAULT '',
  media_path TEXT NOT NULL DEFAULT '',
  media_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id INTEGER NOT NULL,
  online INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func unixMSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
