// Package store persists workflows, dashboards, widgets, and API keys in
// the relational store. Every top-level table carries a NOT-NULL indexed
// tenant_id; widgets inherit tenant scope through their dashboard. Reads
// outside the caller's tenant surface as ErrNotFound.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

// Schema is the relational layout. JSON payloads live in TEXT columns so
// the same statements run on PostgreSQL and the SQLite test driver.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	graph       TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_tenant ON workflows (tenant_id);

CREATE TABLE IF NOT EXISTS workflow_versions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	graph       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_versions_wf ON workflow_versions (workflow_id, version);
CREATE INDEX IF NOT EXISTS idx_workflow_versions_tenant ON workflow_versions (tenant_id);

CREATE TABLE IF NOT EXISTS dashboards (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	layout     TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dashboards_tenant ON dashboards (tenant_id);

CREATE TABLE IF NOT EXISTS widgets (
	id                    TEXT PRIMARY KEY,
	dashboard_id          TEXT NOT NULL,
	source_workflow_id    TEXT NOT NULL,
	source_node_id        TEXT NOT NULL,
	layout                TEXT NOT NULL DEFAULT '{}',
	config_overrides      TEXT NOT NULL DEFAULT '{}',
	auto_refresh_interval INTEGER,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_widgets_dashboard ON widgets (dashboard_id);

CREATE TABLE IF NOT EXISTS api_keys (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	key_hash          TEXT NOT NULL UNIQUE,
	scoped_widget_ids TEXT NOT NULL DEFAULT '[]',
	rate_limit        INTEGER,
	revoked_at        TIMESTAMP,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys (tenant_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id   TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant ON audit_logs (tenant_id);
`

// Store wraps the relational database. Statements are written with `?`
// bindvars and passed through Rebind, so the PostgreSQL and SQLite drivers
// both serve them.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates any missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var _, err = s.db.ExecContext(ctx, Schema)
	return err
}

// Ping probes the database for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside one transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// audit writes a best-effort audit row inside the caller's transaction: it
// commits with the primary mutation and rolls back with it, but a marshal
// failure only logs and never aborts the user action.
func (s *Store) audit(ctx context.Context, tx *sqlx.Tx, tenant, action, objectType, objectID string, detail any) {
	var encoded = []byte("{}")
	if detail != nil {
		var b, err = json.Marshal(detail)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"action": action, "object": objectID}).
				Warn("audit detail not encodable; row skipped")
			return
		}
		encoded = b
	}
	var _, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO audit_logs (id, tenant_id, action, object_type, object_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		newID(), tenant, action, objectType, objectID, string(encoded), time.Now().UTC())
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"action": action, "object": objectID}).
			Warn("audit row insert failed")
	}
}

// notFound folds sql.ErrNoRows into the package sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
