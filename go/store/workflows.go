package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newID() string { return uuid.NewString() }

// Workflow is a stored canvas graph. Graph holds the full canvas document.
type Workflow struct {
	ID          string          `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description,omitempty"`
	Graph       json.RawMessage `db:"graph" json:"graph"`
	Version     int64           `db:"version" json:"version"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkflowVersion is a frozen snapshot taken on every update.
type WorkflowVersion struct {
	ID         string          `db:"id" json:"id"`
	WorkflowID string          `db:"workflow_id" json:"workflow_id"`
	TenantID   string          `db:"tenant_id" json:"-"`
	Version    int64           `db:"version" json:"version"`
	Graph      json.RawMessage `db:"graph" json:"graph"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = newID()
	}
	var now = time.Now().UTC()
	w.Version, w.CreatedAt, w.UpdatedAt = 1, now, now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO workflows (id, tenant_id, name, description, graph, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			w.ID, w.TenantID, w.Name, w.Description, string(w.Graph), w.Version, w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, w.TenantID, "workflow.create", "workflow", w.ID, map[string]any{"name": w.Name})
		return nil
	})
}

func (s *Store) GetWorkflow(ctx context.Context, tenant, id string) (*Workflow, error) {
	var w Workflow
	var err = s.db.GetContext(ctx, &w, s.db.Rebind(
		`SELECT * FROM workflows WHERE id = ? AND tenant_id = ?`), id, tenant)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context, tenant string) ([]Workflow, error) {
	var out = []Workflow{}
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM workflows WHERE tenant_id = ? ORDER BY updated_at DESC`), tenant)
	return out, err
}

// UpdateWorkflow snapshots the current graph into workflow_versions, then
// applies the new graph and bumps the version, all in one transaction.
func (s *Store) UpdateWorkflow(ctx context.Context, tenant, id string, name, description string, graph json.RawMessage) (*Workflow, error) {
	var updated *Workflow
	var err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current Workflow
		if err := tx.GetContext(ctx, &current, tx.Rebind(
			`SELECT * FROM workflows WHERE id = ? AND tenant_id = ?`), id, tenant); err != nil {
			return notFound(err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO workflow_versions (id, workflow_id, tenant_id, version, graph, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			newID(), current.ID, tenant, current.Version, string(current.Graph), time.Now().UTC()); err != nil {
			return err
		}

		var now = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE workflows SET name = ?, description = ?, graph = ?, version = ?, updated_at = ?
			 WHERE id = ? AND tenant_id = ?`),
			name, description, string(graph), current.Version+1, now, id, tenant); err != nil {
			return err
		}

		current.Name, current.Description, current.Graph = name, description, graph
		current.Version, current.UpdatedAt = current.Version+1, now
		updated = &current

		s.audit(ctx, tx, tenant, "workflow.update", "workflow", id,
			map[string]any{"version": current.Version})
		return nil
	})
	return updated, err
}

func (s *Store) DeleteWorkflow(ctx context.Context, tenant, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM workflows WHERE id = ? AND tenant_id = ?`), id, tenant)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM workflow_versions WHERE workflow_id = ? AND tenant_id = ?`), id, tenant); err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "workflow.delete", "workflow", id, nil)
		return nil
	})
}

func (s *Store) ListWorkflowVersions(ctx context.Context, tenant, workflowID string) ([]WorkflowVersion, error) {
	if _, err := s.GetWorkflow(ctx, tenant, workflowID); err != nil {
		return nil, err
	}
	var out = []WorkflowVersion{}
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM workflow_versions WHERE workflow_id = ? AND tenant_id = ? ORDER BY version DESC`),
		workflowID, tenant)
	return out, err
}

// RollbackWorkflow restores the graph of a stored version. The current
// graph is snapshotted first, so a rollback is itself undoable.
func (s *Store) RollbackWorkflow(ctx context.Context, tenant, workflowID, versionID string) (*Workflow, error) {
	var version WorkflowVersion
	var err = s.db.GetContext(ctx, &version, s.db.Rebind(
		`SELECT * FROM workflow_versions WHERE id = ? AND workflow_id = ? AND tenant_id = ?`),
		versionID, workflowID, tenant)
	if err != nil {
		return nil, notFound(err)
	}

	var current, getErr = s.GetWorkflow(ctx, tenant, workflowID)
	if getErr != nil {
		return nil, getErr
	}
	return s.UpdateWorkflow(ctx, tenant, workflowID, current.Name, current.Description, version.Graph)
}
