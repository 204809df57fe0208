package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

type Dashboard struct {
	ID        string          `db:"id" json:"id"`
	TenantID  string          `db:"tenant_id" json:"tenant_id"`
	Name      string          `db:"name" json:"name"`
	Layout    json.RawMessage `db:"layout" json:"layout"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Widget pins one workflow output node onto a dashboard. It carries no
// tenant column; scope is inherited through the dashboard.
type Widget struct {
	ID                  string          `db:"id" json:"id"`
	DashboardID         string          `db:"dashboard_id" json:"dashboard_id"`
	SourceWorkflowID    string          `db:"source_workflow_id" json:"source_workflow_id"`
	SourceNodeID        string          `db:"source_node_id" json:"source_node_id"`
	Layout              json.RawMessage `db:"layout" json:"layout"`
	ConfigOverrides     json.RawMessage `db:"config_overrides" json:"config_overrides"`
	AutoRefreshInterval *int64          `db:"auto_refresh_interval" json:"auto_refresh_interval,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

func (s *Store) CreateDashboard(ctx context.Context, d *Dashboard) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if len(d.Layout) == 0 {
		d.Layout = json.RawMessage("{}")
	}
	var now = time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO dashboards (id, tenant_id, name, layout, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			d.ID, d.TenantID, d.Name, string(d.Layout), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, d.TenantID, "dashboard.create", "dashboard", d.ID, map[string]any{"name": d.Name})
		return nil
	})
}

func (s *Store) GetDashboard(ctx context.Context, tenant, id string) (*Dashboard, error) {
	var d Dashboard
	var err = s.db.GetContext(ctx, &d, s.db.Rebind(
		`SELECT * FROM dashboards WHERE id = ? AND tenant_id = ?`), id, tenant)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) ListDashboards(ctx context.Context, tenant string) ([]Dashboard, error) {
	var out = []Dashboard{}
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM dashboards WHERE tenant_id = ? ORDER BY updated_at DESC`), tenant)
	return out, err
}

func (s *Store) UpdateDashboard(ctx context.Context, tenant, id, name string, layout json.RawMessage) (*Dashboard, error) {
	var updated *Dashboard
	var err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var now = time.Now().UTC()
		var res, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE dashboards SET name = ?, layout = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`),
			name, string(layout), now, id, tenant)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		s.audit(ctx, tx, tenant, "dashboard.update", "dashboard", id, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated, err = s.GetDashboard(ctx, tenant, id)
	return updated, err
}

func (s *Store) DeleteDashboard(ctx context.Context, tenant, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM dashboards WHERE id = ? AND tenant_id = ?`), id, tenant)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM widgets WHERE dashboard_id = ?`), id); err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "dashboard.delete", "dashboard", id, nil)
		return nil
	})
}

// CreateWidget cross-checks that both the dashboard and the referenced
// workflow belong to the caller's tenant.
func (s *Store) CreateWidget(ctx context.Context, tenant string, w *Widget) error {
	if _, err := s.GetDashboard(ctx, tenant, w.DashboardID); err != nil {
		return err
	}
	if _, err := s.GetWorkflow(ctx, tenant, w.SourceWorkflowID); err != nil {
		return err
	}

	if w.ID == "" {
		w.ID = newID()
	}
	if len(w.Layout) == 0 {
		w.Layout = json.RawMessage("{}")
	}
	if len(w.ConfigOverrides) == 0 {
		w.ConfigOverrides = json.RawMessage("{}")
	}
	var now = time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO widgets (id, dashboard_id, source_workflow_id, source_node_id, layout,
			                      config_overrides, auto_refresh_interval, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			w.ID, w.DashboardID, w.SourceWorkflowID, w.SourceNodeID, string(w.Layout),
			string(w.ConfigOverrides), w.AutoRefreshInterval, w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "widget.create", "widget", w.ID, nil)
		return nil
	})
}

// GetWidget resolves a widget within the caller's tenant via its dashboard.
func (s *Store) GetWidget(ctx context.Context, tenant, id string) (*Widget, error) {
	var w Widget
	var err = s.db.GetContext(ctx, &w, s.db.Rebind(
		`SELECT w.* FROM widgets w
		 JOIN dashboards d ON d.id = w.dashboard_id
		 WHERE w.id = ? AND d.tenant_id = ?`), id, tenant)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *Store) ListWidgets(ctx context.Context, tenant, dashboardID string) ([]Widget, error) {
	if _, err := s.GetDashboard(ctx, tenant, dashboardID); err != nil {
		return nil, err
	}
	var out = []Widget{}
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM widgets WHERE dashboard_id = ? ORDER BY created_at`), dashboardID)
	return out, err
}

func (s *Store) UpdateWidget(ctx context.Context, tenant string, w *Widget) error {
	if _, err := s.GetWidget(ctx, tenant, w.ID); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE widgets SET source_node_id = ?, layout = ?, config_overrides = ?,
			        auto_refresh_interval = ?, updated_at = ? WHERE id = ?`),
			w.SourceNodeID, string(w.Layout), string(w.ConfigOverrides),
			w.AutoRefreshInterval, w.UpdatedAt, w.ID)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "widget.update", "widget", w.ID, nil)
		return nil
	})
}

// AutoRefreshWidget carries the owning tenant alongside the widget, for
// poll-worker scheduling across all tenants.
type AutoRefreshWidget struct {
	Widget
	TenantID string `db:"tenant_id" json:"tenant_id"`
}

// ListAutoRefreshWidgets returns every widget with a live refresh interval,
// across tenants.
func (s *Store) ListAutoRefreshWidgets(ctx context.Context) ([]AutoRefreshWidget, error) {
	var out = []AutoRefreshWidget{}
	var err = s.db.SelectContext(ctx, &out,
		`SELECT w.*, d.tenant_id FROM widgets w
		 JOIN dashboards d ON d.id = w.dashboard_id
		 WHERE w.auto_refresh_interval IS NOT NULL AND w.auto_refresh_interval > 0`)
	return out, err
}

func (s *Store) DeleteWidget(ctx context.Context, tenant, id string) error {
	if _, err := s.GetWidget(ctx, tenant, id); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM widgets WHERE id = ?`), id)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "widget.delete", "widget", id, nil)
		return nil
	})
}
