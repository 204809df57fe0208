package service

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tessera-analytics/tessera/go/cache"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/store"
)

type dashboardRequest struct {
	Name   string          `json:"name" validate:"required,max=200"`
	Layout json.RawMessage `json:"layout"`
}

func (s *Server) listDashboards(w http.ResponseWriter, r *http.Request) {
	var list, err = s.store.ListDashboards(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) createDashboard(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	var d = &store.Dashboard{TenantID: tenantFrom(r.Context()), Name: req.Name, Layout: req.Layout}
	if err := s.store.CreateDashboard(r.Context(), d); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, d)
}

func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	var d, err = s.store.GetDashboard(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) updateDashboard(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	d, err := s.store.UpdateDashboard(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], req.Name, req.Layout)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) deleteDashboard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDashboard(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWidgets(w http.ResponseWriter, r *http.Request) {
	var list, err = s.store.ListWidgets(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

type widgetRequest struct {
	DashboardID         string          `json:"dashboard_id" validate:"required"`
	SourceWorkflowID    string          `json:"source_workflow_id" validate:"required"`
	SourceNodeID        string          `json:"source_node_id" validate:"required"`
	Layout              json.RawMessage `json:"layout"`
	ConfigOverrides     json.RawMessage `json:"config_overrides"`
	AutoRefreshInterval *int64          `json:"auto_refresh_interval"`
}

func (s *Server) createWidget(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	var widget = &store.Widget{
		DashboardID:         req.DashboardID,
		SourceWorkflowID:    req.SourceWorkflowID,
		SourceNodeID:        req.SourceNodeID,
		Layout:              req.Layout,
		ConfigOverrides:     req.ConfigOverrides,
		AutoRefreshInterval: req.AutoRefreshInterval,
	}
	if err := s.store.CreateWidget(r.Context(), tenantFrom(r.Context()), widget); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, widget)
}

func (s *Server) getWidget(w http.ResponseWriter, r *http.Request) {
	var widget, err = s.store.GetWidget(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, widget)
}

func (s *Server) updateWidget(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	var widget = &store.Widget{
		ID:                  mux.Vars(r)["id"],
		SourceNodeID:        req.SourceNodeID,
		Layout:              req.Layout,
		ConfigOverrides:     req.ConfigOverrides,
		AutoRefreshInterval: req.AutoRefreshInterval,
	}
	if err := s.store.UpdateWidget(r.Context(), tenantFrom(r.Context()), widget); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, widget)
}

func (s *Server) deleteWidget(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWidget(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// widgetData serves the widget's slice of its source workflow, with the
// widget's config overrides merged onto the target node.
func (s *Server) widgetData(w http.ResponseWriter, r *http.Request) {
	s.serveWidgetData(w, r, tenantFrom(r.Context()), mux.Vars(r)["id"])
}

// embedWidget is the only unauthenticated data route: an API key in the
// query string stands in for a session, scoped and rate limited per key.
func (s *Server) embedWidget(w http.ResponseWriter, r *http.Request) {
	var raw = r.URL.Query().Get("api_key")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing api_key", nil)
		return
	}
	key, err := s.store.GetAPIKeyByRaw(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "auth_error", "invalid api_key", nil)
		return
	}
	if key.Revoked() {
		writeError(w, http.StatusUnauthorized, "auth_error", "api_key revoked", nil)
		return
	}

	var widgetID = mux.Vars(r)["widget_id"]
	if !key.ScopedTo(widgetID) {
		writeError(w, http.StatusForbidden, "auth_error", "api_key not scoped to widget", nil)
		return
	}
	if ok, retryAfter := s.limiter.Allow(r.Context(), key.KeyHash, key.RateLimit); !ok {
		writeRateLimited(w, retryAfter)
		return
	}
	s.serveWidgetData(w, r, key.TenantID, widgetID)
}

func (s *Server) serveWidgetData(w http.ResponseWriter, r *http.Request, tenant, widgetID string) {
	widget, err := s.store.GetWidget(r.Context(), tenant, widgetID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	workflow, err := s.store.GetWorkflow(r.Context(), tenant, widget.SourceWorkflowID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	g, err := graph.Parse(workflow.Graph)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	var overrides map[string]any
	if len(widget.ConfigOverrides) > 0 {
		if err := json.Unmarshal(widget.ConfigOverrides, &overrides); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "malformed config_overrides", nil)
			return
		}
	}

	offset, limit, filters, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	resp, err := s.executor.Query(r.Context(), cache.Request{
		TenantID:     tenant,
		TargetNodeID: widget.SourceNodeID,
		Graph:        g,
		Overrides:    overrides,
		Filters:      filters,
		Offset:       offset,
		Limit:        limit,
		Path:         cache.PathWidget,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

// queryWindow parses offset, limit, and the JSON-encoded filters query
// parameter.
func queryWindow(r *http.Request) (offset, limit int64, filters []graph.FilterCondition, err error) {
	var q = r.URL.Query()
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.ParseInt(raw, 10, 64); err != nil || offset < 0 {
			return 0, 0, nil, &graph.ParseError{Path: "offset", Detail: "must be a non-negative integer"}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.ParseInt(raw, 10, 64); err != nil || limit < 0 {
			return 0, 0, nil, &graph.ParseError{Path: "limit", Detail: "must be a non-negative integer"}
		}
	}
	if raw := q.Get("filters"); raw != "" {
		if err = json.Unmarshal([]byte(raw), &filters); err != nil {
			return 0, 0, nil, &graph.ParseError{Path: "filters", Detail: "must be a JSON array of conditions"}
		}
	}
	return offset, limit, filters, nil
}

// decodeValid decodes a JSON body and runs struct validation.
func decodeValid(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}
