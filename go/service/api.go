package service

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-analytics/tessera/go/cache"
	"github.com/tessera-analytics/tessera/go/runtime"
	"github.com/tessera-analytics/tessera/go/store"
)

var validate = validator.New()

// Config tunes the request layer.
type Config struct {
	Namespace    string
	DefaultLimit int64
	HardCapRows  int64
	CORSOrigins  []string
}

// Server owns the HTTP surface. Every dependency is threaded in explicitly;
// there are no package-level singletons.
type Server struct {
	cfg      Config
	auth     *Authorizer
	store    *store.Store
	executor *cache.Executor
	catalog  *cache.CatalogCache
	pipeline *runtime.Pipeline
	records  *runtime.RecordStore
	limiter  *RateLimiter
	ws       http.Handler
	fast     *redis.Client
}

func NewServer(
	cfg Config,
	auth *Authorizer,
	st *store.Store,
	executor *cache.Executor,
	catalog *cache.CatalogCache,
	pipeline *runtime.Pipeline,
	records *runtime.RecordStore,
	limiter *RateLimiter,
	ws http.Handler,
	fast *redis.Client,
) *Server {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.HardCapRows <= 0 {
		cfg.HardCapRows = 10_000
	}
	return &Server{
		cfg:      cfg,
		auth:     auth,
		store:    st,
		executor: executor,
		catalog:  catalog,
		pipeline: pipeline,
		records:  records,
		limiter:  limiter,
		ws:       ws,
		fast:     fast,
	}
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	var root = mux.NewRouter()
	root.Path("/metrics").Handler(promhttp.Handler())

	var api = root.PathPrefix("/api/v1").Subrouter()

	var route = func(path, method string, handler http.HandlerFunc) {
		api.Path(path).Methods(method).Handler(withObservability(path, handler))
	}
	var authed = func(path, method string, handler http.HandlerFunc) {
		route(path, method, s.auth.requireAuth(handler))
	}

	authed("/workflows", "GET", s.listWorkflows)
	authed("/workflows", "POST", s.createWorkflow)
	authed("/workflows/import", "POST", s.importWorkflow)
	authed("/workflows/{id}", "GET", s.getWorkflow)
	authed("/workflows/{id}", "PUT", s.updateWorkflow)
	authed("/workflows/{id}", "DELETE", s.deleteWorkflow)
	authed("/workflows/{id}/export", "GET", s.exportWorkflow)
	authed("/workflows/{id}/versions", "GET", s.listWorkflowVersions)
	authed("/workflows/{id}/versions/{vid}/rollback", "POST", s.rollbackWorkflow)

	authed("/executions/preview", "POST", s.preview)
	authed("/executions", "POST", s.startExecution)
	authed("/executions/{id}", "GET", s.executionStatus)
	authed("/executions/{id}/cancel", "POST", s.cancelExecution)

	authed("/dashboards", "GET", s.listDashboards)
	authed("/dashboards", "POST", s.createDashboard)
	authed("/dashboards/{id}", "GET", s.getDashboard)
	authed("/dashboards/{id}", "PUT", s.updateDashboard)
	authed("/dashboards/{id}", "DELETE", s.deleteDashboard)
	authed("/dashboards/{id}/widgets", "GET", s.listWidgets)

	authed("/widgets", "POST", s.createWidget)
	authed("/widgets/{id}", "GET", s.getWidget)
	authed("/widgets/{id}", "PUT", s.updateWidget)
	authed("/widgets/{id}", "DELETE", s.deleteWidget)
	authed("/widgets/{id}/data", "GET", s.widgetData)

	route("/embed/{widget_id}", "GET", s.embedWidget)

	authed("/schema", "GET", s.getSchema)
	authed("/schema/refresh", "POST", s.refreshSchema)

	authed("/api-keys", "GET", s.listAPIKeys)
	authed("/api-keys", "POST", s.createAPIKey)
	authed("/api-keys/{id}", "DELETE", s.revokeAPIKey)

	route("/health", "GET", s.health)
	route("/health/live", "GET", s.healthLive)
	route("/health/ready", "GET", s.healthReady)

	api.Path("/ws").Handler(s.ws)

	return root
}

// Handler wraps the router with CORS.
func (s *Server) Handler() http.Handler {
	return withCORS(s.cfg.CORSOrigins, s.Router())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) healthLive(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "live"})
}

// healthReady probes the relational store, the fast store, and the
// analytical store via the schema catalog.
func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()
	var checks = map[string]string{"relational": "ok", "fast": "ok", "analytical": "ok"}
	var healthy = true

	if err := s.store.Ping(ctx); err != nil {
		checks["relational"], healthy = err.Error(), false
	}
	if err := s.pingFast(ctx); err != nil {
		checks["fast"], healthy = err.Error(), false
	}
	if _, err := s.catalog.Get(ctx); err != nil {
		checks["analytical"], healthy = err.Error(), false
	}

	if !healthy {
		writeError(w, http.StatusServiceUnavailable, "store_error", "dependency probe failed", checks)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (s *Server) pingFast(ctx context.Context) error {
	if s.fast == nil {
		return nil
	}
	return s.fast.Ping(ctx).Err()
}
