package service

import (
	"net/http"

	"github.com/gorilla/mux"
)

// getSchema serves the cached analytical catalog: every reachable table and
// its typed columns. The frontend palette is built from this.
func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	var catalog, err = s.catalog.Get(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, catalog)
}

// refreshSchema forces a re-probe of the analytical store, bypassing the
// catalog TTL.
func (s *Server) refreshSchema(w http.ResponseWriter, r *http.Request) {
	var catalog, err = s.catalog.Refresh(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, catalog)
}

type apiKeyRequest struct {
	Name            string   `json:"name" validate:"required,max=200"`
	ScopedWidgetIDs []string `json:"scoped_widget_ids"`
	RateLimit       *int64   `json:"rate_limit" validate:"omitempty,gt=0"`
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	var keys, err = s.store.ListAPIKeys(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, keys)
}

// createAPIKey mints an embed key. The raw secret appears only in this
// response; afterwards only its hash exists.
func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	key, raw, err := s.store.CreateAPIKey(r.Context(), tenantFrom(r.Context()), req.Name, req.ScopedWidgetIDs, req.RateLimit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"api_key": key, "key": raw})
}

func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokeAPIKey(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
