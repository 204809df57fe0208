package service

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/schema"
	"github.com/tessera-analytics/tessera/go/store"
)

type workflowRequest struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description"`
	Graph       json.RawMessage `json:"graph" validate:"required"`
}

// decodeWorkflow validates the payload and the graph itself: parseable,
// acyclic, and schema-consistent.
func decodeWorkflow(r *http.Request) (*workflowRequest, *graph.Graph, error) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, &graph.ParseError{Path: "", Detail: err.Error()}
	}
	if err := validate.Struct(&req); err != nil {
		return nil, nil, &graph.ParseError{Path: "", Detail: err.Error()}
	}
	g, err := graph.Parse(req.Graph)
	if err != nil {
		return nil, nil, err
	}
	if _, err := schema.Propagate(g); err != nil {
		return nil, nil, err
	}
	return &req, g, nil
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	var list, err = s.store.ListWorkflows(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req, _, err = decodeWorkflow(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	var workflow = &store.Workflow{
		TenantID:    tenantFrom(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Graph:       req.Graph,
	}
	if err := s.store.CreateWorkflow(r.Context(), workflow); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, workflow)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	var workflow, err = s.store.GetWorkflow(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, workflow)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req, _, err = decodeWorkflow(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	workflow, err := s.store.UpdateWorkflow(r.Context(), tenantFrom(r.Context()),
		mux.Vars(r)["id"], req.Name, req.Description, req.Graph)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, workflow)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkflow(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// exportWorkflow emits a portable document: name, description, and the full
// canvas graph.
func (s *Server) exportWorkflow(w http.ResponseWriter, r *http.Request) {
	var workflow, err = s.store.GetWorkflow(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"name":        workflow.Name,
		"description": workflow.Description,
		"graph":       workflow.Graph,
	})
}

// importWorkflow accepts an exported document and stores it as a new
// workflow with freshly assigned node ids; edges are remapped to match.
func (s *Server) importWorkflow(w http.ResponseWriter, r *http.Request) {
	var req, g, err = decodeWorkflow(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	fresh, err := g.Reassign(uuid.NewString)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	encoded, err := json.Marshal(fresh)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	var workflow = &store.Workflow{
		TenantID:    tenantFrom(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Graph:       encoded,
	}
	if err := s.store.CreateWorkflow(r.Context(), workflow); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, workflow)
}

func (s *Server) listWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	var versions, err = s.store.ListWorkflowVersions(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, versions)
}

func (s *Server) rollbackWorkflow(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var workflow, err = s.store.RollbackWorkflow(r.Context(), tenantFrom(r.Context()), vars["id"], vars["vid"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, workflow)
}
