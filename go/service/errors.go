package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/runtime"
	"github.com/tessera-analytics/tessera/go/schema"
	"github.com/tessera-analytics/tessera/go/store"
)

// Responses use {"data": ...} on success and
// {"error": {code, message, detail?}} on failure.

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, status int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": errorBody{Code: code, Message: message, Detail: detail}})
}

func writeRateLimited(w http.ResponseWriter, retryAfterSeconds int64) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded", nil)
}

// writeMappedError folds the engine's error taxonomy onto HTTP codes.
// Cross-tenant reads arrive here as store.ErrNotFound and leave as 404.
func writeMappedError(w http.ResponseWriter, err error) {
	var vErr *schema.ValidationError
	var cErr *compiler.CompileError
	var pErr *graph.ParseError
	var cyErr *graph.CycleError
	var rErr *router.RouterError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runtime.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, runtime.ErrNotRunning):
		writeError(w, http.StatusConflict, "conflict", "execution is not running", nil)
	case errors.As(err, &pErr):
		writeError(w, http.StatusBadRequest, "validation_error", pErr.Error(), nil)
	case errors.As(err, &cyErr):
		writeError(w, http.StatusBadRequest, "validation_error", cyErr.Error(), nil)
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "validation_error", vErr.Error(),
			map[string]any{"kind": vErr.Kind, "node_id": vErr.NodeID})
	case errors.As(err, &cErr):
		writeError(w, http.StatusBadRequest, "compile_error", cErr.Error(),
			map[string]any{"kind": cErr.Kind, "node_id": cErr.NodeID})
	case errors.As(err, &rErr):
		var status = http.StatusBadGateway
		if rErr.Kind == router.KindQueryFailed {
			status = http.StatusInternalServerError
		}
		writeError(w, status, "store_error", rErr.Error(), map[string]any{"kind": rErr.Kind})
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}
