package compiler

import (
	"fmt"

	"github.com/tessera-analytics/tessera/go/schema"
)

// CompileError kinds.
const (
	KindCycle         = "cycle"
	KindUnknownType   = "unknown_type"
	KindUnknownColumn = "unknown_column"
	KindInvalidConfig = "invalid_config"
	KindInvalidFilter = "invalid_filter"
	KindFormulaParse  = "formula_parse"
	KindSchemaMismatch = "schema_mismatch"
	KindUnsupported   = "unsupported"
)

// CompileError reports why a workflow graph cannot be lowered to SQL.
// NodeID is empty for graph-wide failures such as cycles.
type CompileError struct {
	Kind   string
	NodeID string
	Detail string
}

func (e *CompileError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("compile: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("compile: %s at node %s: %s", e.Kind, e.NodeID, e.Detail)
}

func errCompile(kind, nodeID, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}

// fromValidation maps a schema validation failure onto the compiler's error
// space so callers see a single error type from Compile.
func fromValidation(err *schema.ValidationError) *CompileError {
	var kind string
	switch err.Kind {
	case schema.KindCycle:
		kind = KindCycle
	case schema.KindUnknownType:
		kind = KindUnknownType
	case schema.KindUnknownColumn:
		kind = KindUnknownColumn
	default:
		kind = KindInvalidConfig
	}
	return &CompileError{Kind: kind, NodeID: err.NodeID, Detail: err.Detail}
}
