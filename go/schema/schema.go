// Package schema propagates column schemas through a workflow graph. Each
// node type declares a pure transform from its input schemas to its output
// schema; propagation walks the graph in topological order and either
// produces a schema for every node or rejects the graph.
package schema

import (
	"fmt"
)

// Dtype is the engine-internal normalized column type. Store-native type
// names are mapped onto these on catalog ingress.
type Dtype string

const (
	DtypeString   Dtype = "string"
	DtypeInt64    Dtype = "int64"
	DtypeFloat64  Dtype = "float64"
	DtypeBool     Dtype = "bool"
	DtypeDatetime Dtype = "datetime"
)

// ParseDtype validates a declared dtype name.
func ParseDtype(s string) (Dtype, error) {
	switch Dtype(s) {
	case DtypeString, DtypeInt64, DtypeFloat64, DtypeBool, DtypeDatetime:
		return Dtype(s), nil
	}
	return "", fmt.Errorf("unknown dtype %q", s)
}

// Numeric is true for dtypes that participate in arithmetic.
func (d Dtype) Numeric() bool {
	return d == DtypeInt64 || d == DtypeFloat64
}

// Column is one column of a node's output schema.
type Column struct {
	Name        string `json:"name"`
	Dtype       Dtype  `json:"dtype"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Columns is an ordered schema with name lookup helpers.
type Columns []Column

// ByName returns the named column.
func (cs Columns) ByName(name string) (Column, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns column names in order.
func (cs Columns) Names() []string {
	var out = make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// ValidationError kinds.
const (
	KindCycle         = "cycle"
	KindUnknownType   = "unknown_type"
	KindUnknownColumn = "unknown_column"
	KindInvalidConfig = "invalid_config"
	KindInputArity    = "input_arity"
)

// ValidationError rejects a graph before compilation.
type ValidationError struct {
	Kind   string
	NodeID string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("node %q: %s: %s", e.NodeID, e.Kind, e.Detail)
}
