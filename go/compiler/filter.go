package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/schema"
)

// filterExpr lowers a filter config into a boolean expression over the
// node's input schema. Column references resolve through |resolve| so that
// conditions written against renamed or computed columns reach the
// underlying expression. Every user-supplied value binds as a parameter.
func filterExpr(nodeID string, cfg graph.FilterConfig, input schema.Columns, resolve func(string) (Expr, bool)) (Expr, error) {
	var conds []Expr
	for i, c := range cfg.Conditions {
		e, err := conditionExpr(nodeID, c, input, resolve)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conds = append(conds, e)
	}
	if strings.EqualFold(cfg.Combine, "or") {
		return orAll(conds), nil
	}
	return andAll(conds), nil
}

func conditionExpr(nodeID string, c graph.FilterCondition, input schema.Columns, resolve func(string) (Expr, bool)) (Expr, error) {
	var col, ok = input.ByName(c.Column)
	if !ok {
		return nil, errCompile(KindUnknownColumn, nodeID, "filter column %q not in input", c.Column)
	}
	operand, ok := resolve(c.Column)
	if !ok {
		operand = ColumnRef{Name: c.Column}
	}

	var op = strings.ToLower(strings.TrimSpace(c.Operator))
	switch op {
	case "=", "!=":
		// The literal string "NULL" tests for SQL NULL rather than binding.
		if s, isStr := c.Value.(string); isStr && s == "NULL" {
			return IsNull{Operand: operand, Negate: op == "!="}, nil
		}
		v, err := coerceValue(nodeID, c.Column, col.Dtype, c.Value)
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: operand, Right: BindParam{Dtype: col.Dtype, Value: v}}, nil

	case "<", "<=", ">", ">=":
		v, err := coerceValue(nodeID, c.Column, col.Dtype, c.Value)
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: operand, Right: BindParam{Dtype: col.Dtype, Value: v}}, nil

	case "contains", "starts with", "ends with":
		s, err := stringValue(nodeID, c.Column, c.Value)
		if err != nil {
			return nil, err
		}
		var pattern string
		switch op {
		case "contains":
			pattern = "%" + s + "%"
		case "starts with":
			pattern = s + "%"
		case "ends with":
			pattern = "%" + s
		}
		return Like{Operand: operand, Pattern: BindParam{Dtype: schema.DtypeString, Value: pattern}}, nil

	case "between":
		s, err := stringValue(nodeID, c.Column, c.Value)
		if err != nil {
			return nil, err
		}
		var parts = strings.SplitN(s, ",", 2)
		if len(parts) != 2 {
			return nil, errCompile(KindInvalidFilter, nodeID,
				"between on %q requires a %q value", c.Column, "lo,hi")
		}
		lo, err := coerceValue(nodeID, c.Column, col.Dtype, strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, err
		}
		hi, err := coerceValue(nodeID, c.Column, col.Dtype, strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}
		return Between{
			Operand: operand,
			Lo:      BindParam{Dtype: col.Dtype, Value: lo},
			Hi:      BindParam{Dtype: col.Dtype, Value: hi},
		}, nil

	case "in":
		s, err := stringValue(nodeID, c.Column, c.Value)
		if err != nil {
			return nil, err
		}
		var values []Expr
		for _, part := range strings.Split(s, ",") {
			v, err := coerceValue(nodeID, c.Column, col.Dtype, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			values = append(values, BindParam{Dtype: col.Dtype, Value: v})
		}
		if len(values) == 0 {
			return nil, errCompile(KindInvalidFilter, nodeID, "in on %q lists no values", c.Column)
		}
		return InList{Operand: operand, Values: values}, nil
	}
	return nil, errCompile(KindInvalidFilter, nodeID, "unknown filter operator %q", c.Operator)
}

// coerceValue normalizes a filter literal onto the column's dtype. The
// frontend serializes every input as a string, so numeric and boolean
// columns parse their values here; a bad parse is a compile error rather
// than a store error.
func coerceValue(nodeID, column string, dtype schema.Dtype, value any) (any, error) {
	switch dtype {
	case schema.DtypeInt64:
		switch v := value.(type) {
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, errCompile(KindInvalidFilter, nodeID,
					"value %q does not parse as an integer for column %q", v, column)
			}
			return n, nil
		}
	case schema.DtypeFloat64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errCompile(KindInvalidFilter, nodeID,
					"value %q does not parse as a number for column %q", v, column)
			}
			return f, nil
		}
	case schema.DtypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, errCompile(KindInvalidFilter, nodeID,
					"value %q does not parse as a boolean for column %q", v, column)
			}
			return b, nil
		}
	default:
		// Strings and datetimes pass through as text; the store parses
		// datetime literals in its native form.
		if s, ok := value.(string); ok {
			return s, nil
		}
	}
	return nil, errCompile(KindInvalidFilter, nodeID,
		"value %v is not usable for column %q", value, column)
}

func stringValue(nodeID, column string, value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", errCompile(KindInvalidFilter, nodeID,
		"operator on column %q requires a string value", column)
}
