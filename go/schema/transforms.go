package schema

import (
	"fmt"
	"strings"

	"github.com/tessera-analytics/tessera/go/graph"
)

// TransformFunc computes a node's output schema from its config and the
// schemas of its inputs, in inbound-edge order. Transforms are pure: for a
// fixed config and inputs the output is always identical.
type TransformFunc func(node *graph.Node, inputs []Columns) (Columns, error)

// transforms is the closed registry of node-type transforms.
var transforms = make(map[graph.NodeType]TransformFunc)

func init() {
	transforms[graph.TypeDataSource] = transformDataSource
	transforms[graph.TypeFilter] = transformPassthrough
	transforms[graph.TypeSort] = transformPassthrough
	transforms[graph.TypeSample] = transformPassthrough
	transforms[graph.TypeLimit] = transformPassthrough
	transforms[graph.TypeUnique] = transformPassthrough
	transforms[graph.TypeSelect] = transformSelect
	transforms[graph.TypeRename] = transformRename
	transforms[graph.TypeJoin] = transformJoin
	transforms[graph.TypeGroupBy] = transformGroupBy
	transforms[graph.TypePivot] = transformPivot
	transforms[graph.TypeFormula] = transformFormula
	transforms[graph.TypeWindow] = transformWindow
	transforms[graph.TypeUnion] = transformUnion
	transforms[graph.TypeChartOutput] = transformTerminal
	transforms[graph.TypeTableOutput] = transformTerminal
	transforms[graph.TypeKPIOutput] = transformTerminal
}

// AggregateFuncs enumerates allowed group_by and pivot aggregations and the
// default output dtype of each.
var AggregateFuncs = map[string]Dtype{
	"sum":            DtypeFloat64,
	"avg":            DtypeFloat64,
	"min":            DtypeFloat64,
	"max":            DtypeFloat64,
	"count":          DtypeInt64,
	"count_distinct": DtypeInt64,
}

// WindowFuncs enumerates allowed window functions. Value dtype rules: the
// numeric aggregates yield float64, offset functions carry the source
// column's dtype, ranking functions yield int64.
var WindowFuncs = map[string]struct{}{
	"sum": {}, "avg": {}, "min": {}, "max": {},
	"lag": {}, "lead": {}, "first_value": {}, "last_value": {},
	"rank": {}, "row_number": {},
}

func errInvalid(node *graph.Node, kind, format string, args ...any) error {
	return &ValidationError{Kind: kind, NodeID: node.ID, Detail: fmt.Sprintf(format, args...)}
}

func requireInputs(node *graph.Node, inputs []Columns, n int) error {
	if len(inputs) != n {
		return errInvalid(node, KindInputArity,
			"%s expects %d input(s), has %d", node.Type, n, len(inputs))
	}
	return nil
}

func transformDataSource(node *graph.Node, _ []Columns) (Columns, error) {
	var cfg, err = graph.DecodeConfig[graph.DataSourceConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if cfg.Table == "" {
		return nil, errInvalid(node, KindInvalidConfig, "data_source requires a table")
	}
	if len(cfg.Columns) == 0 {
		return nil, errInvalid(node, KindInvalidConfig, "data_source declares no columns")
	}
	var out = make(Columns, 0, len(cfg.Columns))
	for _, c := range cfg.Columns {
		dtype, err := ParseDtype(c.Dtype)
		if err != nil {
			return nil, errInvalid(node, KindInvalidConfig, "column %q: %s", c.Name, err)
		}
		out = append(out, Column{
			Name:        c.Name,
			Dtype:       dtype,
			Nullable:    c.Nullable,
			Description: c.Description,
		})
	}
	return out, nil
}

func transformPassthrough(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	return append(Columns(nil), inputs[0]...), nil
}

func transformSelect(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.SelectConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	// Unknown names are silently dropped: the frontend may hold a stale
	// column list while the upstream source evolves.
	var out Columns
	for _, name := range cfg.Columns {
		if c, ok := inputs[0].ByName(name); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func transformRename(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.RenameConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	var out = append(Columns(nil), inputs[0]...)
	for i, c := range out {
		if to, ok := cfg.Mapping[c.Name]; ok && to != "" {
			out[i].Name = to
		}
	}
	return out, nil
}

func transformJoin(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.JoinConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if len(cfg.Keys) == 0 {
		return nil, errInvalid(node, KindInvalidConfig, "join declares no keys")
	}
	for _, k := range cfg.Keys {
		if _, ok := inputs[0].ByName(k.Left); !ok {
			return nil, errInvalid(node, KindUnknownColumn, "left key %q not in left input", k.Left)
		}
		if _, ok := inputs[1].ByName(k.Right); !ok {
			return nil, errInvalid(node, KindUnknownColumn, "right key %q not in right input", k.Right)
		}
	}

	var out = append(Columns(nil), inputs[0]...)
	for _, c := range inputs[1] {
		if _, collides := inputs[0].ByName(c.Name); !collides {
			out = append(out, c)
		}
	}
	return out, nil
}

func transformGroupBy(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.GroupByConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if len(cfg.Aggregations) == 0 {
		return nil, errInvalid(node, KindInvalidConfig, "group_by declares no aggregations")
	}

	var out Columns
	for _, key := range cfg.Keys {
		c, ok := inputs[0].ByName(key)
		if !ok {
			return nil, errInvalid(node, KindUnknownColumn, "group key %q not in input", key)
		}
		out = append(out, c)
	}
	for _, agg := range cfg.Aggregations {
		dtype, err := aggregationDtype(node, inputs[0], agg)
		if err != nil {
			return nil, err
		}
		out = append(out, Column{Name: AggregationAlias(agg), Dtype: dtype, Nullable: true})
	}
	return out, nil
}

// AggregationAlias is the output column name of an aggregation, defaulting
// to <column>_<func> when no alias is declared, or the bare function name
// for COUNT(*).
func AggregationAlias(agg graph.Aggregation) string {
	if agg.Alias != "" {
		return agg.Alias
	}
	if agg.Column == "*" {
		return strings.ToLower(agg.Func)
	}
	return fmt.Sprintf("%s_%s", agg.Column, strings.ToLower(agg.Func))
}

func aggregationDtype(node *graph.Node, input Columns, agg graph.Aggregation) (Dtype, error) {
	var fn = strings.ToLower(agg.Func)
	var def, ok = AggregateFuncs[fn]
	if !ok {
		return "", errInvalid(node, KindInvalidConfig, "unknown aggregation %q", agg.Func)
	}
	if agg.Column != "*" {
		if _, ok := input.ByName(agg.Column); !ok {
			return "", errInvalid(node, KindUnknownColumn, "aggregation column %q not in input", agg.Column)
		}
	} else if fn != "count" {
		return "", errInvalid(node, KindInvalidConfig, "aggregation %q requires a column", agg.Func)
	}
	if agg.Dtype != "" {
		return ParseDtype(agg.Dtype)
	}
	return def, nil
}

func transformPivot(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.PivotConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if _, ok := AggregateFuncs[strings.ToLower(cfg.Agg)]; !ok {
		return nil, errInvalid(node, KindInvalidConfig, "unknown aggregation %q", cfg.Agg)
	}
	if _, ok := inputs[0].ByName(cfg.ValueColumn); !ok {
		return nil, errInvalid(node, KindUnknownColumn, "value column %q not in input", cfg.ValueColumn)
	}

	var out Columns
	for _, key := range cfg.RowKeys {
		c, ok := inputs[0].ByName(key)
		if !ok {
			return nil, errInvalid(node, KindUnknownColumn, "row key %q not in input", key)
		}
		out = append(out, c)
	}
	out = append(out, Column{
		Name:     fmt.Sprintf("%s_%s", cfg.ValueColumn, strings.ToLower(cfg.Agg)),
		Dtype:    DtypeFloat64,
		Nullable: true,
	})
	return out, nil
}

func transformFormula(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.FormulaConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if cfg.OutputColumn == "" {
		return nil, errInvalid(node, KindInvalidConfig, "formula requires an output_column")
	}
	if cfg.Expression == "" {
		return nil, errInvalid(node, KindInvalidConfig, "formula requires an expression")
	}
	if _, exists := inputs[0].ByName(cfg.OutputColumn); exists {
		return nil, errInvalid(node, KindInvalidConfig,
			"output column %q collides with an input column", cfg.OutputColumn)
	}

	var dtype = DtypeFloat64
	if cfg.OutputDtype != "" {
		if dtype, err = ParseDtype(cfg.OutputDtype); err != nil {
			return nil, errInvalid(node, KindInvalidConfig, "%s", err)
		}
	}
	var out = append(Columns(nil), inputs[0]...)
	return append(out, Column{Name: cfg.OutputColumn, Dtype: dtype, Nullable: true}), nil
}

func transformWindow(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	var cfg, err = graph.DecodeConfig[graph.WindowConfig](node)
	if err != nil {
		return nil, errInvalid(node, KindInvalidConfig, "%s", err)
	}
	if cfg.OutputColumn == "" {
		return nil, errInvalid(node, KindInvalidConfig, "window requires an output_column")
	}
	var fn = strings.ToLower(cfg.Function)
	if _, ok := WindowFuncs[fn]; !ok {
		return nil, errInvalid(node, KindInvalidConfig, "unknown window function %q", cfg.Function)
	}

	var dtype Dtype
	switch fn {
	case "sum", "avg", "min", "max":
		dtype = DtypeFloat64
	case "rank", "row_number":
		dtype = DtypeInt64
	default: // lag, lead, first_value, last_value carry the source dtype.
		src, ok := inputs[0].ByName(cfg.SourceColumn)
		if !ok {
			return nil, errInvalid(node, KindUnknownColumn,
				"window source column %q not in input", cfg.SourceColumn)
		}
		dtype = src.Dtype
	}
	if fn == "sum" || fn == "avg" || fn == "min" || fn == "max" {
		if _, ok := inputs[0].ByName(cfg.SourceColumn); !ok {
			return nil, errInvalid(node, KindUnknownColumn,
				"window source column %q not in input", cfg.SourceColumn)
		}
	}

	var out = append(Columns(nil), inputs[0]...)
	return append(out, Column{Name: cfg.OutputColumn, Dtype: dtype, Nullable: true}), nil
}

func transformUnion(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	// Compatibility of the second input is enforced at compile time, where
	// the mismatch can name both offending segments.
	return append(Columns(nil), inputs[0]...), nil
}

func transformTerminal(node *graph.Node, inputs []Columns) (Columns, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	return Columns{}, nil
}
