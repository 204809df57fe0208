package graph

import (
	"encoding/json"
	"fmt"
)

// Typed views over node config bags. The frontend owns the wire shape, so
// configs arrive as loose JSON objects; DecodeConfig projects a node's bag
// onto the struct the node type expects. Unknown keys are ignored here and
// preserved by the node's raw form.

// DecodeConfig projects |n.Config| onto T.
func DecodeConfig[T any](n *Node) (T, error) {
	var out T
	b, err := json.Marshal(n.Config)
	if err != nil {
		return out, fmt.Errorf("node %q: encoding config: %w", n.ID, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("node %q: invalid %s config: %w", n.ID, n.Type, err)
	}
	return out, nil
}

// ColumnSpec declares one column of a data_source node.
type ColumnSpec struct {
	Name        string `json:"name"`
	Dtype       string `json:"dtype"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Freshness values a data_source may declare.
const (
	FreshnessAnalytical = "analytical"
	FreshnessRealtime   = "realtime"
	FreshnessPoint      = "point"
)

type DataSourceConfig struct {
	Table     string       `json:"table"`
	Columns   []ColumnSpec `json:"columns"`
	Freshness string       `json:"freshness,omitempty"`
	// Key selects the lookup key for point-freshness sources.
	Key string `json:"key,omitempty"`
}

type FilterCondition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type FilterConfig struct {
	Conditions []FilterCondition `json:"conditions"`
	// Combine is "and" (default) or "or".
	Combine string `json:"combine,omitempty"`
}

type SortKey struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"` // "asc" (default) or "desc"
}

type SortConfig struct {
	Keys []SortKey `json:"keys"`
}

type SampleConfig struct {
	Mode string `json:"mode,omitempty"` // "first" (default) or "random"
	Size int64  `json:"size"`
}

type LimitConfig struct {
	Limit  int64 `json:"limit"`
	Offset int64 `json:"offset,omitempty"`
}

type SelectConfig struct {
	Columns []string `json:"columns"`
}

type RenameConfig struct {
	Mapping map[string]string `json:"mapping"`
}

type JoinKey struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

type JoinConfig struct {
	JoinType string    `json:"join_type,omitempty"` // inner (default), left, right, full
	Keys     []JoinKey `json:"keys"`
}

type Aggregation struct {
	Column string `json:"column"`
	Func   string `json:"func"`
	Alias  string `json:"alias,omitempty"`
	Dtype  string `json:"dtype,omitempty"`
}

type GroupByConfig struct {
	Keys         []string      `json:"keys"`
	Aggregations []Aggregation `json:"aggregations"`
}

type PivotConfig struct {
	RowKeys     []string `json:"row_keys"`
	ValueColumn string   `json:"value_column"`
	Agg         string   `json:"agg"`
}

type FormulaConfig struct {
	Expression   string `json:"expression"`
	OutputColumn string `json:"output_column"`
	OutputDtype  string `json:"output_dtype,omitempty"`
}

type WindowConfig struct {
	Function     string    `json:"function"`
	SourceColumn string    `json:"source_column,omitempty"`
	PartitionBy  []string  `json:"partition_by,omitempty"`
	OrderBy      []SortKey `json:"order_by,omitempty"`
	OutputColumn string    `json:"output_column"`
	Offset       int64     `json:"offset,omitempty"` // LAG / LEAD distance
}

type OutputConfig struct {
	Title       string         `json:"title,omitempty"`
	MaxRows     int64          `json:"max_rows,omitempty"`
	ChartConfig map[string]any `json:"chart_config,omitempty"`
}
