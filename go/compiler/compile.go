package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/schema"
)

// TargetStore names the store class a segment dispatches against.
type TargetStore string

const (
	StoreAnalytical TargetStore = "analytical"
	StoreLive       TargetStore = "live"
	StorePoint      TargetStore = "point"
)

// DefaultMaxRows caps terminal outputs that declare no max_rows.
const DefaultMaxRows int64 = 10000

// Options parameterize a compilation. Zero value compiles for the
// production dialects.
type Options struct {
	// AnalyticalDialect renders analytical-store segments. Defaults to
	// ClickHouse. Scenario tests substitute SQLite and execute the result.
	AnalyticalDialect *Dialect
	// LiveDialect renders live-store segments. Defaults to QuestDB.
	LiveDialect *Dialect
	// MaxRows overrides DefaultMaxRows when positive.
	MaxRows int64
}

func (o Options) withDefaults() Options {
	if o.AnalyticalDialect == nil {
		o.AnalyticalDialect = ClickHouse
	}
	if o.LiveDialect == nil {
		o.LiveDialect = QuestDB
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	return o
}

// Segment is one statement dispatchable against a single store, with its
// dialect, bound parameters, and source-node provenance.
type Segment struct {
	SQL             string         `json:"sql"`
	Dialect         string         `json:"dialect"`
	TargetStore     TargetStore    `json:"target_store"`
	SourceNodeIDs   []string       `json:"source_node_ids"`
	TerminalNodeIDs []string       `json:"terminal_node_ids,omitempty"`
	Params          []Param        `json:"params,omitempty"`
	Limit           *int64         `json:"limit,omitempty"`
	Offset          *int64         `json:"offset,omitempty"`
	ChartConfig     map[string]any `json:"chart_config,omitempty"`

	// Point lookups carry no SQL; the router resolves Table and Key
	// against the key-value store.
	Table string `json:"table,omitempty"`
	Key   string `json:"key,omitempty"`

	// Output is the column schema the segment produces.
	Output schema.Columns `json:"output"`

	stmt    Stmt
	dialect *Dialect
}

// Plan is an ordered list of segments which together produce the terminal
// outputs of a workflow graph.
type Plan struct {
	Segments []*Segment
	Schemas  map[string]schema.Columns
}

// Compile lowers a validated graph into its execution plan: one segment per
// distinct node feeding terminal outputs, in topological order. For a fixed
// graph the plan is deterministic.
func Compile(g *graph.Graph, opts Options) (*Plan, error) {
	opts = opts.withDefaults()

	var schemas, err = schema.Propagate(g)
	if err != nil {
		var vErr *schema.ValidationError
		if errors.As(err, &vErr) {
			return nil, fromValidation(vErr)
		}
		return nil, err
	}
	order, err := g.TopoOrder()
	if err != nil {
		return nil, errCompile(KindCycle, "", "%s", err)
	}

	var b = builder{g: g, opts: opts, schemas: schemas, frags: make(map[string]*fragment)}

	// feeds[nodeID] collects terminal output nodes hanging off nodeID.
	var feeds = make(map[string][]*graph.Node)
	for _, id := range order {
		node, _ := g.NodeByID(id)
		if node.Type.Terminal() {
			var in = g.Inbound(id)
			if len(in) != 1 {
				return nil, errCompile(KindInvalidConfig, id,
					"%s expects exactly one input, has %d", node.Type, len(in))
			}
			feeds[in[0].Source] = append(feeds[in[0].Source], node)
			continue
		}
		if err := b.build(node); err != nil {
			return nil, err
		}
	}

	var plan = &Plan{Schemas: schemas}
	for _, id := range order {
		terminals, ok := feeds[id]
		if !ok {
			continue
		}
		seg, err := b.segment(id, terminals)
		if err != nil {
			return nil, err
		}
		plan.Segments = append(plan.Segments, seg)
	}
	if len(plan.Segments) == 0 {
		return nil, errCompile(KindInvalidConfig, "", "graph has no output nodes")
	}
	return plan, nil
}

// CompileTarget restricts the graph to ancestors(target) ∪ {target} and
// compiles a single segment producing the target's output. The preview and
// widget-data paths compile through here.
func CompileTarget(g *graph.Graph, target string, opts Options) (*Plan, error) {
	opts = opts.withDefaults()

	var sub, err = g.Restrict(target)
	if err != nil {
		return nil, errCompile(KindInvalidConfig, target, "%s", err)
	}
	schemas, err := schema.Propagate(sub)
	if err != nil {
		var vErr *schema.ValidationError
		if errors.As(err, &vErr) {
			return nil, fromValidation(vErr)
		}
		return nil, err
	}
	order, err := sub.TopoOrder()
	if err != nil {
		return nil, errCompile(KindCycle, "", "%s", err)
	}

	var b = builder{g: sub, opts: opts, schemas: schemas, frags: make(map[string]*fragment)}
	var tNode, _ = sub.NodeByID(target)

	var feed = target
	var terminals []*graph.Node
	if tNode.Type.Terminal() {
		var in = sub.Inbound(target)
		if len(in) != 1 {
			return nil, errCompile(KindInvalidConfig, target,
				"%s expects exactly one input, has %d", tNode.Type, len(in))
		}
		feed = in[0].Source
		terminals = []*graph.Node{tNode}
	}

	for _, id := range order {
		node, _ := sub.NodeByID(id)
		if node.Type.Terminal() {
			continue
		}
		if err := b.build(node); err != nil {
			return nil, err
		}
	}

	seg, err := b.segment(feed, terminals)
	if err != nil {
		return nil, err
	}
	return &Plan{Segments: []*Segment{seg}, Schemas: schemas}, nil
}

// fragment is the in-progress statement for one node's lineage.
type fragment struct {
	// sel is the SELECT currently open for merging; nil when the lineage
	// head is an opaque statement (a union).
	sel    *SelectStmt
	opaque Stmt
	// proj maps output column names onto their expressions within sel.
	proj    map[string]Expr
	output  schema.Columns
	store   TargetStore
	sources []string

	// point is set for point-freshness lineages, which never lower to SQL.
	point *pointSpec

	grouped  bool
	windowed bool
	limited  bool
	distinct bool
}

type pointSpec struct {
	table string
	key   string
}

func (f *fragment) stmt() Stmt {
	if f.sel != nil {
		return f.sel
	}
	return f.opaque
}

type builder struct {
	g       *graph.Graph
	opts    Options
	schemas map[string]schema.Columns
	frags   map[string]*fragment
}

func (b *builder) input(node *graph.Node, n int) ([]*fragment, error) {
	var in = b.g.Inbound(node.ID)
	if len(in) != n {
		return nil, errCompile(KindInvalidConfig, node.ID,
			"%s expects %d input(s), has %d", node.Type, n, len(in))
	}
	var out []*fragment
	for _, e := range in {
		var f, ok = b.frags[e.Source]
		if !ok {
			return nil, errCompile(KindInvalidConfig, node.ID,
				"input %q is not a compilable lineage", e.Source)
		}
		if f.point != nil && node.Type != graph.TypeLimit {
			return nil, errCompile(KindUnsupported, node.ID,
				"point-freshness sources support only direct output, not %s", node.Type)
		}
		out = append(out, f)
	}
	return out, nil
}

// resolve returns a lookup from output column name to its expression within
// the fragment's open SELECT.
func (f *fragment) resolve() func(string) (Expr, bool) {
	return func(name string) (Expr, bool) {
		if f.proj == nil {
			return nil, false
		}
		var e, ok = f.proj[name]
		return e, ok
	}
}

// reopen wraps the fragment's statement as an aliased subquery under a
// fresh SELECT, so that a following operator merges cleanly. The new
// projection is the fragment's output schema by name.
func (f *fragment) reopen() {
	var inner = f.stmt()
	var items = make([]SelectItem, 0, len(f.output))
	var proj = make(map[string]Expr, len(f.output))
	for _, c := range f.output {
		items = append(items, SelectItem{Expr: ColumnRef{Name: c.Name}})
		proj[c.Name] = ColumnRef{Name: c.Name}
	}
	f.sel = &SelectStmt{Items: items, From: SubqueryRef{Stmt: inner, Alias: "_t"}}
	f.opaque = nil
	f.proj = proj
	f.grouped, f.windowed, f.limited, f.distinct = false, false, false, false
}

// derive clones the fragment for the next node in the lineage. The open
// SELECT is copied so that fan-out consumers of one node never observe each
// other's merges; embedded FROM subtrees are immutable and share.
func (f *fragment) derive(nodeID string, output schema.Columns) *fragment {
	var out = *f
	if f.sel != nil {
		var sel = *f.sel
		sel.Items = append([]SelectItem(nil), f.sel.Items...)
		sel.GroupBy = append([]Expr(nil), f.sel.GroupBy...)
		sel.OrderBy = append([]OrderItem(nil), f.sel.OrderBy...)
		out.sel = &sel
	}
	out.output = output
	out.sources = append(append([]string(nil), f.sources...), nodeID)
	return &out
}

func (b *builder) build(node *graph.Node) error {
	var out = b.schemas[node.ID]

	switch node.Type {
	case graph.TypeDataSource:
		return b.buildDataSource(node, out)
	case graph.TypeFilter:
		return b.buildFilter(node, out)
	case graph.TypeSelect:
		return b.buildSelect(node, out)
	case graph.TypeRename:
		return b.buildRename(node, out)
	case graph.TypeSort:
		return b.buildSort(node, out)
	case graph.TypeUnique:
		return b.buildUnique(node, out)
	case graph.TypeLimit:
		return b.buildLimit(node, out)
	case graph.TypeSample:
		return b.buildSample(node, out)
	case graph.TypeFormula:
		return b.buildFormula(node, out)
	case graph.TypeWindow:
		return b.buildWindow(node, out)
	case graph.TypeGroupBy:
		return b.buildGroupBy(node, out)
	case graph.TypePivot:
		return b.buildPivot(node, out)
	case graph.TypeJoin:
		return b.buildJoin(node, out)
	case graph.TypeUnion:
		return b.buildUnion(node, out)
	}
	return errCompile(KindUnknownType, node.ID, "no emitter for node type %q", node.Type)
}

func (b *builder) buildDataSource(node *graph.Node, out schema.Columns) error {
	var cfg, err = graph.DecodeConfig[graph.DataSourceConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = &fragment{output: out, sources: []string{node.ID}}
	switch cfg.Freshness {
	case graph.FreshnessPoint:
		if cfg.Key == "" {
			return errCompile(KindInvalidConfig, node.ID,
				"point-freshness data_source requires a key column")
		}
		f.store = StorePoint
		f.point = &pointSpec{table: cfg.Table, key: cfg.Key}
		b.frags[node.ID] = f
		return nil
	case graph.FreshnessRealtime:
		f.store = StoreLive
	default:
		f.store = StoreAnalytical
	}

	var items = make([]SelectItem, 0, len(out))
	var proj = make(map[string]Expr, len(out))
	for _, c := range out {
		items = append(items, SelectItem{Expr: ColumnRef{Name: c.Name}})
		proj[c.Name] = ColumnRef{Name: c.Name}
	}
	f.sel = &SelectStmt{Items: items, From: TableRef{Name: cfg.Table}}
	f.proj = proj
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildFilter(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.FilterConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.grouped || f.windowed || f.limited || f.distinct {
		f.reopen()
	}
	var input = b.schemas[b.g.Inbound(node.ID)[0].Source]
	cond, err := filterExpr(node.ID, cfg, input, f.resolve())
	if err != nil {
		return err
	}
	if cond != nil {
		if f.sel.Where == nil {
			f.sel.Where = cond
		} else {
			f.sel.Where = BinaryExpr{Op: "AND", Left: f.sel.Where, Right: cond}
		}
	}
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildSelect(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.limited || f.distinct {
		f.reopen()
	}
	var items = make([]SelectItem, 0, len(out))
	var proj = make(map[string]Expr, len(out))
	for _, c := range out {
		e, ok := f.proj[c.Name]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "column %q is not projected", c.Name)
		}
		var item = SelectItem{Expr: e}
		if ref, isRef := e.(ColumnRef); !isRef || ref.Name != c.Name {
			item.Alias = c.Name
		}
		items = append(items, item)
		proj[c.Name] = e
	}
	f.sel.Items = items
	f.proj = proj
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildRename(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.RenameConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil {
		f.reopen()
	}
	var input = b.schemas[b.g.Inbound(node.ID)[0].Source]
	var proj = make(map[string]Expr, len(out))
	var items = make([]SelectItem, len(f.sel.Items))
	copy(items, f.sel.Items)

	for _, c := range input {
		var to, renamed = cfg.Mapping[c.Name]
		if !renamed || to == "" {
			proj[c.Name] = f.proj[c.Name]
			continue
		}
		// Find the item projecting this name and alias it.
		for j := range items {
			if items[j].OutputName() == c.Name {
				items[j].Alias = to
				break
			}
		}
		proj[to] = f.proj[c.Name]
	}
	f.sel.Items = items
	f.proj = proj
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildSort(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.SortConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}
	if len(cfg.Keys) == 0 {
		return errCompile(KindInvalidConfig, node.ID, "sort declares no keys")
	}

	var f = ins[0].derive(node.ID, out)
	// Ordering applied after a LIMIT selects from a different row set, so a
	// limited statement closes before sorting.
	if f.sel == nil || f.limited {
		f.reopen()
	}
	var order []OrderItem
	for _, k := range cfg.Keys {
		e, ok := f.proj[k.Column]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "sort key %q not in input", k.Column)
		}
		order = append(order, OrderItem{Expr: e, Desc: strings.EqualFold(k.Direction, "desc")})
	}
	f.sel.OrderBy = order
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildUnique(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.limited {
		f.reopen()
	}
	f.sel.Distinct = true
	f.distinct = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildLimit(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.LimitConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}
	if cfg.Limit <= 0 {
		return errCompile(KindInvalidConfig, node.ID, "limit must be positive")
	}

	var f = ins[0].derive(node.ID, out)
	if f.point != nil {
		b.frags[node.ID] = f // Point lookups return at most one row.
		return nil
	}
	if f.sel == nil || f.limited {
		f.reopen()
	}
	f.sel.Limit = &cfg.Limit
	if cfg.Offset > 0 {
		f.sel.Offset = &cfg.Offset
	}
	f.limited = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildSample(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.SampleConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}
	if cfg.Size <= 0 {
		return errCompile(KindInvalidConfig, node.ID, "sample size must be positive")
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.limited {
		f.reopen()
	}
	if strings.EqualFold(cfg.Mode, "random") {
		if len(f.sel.OrderBy) > 0 {
			f.reopen()
		}
		f.sel.OrderBy = []OrderItem{{Expr: randExpr{}}}
	}
	f.sel.Limit = &cfg.Size
	f.limited = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildFormula(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.FormulaConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.distinct {
		f.reopen()
	}
	var input = b.schemas[b.g.Inbound(node.ID)[0].Source]
	expr, err := ParseFormula(node.ID, cfg.Expression, input, f.resolve())
	if err != nil {
		return err
	}
	f.sel.Items = append(f.sel.Items, SelectItem{Expr: expr, Alias: cfg.OutputColumn})
	var proj = cloneProj(f.proj)
	proj[cfg.OutputColumn] = expr
	f.proj = proj
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildWindow(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.WindowConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.limited || f.distinct || f.grouped {
		f.reopen()
	}

	var fn = strings.ToLower(cfg.Function)
	var call = WindowCall{Func: fn}
	switch fn {
	case "rank", "row_number":
	case "lag", "lead":
		e, ok := f.proj[cfg.SourceColumn]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID,
				"window source column %q not in input", cfg.SourceColumn)
		}
		var offset = cfg.Offset
		if offset <= 0 {
			offset = 1
		}
		call.Args = []Expr{e, IntLiteral{Value: offset}}
	default:
		e, ok := f.proj[cfg.SourceColumn]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID,
				"window source column %q not in input", cfg.SourceColumn)
		}
		call.Args = []Expr{e}
	}
	for _, p := range cfg.PartitionBy {
		e, ok := f.proj[p]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "partition key %q not in input", p)
		}
		call.PartitionBy = append(call.PartitionBy, e)
	}
	for _, k := range cfg.OrderBy {
		e, ok := f.proj[k.Column]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "window order key %q not in input", k.Column)
		}
		call.OrderBy = append(call.OrderBy, OrderItem{Expr: e, Desc: strings.EqualFold(k.Direction, "desc")})
	}

	f.sel.Items = append(f.sel.Items, SelectItem{Expr: call, Alias: cfg.OutputColumn})
	var proj = cloneProj(f.proj)
	proj[cfg.OutputColumn] = ColumnRef{Name: cfg.OutputColumn}
	f.proj = proj
	f.windowed = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildGroupBy(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.GroupByConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.grouped || f.windowed || f.limited || f.distinct {
		f.reopen()
	}

	var items []SelectItem
	var keys []Expr
	var proj = make(map[string]Expr)
	for _, key := range cfg.Keys {
		e, ok := f.proj[key]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "group key %q not in input", key)
		}
		var item = SelectItem{Expr: e}
		if ref, isRef := e.(ColumnRef); !isRef || ref.Name != key {
			item.Alias = key
		}
		items = append(items, item)
		keys = append(keys, e)
		proj[key] = e
	}
	for _, agg := range cfg.Aggregations {
		call, alias, err := b.aggCall(node, f, agg)
		if err != nil {
			return err
		}
		items = append(items, SelectItem{Expr: call, Alias: alias})
		proj[alias] = call
	}

	f.sel.Items = items
	f.sel.GroupBy = keys
	f.sel.OrderBy = nil
	f.proj = proj
	f.grouped = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) aggCall(node *graph.Node, f *fragment, agg graph.Aggregation) (Expr, string, error) {
	var fn = strings.ToLower(agg.Func)
	var alias = schema.AggregationAlias(agg)
	switch fn {
	case "sum", "avg", "min", "max":
		e, ok := f.proj[agg.Column]
		if !ok {
			return nil, "", errCompile(KindUnknownColumn, node.ID,
				"aggregation column %q not in input", agg.Column)
		}
		return AggCall{Func: fn, Arg: e}, alias, nil
	case "count":
		if agg.Column == "*" {
			return AggCall{Func: "count", Star: true}, alias, nil
		}
		e, ok := f.proj[agg.Column]
		if !ok {
			return nil, "", errCompile(KindUnknownColumn, node.ID,
				"aggregation column %q not in input", agg.Column)
		}
		return AggCall{Func: "count", Arg: e}, alias, nil
	case "count_distinct":
		e, ok := f.proj[agg.Column]
		if !ok {
			return nil, "", errCompile(KindUnknownColumn, node.ID,
				"aggregation column %q not in input", agg.Column)
		}
		return AggCall{Func: "count", Arg: e, Distinct: true}, alias, nil
	}
	return nil, "", errCompile(KindInvalidConfig, node.ID, "unknown aggregation %q", agg.Func)
}

// buildPivot lowers pivot as a grouped aggregate over the row keys: the
// value column aggregates under the name <value_col>_<agg>.
func (b *builder) buildPivot(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 1)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.PivotConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var f = ins[0].derive(node.ID, out)
	if f.sel == nil || f.grouped || f.windowed || f.limited || f.distinct {
		f.reopen()
	}

	var items []SelectItem
	var keys []Expr
	var proj = make(map[string]Expr)
	for _, key := range cfg.RowKeys {
		e, ok := f.proj[key]
		if !ok {
			return errCompile(KindUnknownColumn, node.ID, "row key %q not in input", key)
		}
		var item = SelectItem{Expr: e}
		if ref, isRef := e.(ColumnRef); !isRef || ref.Name != key {
			item.Alias = key
		}
		items = append(items, item)
		keys = append(keys, e)
		proj[key] = e
	}
	value, ok := f.proj[cfg.ValueColumn]
	if !ok {
		return errCompile(KindUnknownColumn, node.ID, "value column %q not in input", cfg.ValueColumn)
	}
	var fn = strings.ToLower(cfg.Agg)
	var call Expr
	switch fn {
	case "sum", "avg", "min", "max":
		call = AggCall{Func: fn, Arg: value}
	case "count":
		call = AggCall{Func: "count", Arg: value}
	case "count_distinct":
		call = AggCall{Func: "count", Arg: value, Distinct: true}
	default:
		return errCompile(KindInvalidConfig, node.ID, "unknown aggregation %q", cfg.Agg)
	}
	var alias = fmt.Sprintf("%s_%s", cfg.ValueColumn, fn)
	items = append(items, SelectItem{Expr: call, Alias: alias})
	proj[alias] = call

	f.sel.Items = items
	f.sel.GroupBy = keys
	f.sel.OrderBy = nil
	f.proj = proj
	f.grouped = true
	b.frags[node.ID] = f
	return nil
}

func (b *builder) buildJoin(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 2)
	if err != nil {
		return err
	}
	cfg, err := graph.DecodeConfig[graph.JoinConfig](node)
	if err != nil {
		return errCompile(KindInvalidConfig, node.ID, "%s", err)
	}

	var kind string
	switch strings.ToLower(cfg.JoinType) {
	case "", "inner":
		kind = "INNER"
	case "left":
		kind = "LEFT"
	case "right":
		kind = "RIGHT"
	case "full":
		kind = "FULL"
	default:
		return errCompile(KindInvalidConfig, node.ID, "unknown join type %q", cfg.JoinType)
	}

	var left, right = ins[0], ins[1]
	var leftSchema = b.schemas[b.g.Inbound(node.ID)[0].Source]

	var on []Expr
	for _, k := range cfg.Keys {
		on = append(on, BinaryExpr{
			Op:    "=",
			Left:  ColumnRef{Table: "_left", Name: k.Left},
			Right: ColumnRef{Table: "_right", Name: k.Right},
		})
	}
	if len(on) == 0 {
		return errCompile(KindInvalidConfig, node.ID, "join declares no keys")
	}

	var items = make([]SelectItem, 0, len(out))
	var proj = make(map[string]Expr, len(out))
	for _, c := range out {
		var table = "_right"
		if _, isLeft := leftSchema.ByName(c.Name); isLeft {
			table = "_left"
		}
		var e = ColumnRef{Table: table, Name: c.Name}
		items = append(items, SelectItem{Expr: e})
		proj[c.Name] = e
	}

	store, err := combineStores(node.ID, left.store, right.store)
	if err != nil {
		return err
	}
	b.frags[node.ID] = &fragment{
		sel: &SelectStmt{
			Items: items,
			From: JoinRef{
				Left: left.stmt(), LeftAlias: "_left",
				Right: right.stmt(), RightAlias: "_right",
				Kind: kind, On: andAll(on),
			},
		},
		proj:    proj,
		output:  out,
		store:   store,
		sources: mergeSources(node.ID, left.sources, right.sources),
	}
	return nil
}

func (b *builder) buildUnion(node *graph.Node, out schema.Columns) error {
	var ins, err = b.input(node, 2)
	if err != nil {
		return err
	}
	var in = b.g.Inbound(node.ID)
	var leftSchema, rightSchema = b.schemas[in[0].Source], b.schemas[in[1].Source]
	if len(leftSchema) != len(rightSchema) {
		return errCompile(KindSchemaMismatch, node.ID,
			"union inputs have %d and %d columns", len(leftSchema), len(rightSchema))
	}
	for i := range leftSchema {
		if leftSchema[i].Dtype != rightSchema[i].Dtype {
			return errCompile(KindSchemaMismatch, node.ID,
				"union column %d: %s vs %s", i, leftSchema[i].Dtype, rightSchema[i].Dtype)
		}
	}

	var left, right = ins[0], ins[1]
	store, err := combineStores(node.ID, left.store, right.store)
	if err != nil {
		return err
	}
	b.frags[node.ID] = &fragment{
		opaque:  &UnionStmt{Left: left.stmt(), Right: right.stmt(), All: true},
		output:  out,
		store:   store,
		sources: mergeSources(node.ID, left.sources, right.sources),
	}
	return nil
}

// combineStores resolves the target of a multi-lineage segment. Mixed
// analytical and live lineage falls back to the analytical store, which
// holds replicas of live tables; point lineages never combine.
func combineStores(nodeID string, a, c TargetStore) (TargetStore, error) {
	if a == StorePoint || c == StorePoint {
		return "", errCompile(KindUnsupported, nodeID,
			"point-freshness sources cannot join or union")
	}
	if a == c {
		return a, nil
	}
	return StoreAnalytical, nil
}

func mergeSources(nodeID string, a, c []string) []string {
	var seen = make(map[string]struct{}, len(a)+len(c)+1)
	var out []string
	for _, list := range [][]string{a, c, {nodeID}} {
		for _, id := range list {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func cloneProj(in map[string]Expr) map[string]Expr {
	var out = make(map[string]Expr, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// segment finalizes the fragment at |feed| into a dispatchable Segment.
// Terminal nodes cap the row count: the effective limit is the minimum
// max_rows over every terminal the segment feeds.
func (b *builder) segment(feed string, terminals []*graph.Node) (*Segment, error) {
	var f, ok = b.frags[feed]
	if !ok {
		return nil, errCompile(KindInvalidConfig, feed, "node %q is not a compilable lineage", feed)
	}

	var seg = &Segment{
		TargetStore:   f.store,
		SourceNodeIDs: append([]string(nil), f.sources...),
		Output:        f.output,
	}
	sort.Strings(seg.SourceNodeIDs)

	var limit = b.opts.MaxRows
	for _, t := range terminals {
		seg.TerminalNodeIDs = append(seg.TerminalNodeIDs, t.ID)
		var cfg, err = graph.DecodeConfig[graph.OutputConfig](t)
		if err != nil {
			return nil, errCompile(KindInvalidConfig, t.ID, "%s", err)
		}
		if cfg.MaxRows > 0 && cfg.MaxRows < limit {
			limit = cfg.MaxRows
		}
	}
	sort.Strings(seg.TerminalNodeIDs)
	if len(terminals) == 1 {
		var cfg, _ = graph.DecodeConfig[graph.OutputConfig](terminals[0])
		seg.ChartConfig = cfg.ChartConfig
	}

	if f.point != nil {
		seg.Table, seg.Key = f.point.table, f.point.key
		return seg, nil
	}

	var stmt = f.stmt()
	if len(terminals) > 0 {
		// Terminal caps install through the AST, wrapping when the
		// statement already limits itself. The SELECT is copied first: the
		// same fragment may also feed an embedded subquery elsewhere.
		if sel, isSel := stmt.(*SelectStmt); isSel && sel.Limit == nil {
			var capped = *sel
			capped.Limit = &limit
			stmt = &capped
		} else {
			stmt = &SelectStmt{
				Items: []SelectItem{{Expr: Star{}}},
				From:  SubqueryRef{Stmt: stmt, Alias: "_"},
				Limit: &limit,
			}
		}
		seg.Limit = &limit
	}

	var dialect = b.opts.AnalyticalDialect
	if f.store == StoreLive {
		dialect = b.opts.LiveDialect
	}
	sql, params, err := Render(stmt, dialect)
	if err != nil {
		return nil, errCompile(KindInvalidConfig, feed, "rendering: %s", err)
	}
	seg.SQL, seg.Params = sql, params
	seg.Dialect = dialect.Name
	seg.stmt = stmt
	seg.dialect = dialect
	return seg, nil
}

// randExpr renders the dialect's random ordering function.
type randExpr struct{}

func (randExpr) renderExpr(rc *renderContext) error {
	rc.write(rc.dialect.RandFunc)
	return nil
}
