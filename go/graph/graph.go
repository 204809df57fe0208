// Package graph models the workflow DAG exchanged with the canvas frontend:
// typed nodes, directed edges, and the traversal primitives used by schema
// propagation and compilation. Parsing is tolerant: fields this package does
// not understand are preserved byte-for-byte and round-trip unchanged.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// NodeType enumerates the closed set of workflow node types.
type NodeType string

const (
	TypeDataSource  NodeType = "data_source"
	TypeFilter      NodeType = "filter"
	TypeSort        NodeType = "sort"
	TypeSample      NodeType = "sample"
	TypeLimit       NodeType = "limit"
	TypeUnique      NodeType = "unique"
	TypeSelect      NodeType = "select"
	TypeRename      NodeType = "rename"
	TypeJoin        NodeType = "join"
	TypeGroupBy     NodeType = "group_by"
	TypePivot       NodeType = "pivot"
	TypeFormula     NodeType = "formula"
	TypeWindow      NodeType = "window"
	TypeUnion       NodeType = "union"
	TypeChartOutput NodeType = "chart_output"
	TypeTableOutput NodeType = "table_output"
	TypeKPIOutput   NodeType = "kpi_output"
)

// Terminal is true for output sink types, which emit no schema and close
// their upstream segment.
func (t NodeType) Terminal() bool {
	switch t {
	case TypeChartOutput, TypeTableOutput, TypeKPIOutput:
		return true
	}
	return false
}

// Node is one vertex of a workflow graph. ID and Type are required on the
// wire. Config is the node's `data.config` object; everything else carried
// by the frontend (position, selection, drag state, labels) is retained in
// the node's raw form and re-emitted on marshal.
type Node struct {
	ID     string
	Type   NodeType
	Config map[string]any

	raw json.RawMessage
}

// NewNode builds a Node programmatically, as tests and the import path do.
func NewNode(id string, typ NodeType, config map[string]any) Node {
	if config == nil {
		config = make(map[string]any)
	}
	return Node{ID: id, Type: typ, Config: config}
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var id = gjson.GetBytes(b, "id")
	if !id.Exists() || id.Type != gjson.String || id.Str == "" {
		return fmt.Errorf("missing required field %q", "id")
	}
	var typ = gjson.GetBytes(b, "type")
	if !typ.Exists() || typ.Type != gjson.String || typ.Str == "" {
		return fmt.Errorf("missing required field %q", "type")
	}

	n.ID = id.Str
	n.Type = NodeType(typ.Str)
	n.Config = make(map[string]any)
	n.raw = append(json.RawMessage(nil), b...)

	if cfg := gjson.GetBytes(b, "data.config"); cfg.Exists() {
		if !cfg.IsObject() {
			return fmt.Errorf("node %q: data.config must be an object", n.ID)
		}
		if err := json.Unmarshal([]byte(cfg.Raw), &n.Config); err != nil {
			return fmt.Errorf("node %q: decoding data.config: %w", n.ID, err)
		}
	}
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	if n.raw != nil {
		return n.raw, nil
	}
	return json.Marshal(map[string]any{
		"id":   n.ID,
		"type": string(n.Type),
		"data": map[string]any{"config": n.Config},
	})
}

// SetConfig replaces the node's data.config, keeping all other raw fields.
func (n *Node) SetConfig(config map[string]any) error {
	n.Config = config
	if n.raw == nil {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(n.raw, &top); err != nil {
		return fmt.Errorf("node %q: decoding raw form: %w", n.ID, err)
	}
	var data = make(map[string]json.RawMessage)
	if d, ok := top["data"]; ok {
		if err := json.Unmarshal(d, &data); err != nil {
			return fmt.Errorf("node %q: decoding raw data: %w", n.ID, err)
		}
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("node %q: encoding config: %w", n.ID, err)
	}
	data["config"] = cfg
	d, err := json.Marshal(data)
	if err != nil {
		return err
	}
	top["data"] = d
	raw, err := json.Marshal(top)
	if err != nil {
		return err
	}
	n.raw = raw
	return nil
}

// setID rewrites the node id in both the typed and raw forms.
func (n *Node) setID(id string) error {
	n.ID = id
	if n.raw == nil {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(n.raw, &top); err != nil {
		return err
	}
	v, err := json.Marshal(id)
	if err != nil {
		return err
	}
	top["id"] = v
	raw, err := json.Marshal(top)
	if err != nil {
		return err
	}
	n.raw = raw
	return nil
}

// Edge is a directed connection from Source to Target. Additional wire
// fields (edge id, styling) are retained.
type Edge struct {
	Source string
	Target string

	raw json.RawMessage
}

// NewEdge builds an Edge programmatically.
func NewEdge(source, target string) Edge {
	return Edge{Source: source, Target: target}
}

func (e *Edge) UnmarshalJSON(b []byte) error {
	var src = gjson.GetBytes(b, "source")
	if !src.Exists() || src.Type != gjson.String || src.Str == "" {
		return fmt.Errorf("missing required field %q", "source")
	}
	var tgt = gjson.GetBytes(b, "target")
	if !tgt.Exists() || tgt.Type != gjson.String || tgt.Str == "" {
		return fmt.Errorf("missing required field %q", "target")
	}
	e.Source = src.Str
	e.Target = tgt.Str
	e.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (e Edge) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(map[string]string{"source": e.Source, "target": e.Target})
}

func (e *Edge) setEndpoints(source, target string) error {
	e.Source, e.Target = source, target
	if e.raw == nil {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(e.raw, &top); err != nil {
		return err
	}
	s, _ := json.Marshal(source)
	t, _ := json.Marshal(target)
	top["source"], top["target"] = s, t
	raw, err := json.Marshal(top)
	if err != nil {
		return err
	}
	e.raw = raw
	return nil
}

// Graph is a parsed workflow DAG. Top-level wire fields other than nodes and
// edges (viewport, ui hints) are preserved in extra.
type Graph struct {
	Nodes []Node
	Edges []Edge

	extra map[string]json.RawMessage
	index map[string]int
}

// New assembles a Graph from programmatically-built nodes and edges.
func New(nodes []Node, edges []Edge) (*Graph, error) {
	var g = &Graph{Nodes: nodes, Edges: edges}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Parse decodes and validates a workflow graph document. Errors carry the
// path of the offending element.
func Parse(b []byte) (*Graph, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, &ParseError{Path: "$", Detail: err.Error()}
	}

	var g = &Graph{extra: make(map[string]json.RawMessage)}
	for key, raw := range top {
		switch key {
		case "nodes":
			var nodes []json.RawMessage
			if err := json.Unmarshal(raw, &nodes); err != nil {
				return nil, &ParseError{Path: "nodes", Detail: "must be an array"}
			}
			for i, nb := range nodes {
				var node Node
				if err := node.UnmarshalJSON(nb); err != nil {
					return nil, &ParseError{Path: fmt.Sprintf("nodes[%d]", i), Detail: err.Error()}
				}
				g.Nodes = append(g.Nodes, node)
			}
		case "edges":
			var edges []json.RawMessage
			if err := json.Unmarshal(raw, &edges); err != nil {
				return nil, &ParseError{Path: "edges", Detail: "must be an array"}
			}
			for i, eb := range edges {
				var edge Edge
				if err := edge.UnmarshalJSON(eb); err != nil {
					return nil, &ParseError{Path: fmt.Sprintf("edges[%d]", i), Detail: err.Error()}
				}
				g.Edges = append(g.Edges, edge)
			}
		default:
			g.extra[key] = raw
		}
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validate() error {
	g.index = make(map[string]int, len(g.Nodes))
	for i, node := range g.Nodes {
		if _, dup := g.index[node.ID]; dup {
			return &ParseError{
				Path:   fmt.Sprintf("nodes[%d].id", i),
				Detail: fmt.Sprintf("duplicate node id %q", node.ID),
			}
		}
		g.index[node.ID] = i
	}
	for i, edge := range g.Edges {
		if _, ok := g.index[edge.Source]; !ok {
			return &ParseError{
				Path:   fmt.Sprintf("edges[%d].source", i),
				Detail: fmt.Sprintf("references unknown node %q", edge.Source),
			}
		}
		if _, ok := g.index[edge.Target]; !ok {
			return &ParseError{
				Path:   fmt.Sprintf("edges[%d].target", i),
				Detail: fmt.Sprintf("references unknown node %q", edge.Target),
			}
		}
		if edge.Source == edge.Target {
			return &ParseError{
				Path:   fmt.Sprintf("edges[%d]", i),
				Detail: fmt.Sprintf("self-loop on node %q", edge.Source),
			}
		}
	}
	return nil
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	var top = make(map[string]any, len(g.extra)+2)
	for k, v := range g.extra {
		top[k] = v
	}
	top["nodes"] = g.Nodes
	top["edges"] = g.Edges
	return json.Marshal(top)
}

func (g *Graph) UnmarshalJSON(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}

// NodeByID returns the named node.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.Nodes[i], true
}

// Inbound returns edges targeting |id| in the order they appear, which fixes
// the order of a node's input schemas.
func (g *Graph) Inbound(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// Outbound returns edges originating at |id| in appearance order.
func (g *Graph) Outbound(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Terminals returns ids of nodes having no outgoing edge, sorted.
func (g *Graph) Terminals() []string {
	var hasOut = make(map[string]bool)
	for _, e := range g.Edges {
		hasOut[e.Source] = true
	}
	var out []string
	for _, n := range g.Nodes {
		if !hasOut[n.ID] {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// ParseError reports a malformed graph document with the offending path.
type ParseError struct {
	Path   string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid graph at %s: %s", e.Path, e.Detail)
}
