package cache

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/tessera-analytics/tessera/go/graph"
)

func fingerprintRequest(t *testing.T, mutate func(*Request)) string {
	t.Helper()
	var req = Request{
		TenantID:     "t1",
		TargetNodeID: "out",
		Graph:        tradesGraph(t),
		Limit:        100,
		Path:         PathPreview,
	}
	if mutate != nil {
		mutate(&req)
	}
	fp, err := Fingerprint(req)
	require.NoError(t, err)
	return fp
}

func TestFingerprintIsStable(t *testing.T) {
	require.Equal(t,
		fingerprintRequest(t, nil),
		fingerprintRequest(t, nil))
	require.Len(t, fingerprintRequest(t, nil), 32)
}

func TestFingerprintIgnoresNodeOrder(t *testing.T) {
	var nodes = []graph.Node{
		graph.NewNode("src", graph.TypeDataSource, map[string]any{"table": "trades"}),
		graph.NewNode("flt", graph.TypeFilter, map[string]any{
			"conditions": []any{map[string]any{"column": "symbol", "operator": "=", "value": "AAPL"}},
		}),
		graph.NewNode("out", graph.TypeTableOutput, nil),
	}
	var edges = []graph.Edge{graph.NewEdge("src", "flt"), graph.NewEdge("flt", "out")}

	var forward, err = graph.New(nodes, edges)
	require.NoError(t, err)
	reversed, err := graph.New(
		[]graph.Node{nodes[2], nodes[0], nodes[1]},
		[]graph.Edge{edges[1], edges[0]})
	require.NoError(t, err)

	require.Equal(t,
		fingerprintRequest(t, func(r *Request) { r.Graph = forward }),
		fingerprintRequest(t, func(r *Request) { r.Graph = reversed }))
}

func TestFingerprintIgnoresCanvasState(t *testing.T) {
	var bare = `{
		"nodes": [
			{"id": "src", "type": "data_source", "data": {"config": {"table": "trades"}}},
			{"id": "out", "type": "table_output", "data": {"config": {}}}
		],
		"edges": [{"source": "src", "target": "out"}]
	}`
	var decorated = `{
		"nodes": [
			{"id": "src", "type": "data_source", "position": {"x": 120, "y": 48},
			 "selected": true, "data": {"config": {"table": "trades"}, "label": "Trades"}},
			{"id": "out", "type": "table_output", "position": {"x": 480, "y": 48},
			 "data": {"config": {}}}
		],
		"edges": [{"source": "src", "target": "out"}],
		"viewport": {"x": 0, "y": 0, "zoom": 1.5}
	}`

	var g1, err = graph.Parse([]byte(bare))
	require.NoError(t, err)
	g2, err := graph.Parse([]byte(decorated))
	require.NoError(t, err)

	require.Equal(t,
		fingerprintRequest(t, func(r *Request) { r.Graph = g1 }),
		fingerprintRequest(t, func(r *Request) { r.Graph = g2 }))
}

func TestFingerprintExcludesDownstreamSiblings(t *testing.T) {
	// A second output hanging off the same source must not perturb the
	// first output's fingerprint.
	var small, err = graph.New(
		[]graph.Node{
			graph.NewNode("src", graph.TypeDataSource, map[string]any{"table": "trades"}),
			graph.NewNode("out", graph.TypeTableOutput, nil),
		},
		[]graph.Edge{graph.NewEdge("src", "out")})
	require.NoError(t, err)
	large, err := graph.New(
		[]graph.Node{
			graph.NewNode("src", graph.TypeDataSource, map[string]any{"table": "trades"}),
			graph.NewNode("out", graph.TypeTableOutput, nil),
			graph.NewNode("out2", graph.TypeChartOutput, nil),
		},
		[]graph.Edge{graph.NewEdge("src", "out"), graph.NewEdge("src", "out2")})
	require.NoError(t, err)

	require.Equal(t,
		fingerprintRequest(t, func(r *Request) { r.Graph = small }),
		fingerprintRequest(t, func(r *Request) { r.Graph = large }))
}

func TestFingerprintProperties(t *testing.T) {
	var parameters = gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	var properties = gopter.NewProperties(parameters)

	properties.Property("distinct tenants never share a fingerprint", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return fingerprintRequest(t, func(r *Request) { r.TenantID = a }) !=
				fingerprintRequest(t, func(r *Request) { r.TenantID = b })
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("distinct paging never shares a fingerprint", prop.ForAll(
		func(o1, o2, l1, l2 int64) bool {
			if o1 == o2 && l1 == l2 {
				return true
			}
			var a = fingerprintRequest(t, func(r *Request) { r.Offset, r.Limit = o1, l1 })
			var b = fingerprintRequest(t, func(r *Request) { r.Offset, r.Limit = o2, l2 })
			return a != b
		},
		gen.Int64Range(0, 1_000_000), gen.Int64Range(0, 1_000_000),
		gen.Int64Range(1, 10_000), gen.Int64Range(1, 10_000),
	))

	properties.Property("overrides perturb the fingerprint", prop.ForAll(
		func(kind string) bool {
			var base = fingerprintRequest(t, nil)
			var overridden = fingerprintRequest(t, func(r *Request) {
				r.Overrides = map[string]any{"chart_config": map[string]any{"kind": kind}}
			})
			return base != overridden
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestFingerprintSeparatesSemanticInputs(t *testing.T) {
	var base = fingerprintRequest(t, nil)
	var cases = map[string]func(*Request){
		"tenant": func(r *Request) { r.TenantID = "t2" },
		"filters": func(r *Request) {
			r.Filters = []graph.FilterCondition{{Column: "symbol", Operator: "=", Value: "AAPL"}}
		},
		"offset": func(r *Request) { r.Offset = 10 },
		"limit":  func(r *Request) { r.Limit = 101 },
	}
	for name, mutate := range cases {
		require.NotEqual(t, base, fingerprintRequest(t, mutate), fmt.Sprintf("case %s", name))
	}
}
