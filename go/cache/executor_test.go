package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/schema"
)

var sqliteOpts = compiler.Options{AnalyticalDialect: compiler.SQLite, LiveDialect: compiler.SQLite}

type fakeStore struct {
	mu     sync.Mutex
	calls  []string
	delay  time.Duration
	result *router.QueryResult
}

func (f *fakeStore) Query(_ context.Context, sql string, _ []compiler.Param, _ router.Budget) (*router.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sql)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.result != nil {
		return f.result, nil
	}
	return &router.QueryResult{
		Columns: []router.ResultColumn{
			{Name: "symbol", Dtype: schema.DtypeString},
			{Name: "price", Dtype: schema.DtypeFloat64},
		},
		Rows:      []map[string]any{{"symbol": "AAPL", "price": 151.0}},
		TotalRows: 1,
	}, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func tradesGraph(t *testing.T) *graph.Graph {
	t.Helper()
	var g, err = graph.New(
		[]graph.Node{
			graph.NewNode("src", graph.TypeDataSource, map[string]any{
				"table": "trades",
				"columns": []any{
					map[string]any{"name": "symbol", "dtype": "string"},
					map[string]any{"name": "price", "dtype": "float64"},
					map[string]any{"name": "quantity", "dtype": "int64"},
				},
			}),
			graph.NewNode("out", graph.TypeTableOutput, map[string]any{
				"chart_config": map[string]any{"kind": "table"},
			}),
		},
		[]graph.Edge{graph.NewEdge("src", "out")},
	)
	require.NoError(t, err)
	return g
}

func testExecutor(t *testing.T, store *fakeStore, cfg Config) (*Executor, *miniredis.Miniredis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg.Compiler = sqliteOpts
	exec, err := NewExecutor(client, router.New(store, nil, nil), cfg)
	require.NoError(t, err)
	return exec, mr
}

func TestQueryReadThrough(t *testing.T) {
	var store = &fakeStore{}
	var exec, _ = testExecutor(t, store, Config{})

	var req = Request{
		TenantID:     "t1",
		TargetNodeID: "out",
		Graph:        tradesGraph(t),
		Limit:        25,
		Path:         PathPreview,
	}

	resp, err := exec.Query(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.CacheHit)
	require.Equal(t, int64(1), resp.TotalRows)
	require.Equal(t, int64(25), resp.Limit)
	require.Equal(t, int64(0), resp.Offset)
	require.Equal(t, map[string]any{"kind": "table"}, resp.ChartConfig)
	require.Equal(t, []string{
		`SELECT * FROM (SELECT "symbol", "price", "quantity" FROM "trades" LIMIT 10000) AS "_" LIMIT 25`,
	}, store.calls)

	// Identical request now answers from the fast store.
	resp, err = exec.Query(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.CacheHit)
	require.Equal(t, "AAPL", resp.Rows[0]["symbol"])
	require.Equal(t, map[string]any{"kind": "table"}, resp.ChartConfig)
	require.Equal(t, 1, store.callCount())
}

func TestQueryClampsLimit(t *testing.T) {
	var store = &fakeStore{}
	var exec, _ = testExecutor(t, store, Config{DefaultLimit: 10, HardCapRows: 50})

	resp, err := exec.Query(context.Background(), Request{
		TenantID: "t1", TargetNodeID: "out", Graph: tradesGraph(t), Limit: 999_999,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), resp.Limit)

	resp, err = exec.Query(context.Background(), Request{
		TenantID: "t1", TargetNodeID: "out", Graph: tradesGraph(t),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), resp.Limit)
}

func TestQueryFailsOpenWhenCacheDown(t *testing.T) {
	var store = &fakeStore{}
	var exec, mr = testExecutor(t, store, Config{})
	mr.Close()

	resp, err := exec.Query(context.Background(), Request{
		TenantID: "t1", TargetNodeID: "out", Graph: tradesGraph(t),
	})
	require.NoError(t, err)
	require.False(t, resp.CacheHit)
	require.Equal(t, 1, store.callCount())

	// Still no cache, so the same request executes again.
	_, err = exec.Query(context.Background(), Request{
		TenantID: "t1", TargetNodeID: "out", Graph: tradesGraph(t),
	})
	require.NoError(t, err)
	require.Equal(t, 2, store.callCount())
}

func TestQuerySingleFlightCollapsesConcurrentMisses(t *testing.T) {
	var store = &fakeStore{delay: 50 * time.Millisecond}
	var exec, _ = testExecutor(t, store, Config{})
	var g = tradesGraph(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var _, err = exec.Query(context.Background(), Request{
				TenantID: "t1", TargetNodeID: "out", Graph: g,
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, store.callCount())
}

func TestQueryWidgetOverridesMergeIntoTargetConfig(t *testing.T) {
	var store = &fakeStore{}
	var exec, _ = testExecutor(t, store, Config{})
	var g = tradesGraph(t)

	resp, err := exec.Query(context.Background(), Request{
		TenantID:     "t1",
		TargetNodeID: "out",
		Graph:        g,
		Overrides:    map[string]any{"chart_config": map[string]any{"kind": "bar"}},
		Path:         PathWidget,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"kind": "bar"}, resp.ChartConfig)

	// The caller's graph is untouched.
	node, ok := g.NodeByID("out")
	require.True(t, ok)
	require.Equal(t, map[string]any{"kind": "table"}, node.Config["chart_config"])
}

func TestQueryRuntimeFiltersBindParams(t *testing.T) {
	var store = &fakeStore{}
	var exec, _ = testExecutor(t, store, Config{})

	var _, err = exec.Query(context.Background(), Request{
		TenantID:     "t1",
		TargetNodeID: "out",
		Graph:        tradesGraph(t),
		Filters:      []graph.FilterCondition{{Column: "symbol", Operator: "=", Value: "MSFT"}},
		Limit:        5,
	})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT * FROM (SELECT "symbol", "price", "quantity" FROM "trades" LIMIT 10000) AS "_" WHERE ("symbol" = ?) LIMIT 5`,
		store.calls[0])
}

func TestCatalogCacheMemoizesAndServesStale(t *testing.T) {
	var store = &fakeStore{result: &router.QueryResult{
		Columns: []router.ResultColumn{
			{Name: "table", Dtype: schema.DtypeString},
			{Name: "name", Dtype: schema.DtypeString},
			{Name: "type", Dtype: schema.DtypeString},
		},
		Rows: []map[string]any{
			{"table": "trades", "name": "symbol", "type": "String"},
			{"table": "trades", "name": "price", "type": "Float64"},
		},
	}}
	var cc = NewCatalogCache(router.New(store, nil, nil), nil, "tessera", time.Hour)

	catalog, err := cc.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog.Tables, 1)
	require.Equal(t, "trades", catalog.Tables[0].Table)
	require.Equal(t, 1, store.callCount())

	// Fresh entry: no second probe.
	_, err = cc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.callCount())
}
