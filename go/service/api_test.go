package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nsf/jsondiff"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tessera-analytics/tessera/go/cache"
	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/hub"
	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/runtime"
	"github.com/tessera-analytics/tessera/go/store"
)

var sqliteOpts = compiler.Options{AnalyticalDialect: compiler.SQLite, LiveDialect: compiler.SQLite}

// sqliteClient executes compiled statements against an in-process sqlite
// database standing in for the analytical store. The ClickHouse catalog
// probe is answered with a canned system.columns result.
type sqliteClient struct {
	db   *sqlx.DB
	gate chan struct{}
}

func (c *sqliteClient) Query(ctx context.Context, sqlText string, params []compiler.Param, _ router.Budget) (*router.QueryResult, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(sqlText, "system.columns") {
		return &router.QueryResult{
			Rows: []map[string]any{
				{"table": "trades", "name": "symbol", "type": "String"},
				{"table": "trades", "name": "price", "type": "Float64"},
				{"table": "trades", "name": "quantity", "type": "Int64"},
			},
			TotalRows: 3,
		}, nil
	}

	var args = make([]any, len(params))
	for i, p := range params {
		args[i] = p.Value
	}
	rows, err := c.db.QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &router.RouterError{Kind: router.KindQueryFailed, Target: compiler.StoreAnalytical, Err: err}
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, &router.RouterError{Kind: router.KindQueryFailed, Target: compiler.StoreAnalytical, Err: err}
	}

	var result = &router.QueryResult{}
	for rows.Next() {
		var row = make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, &router.RouterError{Kind: router.KindQueryFailed, Target: compiler.StoreAnalytical, Err: err}
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &router.RouterError{Kind: router.KindQueryFailed, Target: compiler.StoreAnalytical, Err: err}
	}

	for _, name := range names {
		var col = router.ResultColumn{Name: name, Dtype: "string"}
		for _, row := range result.Rows {
			switch row[name].(type) {
			case int64:
				col.Dtype = "int64"
			case float64:
				col.Dtype = "float64"
			case bool:
				col.Dtype = "bool"
			case nil:
				continue
			}
			break
		}
		result.Columns = append(result.Columns, col)
	}
	result.TotalRows = int64(len(result.Rows))
	return result, nil
}

type testEnv struct {
	t          *testing.T
	server     *httptest.Server
	auth       *Authorizer
	mr         *miniredis.Miniredis
	analytical *sqliteClient
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	var meta, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	meta.SetMaxOpenConns(1)
	t.Cleanup(func() { meta.Close() })

	var st = store.New(meta)
	require.NoError(t, st.EnsureSchema(context.Background()))

	analyticalDB, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	analyticalDB.SetMaxOpenConns(1)
	t.Cleanup(func() { analyticalDB.Close() })
	analyticalDB.MustExec(`CREATE TABLE trades (symbol TEXT NOT NULL, price REAL NOT NULL, quantity INTEGER NOT NULL)`)
	analyticalDB.MustExec(`INSERT INTO trades (symbol, price, quantity) VALUES
		('AAPL', 150.5, 10), ('AAPL', 151.0, 3), ('AAPL', 149.0, 7), ('MSFT', 300.0, 2)`)
	var analytical = &sqliteClient{db: analyticalDB}

	var mr = miniredis.RunT(t)
	var fast = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { fast.Close() })

	var rtr = router.New(analytical, nil, nil)
	exec, err := cache.NewExecutor(fast, rtr, cache.Config{Compiler: sqliteOpts})
	require.NoError(t, err)
	var catalog = cache.NewCatalogCache(rtr, fast, "tessera", 0)

	var h = hub.New("tessera")
	var bus = hub.NewBus(fast, "tessera")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx, h)
	time.Sleep(50 * time.Millisecond) // pattern subscription settles

	var publisher = hub.NewStatusPublisher(bus, "tessera")
	var records = runtime.NewRecordStore(fast, "tessera", 0)
	var pipeline = runtime.NewPipeline(rtr, records, publisher, router.Budget{}, sqliteOpts)
	t.Cleanup(pipeline.Wait)

	var auth = NewAuthorizer([]byte("test-signing-key"))
	var limiter = NewRateLimiter(fast, "tessera", time.Minute, 60)
	var ws = hub.NewWSHandler(h, auth.Authenticate)

	var srv = NewServer(Config{Namespace: "tessera"}, auth, st, exec, catalog, pipeline, records, limiter, ws, fast)
	var ts = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, server: ts, auth: auth, mr: mr, analytical: analytical}
}

func (env *testEnv) token(tenant string) string {
	var tok, err = env.auth.Sign(tenant, "tester", time.Hour)
	require.NoError(env.t, err)
	return tok
}

func (env *testEnv) do(method, path, token string, body any) (int, http.Header, []byte) {
	env.t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(env.t, err)
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.server.URL+"/api/v1"+path, payload)
	require.NoError(env.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(env.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(env.t, err)
	return resp.StatusCode, resp.Header, b
}

func node(id, typ string, config map[string]any) map[string]any {
	if config == nil {
		config = map[string]any{}
	}
	return map[string]any{"id": id, "type": typ, "data": map[string]any{"config": config}}
}

func edge(source, target string) map[string]any {
	return map[string]any{"source": source, "target": target}
}

func tradesSourceNode(id string) map[string]any {
	return node(id, "data_source", map[string]any{
		"table": "trades",
		"columns": []any{
			map[string]any{"name": "symbol", "dtype": "string"},
			map[string]any{"name": "price", "dtype": "float64"},
			map[string]any{"name": "quantity", "dtype": "int64"},
		},
	})
}

func filterSortGraph() map[string]any {
	return map[string]any{
		"nodes": []any{
			tradesSourceNode("src"),
			node("flt", "filter", map[string]any{
				"conditions": []any{map[string]any{"column": "symbol", "operator": "=", "value": "AAPL"}},
			}),
			node("srt", "sort", map[string]any{
				"keys": []any{map[string]any{"column": "price", "direction": "desc"}},
			}),
			node("out", "table_output", map[string]any{
				"chart_config": map[string]any{"kind": "table"},
			}),
		},
		"edges": []any{edge("src", "flt"), edge("flt", "srt"), edge("srt", "out")},
	}
}

func passthroughGraph() map[string]any {
	return map[string]any{
		"nodes": []any{
			tradesSourceNode("src"),
			node("out", "table_output", map[string]any{
				"chart_config": map[string]any{"kind": "table"},
			}),
		},
		"edges": []any{edge("src", "out")},
	}
}

func TestPreviewFilterSortOrdersRows(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	var body = map[string]any{"graph": filterSortGraph(), "target_node_id": "out", "limit": 10}
	status, _, resp := env.do("POST", "/executions/preview", tok, body)
	require.Equal(t, http.StatusOK, status, string(resp))

	var prices []float64
	for _, p := range gjson.GetBytes(resp, "data.rows.#.price").Array() {
		prices = append(prices, p.Float())
	}
	require.Equal(t, []float64{151.0, 150.5, 149.0}, prices)
	require.False(t, gjson.GetBytes(resp, "data.cache_hit").Bool())
	require.Equal(t, "table", gjson.GetBytes(resp, "data.chart_config.kind").String())

	// The identical request answers from the fast store.
	status, _, resp = env.do("POST", "/executions/preview", tok, body)
	require.Equal(t, http.StatusOK, status)
	require.True(t, gjson.GetBytes(resp, "data.cache_hit").Bool())

	// Moving a node on the canvas does not change what executes, so the
	// cached result still answers.
	var moved = filterSortGraph()
	moved["nodes"].([]any)[0].(map[string]any)["position"] = map[string]any{"x": 240, "y": 80}
	body["graph"] = moved
	status, _, resp = env.do("POST", "/executions/preview", tok, body)
	require.Equal(t, http.StatusOK, status)
	require.True(t, gjson.GetBytes(resp, "data.cache_hit").Bool())
}

func TestPreviewGroupBySums(t *testing.T) {
	var env = newEnv(t)

	var g = map[string]any{
		"nodes": []any{
			tradesSourceNode("src"),
			node("grp", "group_by", map[string]any{
				"keys": []any{"symbol"},
				"aggregations": []any{
					map[string]any{"column": "quantity", "func": "sum", "alias": "total_quantity"},
				},
			}),
			node("srt", "sort", map[string]any{
				"keys": []any{map[string]any{"column": "symbol"}},
			}),
			node("out", "table_output", nil),
		},
		"edges": []any{edge("src", "grp"), edge("grp", "srt"), edge("srt", "out")},
	}
	status, _, resp := env.do("POST", "/executions/preview", env.token("t1"),
		map[string]any{"graph": g, "target_node_id": "out"})
	require.Equal(t, http.StatusOK, status, string(resp))

	var rows = gjson.GetBytes(resp, "data.rows").Array()
	require.Len(t, rows, 2)
	require.Equal(t, "AAPL", rows[0].Get("symbol").String())
	require.Equal(t, float64(20), rows[0].Get("total_quantity").Float())
	require.Equal(t, "MSFT", rows[1].Get("symbol").String())
	require.Equal(t, float64(2), rows[1].Get("total_quantity").Float())
}

func TestPreviewRejectsMalformedGraph(t *testing.T) {
	var env = newEnv(t)

	status, _, resp := env.do("POST", "/executions/preview", env.token("t1"), map[string]any{
		"graph":          map[string]any{"nodes": []any{node("a", "filter", nil)}, "edges": []any{}},
		"target_node_id": "missing",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.NotEmpty(t, gjson.GetBytes(resp, "error.code").String())
}

func TestWorkflowTenantIsolation(t *testing.T) {
	var env = newEnv(t)
	var t1, t2 = env.token("t1"), env.token("t2")

	status, _, resp := env.do("POST", "/workflows", t1, map[string]any{
		"name": "trades by price", "graph": filterSortGraph(),
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var id = gjson.GetBytes(resp, "data.id").String()
	require.NotEmpty(t, id)

	status, _, _ = env.do("GET", "/workflows/"+id, t1, nil)
	require.Equal(t, http.StatusOK, status)

	// Another tenant cannot see the workflow, and cannot tell it exists.
	status, _, resp = env.do("GET", "/workflows/"+id, t2, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", gjson.GetBytes(resp, "error.code").String())

	status, _, resp = env.do("GET", "/workflows", t2, nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, gjson.GetBytes(resp, "data").Array())

	status, _, _ = env.do("GET", "/workflows", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestWorkflowExportImportRoundTrip(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	var g = filterSortGraph()
	g["viewport"] = map[string]any{"x": 0, "y": 0, "zoom": 1.5}
	status, _, resp := env.do("POST", "/workflows", tok, map[string]any{
		"name": "original", "description": "source of the copy", "graph": g,
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var id = gjson.GetBytes(resp, "data.id").String()

	status, _, exported := env.do("GET", "/workflows/"+id+"/export", tok, nil)
	require.Equal(t, http.StatusOK, status)

	status, _, imported := env.do("POST", "/workflows/import", tok,
		json.RawMessage(gjson.GetBytes(exported, "data").Raw))
	require.Equal(t, http.StatusCreated, status, string(imported))
	var copyID = gjson.GetBytes(imported, "data.id").String()
	require.NotEqual(t, id, copyID)

	status, _, reexported := env.do("GET", "/workflows/"+copyID+"/export", tok, nil)
	require.Equal(t, http.StatusOK, status)

	// Node ids are freshly assigned, everything else survives the round
	// trip. Compare configs keyed by node type, which is unique here.
	var origNodes = gjson.GetBytes(exported, "data.graph.nodes").Array()
	var copyNodes = gjson.GetBytes(reexported, "data.graph.nodes").Array()
	require.Len(t, copyNodes, len(origNodes))

	var diffOpts = jsondiff.DefaultConsoleOptions()
	for i := range origNodes {
		require.NotEqual(t, origNodes[i].Get("id").String(), copyNodes[i].Get("id").String())
		require.Equal(t, origNodes[i].Get("type").String(), copyNodes[i].Get("type").String())
		d, _ := jsondiff.Compare(
			[]byte(origNodes[i].Get("data.config").Raw),
			[]byte(copyNodes[i].Get("data.config").Raw), &diffOpts)
		require.Equal(t, jsondiff.FullMatch, d)
	}
	require.Equal(t, "1.5", gjson.GetBytes(reexported, "data.graph.viewport.zoom").Raw)
}

func TestWidgetDataAppliesOverridesAndWindow(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	status, _, resp := env.do("POST", "/workflows", tok, map[string]any{
		"name": "trades", "graph": passthroughGraph(),
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var workflowID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/dashboards", tok, map[string]any{"name": "ops"})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var dashboardID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/widgets", tok, map[string]any{
		"dashboard_id":       dashboardID,
		"source_workflow_id": workflowID,
		"source_node_id":     "out",
		"config_overrides":   map[string]any{"chart_config": map[string]any{"kind": "bar"}},
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var widgetID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("GET", "/widgets/"+widgetID+"/data?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, status, string(resp))
	require.Len(t, gjson.GetBytes(resp, "data.rows").Array(), 2)
	require.Equal(t, "bar", gjson.GetBytes(resp, "data.chart_config.kind").String())

	// Cross-tenant access is indistinguishable from absence.
	status, _, _ = env.do("GET", "/widgets/"+widgetID+"/data", env.token("t2"), nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestEmbedKeyScopeAndRateLimit(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	status, _, resp := env.do("POST", "/workflows", tok, map[string]any{
		"name": "trades", "graph": passthroughGraph(),
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var workflowID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/dashboards", tok, map[string]any{"name": "public"})
	require.Equal(t, http.StatusCreated, status)
	var dashboardID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/widgets", tok, map[string]any{
		"dashboard_id":       dashboardID,
		"source_workflow_id": workflowID,
		"source_node_id":     "out",
	})
	require.Equal(t, http.StatusCreated, status)
	var widgetID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/api-keys", tok, map[string]any{
		"name": "embed key", "rate_limit": 5,
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var keyID = gjson.GetBytes(resp, "data.api_key.id").String()
	var raw = gjson.GetBytes(resp, "data.key").String()
	require.True(t, strings.HasPrefix(raw, "tsk_"))

	var embed = "/embed/" + widgetID + "?api_key=" + raw
	for i := 0; i < 5; i++ {
		status, _, resp = env.do("GET", embed, "", nil)
		require.Equal(t, http.StatusOK, status, string(resp))
	}
	status, headers, resp := env.do("GET", embed, "", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate_limit_exceeded", gjson.GetBytes(resp, "error.code").String())
	require.NotEmpty(t, headers.Get("Retry-After"))

	// A key scoped to a different widget is rejected before any data moves.
	status, _, resp = env.do("POST", "/api-keys", tok, map[string]any{
		"name": "scoped key", "scoped_widget_ids": []string{"someone-elses-widget"},
	})
	require.Equal(t, http.StatusCreated, status)
	var scopedRaw = gjson.GetBytes(resp, "data.key").String()
	status, _, _ = env.do("GET", "/embed/"+widgetID+"?api_key="+scopedRaw, "", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _, _ = env.do("DELETE", "/api-keys/"+keyID, tok, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _, _ = env.do("GET", embed, "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = env.do("GET", "/embed/"+widgetID, "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestExecutionStatusStreamsOverLiveChannel(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")
	env.analytical.gate = make(chan struct{})

	status, _, resp := env.do("POST", "/workflows", tok, map[string]any{
		"name": "trades", "graph": passthroughGraph(),
	})
	require.Equal(t, http.StatusCreated, status, string(resp))
	var workflowID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/executions", tok, map[string]any{"workflow_id": workflowID})
	require.Equal(t, http.StatusAccepted, status, string(resp))
	var executionID = gjson.GetBytes(resp, "data.execution_id").String()
	require.NotEmpty(t, executionID)

	var wsURL = "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe", "channel": "execution:" + executionID,
	}))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if gjson.GetBytes(msg, "type").String() == "subscribed" {
			break
		}
	}

	// The pipeline is parked on its first store query; release it and watch
	// the status frames arrive.
	close(env.analytical.gate)

	var sawSourceCompleted, sawTableRows bool
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if gjson.GetBytes(msg, "type").String() == "table_rows" {
			require.Equal(t, "out", gjson.GetBytes(msg, "table").String())
			require.Equal(t, int64(4), gjson.GetBytes(msg, "rows.#").Int())
			sawTableRows = true
			continue
		}
		if gjson.GetBytes(msg, "type").String() != "execution_status" {
			continue
		}
		var nodeID = gjson.GetBytes(msg, "node_id").String()
		var frameStatus = gjson.GetBytes(msg, "status").String()
		require.Equal(t, executionID, gjson.GetBytes(msg, "execution_id").String())
		if nodeID == "src" && frameStatus == "completed" {
			sawSourceCompleted = true
		}
		if nodeID == hub.NodeWorkflow && frameStatus == "completed" {
			break
		}
	}
	require.True(t, sawSourceCompleted)
	require.True(t, sawTableRows)

	require.Eventually(t, func() bool {
		code, _, body := env.do("GET", "/executions/"+executionID, tok, nil)
		return code == http.StatusOK && gjson.GetBytes(body, "data.status").String() == "completed"
	}, 5*time.Second, 50*time.Millisecond)

	// The record is tenant scoped like everything else.
	status, _, _ = env.do("GET", "/executions/"+executionID, env.token("t2"), nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCancelExecutionConflictsWhenFinished(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	status, _, resp := env.do("POST", "/workflows", tok, map[string]any{
		"name": "trades", "graph": passthroughGraph(),
	})
	require.Equal(t, http.StatusCreated, status)
	var workflowID = gjson.GetBytes(resp, "data.id").String()

	status, _, resp = env.do("POST", "/executions", tok, map[string]any{"workflow_id": workflowID})
	require.Equal(t, http.StatusAccepted, status)
	var executionID = gjson.GetBytes(resp, "data.execution_id").String()

	require.Eventually(t, func() bool {
		code, _, body := env.do("GET", "/executions/"+executionID, tok, nil)
		return code == http.StatusOK && gjson.GetBytes(body, "data.status").String() == "completed"
	}, 5*time.Second, 50*time.Millisecond)

	status, _, resp = env.do("POST", "/executions/"+executionID+"/cancel", tok, nil)
	require.Equal(t, http.StatusConflict, status, string(resp))
	require.Equal(t, "conflict", gjson.GetBytes(resp, "error.code").String())

	status, _, _ = env.do("POST", "/executions/"+fmt.Sprintf("%s-missing", executionID)+"/cancel", tok, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestSchemaEndpointServesCatalog(t *testing.T) {
	var env = newEnv(t)
	var tok = env.token("t1")

	status, _, resp := env.do("GET", "/schema", tok, nil)
	require.Equal(t, http.StatusOK, status, string(resp))
	var tables = gjson.GetBytes(resp, "data.tables").Array()
	require.Len(t, tables, 1)
	require.Equal(t, "trades", tables[0].Get("table").String())
	require.Len(t, tables[0].Get("columns").Array(), 3)

	status, _, resp = env.do("POST", "/schema/refresh", tok, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, gjson.GetBytes(resp, "data.refreshed_at").String())
}

func TestHealthReady(t *testing.T) {
	var env = newEnv(t)

	status, _, resp := env.do("GET", "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, status, string(resp))
	require.Equal(t, "ready", gjson.GetBytes(resp, "data.status").String())

	// A fast-store outage turns readiness away.
	env.mr.Close()
	status, _, resp = env.do("GET", "/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "store_error", gjson.GetBytes(resp, "error.code").String())
}
