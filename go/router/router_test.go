package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/schema"
)

type fakeSQL struct {
	calls   []string
	results map[string]*QueryResult
	err     error
}

func (f *fakeSQL) Query(_ context.Context, sql string, _ []compiler.Param, _ Budget) (*QueryResult, error) {
	f.calls = append(f.calls, sql)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[sql]; ok {
		return r, nil
	}
	return &QueryResult{}, nil
}

func TestExecuteDispatchesByTargetStore(t *testing.T) {
	var analytical = &fakeSQL{results: map[string]*QueryResult{
		"SELECT 1": {Rows: []map[string]any{{"x": int64(1)}}, TotalRows: 1},
	}}
	var live = &fakeSQL{}
	var r = New(analytical, live, nil)

	result, err := r.Execute(context.Background(),
		&compiler.Segment{SQL: "SELECT 1", TargetStore: compiler.StoreAnalytical}, Budget{})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.TotalRows)
	require.Equal(t, compiler.StoreAnalytical, result.SourceStore)
	require.Equal(t, []string{"SELECT 1"}, analytical.calls)
	require.Empty(t, live.calls)
}

func TestExecuteUnknownTarget(t *testing.T) {
	var r = New(&fakeSQL{}, nil, nil)

	var _, err = r.Execute(context.Background(),
		&compiler.Segment{TargetStore: "warehouse"}, Budget{})
	var rErr *RouterError
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, KindUnknownTarget, rErr.Kind)

	// A configured-but-nil store is equally unknown.
	_, err = r.Execute(context.Background(),
		&compiler.Segment{TargetStore: compiler.StoreLive}, Budget{})
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, KindUnknownTarget, rErr.Kind)
}

func TestExecuteAllRunsInOrderAndHaltsOnFailure(t *testing.T) {
	var analytical = &fakeSQL{}
	var r = New(analytical, nil, nil)

	var segments = []*compiler.Segment{
		{SQL: "SELECT a", TargetStore: compiler.StoreAnalytical},
		{SQL: "SELECT b", TargetStore: compiler.StoreAnalytical},
		{SQL: "SELECT c", TargetStore: compiler.StoreLive}, // No live store: fails.
		{SQL: "SELECT d", TargetStore: compiler.StoreAnalytical},
	}
	results, err := r.ExecuteAll(context.Background(), segments, Budget{})
	require.Error(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []string{"SELECT a", "SELECT b"}, analytical.calls)
}

func TestClickHouseClientQuery(t *testing.T) {
	var gotQuery, gotParam, gotSettings string
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.FormValue("query")
		gotParam = r.FormValue("param_p0")
		gotSettings = r.URL.Query().Get("max_rows_to_read")
		fmt.Fprint(w, `{
			"meta": [{"name": "symbol", "type": "String"}, {"name": "price", "type": "Float64"}],
			"data": [{"symbol": "AAPL", "price": 151.0}, {"symbol": "AAPL", "price": 150.5}],
			"rows": 2
		}`)
	}))
	defer server.Close()

	var client = NewClickHouseClient(server.URL, "analytics", "default", "")
	result, err := client.Query(context.Background(),
		`SELECT "symbol", "price" FROM "trades" WHERE ("symbol" = {p0:String})`,
		[]compiler.Param{{Name: "p0", Dtype: schema.DtypeString, Value: "AAPL"}},
		Budget{WallTime: 3 * time.Second, MaxScanRows: 10_000_000})
	require.NoError(t, err)

	require.Contains(t, gotQuery, "FORMAT JSON")
	require.Equal(t, "AAPL", gotParam)
	require.Equal(t, "10000000", gotSettings)

	require.Equal(t, int64(2), result.TotalRows)
	require.Equal(t, []ResultColumn{
		{Name: "symbol", Dtype: schema.DtypeString},
		{Name: "price", Dtype: schema.DtypeFloat64},
	}, result.Columns)
	require.Equal(t, 151.0, result.Rows[0]["price"])
}

func TestClickHouseClientQueryFailure(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 47. DB::Exception: Missing columns", http.StatusNotFound)
	}))
	defer server.Close()

	var client = NewClickHouseClient(server.URL, "", "", "")
	var _, err = client.Query(context.Background(), "SELECT nope", nil, Budget{})
	var rErr *RouterError
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, KindQueryFailed, rErr.Kind)
	require.Contains(t, rErr.Error(), "Missing columns")
}

func TestClickHouseBreakerOpensOnConnectFailures(t *testing.T) {
	// Point at a server that is already closed.
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	var client = NewClickHouseClient(server.URL, "", "", "")
	for i := 0; i < 6; i++ {
		var _, err = client.Query(context.Background(), "SELECT 1", nil, Budget{})
		require.Error(t, err)
	}

	// The breaker is now open and short-circuits to store_unavailable.
	var _, err = client.Query(context.Background(), "SELECT 1", nil, Budget{})
	var rErr *RouterError
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, KindStoreUnavailable, rErr.Kind)
}

func TestRedisPointLookup(t *testing.T) {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mr.HSet("quotes:AAPL", "symbol", "AAPL")
	mr.HSet("quotes:AAPL", "last", "151.0")
	require.NoError(t, mr.Set("quotes:MSFT", `{"symbol": "MSFT", "last": 330.25}`))

	var point = NewRedisPoint(client)

	doc, err := point.Lookup(context.Background(), "quotes", "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", doc["symbol"])

	doc, err = point.Lookup(context.Background(), "quotes", "MSFT")
	require.NoError(t, err)
	require.Equal(t, 330.25, doc["last"])

	doc, err = point.Lookup(context.Background(), "quotes", "GOOG")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestRouterPointSegment(t *testing.T) {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.HSet("quotes:AAPL", "symbol", "AAPL")
	mr.HSet("quotes:AAPL", "last", "151.0")

	var r = New(nil, nil, NewRedisPoint(client))
	var seg = &compiler.Segment{
		TargetStore: compiler.StorePoint,
		Table:       "quotes",
		Key:         "symbol",
		Params:      []compiler.Param{{Name: "key", Dtype: schema.DtypeString, Value: "AAPL"}},
		Output: schema.Columns{
			{Name: "symbol", Dtype: schema.DtypeString},
			{Name: "last", Dtype: schema.DtypeFloat64},
		},
	}
	result, err := r.Execute(context.Background(), seg, Budget{})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.TotalRows)
	require.Equal(t, "AAPL", result.Rows[0]["symbol"])
}
