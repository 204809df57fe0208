package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/hub"
	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/schema"
)

var sqliteOpts = compiler.Options{AnalyticalDialect: compiler.SQLite, LiveDialect: compiler.SQLite}

type fakeStore struct {
	failOn  string
	blockOn chan struct{}
}

func (f *fakeStore) Query(ctx context.Context, sql string, _ []compiler.Param, _ router.Budget) (*router.QueryResult, error) {
	if f.blockOn != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.blockOn:
		}
	}
	if f.failOn != "" && sql == f.failOn {
		return nil, &router.RouterError{Kind: router.KindQueryFailed, Err: fmt.Errorf("boom")}
	}
	return &router.QueryResult{
		Columns:   []router.ResultColumn{{Name: "v", Dtype: schema.DtypeInt64}},
		Rows:      []map[string]any{{"v": int64(1)}},
		TotalRows: 1,
	}, nil
}

type capturedFrame struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

type fixture struct {
	pipeline *Pipeline
	records  *RecordStore
	frames   <-chan *redis.Message
}

func newFixture(t *testing.T, store *fakeStore) *fixture {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var sub = client.PSubscribe(context.Background(), "tessera:*")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	var records = NewRecordStore(client, "tessera", time.Hour)
	var publisher = hub.NewStatusPublisher(hub.NewBus(client, "tessera"), "tessera")
	var pipeline = NewPipeline(router.New(store, nil, nil), records, publisher, router.Budget{}, sqliteOpts)

	return &fixture{pipeline: pipeline, records: records, frames: sub.Channel()}
}

// threeSegmentGraph yields three independent source→output lineages, which
// compile into three segments in topological (id-sorted) order.
func threeSegmentGraph(t *testing.T) *graph.Graph {
	t.Helper()
	var nodes []graph.Node
	var edges []graph.Edge
	for i := 1; i <= 3; i++ {
		var src, out = fmt.Sprintf("src%d", i), fmt.Sprintf("out%d", i)
		nodes = append(nodes,
			graph.NewNode(src, graph.TypeDataSource, map[string]any{
				"table":   fmt.Sprintf("t%d", i),
				"columns": []any{map[string]any{"name": "v", "dtype": "int64"}},
			}),
			graph.NewNode(out, graph.TypeTableOutput, nil))
		edges = append(edges, graph.NewEdge(src, out))
	}
	var g, err = graph.New(nodes, edges)
	require.NoError(t, err)
	return g
}

// collectFrames reads frames until the predicate matches, returning status
// frames and the tables of any interleaved table_rows frames separately.
func collectFrames(t *testing.T, frames <-chan *redis.Message, until func(capturedFrame) bool) ([]capturedFrame, []string) {
	t.Helper()
	var out []capturedFrame
	var tables []string
	var deadline = time.After(5 * time.Second)
	for {
		select {
		case msg := <-frames:
			var f struct {
				Type string `json:"type"`
				capturedFrame
				Table string `json:"table"`
			}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &f))
			if f.Type == "table_rows" {
				tables = append(tables, f.Table)
				continue
			}
			out = append(out, f.capturedFrame)
			if until(f.capturedFrame) {
				return out, tables
			}
		case <-deadline:
			t.Fatalf("terminal frame never arrived; saw %v", out)
		}
	}
}

func TestPipelineStatusStreamOrder(t *testing.T) {
	var fix = newFixture(t, &fakeStore{})

	id, err := fix.pipeline.Start(context.Background(), "t1", "wf-1", threeSegmentGraph(t))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	frames, tables := collectFrames(t, fix.frames, func(f capturedFrame) bool {
		return f.NodeID == hub.NodeWorkflow && f.Status != "running"
	})

	var expect = []capturedFrame{
		{hub.NodeWorkflow, "running"},
		{hub.NodeCompiler, "running"},
		{hub.NodeCompiler, "completed"},
		{"src1", "running"},
		{"src1", "completed"},
		{"src2", "running"},
		{"src2", "completed"},
		{"src3", "running"},
		{"src3", "completed"},
		{hub.NodeWorkflow, "completed"},
	}
	require.Equal(t, expect, frames)
	// Each table sink streams its rows after the owning segment completes.
	require.Equal(t, []string{"out1", "out2", "out3"}, tables)

	fix.pipeline.Wait()
	rec, err := fix.records.Get(context.Background(), "t1", id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, StatusCompleted, rec.NodeStatuses["src1"].Status)
	require.Equal(t, int64(1), *rec.NodeStatuses["src1"].RowsProcessed)
}

func TestPipelineHaltsOnSegmentFailure(t *testing.T) {
	var store = &fakeStore{failOn: `SELECT "v" FROM "t2" LIMIT 10000`}
	var fix = newFixture(t, store)

	id, err := fix.pipeline.Start(context.Background(), "t1", "wf-1", threeSegmentGraph(t))
	require.NoError(t, err)

	frames, tables := collectFrames(t, fix.frames, func(f capturedFrame) bool {
		return f.NodeID == hub.NodeWorkflow && f.Status != "running"
	})
	require.Equal(t, capturedFrame{hub.NodeWorkflow, "failed"}, frames[len(frames)-1])
	require.Contains(t, frames, capturedFrame{"src2", "failed"})
	require.NotContains(t, frames, capturedFrame{"src3", "running"})
	require.Equal(t, []string{"out1"}, tables)

	fix.pipeline.Wait()
	rec, err := fix.records.Get(context.Background(), "t1", id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, StatusCompleted, rec.NodeStatuses["src1"].Status)
	require.Equal(t, StatusFailed, rec.NodeStatuses["src2"].Status)
	require.Equal(t, StatusSkipped, rec.NodeStatuses["src3"].Status)
	require.NotEmpty(t, rec.NodeStatuses["src2"].Error)
}

func TestPipelineCancelPublishesOneTerminalFrame(t *testing.T) {
	var store = &fakeStore{blockOn: make(chan struct{})}
	var fix = newFixture(t, store)

	id, err := fix.pipeline.Start(context.Background(), "t1", "wf-1", threeSegmentGraph(t))
	require.NoError(t, err)

	// Wait for the first segment to start before cancelling.
	collectFrames(t, fix.frames, func(f capturedFrame) bool {
		return f.NodeID == "src1" && f.Status == "running"
	})
	require.NoError(t, fix.pipeline.Cancel(context.Background(), "t1", id))
	fix.pipeline.Wait()

	frames, _ := collectFrames(t, fix.frames, func(f capturedFrame) bool {
		return f.NodeID == hub.NodeWorkflow
	})
	require.Equal(t, capturedFrame{hub.NodeWorkflow, "cancelled"}, frames[len(frames)-1])

	// No second terminal frame follows.
	select {
	case msg := <-fix.frames:
		var f capturedFrame
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &f))
		require.NotEqual(t, hub.NodeWorkflow, f.NodeID)
	case <-time.After(200 * time.Millisecond):
	}

	rec, err := fix.records.Get(context.Background(), "t1", id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, rec.Status)

	// Cancelling a finished execution reports not running.
	require.ErrorIs(t, fix.pipeline.Cancel(context.Background(), "t1", id), ErrNotRunning)
}

func TestRecordStoreRoundTrip(t *testing.T) {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	var store = NewRecordStore(client, "tessera", time.Hour)

	var rec = &Record{
		ID: "e1", WorkflowID: "wf", TenantID: "t1",
		Status: StatusPending, StartedAt: time.Now().UTC(),
		NodeStatuses: map[string]NodeStatus{},
	}
	require.NoError(t, store.Create(context.Background(), rec))

	got, err := store.Get(context.Background(), "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	// Tenants do not share records.
	_, err = store.Get(context.Background(), "t2", "e1")
	require.ErrorIs(t, err, ErrRecordNotFound)

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(context.Background(), "t1", "e1")
	require.ErrorIs(t, err, ErrRecordNotFound)
}
