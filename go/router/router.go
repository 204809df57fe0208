// Package router dispatches compiled segments to their backing stores and
// is the single point of knowledge about store clients. Results come back
// in one uniform shape regardless of the store that produced them.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/schema"
)

// ResultColumn is one column of a query result.
type ResultColumn struct {
	Name  string       `json:"name"`
	Dtype schema.Dtype `json:"dtype"`
}

// QueryResult is the uniform result shape of every dispatch.
type QueryResult struct {
	Columns     []ResultColumn       `json:"columns"`
	Rows        []map[string]any     `json:"rows"`
	TotalRows   int64                `json:"total_rows"`
	SourceStore compiler.TargetStore `json:"source_store"`
}

// Budget bounds one store dispatch. WallTime doubles as the cancellation
// deadline of the call's context.
type Budget struct {
	WallTime time.Duration
	MaxMemoryBytes int64
	MaxScanRows    int64
}

// SQLClient executes one rendered statement against a SQL-speaking store.
type SQLClient interface {
	Query(ctx context.Context, sql string, params []compiler.Param, budget Budget) (*QueryResult, error)
}

// KVClient resolves point lookups against the key-value store.
type KVClient interface {
	Lookup(ctx context.Context, table, key string) (map[string]any, error)
}

// RouterError kinds.
const (
	KindUnknownTarget    = "unknown_target"
	KindStoreUnavailable = "store_unavailable"
	KindQueryFailed      = "query_failed"
)

// RouterError reports a dispatch failure. The router never retries;
// KindUnknownTarget is never retryable, the store kinds are retryable only
// at the caller's discretion.
type RouterError struct {
	Kind   string
	Target compiler.TargetStore
	Err    error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router: %s (%s): %v", e.Kind, e.Target, e.Err)
}

func (e *RouterError) Unwrap() error { return e.Err }

// Router dispatches segments by target store.
type Router struct {
	analytical SQLClient
	live       SQLClient
	point      KVClient
}

// New builds a Router over the given store clients. A nil client makes its
// store an unknown target.
func New(analytical, live SQLClient, point KVClient) *Router {
	return &Router{analytical: analytical, live: live, point: point}
}

// Execute dispatches one segment, recording timing and row count.
func (r *Router) Execute(ctx context.Context, seg *compiler.Segment, budget Budget) (*QueryResult, error) {
	var started = time.Now()
	var result *QueryResult
	var err error

	switch seg.TargetStore {
	case compiler.StoreAnalytical:
		if r.analytical == nil {
			return nil, &RouterError{Kind: KindUnknownTarget, Target: seg.TargetStore,
				Err: fmt.Errorf("no analytical store configured")}
		}
		result, err = r.analytical.Query(ctx, seg.SQL, seg.Params, budget)
	case compiler.StoreLive:
		if r.live == nil {
			return nil, &RouterError{Kind: KindUnknownTarget, Target: seg.TargetStore,
				Err: fmt.Errorf("no live store configured")}
		}
		result, err = r.live.Query(ctx, seg.SQL, seg.Params, budget)
	case compiler.StorePoint:
		result, err = r.executePoint(ctx, seg)
	default:
		return nil, &RouterError{Kind: KindUnknownTarget, Target: seg.TargetStore,
			Err: fmt.Errorf("unknown target store %q", seg.TargetStore)}
	}

	var store = string(seg.TargetStore)
	if err != nil {
		queryErrorCounter.WithLabelValues(store).Inc()
		return nil, err
	}
	result.SourceStore = seg.TargetStore
	queryDurationHistogram.WithLabelValues(store).Observe(time.Since(started).Seconds())
	queryRowsCounter.WithLabelValues(store).Add(float64(len(result.Rows)))
	return result, nil
}

// ExecuteAll runs segments in submitted order, halting on the first
// failure. Observable side effects are never reordered.
func (r *Router) ExecuteAll(ctx context.Context, segments []*compiler.Segment, budget Budget) ([]*QueryResult, error) {
	var out = make([]*QueryResult, 0, len(segments))
	for _, seg := range segments {
		result, err := r.Execute(ctx, seg, budget)
		if err != nil {
			return out, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (r *Router) executePoint(ctx context.Context, seg *compiler.Segment) (*QueryResult, error) {
	if r.point == nil {
		return nil, &RouterError{Kind: KindUnknownTarget, Target: seg.TargetStore,
			Err: fmt.Errorf("no point store configured")}
	}
	if len(seg.Params) == 0 {
		return nil, &RouterError{Kind: KindQueryFailed, Target: seg.TargetStore,
			Err: fmt.Errorf("point lookup has no key parameter")}
	}
	var key = fmt.Sprintf("%v", seg.Params[0].Value)

	doc, err := r.point.Lookup(ctx, seg.Table, key)
	if err != nil {
		return nil, err
	}

	var result = &QueryResult{SourceStore: compiler.StorePoint}
	for _, c := range seg.Output {
		result.Columns = append(result.Columns, ResultColumn{Name: c.Name, Dtype: c.Dtype})
	}
	if doc != nil {
		var row = make(map[string]any, len(seg.Output))
		for _, c := range seg.Output {
			row[c.Name] = doc[c.Name]
		}
		result.Rows = []map[string]any{row}
		result.TotalRows = 1
	}
	return result, nil
}
