package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/router"
)

// TTLs are per-target-store cache lifetimes. Live-store results go stale in
// seconds; analytical results survive minutes.
type TTLs struct {
	Analytical time.Duration
	Live       time.Duration
	Point      time.Duration
}

// Budgets bound each request class at the stores.
type Budgets struct {
	Preview router.Budget
	Widget  router.Budget
}

// Config tunes the executor. Zero values take the defaults below.
type Config struct {
	// Namespace prefixes every fast-store key this process writes.
	Namespace string
	// DefaultLimit applies when a request carries no limit.
	DefaultLimit int64
	// HardCapRows bounds any requested limit.
	HardCapRows int64
	// PlanCacheSize is the compiled-plan LRU capacity.
	PlanCacheSize int

	TTLs     TTLs
	Budgets  Budgets
	Compiler compiler.Options
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "tessera"
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 100
	}
	if c.HardCapRows <= 0 {
		c.HardCapRows = 10_000
	}
	if c.PlanCacheSize <= 0 {
		c.PlanCacheSize = 512
	}
	if c.TTLs.Analytical <= 0 {
		c.TTLs.Analytical = 5 * time.Minute
	}
	if c.TTLs.Live <= 0 {
		c.TTLs.Live = 5 * time.Second
	}
	if c.TTLs.Point <= 0 {
		c.TTLs.Point = 2 * time.Second
	}
	if c.Budgets.Preview == (router.Budget{}) {
		c.Budgets.Preview = router.Budget{
			WallTime:       3 * time.Second,
			MaxMemoryBytes: 100 << 20,
			MaxScanRows:    10_000_000,
		}
	}
	if c.Budgets.Widget == (router.Budget{}) {
		c.Budgets.Widget = router.Budget{
			WallTime:       30 * time.Second,
			MaxMemoryBytes: 500 << 20,
			MaxScanRows:    50_000_000,
		}
	}
	return c
}

// Response is the augmented query result handed back to the request layer.
type Response struct {
	Columns     []router.ResultColumn `json:"columns"`
	Rows        []map[string]any      `json:"rows"`
	TotalRows   int64                 `json:"total_rows"`
	ExecutionMS int64                 `json:"execution_ms"`
	CacheHit    bool                  `json:"cache_hit"`
	Offset      int64                 `json:"offset"`
	Limit       int64                 `json:"limit"`
	ChartConfig map[string]any        `json:"chart_config,omitempty"`
}

// cachedResult is the portion of a Response persisted in the fast store.
// Timing and hit state are per-request, never cached.
type cachedResult struct {
	Columns     []router.ResultColumn `json:"columns"`
	Rows        []map[string]any      `json:"rows"`
	TotalRows   int64                 `json:"total_rows"`
	ChartConfig map[string]any        `json:"chart_config,omitempty"`
}

// Executor is the read-through cache in front of the compiler and router.
// A nil fast-store client disables caching; everything still executes.
type Executor struct {
	client *redis.Client
	router *router.Router
	cfg    Config

	group singleflight.Group
	plans *lru.Cache[string, *compiler.Plan]
}

func NewExecutor(client *redis.Client, r *router.Router, cfg Config) (*Executor, error) {
	cfg = cfg.withDefaults()
	plans, err := lru.New[string, *compiler.Plan](cfg.PlanCacheSize)
	if err != nil {
		return nil, err
	}
	return &Executor{client: client, router: r, cfg: cfg, plans: plans}, nil
}

// Query resolves one request: fingerprint, cache probe, and on miss a
// single-flighted compile + dispatch with write-back. Cache failures are
// logged and absorbed; only compile and store errors surface.
func (e *Executor) Query(ctx context.Context, req Request) (*Response, error) {
	var started = time.Now()

	req.Offset = max(req.Offset, 0)
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	req.Limit = min(req.Limit, e.cfg.HardCapRows)
	if req.Path == "" {
		req.Path = PathPreview
	}

	fp, err := Fingerprint(req)
	if err != nil {
		return nil, err
	}
	var key = fmt.Sprintf("%s:%s:%s", e.cfg.Namespace, req.Path, fp)

	if cached, ok := e.readCache(ctx, key); ok {
		cacheHits.WithLabelValues(string(req.Path)).Inc()
		return e.respond(cached, req, true, started), nil
	}
	cacheMisses.WithLabelValues(string(req.Path)).Inc()

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.execute(ctx, req, fp, key)
	})
	if err != nil {
		return nil, err
	}
	return e.respond(v.(*cachedResult), req, false, started), nil
}

func (e *Executor) respond(r *cachedResult, req Request, hit bool, started time.Time) *Response {
	return &Response{
		Columns:     r.Columns,
		Rows:        r.Rows,
		TotalRows:   r.TotalRows,
		ExecutionMS: time.Since(started).Milliseconds(),
		CacheHit:    hit,
		Offset:      req.Offset,
		Limit:       req.Limit,
		ChartConfig: r.ChartConfig,
	}
}

func (e *Executor) execute(ctx context.Context, req Request, fp, key string) (*cachedResult, error) {
	var plan, err = e.plan(req, fp)
	if err != nil {
		return nil, err
	}
	var base = plan.Segments[len(plan.Segments)-1]

	paged, err := base.Page(req.Limit, req.Offset, req.Filters)
	if err != nil {
		return nil, err
	}

	var budget = e.cfg.Budgets.Preview
	if req.Path == PathWidget {
		budget = e.cfg.Budgets.Widget
	}

	result, err := e.router.Execute(ctx, paged, budget)
	if err != nil {
		return nil, err
	}

	var out = &cachedResult{
		Columns:     result.Columns,
		Rows:        result.Rows,
		TotalRows:   result.TotalRows,
		ChartConfig: base.ChartConfig,
	}
	e.writeCache(ctx, key, out, e.ttlFor(base.TargetStore))
	return out, nil
}

// plan memoizes compilation by fingerprint. Paging and runtime filters are
// layered over the memoized segment, never baked into it.
func (e *Executor) plan(req Request, fp string) (*compiler.Plan, error) {
	if plan, ok := e.plans.Get(fp); ok {
		return plan, nil
	}

	var g = req.Graph
	if len(req.Overrides) > 0 {
		var err error
		if g, err = overrideNode(g, req.TargetNodeID, req.Overrides); err != nil {
			return nil, err
		}
	}
	plan, err := compiler.CompileTarget(g, req.TargetNodeID, e.cfg.Compiler)
	if err != nil {
		return nil, err
	}
	e.plans.Add(fp, plan)
	return plan, nil
}

// overrideNode overlays a widget's config_overrides onto the target node as
// an RFC 7386 merge patch, on a copy of the graph.
func overrideNode(g *graph.Graph, target string, overrides map[string]any) (*graph.Graph, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("cloning graph: %w", err)
	}
	clone, err := graph.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("cloning graph: %w", err)
	}

	node, ok := clone.NodeByID(target)
	if !ok {
		return nil, fmt.Errorf("target node %q not in graph", target)
	}
	original, err := json.Marshal(node.Config)
	if err != nil {
		return nil, err
	}
	patch, err := json.Marshal(overrides)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, fmt.Errorf("merging config overrides for node %q: %w", target, err)
	}
	var config map[string]any
	if err := json.Unmarshal(merged, &config); err != nil {
		return nil, err
	}
	if err := node.SetConfig(config); err != nil {
		return nil, err
	}
	return clone, nil
}

func (e *Executor) ttlFor(store compiler.TargetStore) time.Duration {
	switch store {
	case compiler.StoreLive:
		return e.cfg.TTLs.Live
	case compiler.StorePoint:
		return e.cfg.TTLs.Point
	default:
		return e.cfg.TTLs.Analytical
	}
}

func (e *Executor) readCache(ctx context.Context, key string) (*cachedResult, bool) {
	if e.client == nil {
		return nil, false
	}
	raw, err := e.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	} else if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache read failed; executing without cache")
		return nil, false
	}
	var cached cachedResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache entry is not decodable; ignoring")
		return nil, false
	}
	return &cached, true
}

func (e *Executor) writeCache(ctx context.Context, key string, result *cachedResult, ttl time.Duration) {
	if e.client == nil {
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache entry is not encodable; skipping write")
		return
	}
	if err := e.client.Set(ctx, key, b, ttl).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache write failed; result served uncached")
	}
}
