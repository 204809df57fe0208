package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jessevdk/go-flags"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-analytics/tessera/go/cache"
	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/graph"
	"github.com/tessera-analytics/tessera/go/hub"
	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/runtime"
	"github.com/tessera-analytics/tessera/go/service"
	"github.com/tessera-analytics/tessera/go/store"
)

// Config is the top-level configuration object of a tessera API server.
var Config = new(struct {
	HTTP struct {
		Port        uint16   `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP and websocket requests"`
		CORSOrigins []string `long:"cors-origin" env:"CORS_ORIGINS" env-delim:"," description:"Allowed CORS origins; pass * to allow all"`
	} `group:"HTTP" namespace:"http" env-namespace:"HTTP"`

	Auth struct {
		SigningKey string `long:"signing-key" env:"SIGNING_KEY" required:"true" description:"HMAC key for signing and verifying bearer tokens"`
	} `group:"Auth" namespace:"auth" env-namespace:"AUTH"`

	Metadata struct {
		Driver string `long:"driver" env:"DRIVER" default:"postgres" choice:"postgres" choice:"sqlite3" description:"Relational store driver"`
		DSN    string `long:"dsn" env:"DSN" required:"true" description:"Relational store connection string"`
	} `group:"Metadata" namespace:"metadata" env-namespace:"METADATA"`

	Analytical struct {
		Endpoint string `long:"endpoint" env:"ENDPOINT" description:"Analytical store HTTP endpoint; empty disables the store"`
		Database string `long:"database" env:"DATABASE" default:"default" description:"Analytical store database"`
		User     string `long:"user" env:"USER" default:"default" description:"Analytical store user"`
		Password string `long:"password" env:"PASSWORD" description:"Analytical store password"`
	} `group:"Analytical" namespace:"analytical" env-namespace:"ANALYTICAL"`

	Live struct {
		DSN string `long:"dsn" env:"DSN" description:"Live store PG-wire connection string; empty disables the store"`
	} `group:"Live" namespace:"live" env-namespace:"LIVE"`

	Fast struct {
		Addr      string `long:"addr" env:"ADDR" default:"localhost:6379" description:"Fast store address"`
		Password  string `long:"password" env:"PASSWORD" description:"Fast store password"`
		DB        int    `long:"db" env:"DB" default:"0" description:"Fast store database number"`
		Namespace string `long:"namespace" env:"NAMESPACE" default:"tessera" description:"Key and channel namespace"`
	} `group:"Fast store" namespace:"fast" env-namespace:"FAST"`

	Refresh struct {
		CatalogCron    string  `long:"catalog-cron" env:"CATALOG_CRON" default:"@every 10m" description:"Schedule for re-probing backing store catalogs"`
		PollResyncCron string  `long:"poll-resync-cron" env:"POLL_RESYNC_CRON" default:"@every 1m" description:"Schedule for resyncing live widget poll workers"`
		PollsPerSecond float64 `long:"polls-per-second" env:"POLLS_PER_SECOND" default:"50" description:"Global live-widget polling rate"`
	} `group:"Refresh" namespace:"refresh" env-namespace:"REFRESH"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog(Config.Log)
	log.WithField("port", Config.HTTP.Port).Info("tessera-api configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var ns = Config.Fast.Namespace

	db, err := sqlx.Connect(Config.Metadata.Driver, Config.Metadata.DSN)
	if err != nil {
		return fmt.Errorf("connecting to relational store: %w", err)
	}
	defer db.Close()
	var st = store.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring relational schema: %w", err)
	}

	var fast = redis.NewClient(&redis.Options{
		Addr:     Config.Fast.Addr,
		Password: Config.Fast.Password,
		DB:       Config.Fast.DB,
	})
	defer fast.Close()

	var analytical router.SQLClient
	if Config.Analytical.Endpoint != "" {
		analytical = router.NewClickHouseClient(
			Config.Analytical.Endpoint, Config.Analytical.Database,
			Config.Analytical.User, Config.Analytical.Password)
	}
	var live router.SQLClient
	if Config.Live.DSN != "" {
		pool, err := pgxpool.New(ctx, Config.Live.DSN)
		if err != nil {
			return fmt.Errorf("connecting to live store: %w", err)
		}
		defer pool.Close()
		live = router.NewQuestDBClient(pool)
	}
	var rtr = router.New(analytical, live, router.NewRedisPoint(fast))

	executor, err := cache.NewExecutor(fast, rtr, cache.Config{Namespace: ns})
	if err != nil {
		return fmt.Errorf("building executor: %w", err)
	}
	var catalog = cache.NewCatalogCache(rtr, fast, ns, 0)

	var h = hub.New(ns)
	var bus = hub.NewBus(fast, ns)
	var publisher = hub.NewStatusPublisher(bus, ns)
	var records = runtime.NewRecordStore(fast, ns, 0)
	var pipeline = runtime.NewPipeline(rtr, records, publisher, router.Budget{
		WallTime:       30 * time.Second,
		MaxMemoryBytes: 500 << 20,
		MaxScanRows:    50_000_000,
	}, compiler.Options{})
	var poller = hub.NewPoller(publisher, 0, Config.Refresh.PollsPerSecond)

	var auth = service.NewAuthorizer([]byte(Config.Auth.SigningKey))
	var limiter = service.NewRateLimiter(fast, ns, time.Minute, 60)
	var ws = hub.NewWSHandler(h, auth.Authenticate)

	var srv = service.NewServer(service.Config{
		Namespace:   ns,
		CORSOrigins: Config.HTTP.CORSOrigins,
	}, auth, st, executor, catalog, pipeline, records, limiter, ws, fast)

	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.HTTP.Port),
		Handler: srv.Handler(),
	}

	var sched = cron.New()
	if _, err := sched.AddFunc(Config.Refresh.CatalogCron, func() {
		if _, err := catalog.Refresh(ctx); err != nil {
			log.WithError(err).Warn("scheduled catalog refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling catalog refresh: %w", err)
	}
	var watcher = &pollWatcher{store: st, executor: executor, poller: poller}
	if _, err := sched.AddFunc(Config.Refresh.PollResyncCron, func() { watcher.resync(ctx) }); err != nil {
		return fmt.Errorf("scheduling poll resync: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Warm the catalog and start the first poll workers before serving.
	if _, err := catalog.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial catalog probe failed; continuing")
	}
	watcher.resync(ctx)
	defer poller.Stop()

	go h.Heartbeat(ctx.Done(), 30*time.Second)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := bus.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("live channel bus: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("starting tessera-api")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		var signalCh = make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-ctx.Done():
			return nil
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown was not clean")
		}
		cancel()
		return nil
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	pipeline.Wait()

	log.Info("goodbye")
	return nil
}

// pollWatcher reconciles running poll workers with the widgets that want
// auto refresh, across all tenants.
type pollWatcher struct {
	store    *store.Store
	executor *cache.Executor
	poller   *hub.Poller

	mu      sync.Mutex
	watched map[string]bool
}

func (w *pollWatcher) resync(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var widgets, err = w.store.ListAutoRefreshWidgets(ctx)
	if err != nil {
		log.WithError(err).Warn("listing auto-refresh widgets failed; keeping current workers")
		return
	}

	var current = make(map[string]bool, len(widgets))
	for _, widget := range widgets {
		current[widget.ID] = true
		if w.watched[widget.ID] {
			continue
		}
		var interval = time.Duration(*widget.AutoRefreshInterval) * time.Second
		w.poller.Watch(ctx, widget.TenantID, widget.ID, interval, w.pollFunc(widget))
	}
	for id := range w.watched {
		if !current[id] {
			w.poller.Unwatch(id)
		}
	}
	w.watched = current
}

// pollFunc resolves the widget's workflow on every poll, so edits to the
// workflow or widget take effect without restarting the worker.
func (w *pollWatcher) pollFunc(widget store.AutoRefreshWidget) hub.PollFunc {
	return func(ctx context.Context) (any, error) {
		stored, err := w.store.GetWidget(ctx, widget.TenantID, widget.ID)
		if err != nil {
			return nil, err
		}
		workflow, err := w.store.GetWorkflow(ctx, widget.TenantID, stored.SourceWorkflowID)
		if err != nil {
			return nil, err
		}
		g, err := graph.Parse(workflow.Graph)
		if err != nil {
			return nil, err
		}
		var overrides map[string]any
		if len(stored.ConfigOverrides) > 0 {
			if err := json.Unmarshal(stored.ConfigOverrides, &overrides); err != nil {
				return nil, err
			}
		}
		return w.executor.Query(ctx, cache.Request{
			TenantID:     widget.TenantID,
			TargetNodeID: stored.SourceNodeID,
			Graph:        g,
			Overrides:    overrides,
			Path:         cache.PathWidget,
		})
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the tessera API", `
Serve the tessera API with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("mint-token", "Mint a tenant bearer token", `
Mint a signed bearer token for a tenant principal, for provisioning and
local development.
`, &cmdMintToken{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

type cmdMintToken struct {
	Tenant  string        `long:"tenant" required:"true" description:"Tenant id the token is scoped to"`
	Subject string        `long:"subject" default:"cli" description:"Token subject"`
	TTL     time.Duration `long:"ttl" default:"24h" description:"Token lifetime"`
}

func (c *cmdMintToken) Execute(_ []string) error {
	initLog(Config.Log)
	var auth = service.NewAuthorizer([]byte(Config.Auth.SigningKey))
	token, err := auth.Sign(c.Tenant, c.Subject, c.TTL)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Println(token)
	return nil
}
