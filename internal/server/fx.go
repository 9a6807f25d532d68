// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/api"
	"github.com/JakeFAU/statcache/internal/clock/system"
	"github.com/JakeFAU/statcache/internal/config"
	collyfetcher "github.com/JakeFAU/statcache/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/statcache/internal/fetcher/headless"
	"github.com/JakeFAU/statcache/internal/hash/sha256"
	"github.com/JakeFAU/statcache/internal/headless/detector"
	"github.com/JakeFAU/statcache/internal/id/uuid"
	"github.com/JakeFAU/statcache/internal/logging"
	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/statcache/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/statcache/internal/publisher/pubsub"
	"github.com/JakeFAU/statcache/internal/refresh"
	"github.com/JakeFAU/statcache/internal/remote"
	"github.com/JakeFAU/statcache/internal/scraper"
	"github.com/JakeFAU/statcache/internal/statcache"
	gcsstorage "github.com/JakeFAU/statcache/internal/storage/gcs"
	localstorage "github.com/JakeFAU/statcache/internal/storage/local"
	memorystorage "github.com/JakeFAU/statcache/internal/storage/memory"
	pgstore "github.com/JakeFAU/statcache/internal/storage/postgres"
	"github.com/JakeFAU/statcache/internal/telemetry"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// eventTopic names the in-process feed when no Pub/Sub topic is configured.
const eventTopic = "statcache.refresh"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	clock           statcache.Clock
	store           statcache.Store
	coordinator     *refresh.Coordinator
	apiServer       *api.Server
	events          *memorypublisher.Publisher
	browserPool     *headlessfetcher.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	refreshStore    *pgstore.RefreshStore
	tracerShutdown  func(context.Context) error
	ready           atomic.Bool
	closed          atomic.Bool
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Log only non-sensitive fields.
	type sanitizedConfig struct {
		ServerPort int            `json:"server_port"`
		Mode       statcache.Mode `json:"mode"`
		Backend    string         `json:"backend"`
		TTLMinutes int            `json:"ttl_minutes"`
		Snapshots  int            `json:"snapshots"`
	}
	logger.Info("Creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Mode:       cfg.Mode(),
		Backend:    cfg.Cache.Backend,
		TTLMinutes: cfg.Cache.TTLMinutes,
		Snapshots:  len(cfg.SnapshotURLs()),
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Coordinator returns the refresh coordinator.
func (a *App) Coordinator() *refresh.Coordinator { return a.coordinator }

// Store returns the cache store.
func (a *App) Store() statcache.Store { return a.store }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Get resolves one key through the coordinator.
func (a *App) Get(ctx context.Context, key string) (statcache.Entry, error) {
	return a.coordinator.GetOrRefresh(ctx, key)
}

// Keys lists the keys currently in the store.
func (a *App) Keys() []string { return a.store.ListKeys() }

// Warm refreshes keys with bounded parallelism. A parallelism of zero uses
// cache.warm_parallelism.
func (a *App) Warm(ctx context.Context, keys []string, parallelism int) []refresh.WarmResult {
	if parallelism <= 0 {
		parallelism = a.cfg.Cache.WarmParallelism
	}
	return a.coordinator.Warm(ctx, keys, parallelism)
}

// Ready reports whether startup seeding and warming have finished.
func (a *App) Ready() bool { return a.ready.Load() }

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("mode", string(a.coordinator.Mode())))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.Startup(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Startup seeds the store from configured snapshots, warms cache.warm_keys
// once and then marks the app ready. It never fails; problems are logged.
func (a *App) Startup(ctx context.Context) {
	defer a.ready.Store(true)

	if len(a.cfg.SnapshotURLs()) > 0 {
		n, err := a.coordinator.Seed(ctx)
		if err != nil {
			a.logger.Warn("snapshot seed failed", zap.Error(err))
		} else {
			a.logger.Info("snapshot seed complete", zap.Int("keys", n))
		}
	}

	if len(a.cfg.Cache.WarmKeys) == 0 {
		return
	}
	results := a.coordinator.Warm(ctx, a.cfg.Cache.WarmKeys, a.cfg.Cache.WarmParallelism)
	warmed := 0
	for _, res := range results {
		if res.Err != nil {
			a.logger.Warn("warm failed", zap.String("key", res.Key), zap.Error(res.Err))
			continue
		}
		warmed++
	}
	a.logger.Info("warm complete", zap.Int("warmed", warmed), zap.Int("requested", len(results)))
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.browserPool != nil {
		a.browserPool.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.refreshStore != nil {
		a.refreshStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
		LogSpans:    cfg.Telemetry.LogSpans,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")
	app.clock = system.New()

	if err = setupStore(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	snapshots, err := setupSnapshots(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	fetcher, err := setupFetcher(app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	opts := []refresh.Option{
		refresh.WithSnapshots(snapshots),
		refresh.WithRetryPolicy(refresh.NewExponentialRetryPolicy(refresh.RetryConfig{
			Retries:   cfg.Retry.Attempts,
			BaseDelay: cfg.BackoffBase(),
			MaxDelay:  cfg.BackoffMax(),
		})),
		refresh.WithPublisher(publisher),
		refresh.WithHasher(sha256.New()),
		refresh.WithIDGenerator(uuid.New()),
	}
	if app.refreshStore != nil {
		opts = append(opts, refresh.WithRecorder(app.refreshStore))
	}
	app.coordinator, err = refresh.New(refresh.Config{
		Mode:            cfg.Mode(),
		TTLMinutes:      cfg.Cache.TTLMinutes,
		SnapshotURLs:    cfg.SnapshotURLs(),
		SnapshotTimeout: cfg.RemoteTimeout(),
		NotifyTopic:     topic,
	}, app.store, fetcher, app.clock, app.logger, opts...)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	apiOpts := []api.Option{
		api.WithEvents(app.events),
		api.WithReadiness(app.Ready),
	}
	if app.refreshStore != nil {
		apiOpts = append(apiOpts, api.WithHistory(app.refreshStore))
	}
	app.apiServer = api.NewServer(app.coordinator, app.store, app.clock, *cfg, app.logger, apiOpts...)

	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	switch app.cfg.Cache.Backend {
	case "memory":
		app.logger.Info("using in-memory cache backend")
		app.store = memorystorage.NewCacheStore()
	default:
		store, err := localstorage.New(localstorage.Config{
			Dir:               app.cfg.Cache.Dir,
			FileName:          app.cfg.Cache.FileName,
			DefaultTTLMinutes: app.cfg.Cache.TTLMinutes,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("cache store init failed: %w", err)
		}
		app.logger.Info("using file cache backend", zap.String("path", store.Path()))
		app.store = store
	}
	entries, err := app.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("cache load failed: %w", err)
	}
	app.logger.Info("cache loaded", zap.Int("keys", len(entries)))
	return nil
}

func setupSnapshots(ctx context.Context, app *App) (*remote.Client, error) {
	var objects remote.ObjectReader
	if needsGCS(app.cfg.SnapshotURLs()) {
		if err := app.ensureStorageClient(ctx); err != nil {
			return nil, err
		}
		objects = gcsstorage.NewURIReader(app.storage)
	}
	return remote.New(remote.Config{
		DefaultTTLMinutes: app.cfg.Cache.TTLMinutes,
		UserAgent:         app.cfg.Fetch.UserAgent,
		Clock:             app.clock,
	}, &http.Client{}, objects, app.logger), nil
}

func needsGCS(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "gs://") {
			return true
		}
	}
	return false
}

func (a *App) ensureStorageClient(ctx context.Context) error {
	if a.storage != nil {
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client init failed: %w", err)
	}
	a.storage = client
	a.logger.Info("GCS client initialized")
	return nil
}

func setupFetcher(app *App) (statcache.Fetcher, error) {
	if app.cfg.Mode() != statcache.ModeLive {
		app.logger.Info("cache-only mode, live fetching disabled")
		return nil, nil
	}
	fc := app.cfg.Fetch
	userAgent := fc.UserAgent
	if userAgent == "" {
		userAgent = headlessfetcher.DesktopUserAgent
		if fc.MobileUserAgent {
			userAgent = headlessfetcher.MobileUserAgent
		}
	}

	var static scraper.PageLoader
	if fc.StaticFallback {
		static = collyfetcher.New(collyfetcher.Config{
			UserAgent: userAgent,
			Referer:   fc.BaseURL,
			Timeout:   app.cfg.AttemptTimeout(),
		})
		app.logger.Info("static page loader enabled")
	}

	var primary scraper.PageLoader
	opts := []scraper.Option{scraper.WithShellDetector(detector.NewHeuristic(0))}
	if fc.BrowserEnabled {
		pool, err := headlessfetcher.NewPool(headlessfetcher.Config{
			PoolSize:          fc.PoolSize,
			UserAgent:         userAgent,
			NavigationTimeout: app.cfg.AttemptTimeout(),
			ExecPath:          fc.ChromePath,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("browser pool init failed: %w", err)
		}
		app.browserPool = pool
		primary = pool
		if static != nil {
			opts = append(opts, scraper.WithFallback(static))
		}
		app.logger.Info("using headless browser pool", zap.Int("pool_size", fc.PoolSize))
	} else {
		primary = static
		app.logger.Info("browser disabled, using static page loader only")
	}

	if fc.DomainQPS > 0 {
		opts = append(opts, scraper.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   fc.DomainQPS,
			DefaultBurst: fc.DomainBurst,
		})))
		app.logger.Info("rate limiter enabled",
			zap.Float64("domain_qps", fc.DomainQPS),
			zap.Int("domain_burst", fc.DomainBurst),
		)
	}

	s, err := scraper.New(scraper.Config{
		BaseURL:        fc.BaseURL,
		AttemptTimeout: app.cfg.AttemptTimeout(),
		FillDetail:     fc.FillDetail,
	}, primary, app.clock, app.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}
	return s, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, refresh audit disabled")
		return nil
	}
	store, err := pgstore.NewRefreshStore(ctx, pgstore.RefreshStoreConfig{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("refresh store init failed: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return fmt.Errorf("refresh store schema failed: %w", err)
	}
	app.refreshStore = store
	app.logger.Info("refresh store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

// setupPublisher always keeps an in-process feed for /debug/events and
// fans out to Pub/Sub when a topic is configured.
func setupPublisher(ctx context.Context, app *App) (statcache.Publisher, string, error) {
	app.events = memorypublisher.New(memorypublisher.DefaultCapacity)
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return app.events, eventTopic, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return fanout{app.events, app.pubsubPublisher}, app.cfg.PubSub.TopicName, nil
}

// fanout publishes to every target and returns the first error with the
// last successful message id.
type fanout []statcache.Publisher

func (f fanout) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var (
		id       string
		firstErr error
	)
	for _, p := range f {
		msgID, err := p.Publish(ctx, topic, payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		id = msgID
	}
	return id, firstErr
}
