// Package server builds the pipeline's dependency graph and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/analysis"
	"github.com/JakeFAU/funding-pipeline/internal/api"
	"github.com/JakeFAU/funding-pipeline/internal/change"
	"github.com/JakeFAU/funding-pipeline/internal/chunker"
	"github.com/JakeFAU/funding-pipeline/internal/clock/system"
	"github.com/JakeFAU/funding-pipeline/internal/config"
	"github.com/JakeFAU/funding-pipeline/internal/coordinator"
	"github.com/JakeFAU/funding-pipeline/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/funding-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/funding-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/funding-pipeline/internal/id/uuid"
	openaillm "github.com/JakeFAU/funding-pipeline/internal/llm/openai"
	"github.com/JakeFAU/funding-pipeline/internal/logging"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/funding-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/funding-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/funding-pipeline/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/funding-pipeline/internal/queue/memory"
	"github.com/JakeFAU/funding-pipeline/internal/runmanager"
	"github.com/JakeFAU/funding-pipeline/internal/source"
	gcsstorage "github.com/JakeFAU/funding-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/funding-pipeline/internal/storage/local"
	memoryStorage "github.com/JakeFAU/funding-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/funding-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/funding-pipeline/internal/store"
	"github.com/JakeFAU/funding-pipeline/internal/watchdog"
	"github.com/JakeFAU/funding-pipeline/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	// analysisLimitKey separates analysis service calls from source hosts in
	// the shared limiter.
	analysisLimitKey = "analysis"
)

// publisherCloser is satisfied by both event publishers.
type publisherCloser interface {
	pipeline.Publisher
	Close() error
}

// stores groups the repositories backing runs, jobs, records, and activity.
type stores struct {
	runs     store.RunRepository
	jobs     store.JobRepository
	opps     store.OpportunityRepository
	activity store.ActivityRepository
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	watchdog    *watchdog.Watchdog
	runs        *runmanager.Manager
	chunks      *chunker.Chunker
	sources     *source.Registry
	progressHub *progress.Hub
	queue       *queueMemory.Queue
	pool        *pgxpool.Pool
	gcs         *gcsstorage.BlobStore
	publisher   publisherCloser

	bgOnce      sync.Once
	workersOnce sync.Once
	startOnce   sync.Once
	closeOnce   sync.Once
	bg          context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Workers    int    `json:"workers"`
		Storage    string `json:"storage"`
		Database   bool   `json:"database"`
		Sources    int    `json:"sources"`
	}
	safeCfg := sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Workers:    cfg.Pipeline.Workers,
		Storage:    cfg.Storage.Backend,
		Database:   cfg.Database.DSN != "",
		Sources:    len(cfg.Sources),
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Sources returns the configured sources ordered by ID.
func (a *App) Sources() []pipeline.Source {
	return a.sources.List()
}

// StartRun hands a run request to the dispatcher.
func (a *App) StartRun(ctx context.Context, sourceID string, opts pipeline.RunOptions) (string, error) {
	runID, err := a.dispatch.StartRun(ctx, sourceID, opts)
	if err != nil {
		return runID, fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// WaitRun blocks until the run is terminal or ctx ends.
func (a *App) WaitRun(ctx context.Context, runID string, interval time.Duration) (pipeline.Run, error) {
	run, err := a.runs.Wait(ctx, runID, interval)
	if err != nil {
		return run, fmt.Errorf("wait for run %s: %w", runID, err)
	}
	return run, nil
}

// background returns the context shared by all background work, creating
// it on first use.
func (a *App) background(ctx context.Context) context.Context {
	a.bgOnce.Do(func() {
		a.bg, a.stop = context.WithCancel(ctx)
	})
	return a.bg
}

// StartWorkers launches only the dispatcher's workers. They process what this
// process queues and nothing else: no recovery and no watchdog.
func (a *App) StartWorkers(ctx context.Context) {
	a.workersOnce.Do(func() {
		bg := a.background(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Pipeline.Workers))
			a.dispatch.Run(bg)
		}()
	})
}

// Start launches the workers and the watchdog, then requeues runs left
// pending by a previous process. The watchdog keeps requeueing pending runs
// recorded by other processes. It returns once background work is running.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.StartWorkers(ctx)
		bg := a.background(ctx)
		if a.watchdog != nil {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.logger.Info("watchdog started", zap.Duration("interval", a.cfg.Watchdog.Interval))
				a.watchdog.Run(bg)
			}()
		}

		requeued, err := a.dispatch.Recover(bg)
		if err != nil {
			a.logger.Warn("recover pending runs failed", zap.Error(err))
		} else if requeued > 0 {
			a.logger.Info("requeued pending runs", zap.Int("count", requeued))
		}
	})
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the workers, flushes progress events, and releases clients.
// Repeated calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		if a.stop != nil {
			a.stop()
			done := make(chan struct{})
			go func() {
				a.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				a.logger.Warn("workers did not stop before shutdown deadline")
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability()
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	ids := uuid.NewUUIDGenerator()
	clock := system.New()

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	repos, err := setupDatabase(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	if err := setupPublisher(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	emitter, err := setupProgress(ctx, app, repos.activity, ids)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	if err := setupPipeline(app, repos, blobStore, ids, clock, emitter); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	var ready api.Pinger
	if app.pool != nil {
		ready = app.pool
	}
	app.apiServer = api.NewServer(
		api.NewRunHandler(app.runs, app.chunks, repos.activity, logger.Named("api")),
		ready,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		blobStore, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = blobStore
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) (stores, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory stores")
		return stores{
			runs:     memoryStorage.NewRunStore(),
			jobs:     memoryStorage.NewJobStore(),
			opps:     memoryStorage.NewOpportunityStore(),
			activity: memoryStorage.NewActivityStore(),
		}, nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	if app.cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema migrated")
	}
	app.logger.Info("postgres stores initialized")
	return stores{
		runs:     pgstore.NewRunStore(pool),
		jobs:     pgstore.NewJobStore(pool),
		opps:     pgstore.NewOpportunityStore(pool),
		activity: pgstore.NewActivityStore(pool),
	}, nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	activity store.ActivityRepository,
	ids pipeline.IDGenerator,
) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(activity, ids, app.logger.Named("progress_store")),
		progresssinks.NewPublisherSink(app.publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publisher")),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupPipeline(
	app *App,
	repos stores,
	blobStore pipeline.BlobStore,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	emitter progress.Emitter,
) error {
	cfg := app.cfg
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Extraction.UserAgent,
		RespectRobots: cfg.Extraction.RespectRobots,
		Timeout:       cfg.ExtractionTimeout(),
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Extraction.UserAgent))

	registry, err := source.NewRegistry(cfg.SourceList(), fetcher)
	if err != nil {
		return fmt.Errorf("source registry init failed: %w", err)
	}
	app.sources = registry

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Extraction.RPS,
		DefaultBurst: cfg.Extraction.Burst,
		Overrides: map[string]ratelimit.Limit{
			analysisLimitKey: {RPS: cfg.Analysis.RPS, Burst: cfg.Analysis.Burst},
		},
	})
	app.logger.Info("rate limiter configured",
		zap.Float64("extraction_rps", cfg.Extraction.RPS),
		zap.Float64("analysis_rps", cfg.Analysis.RPS),
	)

	client := openaillm.New(openaillm.Config{
		APIKey:      cfg.Analysis.APIKey,
		Model:       cfg.Analysis.Model,
		Temperature: cfg.Analysis.Temperature,
		Timeout:     cfg.Analysis.Timeout,
		BaseURL:     cfg.Analysis.BaseURL,
	})
	batcher := analysis.New(client, limiter, clock, analysis.Config{
		DefaultBatchSize: cfg.Analysis.DefaultBatchSize,
		MaxBatchSize:     cfg.Analysis.MaxBatchSize,
		TokenCeiling:     cfg.Analysis.TokenCeiling,
		MaxRetries:       cfg.Analysis.MaxRetries,
		RetryDelay:       time.Duration(cfg.Analysis.RetryDelayMs) * time.Millisecond,
		RateLimitKey:     analysisLimitKey,
	}, app.logger.Named("analysis"))

	app.runs = runmanager.New(repos.runs, ids, clock, emitter, runmanager.Config{
		TerminalRetryDelay: cfg.Pipeline.TerminalRetryDelay,
	}, app.logger.Named("runmanager"))
	app.chunks = chunker.New(repos.jobs, ids, clock, emitter, cfg.Pipeline.TerminalRetryDelay, app.logger.Named("chunker"))

	coord := coordinator.New(
		app.runs,
		app.chunks,
		change.New(change.Config{AmountThreshold: cfg.Change.AmountThreshold}),
		batcher,
		registry,
		repos.opps,
		blobStore,
		sha256.New(),
		limiter,
		ids,
		clock,
		emitter,
		coordinator.Config{
			ChunkSize:         cfg.Pipeline.ChunkSize,
			MaxChunks:         cfg.Pipeline.MaxChunks,
			ChunkWorkers:      cfg.Pipeline.ChunkWorkers,
			ExtractRetries:    cfg.Extraction.Retries,
			ExtractRetryDelay: time.Duration(cfg.Extraction.RetryDelayMs) * time.Millisecond,
			MaxOpenPages:      cfg.Pipeline.MaxOpenPages,
			ArchiveRaw:        cfg.Storage.ArchiveRaw,
			BlobPrefix:        cfg.Storage.Prefix,
		},
		app.logger.Named("coordinator"),
	)

	app.queue = queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Pipeline.Workers)
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		workers = append(workers, worker.New(
			i,
			app.queue,
			coord,
			app.runs,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(
		app.queue,
		app.runs,
		registry,
		repos.activity,
		clock,
		emitter,
		workers,
		dispatcher.Config{
			EnqueueTimeout: cfg.Pipeline.EnqueueTimeout,
			MaxChunkSize:   cfg.Pipeline.MaxChunkSize,
			RequeueAfter:   cfg.Watchdog.RequeueAfter,
		},
		app.logger.Named("dispatcher"),
	)

	if cfg.Watchdog.Enabled {
		app.watchdog = watchdog.New(app.runs, clock, watchdog.Config{
			Interval:    cfg.Watchdog.Interval,
			SoftTimeout: cfg.Watchdog.SoftTimeout,
			HardTimeout: cfg.Watchdog.HardTimeout,
			Requeuer:    app.dispatch,
		}, app.logger.Named("watchdog"))
	}
	return nil
}
