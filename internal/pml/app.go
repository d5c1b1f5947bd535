// Package pml assembles every PML component — config, catalog, lockfile,
// store, loader, bridge, sandbox, trace, server — into one runnable App,
// the construction the teacher's own cmd/* binaries do inline but which
// PML factors out so both `cmd/pml stdio` and `cmd/pml serve` share it.
package pml

import (
	"context"
	"fmt"
	"os"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"

	"github.com/redis/go-redis/v9"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/catalog"
	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/learning"
	"github.com/casys-ai/pml/internal/loader"
	"github.com/casys-ai/pml/internal/loader/engine"
	"github.com/casys-ai/pml/internal/loader/engine/inmem"
	"github.com/casys-ai/pml/internal/loader/engine/temporal"
	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/internal/mcpstdio"
	"github.com/casys-ai/pml/internal/pulseclient"
	"github.com/casys-ai/pml/internal/sandbox"
	"github.com/casys-ai/pml/internal/server"
	"github.com/casys-ai/pml/internal/store"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/trace"
)

// EngineInmem and EngineTemporal are the values PML_WORKFLOW_ENGINE
// recognizes; anything else is a configuration error.
const (
	EngineInmem    = "inmem"
	EngineTemporal = "temporal"
)

// Options configures one App. Config is the workspace's `.pml.json`
// (possibly hot-reloaded, though App pins the snapshot it was built from);
// the remaining fields come from the environment per spec.md §6, since API
// keys and deployment-specific endpoints never belong in version-controlled
// config.
type Options struct {
	Config config.Config

	APIKey string // PML_API_KEY, required

	// MongoURI, when set, switches the Store from the in-memory default to
	// MongoDB (PML_MONGO_URL). MongoDatabase names the database to use.
	MongoURI      string
	MongoDatabase string

	// WorkflowEngine selects the HIL resumption engine: EngineInmem
	// (default, no durability across process restarts) or EngineTemporal
	// (PML_WORKFLOW_ENGINE=temporal, backed by a real Temporal cluster).
	WorkflowEngine   string
	TemporalHostPort string // PML_TEMPORAL_HOST_PORT
	TemporalQueue    string // PML_TEMPORAL_TASK_QUEUE

	// RedisURL, when set (PML_REDIS_URL), switches trace delivery from the
	// in-process RetryingSyncer to a Pulse-backed durable outbox: batches
	// survive a process restart between being collected and being
	// delivered to the cloud catalog.
	RedisURL string

	// Expose restricts tools/list and tools/call to the named tools
	// (`stdio --expose <names>`). Nil exposes every discovered tool.
	Expose []string

	// Registry, when set, replaces the default McpRegistry built from
	// Config.MCPServers — `stdio --only <names>` uses this to serve a
	// fixed tool list without spawning any configured MCP server.
	Registry server.ToolRegistry

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// App holds every long-lived component a running PML process owns, so
// cmd/pml's subcommands can build one and drive it without knowing how the
// pieces fit together.
type App struct {
	Server *server.Server

	store      store.Store
	mcp        *mcpstdio.Manager
	engine     engine.Engine
	thresholds *learning.AdaptiveThresholds
	traces     *trace.Collector
	logger     telemetry.Logger

	mongoClient *mongodriver.Client
	stopPersist context.CancelFunc
	persistDone chan struct{}

	stopDrain context.CancelFunc
	drainDone chan struct{}
}

// persistInterval is how often the learning core's adaptive-threshold
// state is flushed to the store between restarts.
const persistInterval = time.Minute

// defaultExplicitThreshold seeds a fresh workspace's explicit-acceptance
// cutoff above DefaultSuggestionThreshold, matching the gap
// AdaptiveThresholds.Record's recalibration preserves between the two.
const defaultExplicitThreshold = 0.85

// New assembles an App from opts. The returned App owns background
// goroutines (threshold persistence, MCP server idle shutdown); callers
// must call Close when done.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("pml: PML_API_KEY is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	st, mongoClient, err := buildStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	cloudURL := opts.Config.Cloud.URL
	baseClient := catalog.New(cloudURL, opts.APIKey, catalog.WithCache(catalog.NewCache(catalog.DefaultCacheTTL)))
	catalogClient := catalog.NewStoreBackedClient(baseClient, st)

	lockPath := lockfilePath(opts.Config.Workspace)
	lockStore, err := lockfile.NewFileStore(lockPath)
	if err != nil {
		return nil, fmt.Errorf("pml: open lockfile: %w", err)
	}
	lockChecker := lockfile.New(lockStore, false)

	permission := loader.NewPermissionGate(permissionRules(opts.Config.Permissions), loader.PermissionAllow)
	deps := &storeDependencyChecker{store: st}

	mcpManager := mcpstdio.NewManager(logger, metrics, mcpstdio.DefaultIdleTimeout)
	var serverIDs []string
	for _, spec := range opts.Config.MCPServers {
		mcpManager.Register(mcpstdio.ServerSpec{
			ID:        spec.ID,
			Command:   spec.Command,
			Args:      spec.Args,
			Env:       spec.Env,
			RateLimit: spec.RateLimit,
		})
		serverIDs = append(serverIDs, spec.ID)
	}

	executor := bridge.New(mcpManager, sandbox.NewRunnerAdapter(), bridge.DefaultApprovalResolver{}, logger, tracer)

	directSyncer := trace.NewRetryingSyncer(baseClient, logger, trace.DefaultMaxRetries, trace.DefaultBaseDelay)
	var syncer trace.Syncer = directSyncer
	var outbox *trace.Outbox
	if opts.RedisURL != "" {
		redisOpt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("pml: parse PML_REDIS_URL: %w", err)
		}
		pulseClient, err := pulseclient.New(pulseclient.Options{Redis: redis.NewClient(redisOpt)})
		if err != nil {
			return nil, fmt.Errorf("pml: build pulse client: %w", err)
		}
		outbox = trace.NewOutbox(pulseClient, "", logger)
		syncer = outbox
	}
	collector := trace.NewCollector(syncer, logger, trace.DefaultBatchSize)

	eng, err := buildEngine(opts, logger, metrics, tracer)
	if err != nil {
		return nil, err
	}

	ld, err := loader.New(catalogClient, lockChecker, permission, deps, nil, executor, collector, eng, logger, tracer)
	if err != nil {
		return nil, fmt.Errorf("pml: build loader: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		registry = server.NewMcpRegistry(mcpManager, serverIDs)
	}

	srvOpts := []server.Option{server.WithServerInfo("pml", "dev")}
	if len(opts.Expose) > 0 {
		srvOpts = append(srvOpts, server.WithExpose(opts.Expose))
	}
	srv := server.New(ld, registry, logger, srvOpts...)

	initial, ok, err := st.LoadThresholdState(ctx, opts.Config.Workspace)
	if err != nil {
		logger.Warn(ctx, "pml: load threshold state failed, starting from defaults", "error", err)
	}
	if !ok {
		initial.SuggestionThreshold = learning.DefaultSuggestionThreshold
		initial.ExplicitThreshold = defaultExplicitThreshold
	}
	thresholds := learning.NewAdaptiveThresholds(initial, learning.DefaultWindowSize)

	app := &App{
		Server:      srv,
		store:       st,
		mcp:         mcpManager,
		engine:      eng,
		thresholds:  thresholds,
		traces:      collector,
		logger:      logger,
		mongoClient: mongoClient,
	}
	app.startPersistLoop(opts.Config.Workspace)
	if outbox != nil {
		app.startDrainLoop(outbox, directSyncer)
	}
	return app, nil
}

// Thresholds exposes the app's adaptive-threshold controller so capability
// suggestion/acceptance decisions elsewhere in the process can read and
// record against the same instance this App persists.
func (a *App) Thresholds() *learning.AdaptiveThresholds { return a.thresholds }

func (a *App) startPersistLoop(workspace string) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopPersist = cancel
	a.persistDone = make(chan struct{})
	go func() {
		defer close(a.persistDone)
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.store.SaveThresholdState(ctx, workspace, a.thresholds.State()); err != nil {
					a.logger.Warn(ctx, "pml: periodic threshold save failed", "error", err)
				}
			}
		}
	}()
}

// startDrainLoop runs outbox's Drain in the background, delivering queued
// trace batches to poster (the direct catalog syncer) until Close cancels
// it.
func (a *App) startDrainLoop(outbox *trace.Outbox, poster trace.Poster) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopDrain = cancel
	a.drainDone = make(chan struct{})
	go func() {
		defer close(a.drainDone)
		if err := outbox.Drain(ctx, poster); err != nil && ctx.Err() == nil {
			a.logger.Warn(ctx, "pml: trace outbox drain loop exited", "error", err)
		}
	}()
}

// Close flushes pending traces and threshold state, tears down MCP
// subprocesses, and releases the workflow engine and database connection.
func (a *App) Close(ctx context.Context, workspace string) error {
	if a.stopPersist != nil {
		a.stopPersist()
		<-a.persistDone
	}
	if a.stopDrain != nil {
		a.stopDrain()
		<-a.drainDone
	}
	if err := a.store.SaveThresholdState(ctx, workspace, a.thresholds.State()); err != nil {
		a.logger.Warn(ctx, "pml: final threshold save failed", "error", err)
	}
	if err := a.traces.Flush(ctx); err != nil {
		a.logger.Warn(ctx, "pml: final trace flush failed", "error", err)
	}
	a.mcp.ShutdownAll()
	if closer, ok := a.engine.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn(ctx, "pml: engine close failed", "error", err)
		}
	}
	if a.mongoClient != nil {
		return a.mongoClient.Disconnect(ctx)
	}
	return nil
}

func buildStore(ctx context.Context, opts Options) (store.Store, *mongodriver.Client, error) {
	if opts.MongoURI == "" {
		return store.NewMemStore(), nil, nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(opts.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("pml: connect mongo: %w", err)
	}
	db := opts.MongoDatabase
	if db == "" {
		db = "pml"
	}
	st, err := store.New(store.Options{Client: client, Database: db})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("pml: build mongo store: %w", err)
	}
	return st, client, nil
}

func buildEngine(opts Options, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) (engine.Engine, error) {
	switch opts.WorkflowEngine {
	case "", EngineInmem:
		return inmem.New(), nil
	case EngineTemporal:
		queue := opts.TemporalQueue
		if queue == "" {
			queue = "pml-capability-calls"
		}
		clientOpts := client.Options{HostPort: opts.TemporalHostPort}
		eng, err := temporal.New(temporal.Options{
			ClientOptions: &clientOpts,
			WorkerOptions: temporal.WorkerOptions{TaskQueue: queue},
			Logger:        logger,
			Metrics:       metrics,
			Tracer:        tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("pml: build temporal engine: %w", err)
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("pml: unknown PML_WORKFLOW_ENGINE %q (want %q or %q)", opts.WorkflowEngine, EngineInmem, EngineTemporal)
	}
}

func lockfilePath(workspace string) string {
	dir := workspace
	if dir == "" {
		dir = "."
	}
	pmlDir := dir + string(os.PathSeparator) + ".pml"
	_ = os.MkdirAll(pmlDir, 0o755)
	return pmlDir + string(os.PathSeparator) + "mcp.lock"
}

// permissionRules flattens the user's {allow,deny,ask} rule lists into one
// ordered list, deny and ask checked ahead of allow so an explicit
// restriction always wins over a broader allow pattern appearing later.
func permissionRules(p config.Permissions) []loader.PermissionRule {
	var rules []loader.PermissionRule
	for _, pattern := range p.Deny {
		rules = append(rules, loader.PermissionRule{Pattern: pattern, Action: loader.PermissionDeny})
	}
	for _, pattern := range p.Ask {
		rules = append(rules, loader.PermissionRule{Pattern: pattern, Action: loader.PermissionAsk})
	}
	for _, pattern := range p.Allow {
		rules = append(rules, loader.PermissionRule{Pattern: pattern, Action: loader.PermissionAllow})
	}
	return rules
}

// storeDependencyChecker treats a capability dependency as installed once
// it has been cached in the Store — a capability only lands there after a
// successful load, so this doubles as "has this workspace ever
// successfully loaded that capability".
type storeDependencyChecker struct {
	store store.Store
}

func (c *storeDependencyChecker) Installed(ctx context.Context, dependency string) (bool, error) {
	_, ok, err := c.store.LoadCapability(ctx, dependency)
	return ok, err
}
