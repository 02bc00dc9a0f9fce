// Package daemon builds the tool execution engine from a Config and owns
// every component's lifecycle: the provider registry, the policy store, the
// trust decay schedule, the audit logger and the optional listeners.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harun/toolgate/internal/config"
	"github.com/harun/toolgate/internal/logger"
	"github.com/harun/toolgate/internal/metrics"
	"github.com/harun/toolgate/internal/tracing"
	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/catalog"
	"github.com/harun/toolgate/pkg/coretools"
	"github.com/harun/toolgate/pkg/filter"
	"github.com/harun/toolgate/pkg/permission"
	"github.com/harun/toolgate/pkg/provider"
	"github.com/harun/toolgate/pkg/sandbox"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/toolexecutor"
	"github.com/harun/toolgate/pkg/trust"
	"github.com/harun/toolgate/pkg/validator"
)

// Version is reported to MCP clients of the gateway.
var Version = "dev"

// Daemon owns the engine built from a Config.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Engine
	validator *validator.Validator
	catalog   *catalog.Catalog
	registry  *provider.Registry
	policy    *permission.Store
	trust     *trust.Gate
	anomaly   *anomaly.Detector
	filter    *filter.Filter
	audit     *audit.Logger
	local     *toolexecutor.LocalBackend
	remote    *toolexecutor.RemoteBackend
	executor  *toolexecutor.Executor
	metrics   *metrics.Metrics
	gateway   *Gateway

	// Services
	metricsServer *http.Server
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool                   `json:"running"`
	StartTime time.Time              `json:"start_time,omitempty"`
	Uptime    time.Duration          `json:"uptime"`
	Tools     int                    `json:"tools"`
	Providers []provider.EntryStatus `json:"providers"`
	Trust     []trust.RecordSnapshot `json:"trust"`
	Audit     audit.Stats            `json:"audit"`
}

type options struct {
	launcher  provider.Launcher
	auditSink audit.Sink
}

// Option customizes how the engine is built.
type Option func(*options)

// WithLauncher replaces the process launcher used for providers.
func WithLauncher(l provider.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithAuditSink replaces the sink selected by audit.sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSink = s }
}

// New builds the engine. Providers are registered but not connected; call
// Connect or Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:  cfg,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics.NewMetrics(),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, Version); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	if err := d.initializeEngine(o); err != nil {
		d.shutdown()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeEngine(o options) error {
	cfg := d.config

	d.validator = validator.New(cfg.Validator)
	d.catalog = catalog.New()

	sink := o.auditSink
	if sink == nil {
		var err error
		sink, err = openAuditSink(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit sink: %w", err)
		}
	}
	d.audit = audit.NewLogger(sink, cfg.Audit, audit.WithObserver(d.metrics))
	d.logger.Info().Str("sink", cfg.Audit.Sink).Str("path", cfg.Audit.Path).Msg("Audit logger initialized")

	policy, err := openPolicy(cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to load permission policy: %w", err)
	}
	d.policy = policy

	gate, err := trust.NewGate(cfg.Trust)
	if err != nil {
		return fmt.Errorf("failed to create trust gate: %w", err)
	}
	d.trust = gate

	d.anomaly = anomaly.New(cfg.Anomaly)

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("failed to create output filter: %w", err)
	}
	d.filter = f

	d.local = toolexecutor.NewLocalBackend()
	if cfg.CoreTools.Enabled {
		if err := d.registerCoreTools(); err != nil {
			return err
		}
	}

	regOpts := []provider.Option{
		provider.WithPublisher(&notifyingPublisher{catalog: d.catalog, notify: d.catalogChanged}),
		provider.WithObserver(d.metrics),
		provider.WithRejectionHandler(toolexecutor.AuditSpawnRejections(d.audit)),
	}
	if o.launcher != nil {
		regOpts = append(regOpts, provider.WithLauncher(o.launcher))
	}
	d.registry = provider.NewRegistry(cfg.Registry, d.validator, regOpts...)
	for _, entry := range cfg.Servers {
		if err := d.registry.Register(entry); err != nil {
			return fmt.Errorf("failed to register server %s: %w", entry.ID, err)
		}
	}
	d.remote = toolexecutor.NewRemoteBackend(d.registry)

	executor, err := toolexecutor.New(cfg.Executor, toolexecutor.Components{
		Catalog:    d.catalog,
		Permission: d.policy,
		Trust:      d.trust,
		Anomaly:    d.anomaly,
		Filter:     d.filter,
		Audit:      d.audit,
		Backends: map[tool.OriginKind]toolexecutor.Backend{
			tool.OriginLocal:  d.local,
			tool.OriginRemote: d.remote,
		},
		Recorder: d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	d.executor = executor

	// Local tools are published now; remote ones arrive as sessions get ready.
	if err := d.executor.Refresh(d.ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Initial catalog refresh incomplete")
	}

	d.gateway = NewGateway(d.executor, tool.Actor{ID: cfg.Gateway.ActorID, Role: cfg.Gateway.Role})

	d.logger.Info().
		Int("servers", len(cfg.Servers)).
		Int("local_tools", len(d.local.ListTools())).
		Msg("Engine initialized")
	return nil
}

func (d *Daemon) registerCoreTools() error {
	cfg := d.config
	opts := coretools.Options{
		Validator:  d.validator,
		HTTPClient: coretools.NewHTTPClient(cfg.CoreTools.ScrapeRetries),
		Disabled:   cfg.CoreTools.Disabled,
	}
	if cfg.CoreTools.Exec {
		runner, err := sandbox.NewHostSandbox(cfg.Sandbox, d.validator)
		if err != nil {
			return fmt.Errorf("failed to create host sandbox: %w", err)
		}
		opts.Runner = runner
	}
	if err := coretools.RegisterCoreTools(d.local, opts); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.logger.Info().Strs("tools", d.local.ListTools()).Msg("Core tools registered")
	return nil
}

func openAuditSink(cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case config.SinkSQLite:
		return audit.OpenSQLiteSink(cfg.Audit.Path)
	case config.SinkMemory:
		return audit.NewMemorySink(), nil
	default:
		return audit.OpenFileSink(cfg.Audit.Path)
	}
}

// openPolicy loads the policy file. Without one every call is denied.
func openPolicy(cfg config.PolicyConfig) (*permission.Store, error) {
	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err == nil {
			return permission.OpenStore(cfg.Path)
		}
	}

	checker, err := permission.NewChecker(permission.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	return permission.NewStore(checker), nil
}

func (d *Daemon) catalogChanged() {
	if d.gateway != nil {
		d.gateway.Changed()
	}
}

// Connect connects every registered provider and publishes its tools.
// Providers that fail stay registered as unavailable; their errors are
// joined into the result.
func (d *Daemon) Connect(ctx context.Context) error {
	err := d.registry.ConnectAll(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Some providers failed to connect")
	}
	d.logger.Info().
		Int("ready", len(d.registry.ReadySessions())).
		Int("tools", d.catalog.Len()).
		Msg("Providers connected")
	return err
}

// Start runs the long-lived services: the PID file, policy watching, trust
// decay, provider health checks and the metrics listener. Providers are
// connected before it returns.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.NewRequestContext(d.ctx)
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting toolgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Policy.Watch && d.config.Policy.Path != "" {
		if err := d.policy.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Permission policy will not be reloaded")
		}
	}

	if err := d.trust.StartDecay(); err != nil {
		return fmt.Errorf("failed to start trust decay: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.startMetricsServer()
	}

	_ = d.Connect(ctx)
	d.registry.StartHealthMonitor()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.gateway.syncLoop(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())

	d.metricsServer = &http.Server{
		Addr:              d.config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	mlog := d.logger.Component("metrics")
	mlog.Info().Str("addr", d.config.Metrics.Addr).Msg("Starting metrics server")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mlog.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Serve exposes the gated catalog as an MCP server on transport until ctx
// is done or the client disconnects.
func (d *Daemon) Serve(ctx context.Context, transport mcp.Transport) error {
	d.gateway.Sync()
	return d.gateway.Run(ctx, transport)
}

// Stop stops the services started by Start and closes the engine.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping toolgate daemon")

	err := d.shutdown()

	if lcErr := d.lifecycle.Stop(); lcErr != nil {
		d.logger.Error().Err(lcErr).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Daemon stopped")
	return err
}

// Close releases the engine without the running-state bookkeeping of Stop.
// One-shot commands use it.
func (d *Daemon) Close() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return d.shutdown()
}

// shutdown closes components in reverse dependency order. It runs once.
func (d *Daemon) shutdown() error {
	d.closeOnce.Do(func() {
		var errs []error

		if d.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server: %w", err))
			}
			cancel()
		}

		if d.registry != nil {
			d.registry.StopHealthMonitor()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.registry.ShutdownAll(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("provider shutdown: %w", err))
			}
			cancel()
		}

		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
		}

		if d.policy != nil {
			if err := d.policy.Close(); err != nil {
				errs = append(errs, fmt.Errorf("policy store: %w", err))
			}
		}

		if d.trust != nil {
			d.trust.StopDecay()
		}

		if d.audit != nil {
			if err := d.audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit logger: %w", err))
			}
		}

		if d.tracingEnabled {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracing: %w", err))
			}
			cancel()
			d.tracingEnabled = false
		}

		d.closeErr = errors.Join(errs...)
		if d.closeErr != nil {
			d.logger.Error().Err(d.closeErr).Msg("Engine shutdown incomplete")
		}
	})
	return d.closeErr
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	status.Tools = d.catalog.Len()
	status.Providers = d.registry.Status()
	status.Trust = d.trust.Snapshot()
	status.Audit = d.audit.Stats()

	for _, rec := range status.Trust {
		d.metrics.ObserveTrust(rec.Origin, rec.Score)
	}
	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// Executor returns the composite executor
func (d *Daemon) Executor() *toolexecutor.Executor {
	return d.executor
}

// Registry returns the provider registry
func (d *Daemon) Registry() *provider.Registry {
	return d.registry
}

// Catalog returns the tool catalog
func (d *Daemon) Catalog() *catalog.Catalog {
	return d.catalog
}

// Validator returns the spawn validator
func (d *Daemon) Validator() *validator.Validator {
	return d.validator
}

// Audit returns the audit logger
func (d *Daemon) Audit() *audit.Logger {
	return d.audit
}

// Metrics returns the metrics registry
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// LocalBackend returns the backend serving built-in tools
func (d *Daemon) LocalBackend() *toolexecutor.LocalBackend {
	return d.local
}
