// Package application provides application-level services and dependency injection.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/auditstore"
	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/adapters/migrate"
	"github.com/terrafusion/syncservice/internal/adapters/statestore"
	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/conflict"
	"github.com/terrafusion/syncservice/internal/application/migrator"
	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/application/trigger"
	"github.com/terrafusion/syncservice/internal/application/validate"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/infrastructure/config"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/metrics"
	"github.com/terrafusion/syncservice/internal/infrastructure/tracing"
	"github.com/terrafusion/syncservice/internal/infrastructure/watch"
)

// Container holds all application dependencies and provides dependency injection.
// Stores that need a database connection are opened lazily, so commands that
// only read audit events or write templates never touch the source or target.
type Container struct {
	config  *config.Config
	verbose bool

	// Observability
	logger  *logging.Logger
	tracer  *tracing.Tracer
	metrics *metrics.Collector // nil when metrics are disabled

	registry *transform.Registry

	// Persistence
	states     ports.StateStorePort
	auditStore ports.AuditStorePort
	audit      *auditlog.System
	auditConns []*database.Connection

	mu           sync.Mutex
	source       *database.Store
	target       *database.Store
	orchestrator *orchestrator.Orchestrator
}

// NewContainer creates a new dependency injection container with all services
// initialized based on the provided configuration.
func NewContainer(cfg *config.Config, verbose bool) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	c := &Container{
		config:   cfg,
		verbose:  verbose,
		registry: transform.NewRegistry(),
	}

	if err := c.initObservability(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	ctx := context.Background()

	if err := c.initAudit(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	if err := c.initState(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	return c, nil
}

// initObservability initializes logging, tracing and metrics.
func (c *Container) initObservability() error {
	logCfg := c.config.Logging.LoggerConfig()
	logCfg.Level = logging.LevelFromEnv(logCfg.Level)
	// The verbose flag overrides both config and environment
	if c.verbose {
		logCfg.Level = logging.LevelDebug
	}
	c.logger = logging.New(logCfg)

	if c.config.Tracing.Enabled {
		tracer, err := tracing.New(context.Background(), c.config.Tracing.TracerConfig())
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}
		c.tracer = tracer
	} else {
		c.tracer = tracing.Default()
	}

	if c.config.Metrics.Enabled {
		c.metrics = metrics.NewNamespacedCollector(c.config.Metrics.Namespace)
	}

	return nil
}

// initAudit builds the configured audit stores and the audit system on top of them.
func (c *Container) initAudit(ctx context.Context) error {
	level, err := audit.ParseLevel(c.config.Audit.Level)
	if err != nil {
		return err
	}

	var stores []ports.AuditStorePort
	for i, sc := range c.config.Audit.Stores {
		store, err := c.newAuditStore(ctx, sc)
		if err != nil {
			return fmt.Errorf("audit store %d (%s): %w", i, sc.Type, err)
		}
		stores = append(stores, store)
	}

	switch len(stores) {
	case 0:
		c.auditStore = auditstore.NewMemoryStore(config.DefaultAuditMaxEvents)
	case 1:
		c.auditStore = stores[0]
	default:
		multi, err := auditstore.NewMultiStore(stores...)
		if err != nil {
			return err
		}
		c.auditStore = multi
	}

	c.audit = auditlog.New(c.auditStore, auditlog.Config{
		Level:       level,
		IncludeData: c.config.Audit.IncludeData,
		Logger:      c.logger,
		Metrics:     c.metricsPort(),
	})
	return nil
}

func (c *Container) newAuditStore(ctx context.Context, sc config.AuditStoreConfig) (ports.AuditStorePort, error) {
	switch sc.Type {
	case config.AuditStoreMemory:
		n := sc.MaxEvents
		if n <= 0 {
			n = config.DefaultAuditMaxEvents
		}
		return auditstore.NewMemoryStore(n), nil

	case config.AuditStoreFile:
		dir := sc.Directory
		if dir == "" {
			dir = config.DefaultAuditDirectory
		}
		store, err := auditstore.NewFileStore(auditstore.FileConfig{
			Directory:     config.ExpandHome(dir),
			MaxFileSizeMB: sc.MaxFileSizeMB,
			MaxFiles:      sc.MaxFiles,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.AuditStoreDatabase:
		conn, err := database.Open(ctx, database.Config{Driver: sc.Driver, DSN: sc.DSN})
		if err != nil {
			return nil, err
		}
		c.auditConns = append(c.auditConns, conn)
		table := sc.Table
		if table == "" {
			table = config.DefaultAuditTable
		}
		store, err := auditstore.NewDatabaseStore(ctx, conn, table)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, errors.NewError(errors.CodeConfiguration, "unknown audit store type "+sc.Type, nil)
	}
}

// initState creates the job state store.
func (c *Container) initState(ctx context.Context) error {
	switch c.config.StateStore {
	case config.StateStoreDatabase:
		target, err := c.openTarget(ctx)
		if err != nil {
			return err
		}
		store, err := statestore.NewDatabaseStore(ctx, target.Connection())
		if err != nil {
			return err
		}
		c.states = store
	default:
		store, err := statestore.NewFileStore(config.ExpandHome(c.config.StateDir))
		if err != nil {
			return err
		}
		c.states = store
	}
	return nil
}

// openSource opens the source store once. Callers hold c.mu or run during construction.
func (c *Container) openSource(ctx context.Context) (*database.Store, error) {
	if c.source == nil {
		store, err := openStore(ctx, "source", c.config.Source)
		if err != nil {
			return nil, err
		}
		c.source = store
	}
	return c.source, nil
}

// openTarget opens the target store once. Callers hold c.mu or run during construction.
func (c *Container) openTarget(ctx context.Context) (*database.Store, error) {
	if c.target == nil {
		store, err := openStore(ctx, "target", c.config.Target)
		if err != nil {
			return nil, err
		}
		c.target = store
	}
	return c.target, nil
}

func openStore(ctx context.Context, name string, dc config.DatabaseConfig) (*database.Store, error) {
	if !dc.IsSet() {
		return nil, errors.NewError(errors.CodeConfiguration, name+" database is not configured", nil)
	}
	conn, err := database.Open(ctx, database.Config{
		Driver:         dc.Driver,
		DSN:            dc.DSN,
		MaxOpenConns:   dc.MaxOpenConns,
		ConnectTimeout: dc.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", name, err)
	}
	return database.NewStore(conn, name), nil
}

// Orchestrator returns the sync orchestrator, opening source and target on first use.
func (c *Container) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orchestrator != nil {
		return c.orchestrator, nil
	}

	source, err := c.openSource(ctx)
	if err != nil {
		return nil, err
	}
	target, err := c.openTarget(ctx)
	if err != nil {
		return nil, err
	}

	def, err := conflict.StrategyFromConfig(c.config.Sync.Conflict)
	if err != nil {
		return nil, err
	}
	resolver := conflict.NewResolver(def)

	transformers := make(map[string]*transform.Transformer)
	rules := make(map[string]validate.TableRules)
	for _, t := range c.config.Tables {
		if len(t.Transforms) > 0 {
			transformers[t.Name] = transform.NewTransformer(t.Transforms, c.registry)
		}
		if t.Validation != nil {
			rules[t.Name] = *t.Validation
		}
		if t.Conflict != nil {
			s, err := conflict.StrategyFromConfig(*t.Conflict)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", t.Name, err)
			}
			resolver.SetTableStrategy(t.Name, s)
		}
	}
	validator, err := validate.New(rules)
	if err != nil {
		return nil, err
	}

	o, err := orchestrator.New(orchestrator.Deps{
		Source:       source,
		Target:       target,
		States:       c.states,
		Audit:        c.audit,
		Validator:    validator,
		Resolver:     resolver,
		Metrics:      c.metricsPort(),
		Tracer:       c.tracer,
		Logger:       c.logger,
		Transformers: transformers,
	}, orchestrator.Options{
		Retry:                 c.config.Sync.Retry,
		CheckpointInterval:    c.config.Sync.CheckpointInterval,
		MaxParallelTables:     c.config.Sync.MaxParallelTables,
		MaxParallelOperations: c.config.Sync.MaxParallelOperations,
		StopGracePeriod:       c.config.Sync.StopGracePeriod,
	})
	if err != nil {
		return nil, err
	}

	c.orchestrator = o
	return o, nil
}

// TriggerService returns a service that syncs every configured table when
// one of the watched paths changes.
func (c *Container) TriggerService(ctx context.Context, paths []string, runOnStart bool) (*trigger.Service, error) {
	if len(paths) == 0 {
		paths = c.config.Watch.Paths
	}
	o, err := c.Orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	return trigger.NewService(trigger.Config{
		Paths:            paths,
		Tables:           c.config.TableSpecs(),
		DebounceDuration: c.config.Watch.Debounce,
		Filter:           watch.HasExtension(".csv", ".json", ".db", ".sqlite"),
		RunOnStart:       runOnStart,
	}, o, c.logger)
}

// MigrationSource opens the row source a migration config names.
func (c *Container) MigrationSource(ctx context.Context, cfg *migrator.Config) (ports.RowSource, error) {
	switch cfg.SourceType {
	case migrator.SourceCSV:
		return migrate.NewCSVSource(cfg.SourcePath), nil
	case migrator.SourceJSON:
		return migrate.NewJSONSource(cfg.SourcePath), nil
	case migrator.SourceSQLite, migrator.SourcePostgres, migrator.SourceSQLServer:
		source, err := migrate.OpenSQLSource(ctx, cfg.SourceType, cfg.SourcePath)
		if err != nil {
			return nil, err
		}
		return source, nil
	default:
		return nil, errors.NewError(errors.CodeConfiguration, "unsupported source type "+cfg.SourceType, errors.ErrUnsupportedDriver)
	}
}

// MigrationSink returns the Supabase REST sink when url is set, otherwise a
// SQL sink on the configured target database.
func (c *Container) MigrationSink(ctx context.Context, url, key string) (ports.Sink, error) {
	if url != "" {
		sink, err := migrate.NewRESTSink(url, key, migrate.WithTimeout(60*time.Second))
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	if !c.config.Target.IsSet() {
		return nil, errors.NewError(errors.CodeConfiguration, "a Supabase URL or a target database is required", nil)
	}
	conn, err := database.Open(ctx, database.Config{
		Driver:         c.config.Target.Driver,
		DSN:            c.config.Target.DSN,
		MaxOpenConns:   c.config.Target.MaxOpenConns,
		ConnectTimeout: c.config.Target.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	sink, err := migrate.NewSQLSink(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sink, nil
}

// NewMigrator creates a migrator that shares the container's registry, audit
// system and logger.
func (c *Container) NewMigrator(cfg *migrator.Config, source ports.RowSource, sink ports.Sink) (*migrator.Migrator, error) {
	return migrator.New(cfg, source, sink, migrator.Options{
		Registry: c.registry,
		Audit:    c.audit,
		Logger:   c.logger,
	})
}

// Close releases all resources held by the container. Running jobs are
// stopped at their next boundary first.
func (c *Container) Close() error {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.orchestrator != nil {
		if err := c.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.source != nil {
		if err := c.source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.target != nil {
		if err := c.target.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, conn := range c.auditConns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.tracer != nil {
		_ = c.tracer.Shutdown(ctx)
	}
	if c.logger != nil {
		_ = c.logger.Close()
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Container) metricsPort() ports.MetricsPort {
	if c.metrics == nil {
		return metrics.Nop{}
	}
	return c.metrics
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the structured logger.
func (c *Container) Logger() *logging.Logger {
	return c.logger
}

// Tracer returns the tracer. It is a no-op tracer when tracing is disabled.
func (c *Container) Tracer() *tracing.Tracer {
	return c.tracer
}

// Metrics returns the Prometheus collector, or nil when metrics are disabled.
func (c *Container) Metrics() *metrics.Collector {
	return c.metrics
}

// Registry returns the transformer registry.
func (c *Container) Registry() *transform.Registry {
	return c.registry
}

// StateStore returns the job state store.
func (c *Container) StateStore() ports.StateStorePort {
	return c.states
}

// AuditStore returns the audit store, which may fan out to several stores.
func (c *Container) AuditStore() ports.AuditStorePort {
	return c.auditStore
}

// Audit returns the audit system.
func (c *Container) Audit() *auditlog.System {
	return c.audit
}
