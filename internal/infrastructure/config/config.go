// Package config provides configuration structs and utilities for the terrasync service.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/terrafusion/syncservice/internal/application/conflict"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/application/validate"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/tracing"
)

// Config represents the root configuration for the sync engine.
type Config struct {
	Source     DatabaseConfig `yaml:"source" toml:"source"`
	Target     DatabaseConfig `yaml:"target" toml:"target"`
	StateDir   string         `yaml:"state_dir" toml:"state_dir"`
	StateStore string         `yaml:"state_store" toml:"state_store"` // file (state_dir) or database (target)
	Sync       SyncConfig     `yaml:"sync" toml:"sync"`
	Tables     []TableConfig  `yaml:"tables" toml:"tables"`
	Audit      AuditConfig    `yaml:"audit" toml:"audit"`
	Logging    LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing    TracingConfig  `yaml:"tracing" toml:"tracing"`
	Metrics    MetricsConfig  `yaml:"metrics" toml:"metrics"`
	API        APIConfig      `yaml:"api" toml:"api"`
	Watch      WatchConfig    `yaml:"watch" toml:"watch"`
}

// DatabaseConfig describes one database connection.
type DatabaseConfig struct {
	Driver         string        `yaml:"driver" toml:"driver"` // sqlite, postgres, sqlserver
	DSN            string        `yaml:"dsn" toml:"dsn"`
	MaxOpenConns   int           `yaml:"max_open_conns,omitempty" toml:"max_open_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" toml:"connect_timeout"`
}

// SyncConfig holds job execution settings.
type SyncConfig struct {
	BatchSize             int                     `yaml:"batch_size" toml:"batch_size"`
	CheckpointInterval    int                     `yaml:"checkpoint_interval" toml:"checkpoint_interval"`
	MaxParallelTables     int                     `yaml:"max_parallel_tables" toml:"max_parallel_tables"`
	MaxParallelOperations int                     `yaml:"max_parallel_operations" toml:"max_parallel_operations"`
	StopGracePeriod       time.Duration           `yaml:"stop_grace_period" toml:"stop_grace_period"`
	Retry                 job.RetryPolicy         `yaml:"retry" toml:"retry"`
	Conflict              conflict.StrategyConfig `yaml:"conflict" toml:"conflict"`
}

// TableConfig is a table spec plus its per-table transforms, validation
// rules and conflict strategy.
type TableConfig struct {
	job.TableSpec `yaml:",inline"`

	Transforms transform.FieldMapping   `yaml:"transforms,omitempty" toml:"transforms"`
	Validation *validate.TableRules     `yaml:"validation,omitempty" toml:"validation"`
	Conflict   *conflict.StrategyConfig `yaml:"conflict,omitempty" toml:"conflict"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Level         string             `yaml:"level" toml:"level"` // minimal, standard, detailed
	IncludeData   bool               `yaml:"include_data" toml:"include_data"`
	RetentionDays int                `yaml:"retention_days" toml:"retention_days"` // 0 keeps events forever
	Stores        []AuditStoreConfig `yaml:"stores" toml:"stores"`
}

// AuditStoreConfig configures one audit store. Fields apply per type:
// memory uses MaxEvents, database uses Driver/DSN/Table and file uses
// Directory/MaxFileSizeMB/MaxFiles.
type AuditStoreConfig struct {
	Type          string `yaml:"type" toml:"type"` // memory, database, file
	MaxEvents     int    `yaml:"max_events,omitempty" toml:"max_events"`
	Driver        string `yaml:"driver,omitempty" toml:"driver"`
	DSN           string `yaml:"dsn,omitempty" toml:"dsn"`
	Table         string `yaml:"table,omitempty" toml:"table"`
	Directory     string `yaml:"directory,omitempty" toml:"directory"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb,omitempty" toml:"max_file_size_mb"`
	MaxFiles      int    `yaml:"max_files,omitempty" toml:"max_files"`
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" toml:"format"` // json, text
	File       string `yaml:"file,omitempty" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups,omitempty" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" toml:"max_age_days"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	ExporterType string  `yaml:"exporter_type" toml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" toml:"sample_rate"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// APIConfig holds the HTTP status API settings.
type APIConfig struct {
	Address string `yaml:"address" toml:"address"`
}

// WatchConfig lists the paths whose changes trigger a sync.
type WatchConfig struct {
	Paths    []string      `yaml:"paths,omitempty" toml:"paths"`
	Debounce time.Duration `yaml:"debounce" toml:"debounce"`
}

// State store types.
const (
	StateStoreFile     = "file"
	StateStoreDatabase = "database"
)

// Audit store types.
const (
	AuditStoreMemory   = "memory"
	AuditStoreDatabase = "database"
	AuditStoreFile     = "file"
)

// Default configuration values.
const (
	DefaultStateDir              = "~/.terrasync/state"
	DefaultBatchSize             = job.DefaultBatchSize
	DefaultCheckpointInterval    = 100
	DefaultMaxParallelTables     = 1
	DefaultMaxParallelOperations = 1
	DefaultStopGracePeriod       = 10 * time.Second
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"

	// Audit defaults
	DefaultAuditLevel       = string(audit.LevelStandard)
	DefaultAuditMaxEvents   = 10000
	DefaultAuditTable       = "sync_audit_log"
	DefaultAuditFileSizeMB  = 10
	DefaultAuditMaxFiles    = 10
	DefaultAuditDirectory   = "~/.terrasync/audit"
	DefaultAuditRetention   = 0
	DefaultMetricsNamespace = "terrasync"

	// Observability defaults
	DefaultMetricsEnabled      = true
	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "none"
	DefaultTracingSampleRate   = 1.0
	DefaultTracingServiceName  = "terrasync"

	DefaultAPIAddress    = ":8080"
	DefaultWatchDebounce = 2 * time.Second
)

// Valid database drivers.
var validDrivers = map[string]bool{
	"sqlite":     true,
	"sqlite3":    true,
	"postgres":   true,
	"postgresql": true,
	"pgx":        true,
	"supabase":   true,
	"sqlserver":  true,
	"mssql":      true,
}

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid log formats.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Valid tracing exporter types.
var validTracingExporterTypes = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

// NewDefaultConfig creates a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		StateDir:   DefaultStateDir,
		StateStore: StateStoreFile,
		Sync: SyncConfig{
			BatchSize:             DefaultBatchSize,
			CheckpointInterval:    DefaultCheckpointInterval,
			MaxParallelTables:     DefaultMaxParallelTables,
			MaxParallelOperations: DefaultMaxParallelOperations,
			StopGracePeriod:       DefaultStopGracePeriod,
			Retry:                 job.DefaultRetryPolicy(),
			Conflict:              conflict.StrategyConfig{Strategy: conflict.StrategySourceWins},
		},
		Audit: AuditConfig{
			Level:         DefaultAuditLevel,
			RetentionDays: DefaultAuditRetention,
			Stores: []AuditStoreConfig{
				{Type: AuditStoreMemory, MaxEvents: DefaultAuditMaxEvents},
			},
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Tracing: TracingConfig{
			Enabled:      DefaultTracingEnabled,
			ExporterType: DefaultTracingExporterType,
			SampleRate:   DefaultTracingSampleRate,
			ServiceName:  DefaultTracingServiceName,
		},
		Metrics: MetricsConfig{
			Enabled:   DefaultMetricsEnabled,
			Namespace: DefaultMetricsNamespace,
		},
		API: APIConfig{
			Address: DefaultAPIAddress,
		},
		Watch: WatchConfig{
			Debounce: DefaultWatchDebounce,
		},
	}
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}

	if err := c.Target.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	}

	switch c.StateStore {
	case "", StateStoreFile:
		if strings.TrimSpace(c.StateDir) == "" {
			errs = append(errs, errors.New("state_dir is required"))
		}
	case StateStoreDatabase:
		if !c.Target.IsSet() {
			errs = append(errs, errors.New("state_store database needs a target connection"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid state_store %q: must be one of file, database", c.StateStore))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if err := c.validateTables(); err != nil {
		errs = append(errs, fmt.Errorf("tables: %w", err))
	}

	if err := c.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	if err := c.API.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}

	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch: debounce must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// TableSpecs returns the configured table specs in declaration order, with
// the sync batch size applied to tables that do not set one.
func (c *Config) TableSpecs() []job.TableSpec {
	specs := make([]job.TableSpec, 0, len(c.Tables))
	for _, t := range c.Tables {
		spec := t.TableSpec
		if spec.BatchSize == 0 {
			spec.BatchSize = c.Sync.BatchSize
		}
		specs = append(specs, spec)
	}
	return specs
}

// Table returns the table config with the given name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

func (c *Config) validateTables() error {
	var errs []error
	registry := transform.NewRegistry()
	seen := make(map[string]bool, len(c.Tables))

	for i, t := range c.Tables {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("[%d]", i)
		}
		if err := t.TableSpec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if t.Name != "" && seen[t.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate table name", label))
		}
		seen[t.Name] = true

		if err := transform.ValidateMapping(t.Transforms, registry); err != nil {
			errs = append(errs, fmt.Errorf("%s: transforms: %w", label, err))
		}
		if t.Validation != nil {
			if _, err := validate.New(map[string]validate.TableRules{t.Name: *t.Validation}); err != nil {
				errs = append(errs, fmt.Errorf("%s: validation: %w", label, err))
			}
		}
		if t.Conflict != nil {
			if _, err := conflict.StrategyFromConfig(*t.Conflict); err != nil {
				errs = append(errs, fmt.Errorf("%s: conflict: %w", label, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the DatabaseConfig is valid. An empty config is valid;
// commands that need a connection check for it themselves.
func (d *DatabaseConfig) Validate() error {
	if d.Driver == "" && d.DSN == "" {
		return nil
	}

	var errs []error

	if !validDrivers[strings.ToLower(d.Driver)] {
		errs = append(errs, fmt.Errorf("invalid driver %q: must be one of sqlite, postgres, sqlserver", d.Driver))
	}

	if strings.TrimSpace(d.DSN) == "" {
		errs = append(errs, errors.New("dsn is required"))
	}

	if d.MaxOpenConns < 0 {
		errs = append(errs, errors.New("max_open_conns must be non-negative"))
	}

	if d.ConnectTimeout < 0 {
		errs = append(errs, errors.New("connect_timeout must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// IsSet reports whether a driver and DSN are configured.
func (d *DatabaseConfig) IsSet() bool {
	return d.Driver != "" && d.DSN != ""
}

// Validate checks if the SyncConfig is valid.
func (s *SyncConfig) Validate() error {
	var errs []error

	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if s.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("checkpoint_interval must be positive"))
	}
	if s.MaxParallelTables <= 0 {
		errs = append(errs, errors.New("max_parallel_tables must be positive"))
	}
	if s.MaxParallelOperations <= 0 {
		errs = append(errs, errors.New("max_parallel_operations must be positive"))
	}
	if s.StopGracePeriod < 0 {
		errs = append(errs, errors.New("stop_grace_period must be non-negative"))
	}
	if s.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry: max_retries must be non-negative"))
	}
	if s.Retry.BaseDelay < 0 || s.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry: delays must be non-negative"))
	}
	if s.Retry.MaxDelay > 0 && s.Retry.BaseDelay > s.Retry.MaxDelay {
		errs = append(errs, errors.New("retry: base_delay must not exceed max_delay"))
	}
	if _, err := conflict.StrategyFromConfig(s.Conflict); err != nil {
		errs = append(errs, fmt.Errorf("conflict: %w (known: %s)", err, strings.Join(conflict.StrategyNames(), ", ")))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the AuditConfig is valid.
func (a *AuditConfig) Validate() error {
	var errs []error

	if _, err := audit.ParseLevel(a.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid level %q: must be one of minimal, standard, detailed", a.Level))
	}

	if a.RetentionDays < 0 {
		errs = append(errs, errors.New("retention_days must be non-negative"))
	}

	if len(a.Stores) == 0 {
		errs = append(errs, errors.New("at least one store is required"))
	}

	for i, s := range a.Stores {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stores[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the AuditStoreConfig is valid.
func (s *AuditStoreConfig) Validate() error {
	switch s.Type {
	case AuditStoreMemory:
		if s.MaxEvents < 0 {
			return errors.New("max_events must be non-negative")
		}
	case AuditStoreDatabase:
		db := DatabaseConfig{Driver: s.Driver, DSN: s.DSN}
		if !db.IsSet() {
			return errors.New("driver and dsn are required for a database store")
		}
		return db.Validate()
	case AuditStoreFile:
		if strings.TrimSpace(s.Directory) == "" {
			return errors.New("directory is required for a file store")
		}
		if s.MaxFileSizeMB < 0 || s.MaxFiles < 0 {
			return errors.New("max_file_size_mb and max_files must be non-negative")
		}
	default:
		return fmt.Errorf("invalid type %q: must be one of memory, database, file", s.Type)
	}
	return nil
}

// Validate checks if the LoggingConfig is valid.
func (l *LoggingConfig) Validate() error {
	var errs []error

	if l.Level != "" && !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", l.Level))
	}

	if l.Format != "" && !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be one of json, text", l.Format))
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, errors.New("rotation limits must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// LoggerConfig converts the section into a logging.Config.
func (l *LoggingConfig) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if l.Level != "" {
		cfg.Level = logging.Level(l.Level)
	}
	if l.Format != "" {
		cfg.Format = logging.Format(l.Format)
	}
	cfg.File = l.File
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		cfg.MaxAgeDays = l.MaxAgeDays
	}
	return cfg
}

// Validate checks if the TracingConfig is valid.
func (t *TracingConfig) Validate() error {
	var errs []error

	if t.Enabled {
		if t.ExporterType != "" && !validTracingExporterTypes[t.ExporterType] {
			errs = append(errs, fmt.Errorf("invalid exporter_type %q: must be one of none, stdout, otlp", t.ExporterType))
		}
		if t.ExporterType == "otlp" && t.OTLPEndpoint == "" {
			errs = append(errs, errors.New("otlp_endpoint is required when exporter_type is 'otlp'"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, errors.New("sample_rate must be between 0.0 and 1.0"))
		}
		if t.ServiceName == "" {
			errs = append(errs, errors.New("service_name is required when tracing is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// TracerConfig converts the section into a tracing.Config.
func (t *TracingConfig) TracerConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = t.Enabled
	if t.ExporterType != "" {
		cfg.ExporterType = tracing.ExporterType(t.ExporterType)
	}
	cfg.OTLPEndpoint = t.OTLPEndpoint
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	cfg.SampleRate = t.SampleRate
	return cfg
}

// Validate checks if the APIConfig is valid.
func (a *APIConfig) Validate() error {
	if a.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(a.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", a.Address, err)
	}
	return nil
}
