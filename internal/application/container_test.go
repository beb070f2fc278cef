package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/adapters/migrate"
	"github.com/terrafusion/syncservice/internal/application/migrator"
	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/config"
)

func createDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	conn, err := database.Open(context.Background(), database.Config{Driver: "sqlite", DSN: path})
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer conn.Close()
	db, _ := conn.DB()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Logging.Level = "error"
	return cfg
}

func TestNewContainer(t *testing.T) {
	// Set HOME to a temp dir so nothing lands in the real home directory
	t.Setenv("HOME", t.TempDir())

	container, err := NewContainer(nil, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	if container.Config() == nil {
		t.Error("Config() returned nil")
	}
	if container.Logger() == nil {
		t.Error("Logger() returned nil")
	}
	if container.Tracer() == nil {
		t.Error("Tracer() returned nil")
	}
	if container.Metrics() == nil {
		t.Error("Metrics() returned nil with metrics enabled by default")
	}
	if container.Registry() == nil {
		t.Error("Registry() returned nil")
	}
	if container.StateStore() == nil {
		t.Error("StateStore() returned nil")
	}
	if container.AuditStore() == nil || container.Audit() == nil {
		t.Error("audit not initialized")
	}
}

func TestNewContainer_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false

	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	if container.Metrics() != nil {
		t.Error("Metrics() should be nil when disabled")
	}
}

func TestNewContainer_AuditStores(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Audit.Stores = []config.AuditStoreConfig{
		{Type: config.AuditStoreMemory, MaxEvents: 10},
		{Type: config.AuditStoreFile, Directory: filepath.Join(dir, "audit")},
		{Type: config.AuditStoreDatabase, Driver: "sqlite", DSN: filepath.Join(dir, "audit.db")},
	}

	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	ctx := context.Background()
	if err := container.Audit().JobStart(ctx, "job-1", nil); err != nil {
		t.Fatalf("JobStart() error = %v", err)
	}
	events, err := container.AuditStore().GetEvents(ctx, audit.Filter{JobID: "job-1"}, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
	if _, err := os.Stat(filepath.Join(dir, "audit")); err != nil {
		t.Errorf("file audit store directory missing: %v", err)
	}
}

func TestNewContainer_InvalidAuditStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Stores = []config.AuditStoreConfig{{Type: "kafka"}}

	if _, err := NewContainer(cfg, false); err == nil {
		t.Fatal("expected error for unknown audit store type")
	}
}

func TestNewContainer_DatabaseStateStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateStore = config.StateStoreDatabase

	if _, err := NewContainer(cfg, false); errors.CodeOf(err) != errors.CodeConfiguration {
		t.Errorf("NewContainer without target error = %v, want CONFIG", err)
	}

	cfg.Target = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "target.db")}
	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	ctx := context.Background()
	state := job.NewSyncState("source", "target", []job.TableSpec{{Name: "parcels", PrimaryKeys: []string{"id"}, Fields: []string{"id"}}})
	if err := container.StateStore().Save(ctx, state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := container.StateStore().Load(ctx, state.JobID); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

func TestContainer_OrchestratorSyncsConfiguredTables(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.db")
	targetPath := filepath.Join(dir, "target.db")
	createDB(t, sourcePath,
		`CREATE TABLE parcels (id INTEGER PRIMARY KEY, owner TEXT)`,
		`INSERT INTO parcels VALUES (1, ' ada '), (2, 'grace')`,
	)
	createDB(t, targetPath, `CREATE TABLE parcels (id INTEGER PRIMARY KEY, owner TEXT)`)

	cfg := testConfig(t)
	cfg.Source = config.DatabaseConfig{Driver: "sqlite", DSN: sourcePath}
	cfg.Target = config.DatabaseConfig{Driver: "sqlite", DSN: targetPath}
	cfg.Tables = []config.TableConfig{{
		TableSpec: job.TableSpec{Name: "parcels", PrimaryKeys: []string{"id"}, Fields: []string{"id", "owner"}},
		Transforms: transform.FieldMapping{
			"id":    {Field: "id"},
			"owner": {Field: "owner", Transform: "trim"},
		},
	}}

	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	ctx := context.Background()
	orch, err := container.Orchestrator(ctx)
	if err != nil {
		t.Fatalf("Orchestrator() error = %v", err)
	}
	again, _ := container.Orchestrator(ctx)
	if again != orch {
		t.Error("Orchestrator() should return the same instance")
	}

	jobID, err := orch.StartSync(ctx, orchestrator.StartRequest{Tables: cfg.TableSpecs(), Inline: true})
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	state, err := orch.GetSyncStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if state.Status != job.StatusCompleted || state.Stats.ProcessedRecords != 2 {
		t.Errorf("state = %s processed %d", state.Status, state.Stats.ProcessedRecords)
	}

	conn, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: targetPath})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	db, _ := conn.DB()
	var owner string
	if err := db.QueryRow(`SELECT owner FROM parcels WHERE id = 1`).Scan(&owner); err != nil {
		t.Fatalf("query target: %v", err)
	}
	if owner != "ada" {
		t.Errorf("owner = %q, want trimmed value", owner)
	}
}

func TestContainer_OrchestratorRequiresDatabases(t *testing.T) {
	container, err := NewContainer(testConfig(t), false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	if _, err := container.Orchestrator(context.Background()); errors.CodeOf(err) != errors.CodeConfiguration {
		t.Errorf("Orchestrator() error = %v, want CONFIG", err)
	}
}

func TestContainer_MigrationSource(t *testing.T) {
	container, err := NewContainer(testConfig(t), false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	ctx := context.Background()
	csvPath := filepath.Join(t.TempDir(), "owners.csv")
	if err := os.WriteFile(csvPath, []byte("id,name\n1,Ada\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     migrator.Config
		wantErr bool
	}{
		{"csv", migrator.Config{SourceType: migrator.SourceCSV, SourcePath: csvPath}, false},
		{"json", migrator.Config{SourceType: migrator.SourceJSON, SourcePath: "rows.json"}, false},
		{"sqlite", migrator.Config{SourceType: migrator.SourceSQLite, SourcePath: filepath.Join(t.TempDir(), "src.db")}, false},
		{"unknown", migrator.Config{SourceType: "excel", SourcePath: "book.xlsx"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := container.MigrationSource(ctx, &tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MigrationSource() error = %v, wantErr %v", err, tt.wantErr)
			}
			if source != nil {
				_ = source.Close()
			}
		})
	}
}

func TestContainer_MigrationSink(t *testing.T) {
	cfg := testConfig(t)
	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	ctx := context.Background()
	if _, err := container.MigrationSink(ctx, "", ""); errors.CodeOf(err) != errors.CodeConfiguration {
		t.Errorf("MigrationSink() without url or target error = %v, want CONFIG", err)
	}

	sink, err := container.MigrationSink(ctx, "https://example.supabase.co", "service-key")
	if err != nil {
		t.Fatalf("MigrationSink(url) error = %v", err)
	}
	if _, ok := sink.(*migrate.RESTSink); !ok {
		t.Errorf("sink = %T, want *migrate.RESTSink", sink)
	}
	_ = sink.Close()

	cfg.Target = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "target.db")}
	sink, err = container.MigrationSink(ctx, "", "")
	if err != nil {
		t.Fatalf("MigrationSink(target) error = %v", err)
	}
	if _, ok := sink.(*migrate.SQLSink); !ok {
		t.Errorf("sink = %T, want *migrate.SQLSink", sink)
	}
	_ = sink.Close()
}

func TestContainer_TriggerService(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.db")
	targetPath := filepath.Join(dir, "target.db")
	createDB(t, sourcePath, `CREATE TABLE parcels (id INTEGER PRIMARY KEY)`)
	createDB(t, targetPath, `CREATE TABLE parcels (id INTEGER PRIMARY KEY)`)

	cfg := testConfig(t)
	cfg.Source = config.DatabaseConfig{Driver: "sqlite", DSN: sourcePath}
	cfg.Target = config.DatabaseConfig{Driver: "sqlite", DSN: targetPath}
	cfg.Tables = []config.TableConfig{{TableSpec: job.TableSpec{Name: "parcels", PrimaryKeys: []string{"id"}, Fields: []string{"id"}}}}
	cfg.Watch.Debounce = 50 * time.Millisecond

	container, err := NewContainer(cfg, false)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	defer container.Close()

	svc, err := container.TriggerService(context.Background(), []string{dir}, false)
	if err != nil {
		t.Fatalf("TriggerService() error = %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not run before Start")
	}
}
