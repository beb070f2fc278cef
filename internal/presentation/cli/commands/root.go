// Package commands implements the CLI commands for terrasync.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrafusion/syncservice/internal/application"
	"github.com/terrafusion/syncservice/internal/infrastructure/config"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	Verbose    bool
}

// AppContext holds the application runtime context.
type AppContext struct {
	Config    *config.Config
	Formatter *output.Formatter
	Renderer  *output.Renderer
	Flags     *GlobalFlags
	Container *application.Container
}

var (
	globalFlags GlobalFlags
	appCtx      *AppContext
	appCtxMu    sync.RWMutex // Protects appCtx for thread-safe access
)

// NewRootCmd creates the root command for the terrasync CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terrasync",
		Short: "TerraFusion sync engine",
		Long: `terrasync keeps a target database in step with a source database.

Each sync job detects new, modified and deleted rows per table, maps and
validates them, and writes them to the target with per-record retries.
Jobs checkpoint as they go and can be resumed after a failure or restart.

Key features:
  • Conflict detection with source_wins, target_wins, newest_wins and field merge
  • Append-only audit trail in memory, a database or rotating JSON files
  • One-shot migrations from SQLite, CSV, JSON, Postgres or SQL Server into Supabase
  • HTTP API, Prometheus metrics and file-triggered syncs`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip initialization for help, version and completion commands
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return initializeApp(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file path (default: ~/.terrasync/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Output, "output", "o", "text", "output format: text, table, json")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewAuditCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewWatchCmd())

	return rootCmd
}

// initializeApp loads the configuration and builds the container.
func initializeApp(cmd *cobra.Command) error {
	format, err := output.ParseFormat(globalFlags.Output)
	if err != nil {
		return err
	}

	formatter := output.NewFormatter(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithFormat(format),
		output.WithColor(format != output.FormatJSON),
	)

	cfg, err := loadConfig(globalFlags.ConfigFile)
	if err != nil {
		return err
	}

	// SYNC_LOG_LEVEL is checked here so a bad value fails validation
	env := viper.New()
	_ = env.BindEnv("log_level", logging.EnvLevel)
	if lvl := env.GetString("log_level"); lvl != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(lvl))
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	container, err := application.NewContainer(cfg, globalFlags.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	appCtxMu.Lock()
	if appCtx != nil && appCtx.Container != nil {
		_ = appCtx.Container.Close()
	}
	appCtx = &AppContext{
		Config:    cfg,
		Formatter: formatter,
		Renderer:  output.NewRenderer(formatter),
		Flags:     &globalFlags,
		Container: container,
	}
	appCtxMu.Unlock()

	return nil
}

// loadConfig loads configuration from the specified file or default location.
func loadConfig(configPath string) (*config.Config, error) {
	loader, err := config.NewLoader("")
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}

	return loader.Load(configPath)
}

// GetAppContext returns the current application context.
// Returns nil if the app hasn't been initialized.
func GetAppContext() *AppContext {
	appCtxMu.RLock()
	defer appCtxMu.RUnlock()
	return appCtx
}

// GetFormatter returns the output formatter.
// Creates a default formatter if app context is not initialized.
func GetFormatter() *output.Formatter {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Formatter
	}
	return output.NewFormatter()
}

// GetRenderer returns the renderer over the current formatter.
func GetRenderer() *output.Renderer {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Renderer
	}
	return output.NewRenderer(output.NewFormatter())
}

// GetContainer returns the application container.
// Returns nil if the app hasn't been initialized.
func GetContainer() *application.Container {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Container
	}
	return nil
}

// requireContainer returns the container or an error when initialization was skipped.
func requireContainer() (*application.Container, error) {
	container := GetContainer()
	if container == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return container, nil
}

// Shutdown releases the container. Running jobs are stopped at their next boundary.
func Shutdown() {
	appCtxMu.Lock()
	defer appCtxMu.Unlock()

	if appCtx != nil && appCtx.Container != nil {
		if err := appCtx.Container.Close(); err != nil && globalFlags.Verbose {
			appCtx.Formatter.Warning("Error during shutdown: %v", err)
		}
		appCtx.Container = nil
	}
}

// Execute runs the root command. The first SIGINT or SIGTERM cancels the
// command's context so jobs and servers stop cleanly; a second one exits at once.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interrupted := make(chan struct{})
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		GetFormatter().Warning("Received signal %v, shutting down...", sig)
		close(interrupted)
		cancel()

		if _, ok := <-sigChan; ok {
			os.Exit(130) // Standard exit code for SIGINT
		}
	}()

	err := NewRootCmd().ExecuteContext(ctx)
	Shutdown()

	select {
	case <-interrupted:
		os.Exit(130)
	default:
	}
	if err != nil {
		GetFormatter().Error("%s", err.Error())
		os.Exit(1)
	}
}
