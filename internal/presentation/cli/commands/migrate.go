package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrafusion/syncservice/internal/application/migrator"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// Environment variables read by the migrate command.
const (
	EnvSupabaseURL        = "SUPABASE_URL"
	EnvSupabaseServiceKey = "SUPABASE_SERVICE_KEY"
	EnvSupabaseKey        = "SUPABASE_KEY"
)

// migrateOptions holds the resolved migrate flags.
type migrateOptions struct {
	URL            string
	Key            string
	ConfigPath     string
	CreateTemplate string
	DryRun         bool
	Incremental    bool
}

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy tables into Supabase in one pass",
		Long: `Migrate reads tables from a SQLite, Postgres or SQL Server database, or from
CSV and JSON files, maps and validates the rows and writes them to Supabase.

The mapping file (--config) names the source and, per table, the target table,
field mapping, transforms, key column and modified-time column. Use
--create-template to write an example mapping file.

With --dry-run every batch is read, transformed and validated but nothing is
written. With --incremental only rows modified since the last successful run
are read and rows are upserted on the key column.

Without --url the rows are written to the target database of the engine
configuration instead.`,
		Example: `  # Write an example mapping file
  terrasync migrate --create-template migration.json

  # Preview a migration
  terrasync migrate --config migration.json --dry-run

  # Incremental run using credentials from the environment
  SUPABASE_URL=https://xyz.supabase.co SUPABASE_SERVICE_KEY=... \
    terrasync migrate --config migration.json --incremental`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := migrateOptions{
				URL:            v.GetString("url"),
				Key:            v.GetString("key"),
				ConfigPath:     v.GetString("config"),
				CreateTemplate: v.GetString("create_template"),
				DryRun:         v.GetBool("dry_run"),
				Incremental:    v.GetBool("incremental"),
			}
			return runMigrate(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.String("url", "", "Supabase project URL (env "+EnvSupabaseURL+")")
	flags.String("key", "", "Supabase service role key (env "+EnvSupabaseServiceKey+" or "+EnvSupabaseKey+")")
	flags.String("config", "", "migration mapping file")
	flags.String("create-template", "", "write an example mapping file to this path and exit")
	flags.Bool("dry-run", false, "read, transform and validate without writing")
	flags.Bool("incremental", false, "only migrate rows modified since the last run")

	_ = v.BindPFlag("url", flags.Lookup("url"))
	_ = v.BindPFlag("key", flags.Lookup("key"))
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("create_template", flags.Lookup("create-template"))
	_ = v.BindPFlag("dry_run", flags.Lookup("dry-run"))
	_ = v.BindPFlag("incremental", flags.Lookup("incremental"))
	_ = v.BindEnv("url", EnvSupabaseURL)
	_ = v.BindEnv("key", EnvSupabaseServiceKey, EnvSupabaseKey)

	return cmd
}

func runMigrate(cmd *cobra.Command, opts migrateOptions) error {
	formatter := GetFormatter()

	if opts.CreateTemplate != "" {
		if err := migrator.WriteTemplate(opts.CreateTemplate); err != nil {
			return err
		}
		return formatter.Success("Template written to %s", opts.CreateTemplate)
	}

	if opts.ConfigPath == "" {
		return errors.New("migrate", "--config is required (or --create-template to write one)")
	}
	if opts.URL != "" && opts.Key == "" {
		return errors.New("migrate", fmt.Sprintf("a service key is required with --url (--key, %s or %s)", EnvSupabaseServiceKey, EnvSupabaseKey))
	}

	container, err := requireContainer()
	if err != nil {
		return err
	}

	cfg, err := migrator.LoadConfig(opts.ConfigPath, container.Registry())
	if err != nil {
		return err
	}
	// The flags can only switch the modes on
	if opts.DryRun {
		cfg.Sync.DryRun = true
	}
	if opts.Incremental {
		cfg.Sync.Incremental = true
	}

	ctx := cmd.Context()
	source, err := container.MigrationSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	sink, err := container.MigrationSink(ctx, opts.URL, opts.Key)
	if err != nil {
		return err
	}
	defer sink.Close()

	m, err := container.NewMigrator(cfg, source, sink)
	if err != nil {
		return err
	}

	res, runErr := m.Run(ctx)
	if res != nil {
		if err := GetRenderer().Migration(res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if res.Failed() {
		return errors.NewError(errors.CodeData, "migration failed", nil)
	}
	return nil
}
