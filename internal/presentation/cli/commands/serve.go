package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrafusion/syncservice/internal/application"
	"github.com/terrafusion/syncservice/internal/presentation/api"
)

// retentionInterval is how often serve prunes the audit trail.
const retentionInterval = time.Hour

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var (
		address string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP API",
		Long: `Serve runs the sync engine as a long-lived process.

On start, jobs left active by a previous process are marked interrupted so
they can be resumed. The HTTP API starts, stops and resumes jobs and queries
the audit trail; /metrics exposes Prometheus metrics when enabled.

With --watch, changes under watch.paths also trigger a sync of every
configured table. When audit.retention_days is set, old audit events are
pruned hourly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			if address == "" {
				address = container.Config().API.Address
			}
			return runServe(cmd.Context(), container, address, watch)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address (default: api.address)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "also sync when files under watch.paths change")

	return cmd
}

func runServe(ctx context.Context, container *application.Container, address string, watch bool) error {
	logger := container.Logger()
	cfg := container.Config()

	o, err := container.Orchestrator(ctx)
	if err != nil {
		return err
	}
	recovered, err := o.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("marked jobs from a previous run as interrupted", "jobs", recovered)
	}

	if watch {
		svc, err := container.TriggerService(ctx, nil, false)
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()
	}

	if days := cfg.Audit.RetentionDays; days > 0 {
		go pruneAudit(ctx, container, days)
	}

	var metricsHandler http.Handler
	if m := container.Metrics(); m != nil {
		metricsHandler = m.Handler()
	}

	srv := api.NewServer(api.Config{
		Address:         address,
		Tables:          cfg.TableSpecs(),
		Metrics:         metricsHandler,
		ShutdownTimeout: cfg.Sync.StopGracePeriod,
	}, o, container.Audit(), logger)

	GetFormatter().Info("Listening on %s", address)
	return srv.ListenAndServe(ctx)
}

// pruneAudit applies the retention period now and then every retentionInterval.
func pruneAudit(ctx context.Context, container *application.Container, days int) {
	logger := container.Logger()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		removed, err := container.Audit().CleanupOldEvents(ctx, days)
		if err != nil {
			logger.Warn("audit cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("pruned audit events", "removed", removed, "retention_days", days)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
