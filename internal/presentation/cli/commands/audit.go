package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/presentation/cli/output"
)

// auditFilterFlags are shared by the events and report subcommands.
type auditFilterFlags struct {
	jobID     string
	types     []string
	component string
	table     string
	recordID  string
	operation string
	userID    string
	failed    bool
	succeeded bool
	since     string
	until     string
}

func (f *auditFilterFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.jobID, "job", "", "only events of this job")
	fs.StringSliceVar(&f.types, "type", nil, "event types, comma separated (job_start, operation, conflict, ...)")
	fs.StringVar(&f.component, "component", "", "only events from this component")
	fs.StringVar(&f.table, "table", "", "only events for this table")
	fs.StringVar(&f.recordID, "record", "", "only events for this record ID")
	fs.StringVar(&f.operation, "operation", "", "only events of this operation (insert, update, delete)")
	fs.StringVar(&f.userID, "user", "", "only events of this user")
	fs.BoolVar(&f.failed, "failed", false, "only failed events")
	fs.BoolVar(&f.succeeded, "succeeded", false, "only successful events")
	fs.StringVar(&f.since, "since", "", "events at or after this time (RFC 3339 or a duration such as 24h)")
	fs.StringVar(&f.until, "until", "", "events at or before this time (RFC 3339 or a duration such as 1h)")
}

func (f *auditFilterFlags) filter(now time.Time) (audit.Filter, error) {
	filter := audit.Filter{
		JobID:     f.jobID,
		Component: f.component,
		TableName: f.table,
		RecordID:  f.recordID,
		Operation: f.operation,
		UserID:    f.userID,
	}
	for _, t := range f.types {
		if t = strings.TrimSpace(t); t != "" {
			filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
		}
	}
	switch {
	case f.failed:
		success := false
		filter.Success = &success
	case f.succeeded:
		success := true
		filter.Success = &success
	}

	var err error
	if filter.Since, err = parseTimeFlag("since", f.since, now); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTimeFlag("until", f.until, now); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseTimeFlag accepts an RFC 3339 time or a duration counted back from now.
func parseTimeFlag(name, value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected an RFC 3339 time or a duration", name, value)
	}
	return now.Add(-d), nil
}

// NewAuditCmd creates the audit command and its subcommands.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and maintain the audit trail",
		Long: `Query the audit trail of sync jobs and migrations.

Events are read from the first configured audit store, newest first.`,
	}

	cmd.AddCommand(newAuditEventsCmd())
	cmd.AddCommand(newAuditShowCmd())
	cmd.AddCommand(newAuditReportCmd())
	cmd.AddCommand(newAuditCleanupCmd())

	return cmd
}

func newAuditEventsCmd() *cobra.Command {
	var (
		filters auditFilterFlags
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events",
		Example: `  # Failed events of one job
  terrasync audit events --job 3f2a... --failed

  # Conflicts in the last day
  terrasync audit events --type conflict,conflict_resolution --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			filter, err := filters.filter(time.Now().UTC())
			if err != nil {
				return err
			}
			events, err := container.Audit().GetEvents(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}
			return GetRenderer().Events(events)
		},
	}

	filters.register(cmd.Flags())
	cmd.MarkFlagsMutuallyExclusive("failed", "succeeded")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}

func newAuditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one audit event with its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			event, err := container.Audit().GetEvent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return GetRenderer().Event(event)
		},
	}
}

func newAuditReportCmd() *cobra.Command {
	var filters auditFilterFlags

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			filter, err := filters.filter(time.Now().UTC())
			if err != nil {
				return err
			}
			rep, err := container.Audit().GenerateReport(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return GetRenderer().Report(rep)
		},
	}

	filters.register(cmd.Flags())
	cmd.MarkFlagsMutuallyExclusive("failed", "succeeded")

	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit events older than the retention period",
		Long: `Delete audit events older than --days, or audit.retention_days from the
configuration when the flag is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = container.Config().Audit.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("a positive --days or audit.retention_days is required")
			}

			removed, err := container.Audit().CleanupOldEvents(cmd.Context(), days)
			if err != nil {
				return err
			}

			formatter := GetFormatter()
			if formatter.Format() == output.FormatJSON {
				return formatter.JSON(map[string]int{"removed": removed, "retention_days": days})
			}
			return formatter.Success("Removed %d audit event(s) older than %d day(s)", removed, days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention period in days")

	return cmd
}
