package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/config"
	"github.com/terrafusion/syncservice/internal/presentation/cli/output"
)

// NewSyncCmd creates the sync command and its subcommands.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run and manage sync jobs",
		Long: `Run sync jobs between the configured source and target databases.

Jobs started from the CLI run in the foreground. Every job persists its
state after each checkpoint, so a failed, stopped or interrupted job can
be resumed from where it left off.`,
	}

	cmd.AddCommand(newSyncStartCmd())
	cmd.AddCommand(newSyncResumeCmd())
	cmd.AddCommand(newSyncStopCmd())
	cmd.AddCommand(newSyncStatusCmd())
	cmd.AddCommand(newSyncListCmd())

	return cmd
}

func newSyncStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [table...]",
		Short: "Start a sync job",
		Long:  `Start a sync job for the named tables, or for every configured table when none are named.`,
		Example: `  # Sync every configured table
  terrasync sync start

  # Sync two tables and print the final state as JSON
  terrasync sync start parcels owners -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			tables, err := selectTables(container.Config(), args)
			if err != nil {
				return err
			}
			o, err := container.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}

			spinner := startSpinner(cmd, fmt.Sprintf("Syncing %d table(s)", len(tables)))
			jobID, err := o.StartSync(cmd.Context(), orchestrator.StartRequest{Tables: tables, Inline: true})
			return finishJob(cmd, o, jobID, err, spinner)
		},
	}
}

func newSyncResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a failed, stopped or interrupted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			o, err := container.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			spinner := startSpinner(cmd, "Resuming job "+args[0])
			err = o.ResumeSync(cmd.Context(), orchestrator.ResumeRequest{JobID: args[0], Inline: true})
			return finishJob(cmd, o, args[0], err, spinner)
		},
	}
}

func newSyncStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Mark a job as stopped",
		Long: `Stop a job. A job left marked active by a process that exited is moved
to the stopped state so it can be resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			o, err := container.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.StopSync(cmd.Context(), args[0]); err != nil {
				return err
			}
			state, err := o.GetSyncStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			formatter := GetFormatter()
			if formatter.Format() == output.FormatJSON {
				return formatter.JSON(state)
			}
			return formatter.Success("Job %s is %s", state.JobID, state.Status)
		},
	}
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			o, err := container.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			state, err := o.GetSyncStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return GetRenderer().JobState(state)
		},
	}
}

func newSyncListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known jobs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			o, err := container.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			states, err := o.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			return GetRenderer().Jobs(filterJobs(states, status))
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status")

	return cmd
}

// selectTables resolves table names against the configuration. No names
// selects every configured table.
func selectTables(cfg *config.Config, names []string) ([]job.TableSpec, error) {
	if len(names) == 0 {
		specs := cfg.TableSpecs()
		if len(specs) == 0 {
			return nil, fmt.Errorf("no tables are configured")
		}
		return specs, nil
	}

	specs := make([]job.TableSpec, 0, len(names))
	var unknown []string
	for _, name := range names {
		t, ok := cfg.Table(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		specs = append(specs, t.TableSpec)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown table(s): %s", strings.Join(unknown, ", "))
	}
	return specs, nil
}

func filterJobs(states []*job.SyncState, status string) []*job.SyncState {
	if status == "" {
		return states
	}
	out := make([]*job.SyncState, 0, len(states))
	for _, s := range states {
		if string(s.Status) == status {
			out = append(out, s)
		}
	}
	return out
}

// startSpinner shows progress for foreground jobs in text mode only.
func startSpinner(cmd *cobra.Command, msg string) *output.Spinner {
	if GetFormatter().Format() == output.FormatJSON {
		return nil
	}
	s := output.NewSpinner(msg, output.WithSpinnerWriter(cmd.ErrOrStderr()))
	s.Start()
	return s
}

// finishJob renders the final state of an inline job. A job that ends in any
// status other than completed is reported as an error.
func finishJob(cmd *cobra.Command, o *orchestrator.Orchestrator, jobID string, runErr error, spinner *output.Spinner) error {
	if runErr != nil && jobID == "" {
		if spinner != nil {
			spinner.StopWithError("Sync failed")
		}
		return runErr
	}

	state, err := o.GetSyncStatus(cmd.Context(), jobID)
	if err != nil {
		if spinner != nil {
			spinner.StopWithError("Sync failed")
		}
		if runErr != nil {
			return runErr
		}
		return err
	}

	if spinner != nil {
		if state.Status == job.StatusCompleted {
			spinner.StopWithSuccess("Sync completed")
		} else {
			spinner.StopWithError("Sync " + string(state.Status))
		}
	}
	if err := GetRenderer().JobState(state); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if state.Status != job.StatusCompleted {
		return fmt.Errorf("job %s ended %s", state.JobID, state.Status)
	}
	return nil
}
