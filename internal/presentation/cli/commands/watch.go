package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	var runOnStart bool

	cmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Sync whenever watched files change",
		Long: `Watch files or directories and sync every configured table when one of
them changes. Paths default to watch.paths from the configuration. Only
.csv, .json, .db and .sqlite files inside watched directories count.

Changes that arrive while a sync runs are folded into one follow-up sync.`,
		Example: `  # Watch the exports directory and sync once at startup
  terrasync watch ./exports --run-on-start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := requireContainer()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = container.Config().Watch.Paths
			}

			svc, err := container.TriggerService(cmd.Context(), paths, runOnStart)
			if err != nil {
				return err
			}
			if err := svc.Start(cmd.Context()); err != nil {
				return err
			}
			defer svc.Stop()

			GetFormatter().Info("Watching %s (Ctrl+C to stop)", strings.Join(paths, ", "))
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "sync once before the first change")

	return cmd
}
