package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	a := newApp()
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Live fleet tracking",
		Long:          "fleettrack shows tracked vehicles on a live map, streams their positions and draws recent history.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&a.configDir, "config-dir", ".", "directory holding fleettrack.cfg and .env")
	fs.StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCommand(a),
		newEntitiesCommand(a),
		newHistoryCommand(a),
		newPushCommand(a),
		newReplayCommand(a),
		newVehicleCommand(a),
		newPruneCommand(a),
	)
	return cmd
}
