package cli

import (
	"github.com/spf13/cobra"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the guardian heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runDryRun {
			a.Config.Trigger.DryRun = true
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Evaluate streams and log triggers without submitting transactions")
}
