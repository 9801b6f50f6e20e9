package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"stream-guardian/internal/app"
)

var (
	simulateLast      string
	simulateFresh     string
	simulateDeviation int64
	simulateWindow    time.Duration
	simulateAge       time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Evaluate the trigger rule for a given pair of prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateLast == "" || simulateFresh == "" {
			return errors.New("--last and --fresh must be provided")
		}

		opts := app.SimulateOptions{
			Last:     simulateLast,
			Fresh:    simulateFresh,
			PerMille: simulateDeviation,
			Window:   simulateWindow,
			Age:      simulateAge,
		}
		return getApp().Simulate(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateLast, "last", "", "On-chain price, already scaled")
	simulateCmd.Flags().StringVar(&simulateFresh, "fresh", "", "Reference price, already scaled")
	simulateCmd.Flags().Int64Var(&simulateDeviation, "deviation", 0, "Deviation threshold in per mille (0 disables)")
	simulateCmd.Flags().DurationVar(&simulateWindow, "window", time.Hour, "Stream window size")
	simulateCmd.Flags().DurationVar(&simulateAge, "age", 0, "Time since the last on-chain update")
}
