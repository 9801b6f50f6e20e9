package cli

import (
	"github.com/spf13/cobra"
)

var megaSelector string

var megaCmd = &cobra.Command{
	Use:   "mega",
	Short: "Fetch the reference feed and print every price matched by an aggregate selector",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Mega(cmd.Context(), cmd.OutOrStdout(), megaSelector)
	},
}

func init() {
	megaCmd.Flags().StringVar(&megaSelector, "selector", "", "Aggregate selector (defaults to feed.mega_selector)")
}
