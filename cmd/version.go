package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build and model version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bps-classifier %s (%s, model %s)\n", Version, runtime.Version(), cfg.Model.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
