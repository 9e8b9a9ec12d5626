package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "taskd",
	Short:         "In-process task scheduling daemon",
	Long:          "taskd runs one-shot, interval and cron tasks on a bounded worker pool.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskd version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "taskd", version)
	},
}

func init() {
	rootCmd.Version = version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(versionCmd)
}
