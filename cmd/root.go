// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

// configFile is the global --config flag, shared by every subcommand.
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Ferry - task dispatch for Android devices over adb",
	Long: `Ferry runs shell commands on a fleet of Android devices through adb.

A task names a target device, a command line, input files to push and output
paths to pull back. The API server accepts tasks and archives, the scheduler
pairs queued tasks with idle devices and spawns one worker process per task,
and the client drives the whole round trip from the terminal.

Components:
  - server:    HTTP API front-end (task lifecycle, archives, log streaming)
  - scheduler: dispatch, kill and liveness loop plus device inventory refresh
  - worker:    single-task executor, spawned by the scheduler
  - run:       client-side end-to-end task submission`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (optional; defaults plus FERRY_* env vars apply)")
}
