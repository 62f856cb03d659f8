package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmesh/dorad/pkg/daemonlog"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "dorad",
	Short:   "dorad - per-machine dataflow runtime daemon",
	Long:    `dorad hosts node processes on one machine, wires their data-plane sockets and the upstream/timer inputs the coordinator assigns them, and reports liveness and completion back to the coordinator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dorad version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	daemonlog.Init(daemonlog.Config{
		Level:      daemonlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
