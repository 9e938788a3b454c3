// Command themis is a demo and benchmark driver for the runtime core:
// it assembles trackers, workers and an allocator to run the
// specification's literal end-to-end scenarios, drives the
// MemoryManager benchmark variant, and reports resolver disk usage.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"themis/internal/telemetry/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "themis",
	Short: "Themis - disk-to-disk sort/MapReduce runtime core demo and bench driver",
	Long: `Themis assembles the stage scheduler, work queue, memory
allocator and deadlock resolver into runnable demonstrations of the
runtime core's end-to-end scenarios, and drives its MemoryManager
benchmark variant independently of the tracker/allocator pipeline.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(membenchCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
