// Package cmd wires configuration and subcommands for the pulsed binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowdeck/pulse/internal/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Loaded by PersistentPreRunE, consumed by subcommands.
	cfg *config.Config

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "pulsed",
	Short: "Schedule and dispatch engine for FlowDeck workflows",
	Long: `pulsed turns time-based triggers attached to workflow definitions into
queued execution requests. It polls for due schedules, resolves node
credentials immediately before each dispatch, and publishes execution
messages to the worker fleet's durable queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion injects build-time version information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: pulse.yaml in . or /etc/pulse)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}

	// Flags outrank the file and environment when explicitly set.
	if logLevel != "" {
		loader.Set("log.level", logLevel)
	}
	if logFormat != "" {
		loader.Set("log.format", logFormat)
	}

	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}
