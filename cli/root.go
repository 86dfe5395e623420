// Package cli wires the Orbital server's command-line interface:
// configuration loading, service construction and lifecycle management.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/config"
	"github.com/orbital-hq/orbital/version"
)

var cfgFile string

// RootCmd is the entry point of the orbital binary.
var RootCmd = &cobra.Command{
	Use:   "orbital",
	Short: "Orbital distributed compute server",
	Long: `Orbital is a distributed compute server for quantum chemistry
workloads. It stores computation records in PostgreSQL, hands tasks to
external compute managers, and drives multi-step services through a
durable internal job queue.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.orbital.yaml)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(userCmd)
	RootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("orbital %s (go %s)\n", version.Version, info.GoVersion)
		return nil
	},
}
