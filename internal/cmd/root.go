// Package cmd implements the dcpctl command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/service"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dcpctl",
	Short: "Deploy control plane for a root of managed git checkouts",
	Long: `dcpctl keeps a set of independently version-controlled git checkouts
under one managed root synchronized with their remotes, and switches any
checkout to a different remote branch on demand.

Per-checkout credentials are selected by sentinel files next to each
checkout: <folder>.key holds an SSH private key, an empty <folder>.github
marker selects the shared GitHub App installation token.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yml", "configuration file")
}

// setup loads the configuration and builds the operations facade shared by
// all subcommands.
func setup() (*config.Root, *logging.Logger, *service.Manager, error) {
	cfg, err := config.ParseFile(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level})

	manager, err := service.NewManager(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, logger, manager, nil
}
