package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-branches <folder>",
	Short: "Delete all local branches of a checkout except the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(_ *cobra.Command, args []string) error {
	_, _, manager, err := setup()
	if err != nil {
		return err
	}

	deleted, err := manager.CleanupBranches(args[0])
	if err != nil {
		return err
	}

	if len(deleted) == 0 {
		fmt.Println("Nothing to clean up")
		return nil
	}
	for _, branch := range deleted {
		fmt.Printf("Deleted %s\n", branch)
	}
	return nil
}
