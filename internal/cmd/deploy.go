package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <folder> <remote>/<branch>",
	Short: "Switch a checkout to a remote branch and hard-reset it to the remote tip",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	_, _, manager, err := setup()
	if err != nil {
		return err
	}

	result, err := manager.Deploy(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if result.HookErr != nil {
		return fmt.Errorf("deployed, but the post hook failed: %w", result.HookErr)
	}
	return nil
}
