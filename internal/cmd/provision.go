package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/deployops/deploy-control-plane/internal/deploy"
)

type authMode enumflag.Flag

const (
	authSSH authMode = iota
	authGitHubApp
)

var authModeIDs = map[authMode][]string{
	authSSH:       {"ssh"},
	authGitHubApp: {"github-app"},
}

var (
	provisionAuth    authMode
	provisionKeyFile string
	provisionAuthDoc string
)

var provisionCmd = &cobra.Command{
	Use:   "provision <folder> <source>",
	Short: "Clone a new checkout into the managed root",
	Long: `Clone a new checkout into the managed root under the requested
authentication mode. SSH provisioning persists the given private key as the
checkout's <folder>.key sentinel; GitHub App provisioning clones with a fresh
installation token and writes the <folder>.github marker. A failed clone
leaves nothing behind.`,
	Args: cobra.ExactArgs(2),
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().Var(
		enumflag.New(&provisionAuth, "auth", authModeIDs, enumflag.EnumCaseInsensitive),
		"auth", "authentication mode: ssh or github-app")
	provisionCmd.Flags().StringVar(&provisionKeyFile, "key-file", "", "SSH private key file (required with --auth ssh)")
	provisionCmd.Flags().StringVar(&provisionAuthDoc, "auth-file", "", "YAML auth document with a 'type' field, overrides --auth")
}

func runProvision(cmd *cobra.Command, args []string) error {
	_, _, manager, err := setup()
	if err != nil {
		return err
	}

	auth, err := provisionAuthSpec()
	if err != nil {
		return err
	}

	if err := manager.Provision(cmd.Context(), args[0], args[1], auth); err != nil {
		return err
	}

	fmt.Printf("Provisioned %q from %s\n", args[0], args[1])
	return nil
}

func provisionAuthSpec() (deploy.ProvisionAuth, error) {
	if provisionAuthDoc != "" {
		bs, err := os.ReadFile(provisionAuthDoc)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("parsing auth document: %w", err)
		}
		return deploy.ParseProvisionAuth(doc)
	}

	switch provisionAuth {
	case authSSH:
		if provisionKeyFile == "" {
			return nil, errors.New("--auth ssh requires --key-file")
		}
		key, err := os.ReadFile(provisionKeyFile)
		if err != nil {
			return nil, err
		}
		return deploy.SSHAuth{Key: key}, nil

	case authGitHubApp:
		return deploy.AppAuth{}, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode %d", provisionAuth)
	}
}
