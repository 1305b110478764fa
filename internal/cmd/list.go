package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize every checkout under the managed root",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	_, _, manager, err := setup()
	if err != nil {
		return err
	}

	snapshots, err := manager.List(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"Folder", "Branch", "Head", "Author", "When", "Origin"}),
	)

	for _, s := range snapshots {
		branch := s.ActiveBranch
		if branch == "" {
			branch = "(detached)"
		}

		sha, author, when := "", "", ""
		if s.Head != nil {
			sha = s.Head.SHA[:12]
			author = s.Head.Author
			when = s.Head.When.Format("2006-01-02 15:04")
		}

		origin := ""
		for _, remote := range s.Remotes {
			if remote.Name == "origin" {
				origin = remote.URL
				break
			}
		}

		if err := table.Append([]string{s.Folder, branch, sha, author, when, origin}); err != nil {
			return err
		}
	}

	return table.Render()
}
