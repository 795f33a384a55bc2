package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command
func NewRootCmd(version, commit, date string) *cobra.Command {
	var (
		debug bool
		quiet bool
	)

	rootCmd := &cobra.Command{
		Use:   "restack",
		Short: "Restack keeps your draft commit stacks rebased on a moving main branch",
		Long: `Restack keeps your draft commit stacks rebased on a moving main branch.

It tracks commit visibility in an append-only event log, builds rebase plans
without touching the working copy where possible, and falls back to an
on-disk rebase only when a merge conflict needs your attention.`,
		Version:       version + " (" + commit + ", built " + date + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				os.Setenv("DEBUG", "1")
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress console output")

	rootCmd.AddCommand(newSyncCmd(&quiet))

	return rootCmd
}
