package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"restack.dev/restack/internal/actions"
	"restack.dev/restack/internal/runtime"
)

// ExitError carries a non-zero process exit code out of a command without
// extra error output; the message has already been printed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// newSyncCmd creates the sync command
func newSyncCmd(quiet *bool) *cobra.Command {
	var opts actions.SyncOptions

	cmd := &cobra.Command{
		Use:   "sync [revsets...]",
		Short: "Move all draft commit stacks on top of the main branch",
		Long: `Move all draft commit stacks on top of the main branch.

With --pull, fetches from all remotes and advances the local main branch to
its upstream first. Stacks that are already based on the main branch tip are
left alone. A stack that hits a merge conflict is reported and skipped; the
remaining stacks are still synced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rctx, err := runtime.GetContext(cmd.Context())
			if err != nil {
				return err
			}
			defer rctx.Close()
			if *quiet {
				rctx.Splog.SetQuiet(true)
			}

			opts.Revsets = args
			code, err := actions.SyncAction(rctx, opts)
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.Pull, "pull", "p", false, "Fetch from all remotes and advance the main branch first")
	cmd.Flags().BoolVarP(&opts.ForceRewritePublicCommits, "force-rewrite-public", "f", false, "Allow rewriting commits that are already public")
	cmd.Flags().BoolVar(&opts.ForceInMemory, "in-memory", false, "Only rebase in memory; decline on merge conflicts")
	cmd.Flags().BoolVar(&opts.ForceOnDisk, "on-disk", false, "Rebase on disk even when an in-memory rebase would succeed")
	cmd.Flags().BoolVar(&opts.NoDeduplicate, "no-deduplicate", false, "Keep commits whose changes already exist upstream")
	cmd.Flags().BoolVar(&opts.ResolveMergeConflicts, "merge", false, "Stop at merge conflicts for manual resolution instead of skipping the stack")
	cmd.Flags().BoolVar(&opts.PreserveTimestamps, "preserve-timestamps", false, "Keep original commit timestamps when rewriting")
	cmd.MarkFlagsMutuallyExclusive("in-memory", "on-disk")

	return cmd
}
