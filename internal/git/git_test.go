package git_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/git"
	"restack.dev/restack/testhelpers"
)

func openScene(t *testing.T, setup testhelpers.SceneSetup) (*testhelpers.Scene, *git.Repository) {
	t.Helper()
	scene := testhelpers.NewScene(t, setup)
	repo, err := git.OpenRepository(scene.Dir)
	require.NoError(t, err)
	return scene, repo
}

func TestCommandRunner(t *testing.T) {
	t.Run("failure carries the command and exit code", func(t *testing.T) {
		_, repo := openScene(t, testhelpers.BasicSceneSetup)

		_, err := repo.Runner().Run(context.Background(), "rev-parse", "--verify", "nosuchref")
		require.Error(t, err)

		var cmdErr *restackerrors.GitCommandError
		require.ErrorAs(t, err, &cmdErr)
		require.NotZero(t, cmdErr.ExitCode)
		require.Contains(t, cmdErr.Args, "nosuchref")
	})

	t.Run("run trims trailing newline", func(t *testing.T) {
		scene, repo := openScene(t, testhelpers.BasicSceneSetup)

		out, err := repo.Runner().Run(context.Background(), "rev-parse", "HEAD")
		require.NoError(t, err)

		head, err := scene.Repo.HeadOid()
		require.NoError(t, err)
		require.Equal(t, head, out)
	})

	t.Run("detects merge-tree support from the git version", func(t *testing.T) {
		_, repo := openScene(t, testhelpers.BasicSceneSetup)

		// Whatever git is installed, the answer must be derived without
		// error from its version output.
		_, err := repo.Runner().SupportsMergeTreeWriteTree(context.Background())
		require.NoError(t, err)
	})
}

func TestRepository(t *testing.T) {
	t.Run("resolves oids and parents", func(t *testing.T) {
		scene, repo := openScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("1", "1"); err != nil {
				return err
			}
			return scene.Repo.CreateChangeAndCommit("2", "2")
		})

		head, err := repo.ResolveOid("HEAD")
		require.NoError(t, err)
		parentOid, err := scene.Repo.ResolveOid("HEAD~1")
		require.NoError(t, err)

		parents, err := repo.CommitParents(head)
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{dag.Oid(parentOid)}, parents)

		only, ok, err := repo.OnlyParent(head)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, dag.Oid(parentOid), only)

		root, err := repo.ResolveOid("HEAD~1")
		require.NoError(t, err)
		_, ok, err = repo.OnlyParent(root)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("unresolvable oid maps to commit-not-found", func(t *testing.T) {
		_, repo := openScene(t, testhelpers.BasicSceneSetup)

		_, err := repo.ResolveOid("nosuchref")
		require.Error(t, err)
	})

	t.Run("main branch name respects configuration", func(t *testing.T) {
		scene, repo := openScene(t, testhelpers.BasicSceneSetup)

		name, err := repo.MainBranchName()
		require.NoError(t, err)
		require.Equal(t, "main", name)

		require.NoError(t, scene.Repo.RunGitCommand("config", "restack.mainBranch", "trunk"))
		name, err = repo.MainBranchName()
		require.NoError(t, err)
		require.Equal(t, "trunk", name)
	})

	t.Run("references snapshot covers head and branches", func(t *testing.T) {
		scene, repo := openScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("1", "1"); err != nil {
				return err
			}
			return scene.Repo.CreateBranch("feature")
		})

		refs, err := repo.ReferencesSnapshot()
		require.NoError(t, err)

		head, err := scene.Repo.HeadOid()
		require.NoError(t, err)
		require.Equal(t, dag.Oid(head), refs.HeadOid)
		require.Equal(t, dag.Oid(head), refs.MainBranchOid)
		require.Contains(t, refs.Branches, "feature")
	})

	t.Run("state dir lives under the git dir", func(t *testing.T) {
		scene, repo := openScene(t, testhelpers.BasicSceneSetup)

		stateDir, err := repo.StateDir()
		require.NoError(t, err)
		require.Equal(t, filepath.Join(scene.Dir, ".git", "restack"), stateDir)
	})

	t.Run("sorts commits by committer date", func(t *testing.T) {
		scene, repo := openScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("m1", "m1"); err != nil {
				return err
			}
			// The newer commit is created first so creation order and
			// commit-time order disagree.
			if err := scene.Repo.CreateAndCheckoutBranch("newer"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommitWithDate("n1", "n1", "2024-06-01 12:00:00 +0000"); err != nil {
				return err
			}
			if err := scene.Repo.CheckoutBranch("main"); err != nil {
				return err
			}
			if err := scene.Repo.CreateAndCheckoutBranch("older"); err != nil {
				return err
			}
			return scene.Repo.CreateChangeAndCommitWithDate("o1", "o1", "2020-06-01 12:00:00 +0000")
		})

		newerOid, err := scene.Repo.ResolveOid("newer")
		require.NoError(t, err)
		olderOid, err := scene.Repo.ResolveOid("older")
		require.NoError(t, err)

		sorted, err := repo.SortCommitsByDate(dag.NewCommitSet(dag.Oid(newerOid), dag.Oid(olderOid)))
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{dag.Oid(olderOid), dag.Oid(newerOid)}, sorted)
	})
}

func TestRunHook(t *testing.T) {
	t.Run("missing hook is silently skipped", func(t *testing.T) {
		_, repo := openScene(t, testhelpers.BasicSceneSetup)

		err := repo.RunHook(context.Background(), "post-rewrite", 1, []string{"rebase"}, "")
		require.NoError(t, err)
	})

	t.Run("hook receives stdin and the transaction id", func(t *testing.T) {
		scene, repo := openScene(t, testhelpers.BasicSceneSetup)
		require.NoError(t, scene.Repo.CreateHook("post-rewrite", "#!/bin/sh\ncat > hook-stdin.txt\necho \"$RESTACK_TRANSACTION_ID\" > hook-tx.txt\n"))

		err := repo.RunHook(context.Background(), "post-rewrite", 42, []string{"rebase"}, "old new\n")
		require.NoError(t, err)

		stdin, err := os.ReadFile(filepath.Join(scene.Dir, "hook-stdin.txt"))
		require.NoError(t, err)
		require.Equal(t, "old new\n", string(stdin))

		tx, err := os.ReadFile(filepath.Join(scene.Dir, "hook-tx.txt"))
		require.NoError(t, err)
		require.Equal(t, "42\n", string(tx))
	})
}
