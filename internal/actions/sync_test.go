package actions_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"restack.dev/restack/internal/actions"
	"restack.dev/restack/internal/eventlog"
	"restack.dev/restack/internal/runtime"
	"restack.dev/restack/testhelpers"
)

// syncScene opens a runtime context inside the scene's repository. The scene
// already changed the working directory into the repository.
func syncScene(t *testing.T, setup testhelpers.SceneSetup) (*testhelpers.Scene, *runtime.Context) {
	t.Helper()
	scene := testhelpers.NewScene(t, setup)

	rctx, err := runtime.GetContext(context.Background())
	require.NoError(t, err)
	rctx.Splog.SetQuiet(true)
	t.Cleanup(func() { rctx.Close() })

	return scene, rctx
}

func stackedSceneSetup(scene *testhelpers.Scene) error {
	if err := scene.Repo.CreateChangeAndCommit("m1", "m1"); err != nil {
		return err
	}
	if err := scene.Repo.CreateAndCheckoutBranch("feature"); err != nil {
		return err
	}
	if err := scene.Repo.CreateChangeAndCommit("a1", "a1"); err != nil {
		return err
	}
	if err := scene.Repo.CreateChangeAndCommit("a2", "a2"); err != nil {
		return err
	}
	if err := scene.Repo.CheckoutBranch("main"); err != nil {
		return err
	}
	return scene.Repo.CreateChangeAndCommit("m2", "m2")
}

func TestSyncAction(t *testing.T) {
	t.Run("moves a stack onto the main tip", func(t *testing.T) {
		scene, rctx := syncScene(t, stackedSceneSetup)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		messages, err := scene.Repo.ListCommitMessages("feature")
		require.NoError(t, err)
		require.Equal(t, []string{"a2", "a1", "m2", "m1"}, messages)
	})

	t.Run("keeps the stack branch checked out after an on-disk sync", func(t *testing.T) {
		scene, rctx := syncScene(t, func(scene *testhelpers.Scene) error {
			if err := stackedSceneSetup(scene); err != nil {
				return err
			}
			return scene.Repo.CheckoutBranch("feature")
		})

		code, err := actions.SyncAction(rctx, actions.SyncOptions{ForceOnDisk: true})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		// Execution detaches HEAD to cherry-pick; the user's branch must be
		// checked out again afterwards, now at the rewritten tip.
		branch, err := scene.Repo.CurrentBranchName()
		require.NoError(t, err)
		require.Equal(t, "feature", branch)

		messages, err := scene.Repo.ListCommitMessages("feature")
		require.NoError(t, err)
		require.Equal(t, []string{"a2", "a1", "m2", "m1"}, messages)

		status, err := scene.Repo.WorktreeStatus()
		require.NoError(t, err)
		require.Empty(t, status)
	})

	t.Run("moves the working copy with the checked-out branch", func(t *testing.T) {
		scene, rctx := syncScene(t, func(scene *testhelpers.Scene) error {
			if err := stackedSceneSetup(scene); err != nil {
				return err
			}
			return scene.Repo.CheckoutBranch("feature")
		})

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		branch, err := scene.Repo.CurrentBranchName()
		require.NoError(t, err)
		require.Equal(t, "feature", branch)

		messages, err := scene.Repo.ListCommitMessages("feature")
		require.NoError(t, err)
		require.Equal(t, []string{"a2", "a1", "m2", "m1"}, messages)

		// The worktree follows the moved branch instead of showing the old
		// contents as unstaged changes.
		status, err := scene.Repo.WorktreeStatus()
		require.NoError(t, err)
		require.Empty(t, status)
	})

	t.Run("records rewrite events", func(t *testing.T) {
		_, rctx := syncScene(t, stackedSceneSetup)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		events, err := rctx.Log.Events()
		require.NoError(t, err)

		var kinds []eventlog.Kind
		for _, event := range events {
			kinds = append(kinds, event.Kind)
		}
		require.Contains(t, kinds, eventlog.EventCommitRewritten)
		require.Contains(t, kinds, eventlog.EventRefUpdated)
	})

	t.Run("is idempotent", func(t *testing.T) {
		scene, rctx := syncScene(t, stackedSceneSetup)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)
		synced, err := scene.Repo.ResolveOid("feature")
		require.NoError(t, err)

		code, err = actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)
		after, err := scene.Repo.ResolveOid("feature")
		require.NoError(t, err)
		require.Equal(t, synced, after)
	})

	t.Run("leaves an up-to-date stack alone", func(t *testing.T) {
		scene, rctx := syncScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("m1", "m1"); err != nil {
				return err
			}
			if err := scene.Repo.CreateAndCheckoutBranch("feature"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommit("a1", "a1"); err != nil {
				return err
			}
			return scene.Repo.CheckoutBranch("main")
		})

		before, err := scene.Repo.ResolveOid("feature")
		require.NoError(t, err)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		after, err := scene.Repo.ResolveOid("feature")
		require.NoError(t, err)
		require.Equal(t, before, after)
	})

	t.Run("a conflicting stack is reported but does not stop others", func(t *testing.T) {
		scene, rctx := syncScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("m1", ""); err != nil {
				return err
			}
			// conflicting: rewrites the same file as the next main commit
			if err := scene.Repo.CreateAndCheckoutBranch("conflicting"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommit("conflicting change", ""); err != nil {
				return err
			}
			if err := scene.Repo.CheckoutBranch("main"); err != nil {
				return err
			}
			if err := scene.Repo.CreateAndCheckoutBranch("clean"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommit("clean change", "clean"); err != nil {
				return err
			}
			if err := scene.Repo.CheckoutBranch("main"); err != nil {
				return err
			}
			return scene.Repo.CreateChangeAndCommit("main change", "")
		})

		conflictingBefore, err := scene.Repo.ResolveOid("conflicting")
		require.NoError(t, err)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		// The conflicting stack stayed put; the clean one moved.
		conflictingAfter, err := scene.Repo.ResolveOid("conflicting")
		require.NoError(t, err)
		require.Equal(t, conflictingBefore, conflictingAfter)
		require.False(t, scene.Repo.CherryPickInProgress())

		messages, err := scene.Repo.ListCommitMessages("clean")
		require.NoError(t, err)
		require.Equal(t, []string{"clean change", "main change", "m1"}, messages)
	})

	t.Run("drops a commit whose patch already landed upstream", func(t *testing.T) {
		scene, rctx := syncScene(t, func(scene *testhelpers.Scene) error {
			if err := scene.Repo.CreateChangeAndCommit("m1", "m1"); err != nil {
				return err
			}
			if err := scene.Repo.CreateAndCheckoutBranch("feature"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommit("same", "dup"); err != nil {
				return err
			}
			if err := scene.Repo.CreateChangeAndCommit("extra", "extra"); err != nil {
				return err
			}
			if err := scene.Repo.CheckoutBranch("main"); err != nil {
				return err
			}
			return scene.Repo.CreateChangeAndCommit("same", "dup")
		})

		code, err := actions.SyncAction(rctx, actions.SyncOptions{})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		// The duplicated commit collapsed away; only the extra one remains.
		messages, err := scene.Repo.ListCommitMessages("feature")
		require.NoError(t, err)
		require.Equal(t, []string{"extra", "same", "m1"}, messages)
	})

	t.Run("malformed revset aborts before any work", func(t *testing.T) {
		_, rctx := syncScene(t, stackedSceneSetup)

		code, err := actions.SyncAction(rctx, actions.SyncOptions{
			Revsets: []string{"stack("},
		})
		require.NoError(t, err)
		require.Equal(t, 1, code)
	})

	t.Run("pull without an upstream is a no-op note", func(t *testing.T) {
		scene, rctx := syncScene(t, testhelpers.BasicSceneSetup)

		// Fetch with no remotes succeeds; main just has no upstream.
		code, err := actions.SyncAction(rctx, actions.SyncOptions{Pull: true})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		branch, err := scene.Repo.CurrentBranchName()
		require.NoError(t, err)
		require.Equal(t, "main", branch)
	})
}

func TestSyncActionWithUpstream(t *testing.T) {
	t.Run("fast-forwards main when it has no unique commits", func(t *testing.T) {
		origin := testhelpers.NewScene(t, testhelpers.BasicSceneSetup)
		clone := origin.CloneScene(t)

		// Advance the origin after cloning.
		require.NoError(t, origin.Repo.CreateChangeAndCommit("m2", "m2"))
		originTip, err := origin.Repo.HeadOid()
		require.NoError(t, err)

		require.NoError(t, os.Chdir(clone.Dir))
		rctx, err := runtime.GetContext(context.Background())
		require.NoError(t, err)
		rctx.Splog.SetQuiet(true)
		defer rctx.Close()

		code, err := actions.SyncAction(rctx, actions.SyncOptions{Pull: true})
		require.NoError(t, err)
		require.Equal(t, 0, code)

		cloneMain, err := clone.Repo.GetRef("refs/heads/main")
		require.NoError(t, err)
		require.Equal(t, originTip, cloneMain)

		// Main is checked out in the clone, so the worktree follows the
		// fast-forward instead of going stale.
		branch, err := clone.Repo.CurrentBranchName()
		require.NoError(t, err)
		require.Equal(t, "main", branch)
		status, err := clone.Repo.WorktreeStatus()
		require.NoError(t, err)
		require.Empty(t, status)
	})
}
