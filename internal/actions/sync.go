// Package actions implements the user-facing workflows. Each action drives
// the engine packages and reports outcomes through the runtime context.
package actions

import (
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"restack.dev/restack/internal/config"
	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/eventlog"
	"restack.dev/restack/internal/output"
	"restack.dev/restack/internal/repopool"
	"restack.dev/restack/internal/revset"
	"restack.dev/restack/internal/rewrite"
	"restack.dev/restack/internal/runtime"
)

// SyncOptions contains options for the sync command
type SyncOptions struct {
	// Pull fetches from all remotes and advances the main branch before
	// moving stacks.
	Pull bool
	// Revsets selects the stacks to sync; empty means all stack roots.
	Revsets []string
	// ForceRewritePublicCommits permits rewriting commits reachable from
	// the main branch.
	ForceRewritePublicCommits bool
	// ForceInMemory/ForceOnDisk pin the execution strategy.
	ForceInMemory bool
	ForceOnDisk   bool
	// NoDeduplicate disables patch-identity duplicate detection.
	NoDeduplicate bool
	// ResolveMergeConflicts leaves a conflicting step checked out for the
	// user to resolve instead of declining immediately.
	ResolveMergeConflicts bool
	// PreserveTimestamps keeps original committer timestamps; when unset the
	// git config value applies.
	PreserveTimestamps bool
}

// rootPlan pairs a stack root with its built plan; a nil plan means the
// stack is already in position.
type rootPlan struct {
	root dag.Oid
	plan *rewrite.Plan
}

// SyncAction moves all commit stacks on top of the main branch, optionally
// fetching first. The returned int is the process exit code.
func SyncAction(rctx *runtime.Context, opts SyncOptions) (int, error) {
	repo := rctx.Repo
	splog := rctx.Splog
	ctx := rctx.Ctx
	runner := repo.Runner()

	now := time.Now()
	fetchTxID, err := rctx.Log.MakeTransactionID(now, "sync fetch")
	if err != nil {
		return 1, err
	}

	// Surface parse errors early, before any commit graph or network side
	// effects.
	if err := revset.CheckSyntax(opts.Revsets); err != nil {
		splog.Error("%v", err)
		return 1, nil
	}

	if opts.Pull {
		code, err := runner.RunLoud(ctx, fetchTxID, "fetch", "--all")
		if err != nil {
			return 1, err
		}
		if code != 0 {
			return code, nil
		}
	}

	buildOpts := rewrite.BuildOptions{
		ForceRewritePublicCommits:        opts.ForceRewritePublicCommits,
		DetectDuplicateCommitsViaPatchID: !opts.NoDeduplicate,
	}
	now = time.Now()
	syncTxID, err := rctx.Log.MakeTransactionID(now, "sync")
	if err != nil {
		return 1, err
	}
	execOpts := rewrite.ExecuteOptions{
		Now:                   now,
		TxID:                  syncTxID,
		PreserveTimestamps:    opts.PreserveTimestamps || config.PreserveTimestamps(ctx, runner),
		ForceInMemory:         opts.ForceInMemory,
		ForceOnDisk:           opts.ForceOnDisk,
		ResolveMergeConflicts: opts.ResolveMergeConflicts,
	}
	poolSize := config.PoolSize(ctx, runner)
	pool := repopool.New(repo.Root(), poolSize)

	if opts.Pull {
		code, err := executeMainBranchSyncPlan(rctx, pool, buildOpts, execOpts)
		if err != nil || code != 0 {
			return code, err
		}
	}

	// The main branch might have changed since we synced it, so read its
	// information again.
	return executeSyncPlans(rctx, pool, poolSize, buildOpts, execOpts, opts.Revsets)
}

// executeMainBranchSyncPlan advances the local main branch onto its
// upstream: a no-op when already matching, a direct reference fast-forward
// when there are no unique local commits, and a permission-checked rebase
// otherwise.
func executeMainBranchSyncPlan(rctx *runtime.Context, pool *repopool.Pool, buildOpts rewrite.BuildOptions, execOpts rewrite.ExecuteOptions) (int, error) {
	repo := rctx.Repo
	splog := rctx.Splog
	ctx := rctx.Ctx

	replayer, err := eventlog.FromEventLogDB(rctx.Log)
	if err != nil {
		return 1, err
	}
	cursor := replayer.MakeDefaultCursor()
	refs, err := repo.ReferencesSnapshot()
	if err != nil {
		return 1, err
	}
	d, err := dag.OpenAndSync(repo, replayer, cursor, refs)
	if err != nil {
		return 1, err
	}

	mainName, err := repo.MainBranchName()
	if err != nil {
		return 1, err
	}
	localMainOid := refs.MainBranchOid

	upstreamOid, hasUpstream, err := repo.UpstreamOf(mainName)
	if err != nil {
		return 1, err
	}
	if !hasUpstream {
		splog.Info("Branch %s does not track an upstream branch, so not pulling.", mainName)
		return 0, nil
	}

	if err := d.SyncFromOids(dag.NewCommitSet(upstreamOid), dag.NewCommitSet()); err != nil {
		return 1, err
	}
	localMainCommits, err := d.Query().Only(
		dag.NewCommitSet(localMainOid),
		dag.NewCommitSet(upstreamOid),
	)
	if err != nil {
		return 1, err
	}

	if localMainCommits.IsEmpty() {
		if localMainOid == upstreamOid {
			splog.Info("Not updating branch %s at %s", mainName, output.ColorCommit(repo.ShortDescribe(upstreamOid)))
			return 0, nil
		}
		splog.Info("Fast-forwarding branch %s to %s", mainName, output.ColorCommit(repo.ShortDescribe(upstreamOid)))
		refName := "refs/heads/" + mainName
		current, _ := repo.Runner().Run(ctx, "symbolic-ref", "--short", "-q", "HEAD")
		if current == mainName {
			// Main is checked out; move the branch and the worktree
			// together.
			if _, err := repo.Runner().RunWithTx(ctx, execOpts.TxID, "reset", "--merge", string(upstreamOid)); err != nil {
				return 1, err
			}
		} else if err := repo.CreateReference(refName, upstreamOid, "sync"); err != nil {
			return 1, err
		}
		event := eventlog.Event{
			Kind:      eventlog.EventRefUpdated,
			Timestamp: execOpts.Now,
			TxID:      execOpts.TxID,
			RefName:   refName,
			OldOid:    string(localMainOid),
			NewOid:    string(upstreamOid),
		}
		if err := rctx.Log.AppendEvents(event); err != nil {
			return 1, err
		}
		return 0, nil
	}
	splog.Info("Syncing branch %s", mainName)

	// Commits on the main branch are by definition public, so the rebase
	// only succeeds with the override set.
	mainBuildOpts := buildOpts
	mainBuildOpts.ForceRewritePublicCommits = true
	perms, err := rewrite.VerifyRewriteSet(d, mainBuildOpts, localMainCommits)
	if err != nil {
		if reported := reportBuildFailure(splog, err); reported {
			return 1, nil
		}
		return 1, err
	}

	roots, err := d.Query().Roots(localMainCommits)
	if err != nil {
		return 1, err
	}
	if roots.Len() != 1 {
		return 0, nil
	}
	rootOid := roots.Sorted()[0]

	planner := rewrite.NewPlanner(d, perms)
	if err := planner.MoveSubtree(rootOid, []dag.Oid{upstreamOid}); err != nil {
		return 1, err
	}
	plan, err := planner.BuildPlan(ctx, pool)
	if err != nil {
		if reported := reportBuildFailure(splog, err); reported {
			return 1, nil
		}
		return 1, err
	}
	if plan == nil {
		return 0, nil
	}

	return executePlans(rctx, execOpts, []rootPlan{{root: rootOid, plan: plan}})
}

// executeSyncPlans builds one plan per stack root (in parallel, sharing the
// planner's caches and the repository pool) and executes them sequentially.
func executeSyncPlans(rctx *runtime.Context, pool *repopool.Pool, poolSize int, buildOpts rewrite.BuildOptions, execOpts rewrite.ExecuteOptions, revsets []string) (int, error) {
	repo := rctx.Repo
	splog := rctx.Splog
	ctx := rctx.Ctx

	replayer, err := eventlog.FromEventLogDB(rctx.Log)
	if err != nil {
		return 1, err
	}
	cursor := replayer.MakeDefaultCursor()
	refs, err := repo.ReferencesSnapshot()
	if err != nil {
		return 1, err
	}
	d, err := dag.OpenAndSync(repo, replayer, cursor, refs)
	if err != nil {
		return 1, err
	}

	commitSets, err := revset.Resolve(repo, d, revsets)
	if err != nil {
		splog.Error("%v", err)
		return 1, nil
	}

	mainBranchOid := refs.MainBranchOid
	var rootOids dag.CommitSet
	if len(commitSets) == 0 {
		rootOids, err = d.Query().StackRoots()
	} else {
		rootOids, err = d.Query().Roots(dag.UnionAll(commitSets))
	}
	if err != nil {
		return 1, err
	}

	perms, err := rewrite.VerifyRewriteSet(d, buildOpts, rootOids)
	if err != nil {
		if reported := reportBuildFailure(splog, err); reported {
			return 1, nil
		}
		return 1, err
	}
	planner := rewrite.NewPlanner(d, perms)

	// Stacks are planned and reported in commit-time order, oldest first.
	sortedRoots, err := repo.SortCommitsByDate(rootOids)
	if err != nil {
		return 1, err
	}
	plans := make([]rootPlan, len(sortedRoots))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(poolSize)
	for i, rootOid := range sortedRoots {
		group.Go(func() error {
			plans[i] = rootPlan{root: rootOid}

			// A stack whose sole parent is already the main tip is up to
			// date; skip it without building anything.
			onlyParent, hasOnlyParent, err := repo.OnlyParent(rootOid)
			if err != nil {
				return err
			}
			if hasOnlyParent && onlyParent == mainBranchOid {
				return nil
			}

			// Cloned planners share the same underlying caches.
			builder := planner.Clone()
			if err := builder.MoveSubtree(rootOid, []dag.Oid{mainBranchOid}); err != nil {
				return err
			}
			plan, err := builder.BuildPlan(groupCtx, pool)
			if err != nil {
				return err
			}
			plans[i].plan = plan
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if reported := reportBuildFailure(splog, err); reported {
			return 1, nil
		}
		return 1, err
	}

	return executePlans(rctx, execOpts, plans)
}

// executePlans runs each plan in order and aggregates outcomes into the
// three report buckets. Plan execution is deliberately sequential: it
// mutates shared reference state and produces interleaved progress output.
func executePlans(rctx *runtime.Context, execOpts rewrite.ExecuteOptions, plans []rootPlan) (int, error) {
	repo := rctx.Repo
	splog := rctx.Splog
	ctx := rctx.Ctx

	var successCommits, mergeConflictCommits, skippedCommits []dag.Oid
	for _, rp := range plans {
		if rp.plan == nil {
			skippedCommits = append(skippedCommits, rp.root)
			continue
		}

		result, err := rewrite.ExecutePlan(ctx, repo, rctx.Log, rp.plan, execOpts)
		if err != nil {
			return 1, err
		}
		switch result.Status {
		case rewrite.ExecuteSucceeded:
			successCommits = append(successCommits, rp.root)
		case rewrite.ExecuteDeclinedToMerge:
			mergeConflictCommits = append(mergeConflictCommits, rp.root)
		case rewrite.ExecuteFailed:
			return result.ExitCode, nil
		}
	}

	for _, oid := range successCommits {
		splog.Info("%s %s", output.ColorSuccess("Synced"), output.ColorCommit(repo.ShortDescribe(oid)))
	}
	for _, oid := range mergeConflictCommits {
		splog.Info("%s %s", output.ColorWarn("Merge conflict for"), output.ColorCommit(repo.ShortDescribe(oid)))
	}
	for _, oid := range skippedCommits {
		splog.Info("Not moving up-to-date stack at %s", output.ColorCommit(repo.ShortDescribe(oid)))
	}
	return 0, nil
}

// reportBuildFailure prints policy and structural build errors descriptively
// and reports whether the error was handled. Other errors propagate to the
// caller.
func reportBuildFailure(splog *output.Splog, err error) bool {
	var policyErr *restackerrors.PolicyError
	if errors.As(err, &policyErr) {
		splog.Error("%v", policyErr)
		return true
	}
	var buildErr *restackerrors.BuildPlanError
	if errors.As(err, &buildErr) {
		splog.Error("%v", buildErr)
		return true
	}
	return false
}
