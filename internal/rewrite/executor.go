package rewrite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/eventlog"
	"restack.dev/restack/internal/git"
)

// emptyTreeOid is git's well-known empty tree, used as the merge base when
// applying a root commit.
const emptyTreeOid = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ExecuteOptions control plan execution.
type ExecuteOptions struct {
	// Now is the timestamp rewritten commits receive unless
	// PreserveTimestamps is set.
	Now time.Time
	// TxID correlates all side effects of this execution in the event log
	// and in hook environments.
	TxID eventlog.TxID
	// PreserveTimestamps keeps original committer timestamps on rewritten
	// commits.
	PreserveTimestamps bool
	// ForceInMemory disables the on-disk fallback; a conflict is reported
	// immediately.
	ForceInMemory bool
	// ForceOnDisk skips the in-memory attempt entirely, e.g. when hooks
	// depend on working-copy state.
	ForceOnDisk bool
	// ResolveMergeConflicts allows execution to stop in a resolvable
	// intermediate working-copy state on conflict instead of rolling back.
	ResolveMergeConflicts bool
	// SkipCheckout leaves HEAD and the working copy wherever execution
	// ends instead of restoring the pre-execution checkout.
	SkipCheckout bool
}

// ExecuteStatus is the outcome class of a plan execution.
type ExecuteStatus int

const (
	// ExecuteSucceeded means every step applied cleanly.
	ExecuteSucceeded ExecuteStatus = iota
	// ExecuteDeclinedToMerge means a merge conflict halted the plan; the
	// result carries enough state to resume once the user resolves it.
	ExecuteDeclinedToMerge
	// ExecuteFailed means a git subprocess exited non-zero for a reason
	// other than a conflict; the exit code is propagated verbatim.
	ExecuteFailed
)

// MergeConflict describes a conflicting plan step.
type MergeConflict struct {
	Commit           dag.Oid
	ConflictingPaths []string
}

// ExecuteResult is the outcome of executing a rebase plan.
type ExecuteResult struct {
	Status ExecuteStatus
	// RewrittenOids maps old to new OIDs on success; callers use it to
	// update references they track beyond branches.
	RewrittenOids map[dag.Oid]dag.Oid
	// Conflict is set when Status is ExecuteDeclinedToMerge.
	Conflict *MergeConflict
	// ExitCode is set when Status is ExecuteFailed.
	ExitCode int
}

// ExecState is the execution state machine. Conflicted is not terminal:
// Resume continues a conflicted execution after out-of-band resolution.
type ExecState int

const (
	StatePending ExecState = iota
	StateApplying
	StateConflicted
	StateSucceeded
	StateFailed
)

// Execution runs a plan's steps in order against a repository. Execution is
// deliberately sequential across plans; it mutates shared reference state.
type Execution struct {
	repo *git.Repository
	log  *eventlog.DB
	plan *Plan
	opts ExecuteOptions

	state     ExecState
	stepIndex int
	head      dag.Oid
	onDisk    bool
	rewritten map[dag.Oid]dag.Oid

	// Checkout state at the start of Run, restored by finish.
	initialBranch string
	initialHead   dag.Oid
}

// NewExecution prepares an execution of the given plan.
func NewExecution(repo *git.Repository, log *eventlog.DB, plan *Plan, opts ExecuteOptions) *Execution {
	return &Execution{
		repo:      repo,
		log:       log,
		plan:      plan,
		opts:      opts,
		state:     StatePending,
		rewritten: make(map[dag.Oid]dag.Oid),
	}
}

// State returns the execution's current state.
func (e *Execution) State() ExecState { return e.state }

// ExecutePlan executes the plan and returns the result. In-memory execution
// is preferred; it falls back to the working copy when a conflict needs user
// resolution or when forced.
func ExecutePlan(ctx context.Context, repo *git.Repository, log *eventlog.DB, plan *Plan, opts ExecuteOptions) (ExecuteResult, error) {
	return NewExecution(repo, log, plan, opts).Run(ctx)
}

// Run executes the plan from the beginning.
func (e *Execution) Run(ctx context.Context) (ExecuteResult, error) {
	if e.state != StatePending {
		return ExecuteResult{}, fmt.Errorf("execution already started")
	}
	e.state = StateApplying
	e.head = e.plan.DestParents[0]
	e.onDisk = e.opts.ForceOnDisk

	if err := e.captureCheckout(ctx); err != nil {
		return e.fail(1, err)
	}

	if !e.onDisk {
		// merge-tree --write-tree --merge-base needs git 2.40.
		ok, err := e.repo.Runner().SupportsMergeTreeWriteTree(ctx)
		if err != nil {
			return e.fail(1, err)
		}
		if !ok {
			if e.opts.ForceInMemory {
				return e.fail(1, fmt.Errorf("in-memory rebase requires git %s or newer; rerun with --on-disk", git.MinMergeTreeVersion))
			}
			e.onDisk = true
		}
	}

	if e.onDisk {
		if code, err := e.checkoutDetached(ctx, e.head); err != nil || code != 0 {
			return e.fail(code, err)
		}
	}
	return e.runSteps(ctx)
}

// Resume continues a conflicted execution after the user resolved the
// conflict out of band. It is distinct from building a new plan: the
// remaining steps of the original plan are preserved.
func (e *Execution) Resume(ctx context.Context) (ExecuteResult, error) {
	if e.state != StateConflicted {
		return ExecuteResult{}, fmt.Errorf("nothing to resume: execution is not conflicted")
	}

	code, err := e.repo.Runner().RunLoud(ctx, e.opts.TxID, "cherry-pick", "--continue")
	if err != nil {
		return e.fail(1, err)
	}
	if code != 0 {
		if e.inConflict(ctx) {
			return e.declineToMerge(ctx, e.plan.Steps[e.stepIndex].Commit)
		}
		return e.fail(code, nil)
	}

	newHead, err := e.currentHead(ctx)
	if err != nil {
		return e.fail(1, err)
	}
	step := e.plan.Steps[e.stepIndex]
	e.rewritten[step.Commit] = newHead
	e.head = newHead
	e.stepIndex++
	e.state = StateApplying
	return e.runSteps(ctx)
}

func (e *Execution) runSteps(ctx context.Context) (ExecuteResult, error) {
	for ; e.stepIndex < len(e.plan.Steps); e.stepIndex++ {
		step := e.plan.Steps[e.stepIndex]
		var (
			result *ExecuteResult
			err    error
		)
		if e.onDisk {
			result, err = e.runStepOnDisk(ctx, step)
		} else {
			result, err = e.runStepInMemory(ctx, step)
		}
		if err != nil {
			return e.fail(1, err)
		}
		if result != nil {
			return *result, nil
		}
	}
	return e.finish(ctx)
}

// runStepInMemory applies one step without touching the working copy, using
// tree-level merges and direct object writes. A non-nil result means the
// execution has terminated (conflict or failure).
func (e *Execution) runStepInMemory(ctx context.Context, step Step) (*ExecuteResult, error) {
	switch step.Kind {
	case StepSkip:
		// The identical patch already exists on the destination lineage;
		// the commit collapses into the current head.
		e.rewritten[step.Commit] = e.head
		return nil, nil

	case StepApply:
		base := emptyTreeOid
		if len(step.Parents) > 0 {
			base = string(step.Parents[0])
		}
		tree, conflictPaths, err := e.mergeTree(ctx, base, string(e.head), string(step.Commit))
		if err != nil {
			return nil, err
		}
		if conflictPaths != nil {
			return e.conflictInMemory(ctx, step, conflictPaths)
		}
		newOid, err := e.commitTree(ctx, tree, []dag.Oid{e.head}, step.Commit)
		if err != nil {
			return nil, err
		}
		e.rewritten[step.Commit] = newOid
		e.head = newOid
		return nil, nil

	case StepMerge:
		newParents := e.mapParents(step.Parents)
		if len(newParents) > 2 {
			// A tree-level merge combines exactly two sides. Octopus
			// merges go through the working copy, which merges all
			// parents natively.
			if e.opts.ForceInMemory {
				return nil, fmt.Errorf("cannot recreate merge %s with %d parents in memory; rerun with --on-disk", step.Commit.Short(), len(newParents))
			}
			e.onDisk = true
			if code, err := e.checkoutDetached(ctx, e.head); err != nil || code != 0 {
				result, ferr := e.fail(code, err)
				return &result, ferr
			}
			return e.runStepOnDisk(ctx, step)
		}
		tree, conflictPaths, err := e.mergeTreePair(ctx, string(newParents[0]), string(newParents[1]))
		if err != nil {
			return nil, err
		}
		if conflictPaths != nil {
			return e.conflictInMemory(ctx, step, conflictPaths)
		}
		newOid, err := e.commitTree(ctx, tree, newParents, step.Commit)
		if err != nil {
			return nil, err
		}
		e.rewritten[step.Commit] = newOid
		e.head = newOid
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown step kind %v", step.Kind)
	}
}

// conflictInMemory handles a conflicting in-memory step: either decline
// immediately, or fall back to the working copy so the user can resolve it.
func (e *Execution) conflictInMemory(ctx context.Context, step Step, paths []string) (*ExecuteResult, error) {
	if e.opts.ForceInMemory || !e.opts.ResolveMergeConflicts {
		result, err := e.declineToMerge(ctx, step.Commit)
		result.Conflict.ConflictingPaths = paths
		return &result, err
	}

	// Fall back to on-disk execution from the current head; the objects
	// created in memory so far are real and remain valid.
	e.onDisk = true
	if code, err := e.checkoutDetached(ctx, e.head); err != nil || code != 0 {
		result, ferr := e.fail(code, err)
		return &result, ferr
	}
	result, err := e.runStepOnDisk(ctx, step)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runStepOnDisk applies one step via the working copy so that conflicts are
// left in a resolvable state and hooks see a real checkout.
func (e *Execution) runStepOnDisk(ctx context.Context, step Step) (*ExecuteResult, error) {
	runner := e.repo.Runner()
	switch step.Kind {
	case StepSkip:
		e.rewritten[step.Commit] = e.head
		return nil, nil

	case StepApply:
		code, err := runner.RunLoud(ctx, e.opts.TxID, "cherry-pick", "--allow-empty", string(step.Commit))
		if err != nil {
			return nil, err
		}
		if code != 0 {
			if e.inConflict(ctx) {
				e.state = StateConflicted
				result := ExecuteResult{
					Status: ExecuteDeclinedToMerge,
					Conflict: &MergeConflict{
						Commit:           step.Commit,
						ConflictingPaths: e.conflictingPaths(ctx),
					},
				}
				return &result, nil
			}
			result, ferr := e.fail(code, nil)
			return &result, ferr
		}

	case StepMerge:
		newParents := e.mapParents(step.Parents)
		message, err := e.repo.CommitMessage(step.Commit)
		if err != nil {
			return nil, err
		}
		args := []string{"merge", "--no-ff", "-m", strings.TrimSpace(message)}
		for _, parent := range newParents[1:] {
			args = append(args, string(parent))
		}
		code, err := runner.RunLoud(ctx, e.opts.TxID, args...)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			if e.inConflict(ctx) {
				e.state = StateConflicted
				result := ExecuteResult{
					Status: ExecuteDeclinedToMerge,
					Conflict: &MergeConflict{
						Commit:           step.Commit,
						ConflictingPaths: e.conflictingPaths(ctx),
					},
				}
				return &result, nil
			}
			result, ferr := e.fail(code, nil)
			return &result, ferr
		}

	default:
		return nil, fmt.Errorf("unknown step kind %v", step.Kind)
	}

	newHead, err := e.currentHead(ctx)
	if err != nil {
		return nil, err
	}
	e.rewritten[step.Commit] = newHead
	e.head = newHead
	return nil, nil
}

// finish records rewrite events, moves branch references, and runs the
// post-rewrite hook.
func (e *Execution) finish(ctx context.Context) (ExecuteResult, error) {
	runner := e.repo.Runner()

	var events []eventlog.Event
	var hookStdin strings.Builder
	for _, step := range e.plan.Steps {
		oldOid := step.Commit
		newOid, ok := e.rewritten[oldOid]
		if !ok || oldOid == newOid {
			continue
		}
		events = append(events, eventlog.Event{
			Kind:      eventlog.EventCommitRewritten,
			Timestamp: e.opts.Now,
			TxID:      e.opts.TxID,
			OldOid:    string(oldOid),
			NewOid:    string(newOid),
		})
		fmt.Fprintf(&hookStdin, "%s %s\n", oldOid, newOid)
	}

	// Move branches that pointed into the rewritten subtree.
	refs, err := e.repo.ReferencesSnapshot()
	if err != nil {
		return e.fail(1, err)
	}
	for name, oid := range refs.Branches {
		newOid, ok := e.rewritten[oid]
		if !ok || oid == newOid {
			continue
		}
		refName := "refs/heads/" + name
		if name == e.initialBranch && !e.onDisk && !e.opts.SkipCheckout {
			// The branch is checked out; move it and the working copy
			// together, or the worktree would be left showing the old
			// commit's content as unstaged changes.
			if code, err := runner.RunLoud(ctx, e.opts.TxID, "reset", "--merge", string(newOid)); err != nil || code != 0 {
				return e.fail(code, err)
			}
		} else if _, err := runner.RunWithTx(ctx, e.opts.TxID, "update-ref", "-m", "restack: rewrite", refName, string(newOid), string(oid)); err != nil {
			return e.fail(1, err)
		}
		events = append(events, eventlog.Event{
			Kind:      eventlog.EventRefUpdated,
			Timestamp: e.opts.Now,
			TxID:      e.opts.TxID,
			RefName:   refName,
			OldOid:    string(oid),
			NewOid:    string(newOid),
		})
	}

	if e.log != nil && len(events) > 0 {
		if err := e.log.AppendEvents(events...); err != nil {
			return e.fail(1, err)
		}
	}

	if hookStdin.Len() > 0 {
		if err := e.repo.RunHook(ctx, "post-rewrite", e.opts.TxID, []string{"rebase"}, hookStdin.String()); err != nil {
			// Post-rewrite hooks are advisory; their failure does not undo
			// the rewrite.
			fmt.Fprintln(os.Stderr, err)
		}
	}

	if err := e.restoreCheckout(ctx); err != nil {
		return e.fail(1, err)
	}

	e.state = StateSucceeded
	return ExecuteResult{
		Status:        ExecuteSucceeded,
		RewrittenOids: e.rewritten,
	}, nil
}

// captureCheckout records the branch and commit checked out before execution
// touches anything.
func (e *Execution) captureCheckout(ctx context.Context) error {
	head, err := e.currentHead(ctx)
	if err != nil {
		return err
	}
	e.initialHead = head
	if branch, err := e.repo.Runner().Run(ctx, "symbolic-ref", "--short", "-q", "HEAD"); err == nil {
		e.initialBranch = branch
	}
	return nil
}

// restoreCheckout returns the worktree to where the user left it. On-disk
// execution detaches HEAD, so the original branch has to be checked out
// again; a detached HEAD on a rewritten commit follows the rewrite.
func (e *Execution) restoreCheckout(ctx context.Context) error {
	if e.opts.SkipCheckout {
		return nil
	}

	if e.initialBranch != "" {
		if !e.onDisk {
			// In-memory execution never moves HEAD; a rewritten
			// checked-out branch was handled with reset --merge.
			return nil
		}
		code, err := e.repo.Runner().RunLoud(ctx, e.opts.TxID, "checkout", e.initialBranch)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("failed to check out %s after rebase", e.initialBranch)
		}
		return nil
	}

	target := e.initialHead
	if newOid, ok := e.rewritten[target]; ok {
		target = newOid
	}
	if !e.onDisk && target == e.initialHead {
		return nil
	}
	head, err := e.currentHead(ctx)
	if err != nil {
		return err
	}
	if head == target {
		return nil
	}
	code, err := e.repo.Runner().RunLoud(ctx, e.opts.TxID, "checkout", "--detach", string(target))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("failed to check out %s after rebase", target.Short())
	}
	return nil
}

func (e *Execution) declineToMerge(_ context.Context, commit dag.Oid) (ExecuteResult, error) {
	e.state = StateConflicted
	return ExecuteResult{
		Status:   ExecuteDeclinedToMerge,
		Conflict: &MergeConflict{Commit: commit},
	}, nil
}

func (e *Execution) fail(code int, err error) (ExecuteResult, error) {
	e.state = StateFailed
	if code == 0 {
		code = 1
	}
	return ExecuteResult{Status: ExecuteFailed, ExitCode: code}, err
}

// mergeTree performs a three-way tree merge with an explicit base. It
// returns the merged tree OID, or the conflicting paths when the merge does
// not apply cleanly.
func (e *Execution) mergeTree(ctx context.Context, base, side1, side2 string) (string, []string, error) {
	out, err := e.repo.Runner().RunRaw(ctx,
		"merge-tree", "--write-tree", "--merge-base="+base, side1, side2)
	if err != nil {
		var cmdErr *restackerrors.GitCommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return "", parseMergeTreeConflicts(cmdErr.Stdout), nil
		}
		return "", nil, err
	}
	return strings.TrimSpace(out), nil, nil
}

func (e *Execution) mergeTreePair(ctx context.Context, side1, side2 string) (string, []string, error) {
	out, err := e.repo.Runner().RunRaw(ctx, "merge-tree", "--write-tree", side1, side2)
	if err != nil {
		var cmdErr *restackerrors.GitCommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return "", parseMergeTreeConflicts(cmdErr.Stdout), nil
		}
		return "", nil, err
	}
	return strings.TrimSpace(out), nil, nil
}

// commitTree writes a new commit object with the given tree and parents,
// carrying over the original commit's author and message. Committer
// timestamps are refreshed to now unless preservation is requested.
func (e *Execution) commitTree(ctx context.Context, tree string, parents []dag.Oid, original dag.Oid) (dag.Oid, error) {
	info, err := e.repo.CommitInfo(original)
	if err != nil {
		return "", err
	}

	committerDate := e.opts.Now
	if e.opts.PreserveTimestamps {
		committerDate = info.CommitterDate
	}
	env := []string{
		"GIT_AUTHOR_NAME=" + info.AuthorName,
		"GIT_AUTHOR_EMAIL=" + info.AuthorEmail,
		"GIT_AUTHOR_DATE=" + gitDate(info.AuthorDate),
		"GIT_COMMITTER_NAME=" + info.CommitterName,
		"GIT_COMMITTER_EMAIL=" + info.CommitterEmail,
		"GIT_COMMITTER_DATE=" + gitDate(committerDate),
	}

	args := []string{"commit-tree", tree}
	for _, parent := range parents {
		args = append(args, "-p", string(parent))
	}

	out, err := e.repo.Runner().RunWithEnvInput(ctx, env, info.Message, args...)
	if err != nil {
		return "", fmt.Errorf("failed to write rewritten commit for %s: %w", original.Short(), err)
	}
	return dag.Oid(strings.TrimSpace(out)), nil
}

func (e *Execution) mapParents(parents []dag.Oid) []dag.Oid {
	mapped := make([]dag.Oid, len(parents))
	for i, parent := range parents {
		if newOid, ok := e.rewritten[parent]; ok {
			mapped[i] = newOid
		} else {
			mapped[i] = parent
		}
	}
	return mapped
}

func (e *Execution) checkoutDetached(ctx context.Context, oid dag.Oid) (int, error) {
	return e.repo.Runner().RunLoud(ctx, e.opts.TxID, "checkout", "--detach", string(oid))
}

func (e *Execution) currentHead(ctx context.Context) (dag.Oid, error) {
	out, err := e.repo.Runner().Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return dag.Oid(out), nil
}

func (e *Execution) inConflict(ctx context.Context) bool {
	_, err := e.repo.Runner().Run(ctx, "rev-parse", "-q", "--verify", "CHERRY_PICK_HEAD")
	if err == nil {
		return true
	}
	_, err = e.repo.Runner().Run(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

func (e *Execution) conflictingPaths(ctx context.Context) []string {
	lines, err := e.repo.Runner().RunLines(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	return lines
}

// parseMergeTreeConflicts extracts conflicted paths from merge-tree output:
// the OID line, then "<mode> <oid> <stage>\t<path>" informational lines.
func parseMergeTreeConflicts(out string) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, line := range strings.Split(out, "\n")[1:] {
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		path := line[tab+1:]
		if _, ok := seen[path]; ok || path == "" {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	if paths == nil {
		paths = []string{}
	}
	return paths
}

func gitDate(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Unix(), t.Format("-0700"))
}
