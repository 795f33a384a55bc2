package rewrite

import (
	"context"
	"sort"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/git"
	"restack.dev/restack/internal/repopool"
)

// moveIntent is one registered subtree relocation.
type moveIntent struct {
	sourceRoot dag.Oid
	newParents []dag.Oid
}

// Planner materializes registered subtree moves into rebase plans. A Planner
// is cheap to clone; clones share the underlying patch-identity index so
// that concurrent planners amortize index construction.
type Planner struct {
	dag     *dag.Dag
	perms   *Permissions
	index   *patchIDIndex
	intents []moveIntent
}

// NewPlanner creates a planner over the given snapshot with the given
// permission proof.
func NewPlanner(d *dag.Dag, perms *Permissions) *Planner {
	return &Planner{
		dag:   d,
		perms: perms,
		index: newPatchIDIndex(),
	}
}

// Clone returns a planner with its own intent list but shared caches.
func (p *Planner) Clone() *Planner {
	return &Planner{
		dag:   p.dag,
		perms: p.perms,
		index: p.index,
	}
}

// MoveSubtree registers an intent to relocate the subtree rooted at
// sourceRoot so that newParents become its parents, preserving the subtree's
// internal topology.
func (p *Planner) MoveSubtree(sourceRoot dag.Oid, newParents []dag.Oid) error {
	if !p.perms.Allows(sourceRoot) {
		return restackerrors.NewBuildPlanError(
			"commit "+sourceRoot.Short()+" is not covered by the verified rewrite set", nil)
	}
	p.intents = append(p.intents, moveIntent{sourceRoot: sourceRoot, newParents: newParents})
	return nil
}

// BuildPlan materializes all registered intents into one ordered plan. It
// returns (nil, nil) when no rewrite is necessary: every registered subtree
// is already parented on its destination. Construction is pure; a failed
// build never leaves partial graph state.
func (p *Planner) BuildPlan(ctx context.Context, pool *repopool.Pool) (*Plan, error) {
	if len(p.intents) == 0 {
		return nil, nil
	}

	handle, err := pool.TryCreate()
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	repo := handle.Repo

	query := p.dag.Query()
	var plan *Plan

	for _, intent := range p.intents {
		parents, err := query.Parents(intent.sourceRoot)
		if err != nil {
			return nil, restackerrors.NewBuildPlanError("unresolved source root", err)
		}
		if alreadyParented(parents, intent.newParents) {
			continue
		}

		steps, err := p.planSubtree(ctx, repo, query, intent)
		if err != nil {
			return nil, err
		}
		if plan == nil {
			plan = &Plan{
				SourceRoot:  intent.sourceRoot,
				DestParents: intent.newParents,
			}
		}
		plan.Steps = append(plan.Steps, steps...)
	}

	return plan, nil
}

// planSubtree walks the subtree rooted at the intent's source root in
// topological (parent-before-child) order, classifying each commit.
func (p *Planner) planSubtree(ctx context.Context, repo *git.Repository, query *dag.Query, intent moveIntent) ([]Step, error) {
	subtree, err := query.Descendants(dag.NewCommitSet(intent.sourceRoot))
	if err != nil {
		return nil, restackerrors.NewBuildPlanError("failed to collect subtree", err)
	}

	order, err := topoSort(query, subtree)
	if err != nil {
		return nil, err
	}

	// Candidate duplicates live on the destination lineage but not on the
	// lineage the subtree is moving off of.
	var destIDs map[PatchID]dag.Oid
	if p.perms.opts.DetectDuplicateCommitsViaPatchID {
		destIDs, err = p.destinationPatchIDs(ctx, repo, query, intent)
		if err != nil {
			return nil, err
		}
	}

	steps := make([]Step, 0, len(order))
	for _, oid := range order {
		parents, err := query.Parents(oid)
		if err != nil {
			return nil, restackerrors.NewBuildPlanError("unresolved commit in subtree", err)
		}

		if len(parents) > 1 {
			steps = append(steps, Step{Kind: StepMerge, Commit: oid, Parents: parents})
			continue
		}

		kind := StepApply
		if destIDs != nil {
			id, err := p.index.get(ctx, repo, oid)
			if err != nil {
				return nil, restackerrors.NewBuildPlanError("failed to compute patch id", err)
			}
			if !id.IsZero() {
				if _, dup := destIDs[id]; dup {
					kind = StepSkip
				}
			}
		}
		steps = append(steps, Step{Kind: kind, Commit: oid, Parents: parents})
	}
	return steps, nil
}

// destinationPatchIDs computes patch ids for commits present on the
// destination lineage but absent from the subtree's current lineage.
func (p *Planner) destinationPatchIDs(ctx context.Context, repo *git.Repository, query *dag.Query, intent moveIntent) (map[PatchID]dag.Oid, error) {
	oldParents, err := query.Parents(intent.sourceRoot)
	if err != nil {
		return nil, restackerrors.NewBuildPlanError("unresolved source root", err)
	}
	candidates, err := query.Only(
		dag.NewCommitSet(intent.newParents...),
		dag.NewCommitSet(oldParents...),
	)
	if err != nil {
		return nil, restackerrors.NewBuildPlanError("failed to compute destination lineage", err)
	}

	ids := make(map[PatchID]dag.Oid, candidates.Len())
	for _, oid := range candidates.Sorted() {
		id, err := p.index.get(ctx, repo, oid)
		if err != nil {
			return nil, restackerrors.NewBuildPlanError("failed to compute patch id", err)
		}
		if !id.IsZero() {
			ids[id] = oid
		}
	}
	return ids, nil
}

// topoSort orders the set parent-before-child, failing if the subgraph
// contains a cycle.
func topoSort(query *dag.Query, set dag.CommitSet) ([]dag.Oid, error) {
	inDegree := make(map[dag.Oid]int, set.Len())
	for _, oid := range set.Sorted() {
		parents, err := query.Parents(oid)
		if err != nil {
			return nil, restackerrors.NewBuildPlanError("unresolved commit", err)
		}
		if _, ok := inDegree[oid]; !ok {
			inDegree[oid] = 0
		}
		for _, parent := range parents {
			if set.Contains(parent) {
				inDegree[oid]++
			}
		}
	}

	var frontier []dag.Oid
	for oid, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, oid)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	order := make([]dag.Oid, 0, set.Len())
	for len(frontier) > 0 {
		oid := frontier[0]
		frontier = frontier[1:]
		order = append(order, oid)

		children, err := query.Children(oid)
		if err != nil {
			return nil, restackerrors.NewBuildPlanError("unresolved commit", err)
		}
		var unlocked []dag.Oid
		for _, child := range children {
			if !set.Contains(child) {
				continue
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				unlocked = append(unlocked, child)
			}
		}
		sort.Slice(unlocked, func(i, j int) bool { return unlocked[i] < unlocked[j] })
		frontier = append(frontier, unlocked...)
	}

	if len(order) != set.Len() {
		return nil, restackerrors.NewBuildPlanError("cycle detected in subtree", restackerrors.ErrCycleDetected)
	}
	return order, nil
}

func alreadyParented(current, intended []dag.Oid) bool {
	if len(current) != len(intended) {
		return false
	}
	matched := make(map[dag.Oid]bool, len(current))
	for _, oid := range current {
		matched[oid] = true
	}
	for _, oid := range intended {
		if !matched[oid] {
			return false
		}
	}
	return true
}
