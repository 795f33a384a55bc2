package rewrite

import (
	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
)

// BuildOptions control plan construction policy.
type BuildOptions struct {
	// ForceRewritePublicCommits permits rewriting commits reachable from the
	// main branch. Required when syncing the main branch itself, since its
	// commits are by definition public.
	ForceRewritePublicCommits bool
	// DetectDuplicateCommitsViaPatchID downgrades an apply to a skip when a
	// commit with an identical patch identity already exists on the
	// destination lineage.
	DetectDuplicateCommitsViaPatchID bool
}

// Permissions proves that a rewrite-target set was checked against the
// public-commit-rewrite policy. It is created once per target set, consumed
// by the planner, and never serialized.
type Permissions struct {
	opts    BuildOptions
	allowed dag.CommitSet
}

// VerifyRewriteSet checks every commit that would be rewritten when moving
// the commits in target (the target set plus all of their descendants).
// Rewriting fails with a PolicyError unless ForceRewritePublicCommits is set.
// The check performs zero graph mutations.
func VerifyRewriteSet(d *dag.Dag, opts BuildOptions, target dag.CommitSet) (*Permissions, error) {
	rewritten, err := d.Query().Descendants(target)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRewritePublicCommits {
		var publicCommits []string
		for _, oid := range rewritten.Sorted() {
			if d.IsPublic(oid) {
				publicCommits = append(publicCommits, string(oid))
			}
		}
		if len(publicCommits) > 0 {
			return nil, restackerrors.NewPolicyError(publicCommits)
		}
	}

	return &Permissions{opts: opts, allowed: rewritten}, nil
}

// Allows reports whether the permission set covers the given commit.
func (p *Permissions) Allows(oid dag.Oid) bool {
	return p.allowed.Contains(oid)
}
