package git

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"restack.dev/restack/internal/dag"
)

// MainBranchName returns the configured main branch name. The
// restack.mainBranch config key wins; otherwise the first of "main" and
// "master" that exists locally is used.
func (r *Repository) MainBranchName() (string, error) {
	if configured, err := r.runner.Run(context.Background(), "config", "--get", "restack.mainBranch"); err == nil && configured != "" {
		return configured, nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := r.Reference(plumbing.NewBranchReferenceName(candidate), true); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not determine main branch; set restack.mainBranch in git config")
}

// MainBranchOid resolves the main branch to its commit OID.
func (r *Repository) MainBranchOid() (dag.Oid, error) {
	name, err := r.MainBranchName()
	if err != nil {
		return "", err
	}
	return r.ResolveOid(name)
}

// UpstreamOf returns the remote-tracking OID for the given branch, resolved
// through branch.<name>.remote and branch.<name>.merge. The second return is
// false when the branch tracks no upstream, or the upstream has never been
// fetched.
func (r *Repository) UpstreamOf(branchName string) (dag.Oid, bool, error) {
	config, err := r.Config()
	if err != nil {
		return "", false, fmt.Errorf("failed to read repository config: %w", err)
	}
	branch, ok := config.Branches[branchName]
	if !ok || branch.Remote == "" {
		return "", false, nil
	}
	merge := branch.Merge.Short()
	if merge == "" {
		merge = branchName
	}
	remoteRef := plumbing.NewRemoteReferenceName(branch.Remote, merge)
	ref, err := r.Reference(remoteRef, true)
	if err != nil {
		return "", false, nil
	}
	return dag.Oid(ref.Hash().String()), true, nil
}

// ReferencesSnapshot captures the live branch references and HEAD.
func (r *Repository) ReferencesSnapshot() (dag.ReferencesSnapshot, error) {
	snapshot := dag.ReferencesSnapshot{Branches: make(map[string]dag.Oid)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if head, err := r.Head(); err == nil {
		snapshot.HeadOid = dag.Oid(head.Hash().String())
	}

	branches, err := r.Branches()
	if err != nil {
		return snapshot, fmt.Errorf("failed to list branches: %w", err)
	}
	err = branches.ForEach(func(ref *plumbing.Reference) error {
		snapshot.Branches[ref.Name().Short()] = dag.Oid(ref.Hash().String())
		return nil
	})
	if err != nil {
		return snapshot, fmt.Errorf("failed to iterate branches: %w", err)
	}

	mainName, err := r.mainBranchNameLocked()
	if err == nil {
		snapshot.MainBranchOid = snapshot.Branches[mainName]
	}
	return snapshot, nil
}

// mainBranchNameLocked mirrors MainBranchName without re-acquiring the
// go-git mutex.
func (r *Repository) mainBranchNameLocked() (string, error) {
	if configured, err := r.runner.Run(context.Background(), "config", "--get", "restack.mainBranch"); err == nil && configured != "" {
		return configured, nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := r.Reference(plumbing.NewBranchReferenceName(candidate), true); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not determine main branch")
}
