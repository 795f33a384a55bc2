package git

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
)

// Repository wraps a go-git repository together with a subprocess runner for
// the operations go-git cannot perform (working-copy rebases, hooks).
type Repository struct {
	*gogit.Repository
	path   string
	runner *CommandRunner

	// Synchronizes go-git object access to prevent concurrent packfile reads.
	mu sync.Mutex
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	repo, err := gogit.PlainOpenWithOptions(absPath, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	root := absPath
	if worktree, err := repo.Worktree(); err == nil {
		root = worktree.Filesystem.Root()
	}

	return &Repository{
		Repository: repo,
		path:       root,
		runner:     NewCommandRunner(root),
	}, nil
}

// Runner returns the subprocess runner bound to this repository's worktree.
func (r *Repository) Runner() *CommandRunner {
	return r.runner
}

// Root returns the repository's worktree root directory.
func (r *Repository) Root() string {
	return r.path
}

// StateDir returns the directory where restack keeps its own state (the
// event log database), inside the .git directory.
func (r *Repository) StateDir() (string, error) {
	gitDir, err := r.runner.Run(context.Background(), "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", fmt.Errorf("failed to locate git dir: %w", err)
	}
	return filepath.Join(gitDir, "restack"), nil
}

// ResolveOid resolves a revision (ref name, abbreviated hash, etc.) to a
// commit OID.
func (r *Repository) ResolveOid(rev string) (dag.Oid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, err := r.Repository.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", restackerrors.NewGraphError(rev, err)
	}
	return dag.Oid(hash.String()), nil
}

// CommitParents returns the parent OIDs of the given commit. It implements
// dag.CommitSource.
func (r *Repository) CommitParents(oid dag.Oid) ([]dag.Oid, error) {
	commit, err := r.commitObject(oid)
	if err != nil {
		return nil, err
	}
	parents := make([]dag.Oid, 0, commit.NumParents())
	for _, hash := range commit.ParentHashes {
		parents = append(parents, dag.Oid(hash.String()))
	}
	return parents, nil
}

// OnlyParent returns the commit's parent if it has exactly one.
func (r *Repository) OnlyParent(oid dag.Oid) (dag.Oid, bool, error) {
	parents, err := r.CommitParents(oid)
	if err != nil {
		return "", false, err
	}
	if len(parents) != 1 {
		return "", false, nil
	}
	return parents[0], true, nil
}

// CommitMessage returns the commit's full message.
func (r *Repository) CommitMessage(oid dag.Oid) (string, error) {
	commit, err := r.commitObject(oid)
	if err != nil {
		return "", err
	}
	return commit.Message, nil
}

// ShortDescribe renders "abcd1234 subject line" for user-facing report lines.
// Unresolvable commits degrade to the bare OID rather than failing, since
// this is only used for display.
func (r *Repository) ShortDescribe(oid dag.Oid) string {
	commit, err := r.commitObject(oid)
	if err != nil {
		return oid.Short()
	}
	subject := commit.Message
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	return fmt.Sprintf("%s %s", oid.Short(), strings.TrimSpace(subject))
}

// IsAncestor reports whether ancestor is an ancestor of descendant.
func (r *Repository) IsAncestor(ancestor, descendant dag.Oid) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	ancestorCommit, err := r.commitObject(ancestor)
	if err != nil {
		return false, err
	}
	descendantCommit, err := r.commitObject(descendant)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return ancestorCommit.IsAncestor(descendantCommit)
}

// MergeBase returns the merge base of the two commits.
func (r *Repository) MergeBase(a, b dag.Oid) (dag.Oid, error) {
	commitA, err := r.commitObject(a)
	if err != nil {
		return "", err
	}
	commitB, err := r.commitObject(b)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bases, err := commitA.MergeBase(commitB)
	if err != nil {
		return "", fmt.Errorf("failed to find merge base: %w", err)
	}
	if len(bases) == 0 {
		return "", fmt.Errorf("no merge base between %s and %s", a.Short(), b.Short())
	}
	return dag.Oid(bases[0].Hash.String()), nil
}

// CreateReference points the named reference at the given OID, creating or
// force-updating it, and records logMessage in the reflog.
func (r *Repository) CreateReference(name string, oid dag.Oid, logMessage string) error {
	_, err := r.runner.Run(context.Background(),
		"update-ref", "-m", logMessage, name, string(oid))
	if err != nil {
		return fmt.Errorf("failed to update reference %s: %w", name, err)
	}
	return nil
}

// SortCommitsByDate orders the given commits by committer date, oldest
// first, breaking ties on OID so the order is deterministic.
func (r *Repository) SortCommitsByDate(set dag.CommitSet) ([]dag.Oid, error) {
	oids := set.Sorted()
	when := make(map[dag.Oid]time.Time, len(oids))
	for _, oid := range oids {
		commit, err := r.commitObject(oid)
		if err != nil {
			return nil, err
		}
		when[oid] = commit.Committer.When
	}
	sort.SliceStable(oids, func(i, j int) bool {
		ti, tj := when[oids[i]], when[oids[j]]
		if ti.Equal(tj) {
			return oids[i] < oids[j]
		}
		return ti.Before(tj)
	})
	return oids, nil
}

// CommitPatch returns the commit's patch text against its first parent (or
// the empty tree for a root commit), with rename detection enabled.
func (r *Repository) CommitPatch(ctx context.Context, oid dag.Oid) (string, error) {
	patch, err := r.runner.RunRaw(ctx,
		"diff-tree", "--patch", "--no-commit-id", "--find-renames", "--root", string(oid))
	if err != nil {
		return "", fmt.Errorf("failed to compute patch for %s: %w", oid.Short(), err)
	}
	return patch, nil
}

func (r *Repository) commitObject(oid dag.Oid) (*object.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash := plumbing.NewHash(string(oid))
	commit, err := r.Repository.CommitObject(hash)
	if err != nil {
		return nil, restackerrors.NewGraphError(string(oid), err)
	}
	return commit, nil
}
