package git

import (
	"time"

	"restack.dev/restack/internal/dag"
)

// CommitInfo carries the commit attributes needed to recreate a commit
// during a rewrite.
type CommitInfo struct {
	Oid            dag.Oid
	Parents        []dag.Oid
	Tree           string
	Message        string
	AuthorName     string
	AuthorEmail    string
	AuthorDate     time.Time
	CommitterName  string
	CommitterEmail string
	CommitterDate  time.Time
}

// CommitInfo returns the commit's attributes.
func (r *Repository) CommitInfo(oid dag.Oid) (CommitInfo, error) {
	commit, err := r.commitObject(oid)
	if err != nil {
		return CommitInfo{}, err
	}
	parents := make([]dag.Oid, 0, commit.NumParents())
	for _, hash := range commit.ParentHashes {
		parents = append(parents, dag.Oid(hash.String()))
	}
	return CommitInfo{
		Oid:            oid,
		Parents:        parents,
		Tree:           commit.TreeHash.String(),
		Message:        commit.Message,
		AuthorName:     commit.Author.Name,
		AuthorEmail:    commit.Author.Email,
		AuthorDate:     commit.Author.When,
		CommitterName:  commit.Committer.Name,
		CommitterEmail: commit.Committer.Email,
		CommitterDate:  commit.Committer.When,
	}, nil
}
