// Package rewrite implements rebase plan construction and execution: given a
// source commit subtree and destination parents, it computes an ordered
// sequence of graph-rewrite operations (apply, skip-as-duplicate, merge)
// honoring the public-commit-rewrite policy and duplicate detection, then
// executes the plan either in memory or against the working copy.
package rewrite

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/go-diff/diff"
	"lukechampine.com/blake3"

	"restack.dev/restack/internal/dag"
	"restack.dev/restack/internal/git"
)

// PatchID is a normalized hash of a commit's content diff, used to detect
// commits already applied elsewhere across rewritten history.
type PatchID string

// IsZero reports whether the patch id is empty (an empty diff).
func (p PatchID) IsZero() bool { return p == "" }

// computePatchID parses the commit's patch and hashes its normalized form:
// files sorted by name, hunk position headers dropped so that the same
// change carries the same identity regardless of where it lands in the file.
func computePatchID(ctx context.Context, repo *git.Repository, oid dag.Oid) (PatchID, error) {
	patch, err := repo.CommitPatch(ctx, oid)
	if err != nil {
		return "", err
	}
	if patch == "" {
		return "", nil
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return "", fmt.Errorf("failed to parse patch for %s: %w", oid.Short(), err)
	}

	sort.Slice(fileDiffs, func(i, j int) bool {
		return fileDiffs[i].NewName < fileDiffs[j].NewName
	})

	hasher := blake3.New(32, nil)
	for _, fd := range fileDiffs {
		fmt.Fprintf(hasher, "file %s -> %s\n", fd.OrigName, fd.NewName)
		for _, hunk := range fd.Hunks {
			// Line offsets are deliberately excluded: the same hunk applied
			// at a different position is still the same change.
			body := normalizeHunkBody(hunk.Body)
			hasher.Write(body)
		}
	}
	return PatchID(hex.EncodeToString(hasher.Sum(nil))), nil
}

// normalizeHunkBody strips context lines, keeping only additions and
// removals, so patch identity survives context drift.
func normalizeHunkBody(body []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case '+', '-':
			out.Write(line)
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}

// patchIDIndex is the duplicate-detection cache shared across cloned
// planners. It is read-shared and built at most once per sync invocation;
// cloned planners hold the same instance rather than deep copies.
type patchIDIndex struct {
	mu  sync.Mutex
	ids map[dag.Oid]PatchID
}

func newPatchIDIndex() *patchIDIndex {
	return &patchIDIndex{ids: make(map[dag.Oid]PatchID)}
}

// get computes (or returns the cached) patch id for oid.
func (idx *patchIDIndex) get(ctx context.Context, repo *git.Repository, oid dag.Oid) (PatchID, error) {
	idx.mu.Lock()
	if id, ok := idx.ids[oid]; ok {
		idx.mu.Unlock()
		return id, nil
	}
	idx.mu.Unlock()

	id, err := computePatchID(ctx, repo, oid)
	if err != nil {
		return "", err
	}

	idx.mu.Lock()
	idx.ids[oid] = id
	idx.mu.Unlock()
	return id, nil
}
