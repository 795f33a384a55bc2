package dag_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/eventlog"
)

// fakeSource serves parentage from an in-memory map so graph behavior can be
// tested without a real repository.
type fakeSource map[dag.Oid][]dag.Oid

func (f fakeSource) CommitParents(oid dag.Oid) ([]dag.Oid, error) {
	parents, ok := f[oid]
	if !ok {
		return nil, restackerrors.NewGraphError(string(oid), restackerrors.ErrCommitNotFound)
	}
	return parents, nil
}

// testGraph builds this shape:
//
//	m1 -- m2          (main)
//	 \      \
//	  a1-a2  b1       (two draft stacks)
func testGraph() fakeSource {
	return fakeSource{
		"m1": nil,
		"m2": {"m1"},
		"a1": {"m1"},
		"a2": {"a1"},
		"b1": {"m2"},
	}
}

func testRefs() dag.ReferencesSnapshot {
	return dag.ReferencesSnapshot{
		HeadOid:       "a2",
		MainBranchOid: "m2",
		Branches:      map[string]dag.Oid{"feature": "b1"},
	}
}

func openTestDag(t *testing.T, source fakeSource, events []eventlog.Event) *dag.Dag {
	t.Helper()
	replayer := eventlog.NewReplayer(events)
	d, err := dag.OpenAndSync(source, replayer, replayer.MakeDefaultCursor(), testRefs())
	require.NoError(t, err)
	return d
}

func TestOpenAndSync(t *testing.T) {
	t.Run("classifies main ancestry as public", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		require.True(t, d.IsPublic("m1"))
		require.True(t, d.IsPublic("m2"))
		require.False(t, d.IsPublic("a1"))
		require.False(t, d.IsPublic("b1"))
		require.Equal(t, dag.Oid("m2"), d.MainBranchOid())
	})

	t.Run("draft commits exclude public and hidden", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		drafts, err := d.Query().DraftCommits()
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1", "a2", "b1"}, drafts.Sorted())
	})

	t.Run("hidden commit is excluded from drafts", func(t *testing.T) {
		d := openTestDag(t, testGraph(), []eventlog.Event{
			{Kind: eventlog.EventCommitHidden, CommitOid: "a2"},
		})

		drafts, err := d.Query().DraftCommits()
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1", "b1"}, drafts.Sorted())
	})

	t.Run("unhide restores visibility", func(t *testing.T) {
		d := openTestDag(t, testGraph(), []eventlog.Event{
			{Kind: eventlog.EventCommitHidden, CommitOid: "a2"},
			{Kind: eventlog.EventCommitUnhidden, CommitOid: "a2"},
		})

		drafts, err := d.Query().DraftCommits()
		require.NoError(t, err)
		require.Contains(t, drafts, dag.Oid("a2"))
	})

	t.Run("rewrite event hides old and incorporates new", func(t *testing.T) {
		source := testGraph()
		source["c1"] = []dag.Oid{"m2"}

		// c1 is referenced by no branch; only the rewrite event names it.
		d := openTestDag(t, source, []eventlog.Event{
			{Kind: eventlog.EventCommitRewritten, OldOid: "a1", NewOid: "c1"},
		})

		drafts, err := d.Query().DraftCommits()
		require.NoError(t, err)
		require.NotContains(t, drafts, dag.Oid("a1"))
		require.Contains(t, drafts, dag.Oid("c1"))
	})
}

func TestSyncFromOids(t *testing.T) {
	t.Run("incorporates a fetched upstream tip", func(t *testing.T) {
		source := testGraph()
		source["u1"] = []dag.Oid{"m2"}
		source["u2"] = []dag.Oid{"u1"}

		d := openTestDag(t, source, nil)
		require.NoError(t, d.SyncFromOids(dag.NewCommitSet("u2"), dag.NewCommitSet()))

		unique, err := d.Query().Only(dag.NewCommitSet("u2"), dag.NewCommitSet("m2"))
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"u1", "u2"}, unique.Sorted())
	})
}

func TestQuery(t *testing.T) {
	t.Run("roots have no in-set parent", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		roots, err := d.Query().Roots(dag.NewCommitSet("a1", "a2"))
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1"}, roots.Sorted())
	})

	t.Run("stack roots are drafts with no draft ancestor", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		roots, err := d.Query().StackRoots()
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1", "b1"}, roots.Sorted())
	})

	t.Run("descendants include the set itself", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		descendants, err := d.Query().Descendants(dag.NewCommitSet("a1"))
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1", "a2"}, descendants.Sorted())
	})

	t.Run("only excludes shared history", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		unique, err := d.Query().Only(dag.NewCommitSet("a2"), dag.NewCommitSet("m2"))
		require.NoError(t, err)
		require.Equal(t, []dag.Oid{"a1", "a2"}, unique.Sorted())
	})

	t.Run("unknown oid yields a graph error", func(t *testing.T) {
		d := openTestDag(t, testGraph(), nil)

		_, err := d.Query().Descendants(dag.NewCommitSet("deadbeef"))
		require.Error(t, err)

		var graphErr *restackerrors.GraphError
		require.ErrorAs(t, err, &graphErr)
	})
}
