package rewrite

import (
	"restack.dev/restack/internal/dag"
)

// StepKind discriminates plan steps. The set is closed: Apply, Skip, Merge.
type StepKind int

const (
	// StepApply re-applies the commit's patch onto the current head.
	StepApply StepKind = iota
	// StepSkip marks the commit as already applied on the destination
	// lineage (an identical patch id was found there); it is not re-applied.
	StepSkip
	// StepMerge creates a merge commit combining the current head with the
	// commit's other (rewritten) parent lineages.
	StepMerge
)

func (k StepKind) String() string {
	switch k {
	case StepApply:
		return "apply"
	case StepSkip:
		return "skip"
	case StepMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Step is one operation of a rebase plan.
type Step struct {
	Kind   StepKind
	Commit dag.Oid
	// Parents lists the commit's original parents; the executor maps them
	// through the rewritten-OID table to find the new parent lineages.
	Parents []dag.Oid
}

// Plan is an ordered sequence of rewrite operations. It is a pure data value
// computed once and executed zero or more times; it carries no live graph
// references. A nil *Plan from the builder means no rewrite is necessary,
// which is distinct from a plan with zero steps.
type Plan struct {
	// SourceRoot is the root of the subtree being relocated.
	SourceRoot dag.Oid
	// DestParents are the new parent(s) the subtree root is moved onto.
	DestParents []dag.Oid
	// Steps are executed in order, parent before child.
	Steps []Step
}
