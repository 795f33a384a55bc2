// Package revset implements the commit-selection expression language used to
// name sync targets. Expressions are syntax-checked before any side-effecting
// step so that a malformed selector aborts before fetch or mutation.
package revset

import (
	"fmt"
	"strings"

	"restack.dev/restack/internal/dag"
	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/git"
)

// expr is a parsed selector: either a bare revision or a function call.
type expr struct {
	fn  string
	arg string
	rev string
}

var knownFunctions = map[string]bool{
	"draft":       true,
	"stack":       true,
	"ancestors":   true,
	"descendants": true,
}

// CheckSyntax validates the given expressions without resolving them.
// It returns an error wrapping ErrMalformedRevset for the first malformed
// expression.
func CheckSyntax(exprs []string) error {
	for _, raw := range exprs {
		if _, err := parse(raw); err != nil {
			return err
		}
	}
	return nil
}

func parse(raw string) (expr, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return expr{}, fmt.Errorf("%w: empty expression", restackerrors.ErrMalformedRevset)
	}

	open := strings.IndexByte(trimmed, '(')
	if open < 0 {
		if strings.ContainsAny(trimmed, ") \t") {
			return expr{}, fmt.Errorf("%w: %q", restackerrors.ErrMalformedRevset, raw)
		}
		return expr{rev: trimmed}, nil
	}

	if !strings.HasSuffix(trimmed, ")") {
		return expr{}, fmt.Errorf("%w: unbalanced parentheses in %q", restackerrors.ErrMalformedRevset, raw)
	}
	fn := trimmed[:open]
	arg := strings.TrimSpace(trimmed[open+1 : len(trimmed)-1])
	if !knownFunctions[fn] {
		return expr{}, fmt.Errorf("%w: unknown function %q", restackerrors.ErrMalformedRevset, fn)
	}
	if fn == "draft" {
		if arg != "" {
			return expr{}, fmt.Errorf("%w: draft() takes no argument", restackerrors.ErrMalformedRevset)
		}
		return expr{fn: fn}, nil
	}
	if arg == "" || strings.ContainsAny(arg, "() \t") {
		return expr{}, fmt.Errorf("%w: %s() requires a single revision argument", restackerrors.ErrMalformedRevset, fn)
	}
	return expr{fn: fn, arg: arg}, nil
}

// Resolve evaluates the expressions against the repository and snapshot,
// returning one commit set per expression.
func Resolve(repo *git.Repository, d *dag.Dag, exprs []string) ([]dag.CommitSet, error) {
	query := d.Query()
	sets := make([]dag.CommitSet, 0, len(exprs))
	for _, raw := range exprs {
		parsed, err := parse(raw)
		if err != nil {
			return nil, err
		}
		set, err := eval(repo, query, parsed)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func eval(repo *git.Repository, query *dag.Query, parsed expr) (dag.CommitSet, error) {
	switch {
	case parsed.rev != "":
		oid, err := repo.ResolveOid(parsed.rev)
		if err != nil {
			return nil, err
		}
		return dag.NewCommitSet(oid), nil

	case parsed.fn == "draft":
		return query.DraftCommits()

	case parsed.fn == "ancestors":
		oid, err := repo.ResolveOid(parsed.arg)
		if err != nil {
			return nil, err
		}
		return query.Ancestors(dag.NewCommitSet(oid))

	case parsed.fn == "descendants":
		oid, err := repo.ResolveOid(parsed.arg)
		if err != nil {
			return nil, err
		}
		return query.Descendants(dag.NewCommitSet(oid))

	case parsed.fn == "stack":
		return evalStack(repo, query, parsed.arg)

	default:
		return nil, fmt.Errorf("%w: unsupported expression", restackerrors.ErrMalformedRevset)
	}
}

// evalStack returns the whole draft stack containing the given revision: the
// draft ancestors' root plus all of the root's draft descendants.
func evalStack(repo *git.Repository, query *dag.Query, rev string) (dag.CommitSet, error) {
	oid, err := repo.ResolveOid(rev)
	if err != nil {
		return nil, err
	}
	drafts, err := query.DraftCommits()
	if err != nil {
		return nil, err
	}
	ancestors, err := query.Ancestors(dag.NewCommitSet(oid))
	if err != nil {
		return nil, err
	}
	chain := ancestors.Intersect(drafts)
	if chain.IsEmpty() {
		return dag.NewCommitSet(), nil
	}
	roots, err := query.Roots(chain)
	if err != nil {
		return nil, err
	}
	descendants, err := query.Descendants(roots)
	if err != nil {
		return nil, err
	}
	return descendants.Intersect(drafts), nil
}
