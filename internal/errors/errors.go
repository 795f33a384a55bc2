// Package errors provides sentinel errors and custom error types for restack.
// Use errors.Is() and errors.As() to check for specific error types.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common conditions
var (
	// ErrPublicCommit indicates an attempt to rewrite a public commit
	// without the override flag set.
	ErrPublicCommit = errors.New("cannot rewrite public commit")

	// ErrCommitNotFound indicates that an OID could not be resolved in the
	// underlying object store.
	ErrCommitNotFound = errors.New("commit not found")

	// ErrCycleDetected indicates that the requested rewrite would produce a
	// cycle in the commit graph.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrPoolExhausted indicates that no repository handle could be obtained
	// from the pool.
	ErrPoolExhausted = errors.New("repository pool exhausted")

	// ErrMalformedRevset indicates a commit-selection expression that failed
	// to parse.
	ErrMalformedRevset = errors.New("malformed revset")
)

// PolicyError is returned when a rewrite-target set fails the
// public-commit-rewrite policy check.
type PolicyError struct {
	// PublicCommits lists the offending commit OIDs.
	PublicCommits []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf(
		"refusing to rewrite %d public commit(s): %s (re-run with --force-rewrite-public to override)",
		len(e.PublicCommits), strings.Join(e.PublicCommits, ", "))
}

// Is returns true if the target error is ErrPublicCommit
func (e *PolicyError) Is(target error) bool {
	return target == ErrPublicCommit
}

// NewPolicyError creates a new PolicyError
func NewPolicyError(publicCommits []string) *PolicyError {
	return &PolicyError{PublicCommits: publicCommits}
}

// GraphError is returned when a DAG query references an OID that is not
// resolvable in the object store.
type GraphError struct {
	Oid string
	Err error
}

func (e *GraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("commit %s could not be resolved: %v", e.Oid, e.Err)
	}
	return fmt.Sprintf("commit %s could not be resolved", e.Oid)
}

// Is returns true if the target error is ErrCommitNotFound
func (e *GraphError) Is(target error) bool {
	return target == ErrCommitNotFound
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// NewGraphError creates a new GraphError
func NewGraphError(oid string, err error) *GraphError {
	return &GraphError{Oid: oid, Err: err}
}

// BuildPlanError is a structural failure during rebase plan construction:
// a cycle, an unresolved reference, or a policy violation. Construction is
// side-effect-free, so a failed build never leaves partial graph state.
type BuildPlanError struct {
	Message string
	Err     error
}

func (e *BuildPlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to build rebase plan: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("failed to build rebase plan: %s", e.Message)
}

func (e *BuildPlanError) Unwrap() error {
	return e.Err
}

// NewBuildPlanError creates a new BuildPlanError
func NewBuildPlanError(message string, err error) *BuildPlanError {
	return &BuildPlanError{Message: message, Err: err}
}

// PoolError is returned when a repository handle cannot be obtained, either
// because the pool is exhausted or the underlying store failed to open.
type PoolError struct {
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("failed to obtain repository handle: %v", e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolError creates a new PoolError
func NewPoolError(err error) *PoolError {
	return &PoolError{Err: err}
}

// GitCommandError represents an error from a git command execution
type GitCommandError struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *GitCommandError) Error() string {
	msg := fmt.Sprintf("git command failed: %s", e.Command)
	if len(e.Args) > 0 {
		msg += fmt.Sprintf(" %v", e.Args)
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", e.Stderr)
	}
	if e.Stdout != "" {
		msg += fmt.Sprintf("\nstdout: %s", e.Stdout)
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n%v", e.Err)
	}
	return msg
}

func (e *GitCommandError) Unwrap() error {
	return e.Err
}

// NewGitCommandError creates a new GitCommandError
func NewGitCommandError(command string, args []string, stdout, stderr string, exitCode int, err error) *GitCommandError {
	return &GitCommandError{
		Command:  command,
		Args:     args,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Err:      err,
	}
}
