// Package git provides a wrapper around git commands and go-git for
// repository operations. Subprocess invocation is used for operations that
// affect the working copy or must run hooks; go-git is used for everything
// else.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/eventlog"
)

// DefaultCommandTimeout is the default timeout for git commands
const DefaultCommandTimeout = 5 * time.Minute

// CommandRunner handles execution of git commands
type CommandRunner struct {
	workingDir string
	gitPath    string
}

// NewCommandRunner creates a new CommandRunner for the given working directory.
func NewCommandRunner(workingDir string) *CommandRunner {
	return &CommandRunner{workingDir: workingDir, gitPath: "git"}
}

// SetGitPath overrides the git executable to invoke.
func (r *CommandRunner) SetGitPath(path string) {
	r.gitPath = path
}

// WorkingDir returns the working directory commands run in.
func (r *CommandRunner) WorkingDir() string {
	return r.workingDir
}

// Run executes a git command silently and returns the trimmed stdout.
func (r *CommandRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.runInternal(ctx, nil, "", true, args...)
}

// RunRaw executes a git command silently and returns the raw stdout (no trimming).
func (r *CommandRunner) RunRaw(ctx context.Context, args ...string) (string, error) {
	return r.runInternal(ctx, nil, "", false, args...)
}

// RunLines executes a git command silently and returns stdout as lines.
func (r *CommandRunner) RunLines(ctx context.Context, args ...string) ([]string, error) {
	output, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return []string{}, nil
	}
	return strings.Split(output, "\n"), nil
}

// RunWithInput executes a git command with the given stdin.
func (r *CommandRunner) RunWithInput(ctx context.Context, input string, args ...string) (string, error) {
	return r.runInternal(ctx, nil, input, true, args...)
}

// RunWithEnvInput executes a git command with extra environment variables and
// the given stdin.
func (r *CommandRunner) RunWithEnvInput(ctx context.Context, env []string, input string, args ...string) (string, error) {
	return r.runInternal(ctx, env, input, true, args...)
}

// RunWithTx executes a git command silently with the transaction id exported
// in the environment, so hooks invoked downstream can correlate their side
// effects with the originating operation.
func (r *CommandRunner) RunWithTx(ctx context.Context, txID eventlog.TxID, args ...string) (string, error) {
	env := []string{fmt.Sprintf("%s=%d", eventlog.TransactionIDEnvVar, txID)}
	return r.runInternal(ctx, env, "", true, args...)
}

// RunLoud executes a git command with stdout/stderr connected to the user's
// terminal, announcing the invocation first. This is suitable for commands
// which affect the working copy or should run hooks. The exit code is
// returned verbatim; a non-zero exit is not an error.
func (r *CommandRunner) RunLoud(ctx context.Context, txID eventlog.TxID, args ...string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(os.Stdout, "restack: %s %s\n", r.gitPath, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", eventlog.TransactionIDEnvVar, txID))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Terminated by a signal.
			code = 1
		}
		return code, nil
	}
	return 1, fmt.Errorf("failed to spawn %s %v: %w", r.gitPath, args, err)
}

// MinMergeTreeVersion is the oldest git that understands
// merge-tree --write-tree --merge-base.
const MinMergeTreeVersion = "2.40"

// SupportsMergeTreeWriteTree reports whether the installed git is new enough
// for tree-level merges with an explicit base.
func (r *CommandRunner) SupportsMergeTreeWriteTree(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "version")
	if err != nil {
		return false, err
	}
	major, minor, err := parseGitVersion(out)
	if err != nil {
		return false, err
	}
	return major > 2 || (major == 2 && minor >= 40), nil
}

// parseGitVersion extracts major and minor from output like
// "git version 2.40.1" or "git version 2.39.5 (Apple Git-154)".
func parseGitVersion(out string) (int, int, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("unrecognized git version output: %q", out)
	}
	parts := strings.Split(fields[2], ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unrecognized git version: %q", fields[2])
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git version: %q", fields[2])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git version: %q", fields[2])
	}
	return major, minor, nil
}

// runInternal is the internal implementation that handles env, input and trimming.
func (r *CommandRunner) runInternal(ctx context.Context, env []string, input string, trim bool, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// If no timeout/deadline is set in the context, add the default one
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		return "", restackerrors.NewGitCommandError(r.gitPath, args, stdout.String(), stderr.String(), exitCode, err)
	}
	if trim {
		return strings.TrimSpace(stdout.String()), nil
	}
	return stdout.String(), nil
}
