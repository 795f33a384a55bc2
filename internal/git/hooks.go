package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"restack.dev/restack/internal/eventlog"
)

// RunHook runs the named repository hook if it exists; a missing hook is
// silently skipped. Per githooks(5), the hook runs with its working directory
// set to the worktree root, with any provided stdin piped in, and with the
// transaction id exported so the hook can correlate its side effects with the
// originating operation.
func (r *Repository) RunHook(ctx context.Context, hookName string, txID eventlog.TxID, args []string, stdin string) error {
	hookDir, err := r.hooksDir(ctx)
	if err != nil {
		return err
	}

	hookPath := filepath.Join(hookDir, hookName)
	if _, err := os.Stat(hookPath); err != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, hookPath, args...)
	cmd.Dir = r.path
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", eventlog.TransactionIDEnvVar, txID),
		// Hooks may invoke sibling helpers by bare name.
		"PATH="+hookDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		// Hook exit codes are advisory for post-operation hooks; report and
		// continue rather than failing the operation.
		return fmt.Errorf("hook %s failed: %w", hookName, err)
	}
	return nil
}

// hooksDir resolves core.hooksPath, falling back to $GIT_DIR/hooks.
func (r *Repository) hooksDir(ctx context.Context) (string, error) {
	if configured, err := r.runner.Run(ctx, "config", "--get", "core.hooksPath"); err == nil && configured != "" {
		if !filepath.IsAbs(configured) {
			configured = filepath.Join(r.path, configured)
		}
		return configured, nil
	}
	gitDir, err := r.runner.Run(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", fmt.Errorf("failed to locate git dir: %w", err)
	}
	return filepath.Join(gitDir, "hooks"), nil
}
