// Package runtime provides a context type that holds the repository, event
// log and logger for use throughout the application. This avoids passing
// multiple parameters.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"restack.dev/restack/internal/eventlog"
	"restack.dev/restack/internal/git"
	"restack.dev/restack/internal/output"
)

// Context provides access to the repository, event log and output for
// commands.
type Context struct {
	Ctx   context.Context
	Repo  *git.Repository
	Log   *eventlog.DB
	Splog *output.Splog
}

// GetContext opens the repository containing the current working directory
// together with its event log database.
func GetContext(ctx context.Context) (*Context, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	repo, err := git.OpenRepository(wd)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}

	stateDir, err := repo.StateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	log, err := eventlog.OpenDB(filepath.Join(stateDir, "events.db"))
	if err != nil {
		return nil, err
	}

	splog, err := output.NewSplogWithConfig(filepath.Join(stateDir, "restack.log"))
	if err != nil {
		splog = output.NewSplog()
	}

	return &Context{
		Ctx:   ctx,
		Repo:  repo,
		Log:   log,
		Splog: splog,
	}, nil
}

// Close releases the context's resources.
func (c *Context) Close() error {
	if c.Log != nil {
		if err := c.Log.Close(); err != nil {
			return err
		}
	}
	if c.Splog != nil {
		return c.Splog.Close()
	}
	return nil
}
