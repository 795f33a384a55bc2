// Package config reads restack's engine knobs from git config, with
// environment variable overrides for use in scripts and tests.
package config

import (
	"context"
	"os"
	"runtime"
	"strconv"

	"restack.dev/restack/internal/git"
)

// Env var overrides. Each shadows the corresponding git config key.
const (
	EnvPreserveTimestamps = "RESTACK_PRESERVE_TIMESTAMPS"
	EnvPoolSize           = "RESTACK_POOL_SIZE"
)

// PreserveTimestamps reports whether rewritten commits keep their original
// committer timestamps instead of being refreshed to now. Key:
// restack.preserveTimestamps, default false.
func PreserveTimestamps(ctx context.Context, runner *git.CommandRunner) bool {
	if v := os.Getenv(EnvPreserveTimestamps); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	value, err := runner.Run(ctx, "config", "--get", "--type", "bool", "restack.preserveTimestamps")
	if err != nil {
		return false
	}
	return value == "true"
}

// PoolSize returns the bound on concurrently open repository handles. Key:
// restack.poolSize, default GOMAXPROCS.
func PoolSize(ctx context.Context, runner *git.CommandRunner) int {
	if v := os.Getenv(EnvPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	value, err := runner.Run(ctx, "config", "--get", "--type", "int", "restack.poolSize")
	if err == nil {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return runtime.GOMAXPROCS(0)
}
