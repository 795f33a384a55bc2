// Package repopool provides a bounded pool of repository handles. Handles
// are interchangeable (any handle can resolve any OID in the shared object
// store), so the pool exists purely to bound concurrent native-handle usage,
// not to partition data.
package repopool

import (
	"sync"

	"golang.org/x/sync/semaphore"

	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/git"
)

// Pool hands out repository handles up to a configured bound. Acquisition
// fails fast rather than queuing unboundedly when the pool is exhausted.
type Pool struct {
	path string
	sem  *semaphore.Weighted

	mu   sync.Mutex
	idle []*git.Repository
}

// New creates a pool of at most size handles for the repository at path.
func New(path string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		path: path,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Handle is a borrowed repository handle. Release it when done.
type Handle struct {
	Repo *git.Repository
	pool *Pool
}

// Release returns the handle to the pool for reuse.
func (h *Handle) Release() {
	h.pool.mu.Lock()
	h.pool.idle = append(h.pool.idle, h.Repo)
	h.pool.mu.Unlock()
	h.pool.sem.Release(1)
}

// TryCreate obtains an idle handle or opens a new one. It returns a
// PoolError without blocking if the pool is exhausted or the underlying
// store cannot be opened.
func (p *Pool) TryCreate() (*Handle, error) {
	if !p.sem.TryAcquire(1) {
		return nil, restackerrors.NewPoolError(restackerrors.ErrPoolExhausted)
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		repo := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Handle{Repo: repo, pool: p}, nil
	}
	p.mu.Unlock()

	repo, err := git.OpenRepository(p.path)
	if err != nil {
		p.sem.Release(1)
		return nil, restackerrors.NewPoolError(err)
	}
	return &Handle{Repo: repo, pool: p}, nil
}
