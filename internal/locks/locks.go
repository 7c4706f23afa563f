// Package locks serializes mutating operations on overlapping subtrees
// of the context tree and journals multi-file mutations for crash-safe
// rollback.
package locks

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent readers per path. A writer acquires the
// full weight, excluding everyone else.
const maxReaders = 1 << 30

// PathLockManager hands out per-path reader/writer locks. Acquisition is
// always performed in sorted path order so overlapping acquisitions
// cannot deadlock.
type PathLockManager struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewPathLockManager creates an empty lock manager.
func NewPathLockManager() *PathLockManager {
	return &PathLockManager{locks: make(map[string]*pathLock)}
}

func (m *PathLockManager) acquireRef(path string) *pathLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &pathLock{sem: semaphore.NewWeighted(maxReaders)}
		m.locks[path] = l
	}
	l.refs++
	return l
}

func (m *PathLockManager) releaseRef(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, path)
	}
}

// Lease holds acquired locks until Release is called.
type Lease struct {
	manager *PathLockManager
	held    []heldLock
	once    sync.Once
}

type heldLock struct {
	path   string
	lock   *pathLock
	weight int64
}

// Release frees every lock in the lease. Safe to call more than once.
func (le *Lease) Release() {
	le.once.Do(func() {
		// Release in reverse acquisition order.
		for i := len(le.held) - 1; i >= 0; i-- {
			h := le.held[i]
			h.lock.sem.Release(h.weight)
			le.manager.releaseRef(h.path)
		}
	})
}

// Paths returns the locked paths in acquisition order.
func (le *Lease) Paths() []string {
	out := make([]string, len(le.held))
	for i, h := range le.held {
		out[i] = h.path
	}
	return out
}

// Acquire takes locks on every path; write=true takes exclusive locks.
// Paths are deduplicated and sorted before acquisition. Blocks until all
// locks are held or ctx is done, in which case any partial acquisition
// is undone.
func (m *PathLockManager) Acquire(ctx context.Context, paths []string, write bool) (*Lease, error) {
	unique := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		unique[p] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for p := range unique {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	weight := int64(1)
	if write {
		weight = maxReaders
	}

	lease := &Lease{manager: m}
	for _, p := range sorted {
		l := m.acquireRef(p)
		if err := l.sem.Acquire(ctx, weight); err != nil {
			m.releaseRef(p)
			lease.Release()
			return nil, err
		}
		lease.held = append(lease.held, heldLock{path: p, lock: l, weight: weight})
	}
	return lease, nil
}

// AcquireRead takes shared locks on every path.
func (m *PathLockManager) AcquireRead(ctx context.Context, paths ...string) (*Lease, error) {
	return m.Acquire(ctx, paths, false)
}

// AcquireWrite takes exclusive locks on every path.
func (m *PathLockManager) AcquireWrite(ctx context.Context, paths ...string) (*Lease, error) {
	return m.Acquire(ctx, paths, true)
}

// ActiveCount returns the number of paths with live locks. Exposed for
// the observer endpoint.
func (m *PathLockManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
