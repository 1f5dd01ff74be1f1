package mesh

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool is a bounded worker pool used for every "parallel over layer
// partitions" phase named in spec.md §5: fix-up, inter-layer wiring, mesh
// relaxation, and per-tile emit. It is a thin wrapper over
// golang.org/x/sync/errgroup that adds a concurrency cap and a cooperative
// cancellation context, so a single worker's error shuts down the whole
// phase and the orchestrator sees exactly the first error raised — no
// partial work is left half-applied, per spec.md §5's failure-containment
// policy.
type Pool struct {
	size int
	ctx  context.Context
}

// NewPool returns a Pool with the given concurrency size. A size <= 0
// defaults to runtime.NumCPU(), matching the CLI's `--threads` default.
func NewPool(size int, ctx context.Context) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Pool{size: size, ctx: ctx}
}

// ForEachIndex runs fn(i) for every i in [0, n) across the pool's bounded
// concurrency, blocking until every call has returned (the phase barrier
// described in spec.md §5). If any call returns a non-nil error, the pool
// context is canceled, remaining calls may be skipped, and the first
// observed error is returned.
func (p *Pool) ForEachIndex(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(p.ctx)
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fn(i)
		})
	}
	return g.Wait()
}

// Partitions splits [0, n) into at most p.size contiguous slabs whose sizes
// differ by at most one, matching spec.md §4.D's "fix-up is parallelized by partitioning
// the layer range into contiguous slabs; each slab owns its mesh
// exclusively" requirement. Concatenating results in the returned slab
// order reproduces the single-threaded traversal order.
func (p *Pool) Partitions(n int) [][2]int {
	if n == 0 {
		return nil
	}
	parts := p.size
	if parts > n {
		parts = n
	}
	base := n / parts
	rem := n % parts
	out := make([][2]int, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, [2]int{start, start + size})
		start += size
	}
	return out
}

// layerMutex is the per-layer mutex guarding a single mesh/tile pair during
// inter-layer wiring (spec.md §5 shared-resource policy item 2). Locks are
// always acquired in ascending layer-index order (see LayerLocks.LockPair)
// to prevent deadlock when two workers wire the same pair of layers from
// opposite ends.
type layerMutex struct {
	ch chan struct{}
}

func newLayerMutex() *layerMutex {
	m := &layerMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

func (m *layerMutex) Lock()   { <-m.ch }
func (m *layerMutex) Unlock() { m.ch <- struct{}{} }

// LayerLocks owns one layerMutex per layer index and hands out ordered
// lock pairs for wiring edge (a, b).
type LayerLocks struct {
	locks map[int]*layerMutex
}

// NewLayerLocks returns a LayerLocks with a mutex pre-created for every
// layer index in [0, numLayers).
func NewLayerLocks(numLayers int) *LayerLocks {
	ll := &LayerLocks{locks: make(map[int]*layerMutex, numLayers)}
	for i := 0; i < numLayers; i++ {
		ll.locks[i] = newLayerMutex()
	}
	return ll
}

// LockPair locks the mutexes for layers a and b in ascending index order
// and returns an unlock function that releases them in the reverse order.
func (ll *LayerLocks) LockPair(a, b int) (unlock func()) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	loLock, hiLock := ll.locks[lo], ll.locks[hi]
	loLock.Lock()
	if loLock != hiLock {
		hiLock.Lock()
	}
	return func() {
		if loLock != hiLock {
			hiLock.Unlock()
		}
		loLock.Unlock()
	}
}
