package mesh

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// connection is one symmetric edge of the tile configuration graph: the
// neighboring tile and the (deduplicated-by-identity) list of matches
// driving the fit against it.
type connection struct {
	to      *Tile
	matches []PointMatch
}

// Tile is a model-bearing node in the tile configuration graph: it holds a
// parametric model (component A), the union of its neighbors' matches it
// fits against, and a live error estimate updated on every optimize
// iteration.
type Tile struct {
	ID    string
	Model Model

	conns []connection
	err   float64
}

// NewTile returns a Tile with a fresh identity model of the given kind.
func NewTile(id string, kind ModelKind) (*Tile, error) {
	m, err := NewModel(kind)
	if err != nil {
		return nil, err
	}
	return &Tile{ID: id, Model: m}, nil
}

// Error returns the tile's most recently computed error estimate.
func (t *Tile) Error() float64 { return t.err }

// connectionTo returns the existing connection to other, if any.
func (t *Tile) connectionTo(other *Tile) *connection {
	for i := range t.conns {
		if t.conns[i].to == other {
			return &t.conns[i]
		}
	}
	return nil
}

// allMatches returns every match across all of the tile's connections, in
// connection-then-match order (stable, for deterministic fits).
func (t *Tile) allMatches() []PointMatch {
	var out []PointMatch
	for _, c := range t.conns {
		out = append(out, c.matches...)
	}
	return out
}

// TileConfig is a set of tiles plus their connections, with a subset marked
// fixed. Iteration order over tiles is stable by insertion order, and the
// same pair of tiles can never be connected twice (connect is idempotent
// per spec.md §4.C, deduplicating matches by point identity).
type TileConfig struct {
	mu sync.Mutex

	tiles   []*Tile
	index   map[*Tile]int
	fixed   map[*Tile]bool
}

// NewTileConfig returns an empty tile configuration.
func NewTileConfig() *TileConfig {
	return &TileConfig{index: make(map[*Tile]int), fixed: make(map[*Tile]bool)}
}

// AddTile adds t to the configuration if it is not already present.
// Idempotent.
func (c *TileConfig) AddTile(t *Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTileLocked(t)
}

func (c *TileConfig) addTileLocked(t *Tile) {
	if _, ok := c.index[t]; ok {
		return
	}
	c.index[t] = len(c.tiles)
	c.tiles = append(c.tiles, t)
}

// FixTile marks t as non-moving: its model is held at its current value
// throughout Optimize. Idempotent; also adds t if not already present.
func (c *TileConfig) FixTile(t *Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTileLocked(t)
	c.fixed[t] = true
}

// IsFixed reports whether t is marked fixed.
func (c *TileConfig) IsFixed(t *Tile) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fixed[t]
}

// Connect installs a symmetric edge between a and b carrying matches,
// adding both tiles if needed. Calling Connect again for the same pair
// appends any matches not already present (deduplicated by identity of the
// match's P1/P2 point objects) rather than installing a second edge.
func (c *TileConfig) Connect(a, b *Tile, matches []PointMatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTileLocked(a)
	c.addTileLocked(b)

	connAB := a.connectionTo(b)
	if connAB == nil {
		a.conns = append(a.conns, connection{to: b})
		connAB = &a.conns[len(a.conns)-1]
	}
	connBA := b.connectionTo(a)
	if connBA == nil {
		b.conns = append(b.conns, connection{to: a})
		connBA = &b.conns[len(b.conns)-1]
	}

	for _, m := range matches {
		if !hasMatch(connAB.matches, m) {
			connAB.matches = append(connAB.matches, m)
		}
	}
	// Mirror onto the b->a edge with P1/P2 swapped so each side fits
	// against the other's frame.
	for _, m := range matches {
		mirrored := PointMatch{P1: m.P2, P2: m.P1, Weight: m.Weight}
		if !hasMatch(connBA.matches, mirrored) {
			connBA.matches = append(connBA.matches, mirrored)
		}
	}
}

func hasMatch(existing []PointMatch, m PointMatch) bool {
	for _, e := range existing {
		if e.P1 == m.P1 && e.P2 == m.P2 {
			return true
		}
	}
	return false
}

// Tiles returns the tiles in insertion order.
func (c *TileConfig) Tiles() []*Tile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Tile, len(c.tiles))
	copy(out, c.tiles)
	return out
}

// minUsableMatches is the fewest matches a non-fixed tile needs after
// pruning to participate in a solve; below this the solver fails with
// ErrNotEnoughDataPoints per spec.md §4.C.
const minUsableMatches = 3

// Optimize iteratively refits every non-fixed tile's model against the
// current (possibly still-updating) state of its neighbors, tracking the
// maximum per-tile error and the mean error across all tiles. It
// terminates when the maximum error drops below maxEpsilon, or when the
// mean-error plateau (width maxPlateauWidth) has filled and its slope is
// <= 0, with maxIters as a hard cap. Tiles are visited in stable insertion
// order; per-iteration error reduction uses pairwise-ordered summation so
// the result does not depend on goroutine completion order. It returns the
// number of iterations actually executed, for RunReport.LayerOutcomes.
func (c *TileConfig) Optimize(ctx context.Context, maxEpsilon float64, maxIters int, maxPlateauWidth int) (int, error) {
	tiles := c.Tiles()

	for _, t := range tiles {
		if c.IsFixed(t) {
			continue
		}
		if len(t.allMatches()) < minUsableMatches {
			return 0, fmt.Errorf("%w: tile %s has fewer than %d matches", ErrNotEnoughDataPoints, t.ID, minUsableMatches)
		}
	}

	ring := newPlateauRing(maxPlateauWidth)
	for iter := 0; iter < maxIters; iter++ {
		select {
		case <-ctx.Done():
			return iter, ErrCanceled
		default:
		}

		errs := make([]float64, len(tiles))
		for i, t := range tiles {
			if c.IsFixed(t) {
				errs[i] = 0
				continue
			}
			matches := transformedMatches(t)
			if err := t.Model.Fit(matches); err != nil {
				// spec.md §7: a not-enough-data-points fit returns
				// identity for that fit, logs a warning, and continues.
				log.Printf("[ALIGN] warning: tile %s: %v; using identity", t.ID, err)
				if identity, idErr := NewModel(t.Model.Kind()); idErr == nil {
					t.Model = identity
				}
				t.err = 0
				errs[i] = 0
				continue
			}
			t.err = t.Model.Cost(matches)
			errs[i] = t.err
		}

		maxErr := pairwiseMax(errs)
		meanErr := pairwiseSum(errs) / float64(len(errs))
		ring.push(meanErr)

		if maxErr < maxEpsilon {
			return iter + 1, nil
		}
		if ring.full() && ring.slope() <= 0 {
			return iter + 1, nil
		}
	}
	return maxIters, nil
}

// transformedMatches returns t's incident matches with P2 pre-mapped
// through each neighbor's current model, so t.Model.Fit sees its
// neighbors' best current estimate of world position rather than their
// raw local coordinates.
func transformedMatches(t *Tile) []PointMatch {
	var out []PointMatch
	for _, conn := range t.conns {
		neighborModel := conn.to.Model
		for _, m := range conn.matches {
			mapped := neighborModel.Apply(Point{L: m.P2.L})
			target := Point{L: mapped.W}
			out = append(out, PointMatch{P1: m.P1, P2: &target, Weight: m.Weight})
		}
	}
	return out
}
